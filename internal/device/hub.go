package device

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// hubNamespacePrefix marks notifications the hub forwards for subdevices.
const hubNamespacePrefix = "Appliance.Hub."

// hubTypePrefix is shared by every hub model (msh300, msh300hk, msh450).
const hubTypePrefix = "msh"

// IsHubType reports whether a device model is a subdevice hub.
func IsHubType(deviceType string) bool {
	return strings.HasPrefix(strings.ToLower(deviceType), hubTypePrefix)
}

// subdevice is implemented by every subdevice kind.
type subdevice interface {
	Device
	sub() *Subdevice
}

// HubDevice is a base device that proxies traffic for subdevices.
//
// Subdevice requests go out over the hub connection; hub notifications
// that carry a subdevice id are forwarded to that subdevice.
type HubDevice struct {
	*BaseDevice

	subMu       sync.RWMutex
	subs        map[string]subdevice
	onSubdevice func(Device)
}

// NewHubDevice creates a hub from its descriptor.
func NewHubDevice(desc *Descriptor, opts Options) *HubDevice {
	h := &HubDevice{
		BaseDevice: NewBaseDevice(desc, opts),
		subs:       make(map[string]subdevice),
	}
	h.BaseDevice.hook = h
	return h
}

// SetOnSubdevice registers a callback for subdevices first seen in a hub
// digest. The callback runs while the hub processes a message and must
// not publish synchronously.
func (h *HubDevice) SetOnSubdevice(fn func(Device)) {
	h.subMu.Lock()
	h.onSubdevice = fn
	h.subMu.Unlock()
}

// AddSubdevice creates the subdevice described by desc, or returns the
// existing one with the same id.
func (h *HubDevice) AddSubdevice(desc *Descriptor) Device {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if existing, ok := h.subs[desc.SubdeviceID]; ok {
		return existing
	}
	s := newSubdeviceKind(h, desc)
	h.subs[desc.SubdeviceID] = s
	return s
}

// Subdevice returns the subdevice with the given id.
func (h *HubDevice) Subdevice(id string) (Device, bool) {
	h.subMu.RLock()
	defer h.subMu.RUnlock()
	s, ok := h.subs[id]
	if !ok {
		return nil, false
	}
	return s, true
}

// Subdevices returns all subdevices ordered by id.
func (h *HubDevice) Subdevices() []Device {
	h.subMu.RLock()
	defer h.subMu.RUnlock()

	ids := make([]string, 0, len(h.subs))
	for id := range h.subs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]Device, 0, len(ids))
	for _, id := range ids {
		out = append(out, h.subs[id])
	}
	return out
}

// RefreshSubdevices polls the aggregate state of every sensor and
// thermostat behind the hub and applies the replies.
func (h *HubDevice) RefreshSubdevices(ctx context.Context) error {
	var sensors, valves []map[string]any
	for _, d := range h.Subdevices() {
		entry := map[string]any{"id": d.(subdevice).sub().id}
		switch d.(type) {
		case *Thermostat:
			valves = append(valves, entry)
		default:
			sensors = append(sensors, entry)
		}
	}

	requests := []struct {
		namespace string
		list      []map[string]any
	}{
		{protocol.NamespaceHubSensorAll, sensors},
		{protocol.NamespaceHubMts100All, valves},
	}
	for _, r := range requests {
		if len(r.list) == 0 {
			continue
		}
		reply, err := h.Publish(ctx, protocol.MethodGet, r.namespace, protocol.Payload{"all": r.list})
		if err != nil {
			return err
		}
		h.handleMu.Lock()
		h.route(r.namespace, reply, SourceResponse)
		h.handleMu.Unlock()
	}
	return nil
}

// onDigest handles digest.hub.subdevice from a full state payload.
func (h *HubDevice) onDigest(digest map[string]any, source Source) {
	hub, ok := digest["hub"].(map[string]any)
	if !ok {
		return
	}
	for _, entry := range entries(hub["subdevice"]) {
		id, ok := entry["id"].(string)
		if !ok || id == "" {
			continue
		}
		s, created := h.lookupOrCreate(id, entry)
		if created {
			h.subMu.RLock()
			fn := h.onSubdevice
			h.subMu.RUnlock()
			h.logger.Info("subdevice discovered", "hub", h.uuid, "id", id, "type", s.Type())
			if fn != nil {
				fn(s)
			}
		}
		s.sub().handleDigest(entry, source)
	}
}

// onNamespace forwards hub notifications to subdevices.
func (h *HubDevice) onNamespace(msg *protocol.Message, source Source) bool {
	if !strings.HasPrefix(msg.Header.Namespace, hubNamespacePrefix) {
		return false
	}
	h.route(msg.Header.Namespace, msg.Payload, source)
	return true
}

// route hands every entry carrying a subdevice id to that subdevice.
func (h *HubDevice) route(namespace string, payload protocol.Payload, source Source) {
	for _, v := range payload {
		for _, entry := range entries(v) {
			id, ok := entry["id"].(string)
			if !ok {
				continue
			}
			h.subMu.RLock()
			s, found := h.subs[id]
			h.subMu.RUnlock()
			if !found {
				h.logger.Debug("notification for unknown subdevice", "hub", h.uuid, "id", id, "namespace", namespace)
				continue
			}
			s.sub().handle(namespace, entry, source)
		}
	}
}

func (h *HubDevice) lookupOrCreate(id string, entry map[string]any) (subdevice, bool) {
	h.subMu.Lock()
	defer h.subMu.Unlock()

	if s, ok := h.subs[id]; ok {
		return s, false
	}
	s := newSubdeviceKind(h, &Descriptor{
		UUID:        h.uuid,
		HubUUID:     h.uuid,
		SubdeviceID: id,
		Type:        detectSubdeviceType(entry),
	})
	h.subs[id] = s
	return s, true
}

// =============================================================================
// Subdevice
// =============================================================================

// subHandler processes one forwarded entry.
type subHandler func(entry map[string]any, source Source)

// Subdevice is a device reached through a hub. It never opens its own
// transport: requests go through the hub and the hub owns correlation,
// timeouts and heartbeat.
type Subdevice struct {
	hub     *HubDevice
	id      string
	devType string
	name    string
	logger  Logger

	mu         sync.RWMutex
	status     OnlineStatus
	lastActive time.Time

	cache    *stateCache
	events   *emitter
	handlers map[string]subHandler

	// kindDigest handles the model-specific object inside a digest entry.
	kindDigest subHandler
}

func newSubdevice(hub *HubDevice, desc *Descriptor) *Subdevice {
	s := &Subdevice{
		hub:     hub,
		id:      desc.SubdeviceID,
		devType: desc.Type,
		name:    desc.Name,
		logger:  hub.logger,
		status:  StatusUnknown,
		cache:   newStateCache(),
	}
	s.events = newEmitter(s.InternalID(), hub.logger, func() time.Time { return hub.now() })
	s.handlers = map[string]subHandler{
		protocol.NamespaceHubOnline:    s.handleOnline,
		protocol.NamespaceHubBattery:   s.handleBattery,
		protocol.NamespaceHubToggleX:   s.handleToggle,
		protocol.NamespaceHubException: s.handleException,
	}
	return s
}

func (s *Subdevice) sub() *Subdevice { return s }

// InternalID returns "#SUB:{hubUuid}:{id}".
func (s *Subdevice) InternalID() string { return SubInternalID(s.hub.UUID(), s.id) }

// UUID returns the hub uuid.
func (s *Subdevice) UUID() string { return s.hub.UUID() }

// SubdeviceID returns the id assigned by the hub.
func (s *Subdevice) SubdeviceID() string { return s.id }

// Hub returns the hub this subdevice belongs to.
func (s *Subdevice) Hub() *HubDevice { return s.hub }

// Name returns the local name, or the hub name when none was set.
func (s *Subdevice) Name() string {
	if s.name != "" {
		return s.name
	}
	return s.hub.Name()
}

// Type returns the subdevice model, e.g. "ms100".
func (s *Subdevice) Type() string { return s.devType }

// Descriptor returns the persisted form of the subdevice.
func (s *Subdevice) Descriptor() *Descriptor {
	return &Descriptor{
		UUID:        s.hub.UUID(),
		Name:        s.name,
		Type:        s.devType,
		HubUUID:     s.hub.UUID(),
		SubdeviceID: s.id,
	}
}

// OnlineStatus reports the hub status while the hub is not online, and the
// subdevice's own last known status otherwise.
func (s *Subdevice) OnlineStatus() OnlineStatus {
	if hs := s.hub.OnlineStatus(); hs != StatusOnline {
		return hs
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// HasAbility reports whether the hub declared namespace.
func (s *Subdevice) HasAbility(namespace string) bool {
	return s.hub.HasAbility(namespace)
}

// LastActive returns the last activity time reported by the hub.
func (s *Subdevice) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

// Publish forwards the request to the hub unchanged.
func (s *Subdevice) Publish(ctx context.Context, method protocol.Method, namespace string, payload protocol.Payload, opts ...PublishOption) (protocol.Payload, error) {
	return s.hub.Publish(ctx, method, namespace, payload, opts...)
}

// Subscribe registers an event subscriber for this subdevice.
func (s *Subdevice) Subscribe(buffer int) (<-chan Event, func()) {
	return s.events.subscribe(buffer)
}

// Disconnect is a no-op: a subdevice holds no timers or requests of its own.
func (s *Subdevice) Disconnect() {}

// State returns cached derived fields for one capability.
func (s *Subdevice) State(capability Capability) (map[string]any, bool) {
	return s.cache.get(capability, 0)
}

// StateSnapshot returns a copy of every cached capability.
func (s *Subdevice) StateSnapshot() map[Capability]map[int]map[string]any {
	return s.cache.snapshot()
}

// BatteryLevel returns the last reported battery percentage.
func (s *Subdevice) BatteryLevel() (int, bool) {
	fields, ok := s.cache.get(CapabilityBattery, 0)
	if !ok {
		return 0, false
	}
	n, ok := fields["level"].(int)
	return n, ok
}

// handle dispatches a forwarded entry by namespace.
func (s *Subdevice) handle(namespace string, entry map[string]any, source Source) {
	fn, ok := s.handlers[namespace]
	if !ok {
		s.logger.Debug("subdevice ignoring namespace", "id", s.id, "namespace", namespace)
		return
	}
	fn(entry, source)
}

// handleDigest applies one digest.hub.subdevice entry.
func (s *Subdevice) handleDigest(entry map[string]any, source Source) {
	s.handleOnline(entry, source)
	s.handleToggle(entry, source)
	if s.kindDigest != nil {
		if data, ok := entry[s.devType].(map[string]any); ok {
			s.kindDigest(data, source)
		}
	}
}

func (s *Subdevice) handleOnline(entry map[string]any, source Source) {
	if ts, ok := toInt64(entry["lastActiveTime"]); ok && ts > 0 {
		s.mu.Lock()
		s.lastActive = time.Unix(ts, 0).UTC()
		s.mu.Unlock()
	}
	status, ok := statusFromWire(entry["status"])
	if !ok {
		return
	}
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	s.applyState(onlineDef, map[string]any{"status": int(status)}, source)
}

func (s *Subdevice) handleBattery(entry map[string]any, source Source) {
	s.applyState(batteryDef, entry, source)
}

func (s *Subdevice) handleToggle(entry map[string]any, source Source) {
	if onoff, ok := entry["onoff"]; ok {
		s.applyState(toggleDef, map[string]any{"onoff": onoff}, source)
	}
}

func (s *Subdevice) handleException(entry map[string]any, _ Source) {
	s.logger.Warn("subdevice reported exception", "hub", s.hub.UUID(), "id", s.id, "detail", entry)
	s.events.emit(Event{Kind: EventError, Type: ErrorTypeException, Value: deepCopyMap(entry)})
}

func (s *Subdevice) applyState(def *capabilityDef, fields map[string]any, source Source) {
	changed := s.cache.apply(def, 0, fields, source, s.hub.now())
	if changed == nil {
		return
	}
	s.events.emit(Event{
		Kind:   EventState,
		Type:   string(def.name),
		Value:  changed,
		Source: source,
	})
}

var batteryDef = &capabilityDef{
	name: CapabilityBattery,
	derive: func(raw map[string]any) map[string]any {
		out := map[string]any{}
		if n, ok := toInt(raw["value"]); ok {
			out["level"] = n
		}
		return out
	},
}
