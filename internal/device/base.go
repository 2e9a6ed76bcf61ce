package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/meross-core/internal/encryption"
	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
)

// Device defaults.
const (
	DefaultRequestTimeout    = 10 * time.Second
	DefaultInitialFetchDelay = 100 * time.Millisecond
	DefaultReadyTimeout      = 30 * time.Second
)

// errDisconnected is the cause attached to requests rejected by Disconnect.
var errDisconnected = errors.New("device disconnected")

// Codec is the envelope codec used by a device.
type Codec interface {
	Encode(method protocol.Method, namespace string, payload protocol.Payload, uuid string) (*protocol.Message, []byte, error)
	Decode(raw []byte) (*protocol.Message, error)
	Key() string
}

// Options configures a BaseDevice. Codec and Transport are required.
type Options struct {
	Codec     Codec
	Transport transport.Transport

	// TransportMode overrides the transport router default for this device.
	TransportMode transport.Mode

	// Timeout is the default per-request timeout.
	Timeout time.Duration

	HeartbeatInterval time.Duration
	FailureThreshold  int

	// InitialFetchDelay is the wait between Connect and the first full
	// state request.
	InitialFetchDelay time.Duration

	// ReadyTimeout bounds WaitReady when its context has no deadline.
	ReadyTimeout time.Duration

	Logger Logger
}

// PublishOption customises a single Publish call.
type PublishOption func(*publishOptions)

type publishOptions struct {
	timeout time.Duration
	source  Source
}

// WithTimeout overrides the device request timeout for one call.
func WithTimeout(d time.Duration) PublishOption {
	return func(o *publishOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// withSource tags the reply with a provenance other than response.
func withSource(s Source) PublishOption {
	return func(o *publishOptions) {
		o.source = s
	}
}

// pendingResult is delivered exactly once to a waiting Publish.
type pendingResult struct {
	payload protocol.Payload
	err     error
}

// pendingRequest is one in-flight request. It lives in the pending table
// until exactly one of reply, timeout, cancellation or disconnect removes
// it; whoever removes it delivers the result.
type pendingRequest struct {
	method    protocol.Method
	namespace string
	source    Source
	result    chan pendingResult
	timer     stopper
}

// messageHook lets a wrapping device handle traffic the base device does
// not understand. HubDevice implements it.
type messageHook interface {
	onDigest(digest map[string]any, source Source)
	onNamespace(msg *protocol.Message, source Source) bool
}

// BaseDevice is a directly connected device: it owns the pending request
// table, the state cache, the heartbeat monitor and the event stream.
//
// Thread Safety: all methods are safe for concurrent use. Inbound messages
// are processed one at a time per device.
type BaseDevice struct {
	uuid    string
	name    string
	devType string

	codec     Codec
	transport transport.Transport
	mode      transport.Mode
	logger    Logger

	timeout           time.Duration
	initialFetchDelay time.Duration
	readyTimeout      time.Duration
	after             afterFunc
	now               func() time.Time

	// handleMu serialises inbound message processing.
	handleMu sync.Mutex

	mu             sync.RWMutex
	connected      bool
	firmware       string
	hardware       string
	onlineStatus   OnlineStatus
	abilities      map[string]any
	channels       []Channel
	mac            string
	lanIP          string
	mqttHost       string
	mqttPort       int
	lastFullUpdate time.Time
	cipher         *encryption.Cipher
	pending        map[string]*pendingRequest
	initTimer      stopper

	ready     chan struct{}
	readyOnce sync.Once

	cache     *stateCache
	events    *emitter
	heartbeat *heartbeat
	hook      messageHook
}

// NewBaseDevice creates a device from its descriptor. The device is
// disconnected until Connect is called.
func NewBaseDevice(desc *Descriptor, opts Options) *BaseDevice {
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	d := &BaseDevice{
		uuid:              desc.UUID,
		name:              desc.Name,
		devType:           desc.Type,
		codec:             opts.Codec,
		transport:         opts.Transport,
		mode:              opts.TransportMode,
		logger:            logger,
		timeout:           opts.Timeout,
		initialFetchDelay: opts.InitialFetchDelay,
		readyTimeout:      opts.ReadyTimeout,
		after:             realAfterFunc,
		now:               time.Now,
		firmware:          desc.FirmwareVersion,
		hardware:          desc.HardwareVersion,
		onlineStatus:      StatusUnknown,
		abilities:         map[string]any{},
		channels:          append([]Channel(nil), desc.Channels...),
		mac:               desc.MAC,
		lanIP:             desc.LANIP,
		mqttHost:          desc.MQTTHost,
		mqttPort:          desc.MQTTPort,
		pending:           make(map[string]*pendingRequest),
		ready:             make(chan struct{}),
		cache:             newStateCache(),
	}
	if len(d.channels) == 0 {
		d.channels = ParseChannels(nil)
	}
	if d.timeout <= 0 {
		d.timeout = DefaultRequestTimeout
	}
	if d.initialFetchDelay <= 0 {
		d.initialFetchDelay = DefaultInitialFetchDelay
	}
	if d.readyTimeout <= 0 {
		d.readyTimeout = DefaultReadyTimeout
	}

	d.events = newEmitter(d.InternalID(), logger, func() time.Time { return d.now() })
	d.heartbeat = newHeartbeat(opts.HeartbeatInterval, opts.FailureThreshold, heartbeatHooks{
		ping:        d.ping,
		status:      d.OnlineStatus,
		markOffline: d.markOffline,
	}, logger)

	return d
}

// =============================================================================
// Identity and metadata
// =============================================================================

// InternalID returns the registry key "#BASE:{uuid}".
func (d *BaseDevice) InternalID() string { return BaseInternalID(d.uuid) }

// UUID returns the device uuid.
func (d *BaseDevice) UUID() string { return d.uuid }

// Name returns the device name.
func (d *BaseDevice) Name() string { return d.name }

// Type returns the device model, e.g. "mss310".
func (d *BaseDevice) Type() string { return d.devType }

// OnlineStatus returns the last known online status.
func (d *BaseDevice) OnlineStatus() OnlineStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.onlineStatus
}

// IsConnected reports whether Connect has been called without a matching
// Disconnect.
func (d *BaseDevice) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// FirmwareVersion returns the firmware version last reported.
func (d *BaseDevice) FirmwareVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.firmware
}

// HardwareVersion returns the hardware version last reported.
func (d *BaseDevice) HardwareVersion() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.hardware
}

// Abilities returns a copy of the ability map.
func (d *BaseDevice) Abilities() map[string]any {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return deepCopyMap(d.abilities)
}

// HasAbility reports whether the device declared namespace.
func (d *BaseDevice) HasAbility(namespace string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.abilities[namespace]
	return ok
}

// Channels returns the channel list.
func (d *BaseDevice) Channels() []Channel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]Channel(nil), d.channels...)
}

// MAC returns the MAC address, once known.
func (d *BaseDevice) MAC() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mac
}

// LANIP returns the LAN address, once known.
func (d *BaseDevice) LANIP() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lanIP
}

// MQTTEndpoint returns the broker host and port the device uses.
func (d *BaseDevice) MQTTEndpoint() (string, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.mqttHost, d.mqttPort
}

// LastFullUpdate returns when full state was last accepted.
func (d *BaseDevice) LastFullUpdate() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastFullUpdate
}

// Encrypted reports whether a LAN key has been derived.
func (d *BaseDevice) Encrypted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cipher != nil
}

// Descriptor returns the current metadata as a Descriptor, for persistence.
func (d *BaseDevice) Descriptor() *Descriptor {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return &Descriptor{
		UUID:            d.uuid,
		Name:            d.name,
		Type:            d.devType,
		FirmwareVersion: d.firmware,
		HardwareVersion: d.hardware,
		Channels:        append([]Channel(nil), d.channels...),
		MAC:             d.mac,
		LANIP:           d.lanIP,
		MQTTHost:        d.mqttHost,
		MQTTPort:        d.mqttPort,
		TransportMode:   string(d.mode),
	}
}

// PendingCount returns the number of in-flight requests.
func (d *BaseDevice) PendingCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.pending)
}

// =============================================================================
// Lifecycle
// =============================================================================

// Connect marks the device connected, schedules the initial full state
// request and starts the heartbeat.
func (d *BaseDevice) Connect() {
	d.mu.Lock()
	if d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = true
	d.initTimer = d.after(d.initialFetchDelay, d.initialFetch)
	d.mu.Unlock()

	d.events.emit(Event{Kind: EventConnected})
	d.heartbeat.start()
	d.logger.Debug("device connected", "uuid", d.uuid, "type", d.devType)
}

// Disconnect cancels all timers and rejects every in-flight request with
// a ConnectionError.
func (d *BaseDevice) Disconnect() {
	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return
	}
	d.connected = false
	if d.initTimer != nil {
		d.initTimer.Stop()
		d.initTimer = nil
	}
	pending := d.pending
	d.pending = make(map[string]*pendingRequest)
	for _, p := range pending {
		p.timer.Stop()
	}
	d.mu.Unlock()

	d.heartbeat.stop()

	for _, p := range pending {
		p.result <- pendingResult{err: &ConnectionError{UUID: d.uuid, Err: errDisconnected}}
	}

	d.events.emit(Event{Kind: EventDisconnected})
	d.logger.Debug("device disconnected", "uuid", d.uuid, "rejected", len(pending))
}

// WaitReady blocks until the first full state has been accepted.
//
// If ctx has no deadline the device ReadyTimeout applies. An
// InitializationError is returned when the deadline passes first.
func (d *BaseDevice) WaitReady(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.readyTimeout)
		defer cancel()
	}

	select {
	case <-d.ready:
		return nil
	case <-ctx.Done():
		return &InitializationError{UUID: d.uuid, Err: ctx.Err()}
	}
}

// Ready returns a channel closed once full state has been accepted.
func (d *BaseDevice) Ready() <-chan struct{} {
	return d.ready
}

// Subscribe registers an event subscriber.
func (d *BaseDevice) Subscribe(buffer int) (<-chan Event, func()) {
	return d.events.subscribe(buffer)
}

// Refresh requests full state. Its reply updates metadata, digest state and
// online status.
func (d *BaseDevice) Refresh(ctx context.Context) error {
	_, err := d.Publish(ctx, protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	return err
}

func (d *BaseDevice) initialFetch() {
	ctx, cancel := context.WithTimeout(context.Background(), d.readyTimeout)
	defer cancel()

	if err := d.Refresh(ctx); err != nil {
		d.logger.Debug("initial full state request failed", "uuid", d.uuid, "error", err)
	}
}

func (d *BaseDevice) ping(ctx context.Context) error {
	_, err := d.Publish(ctx, protocol.MethodGet, protocol.NamespaceSystemAll, nil, withSource(SourcePoll))
	return err
}

func (d *BaseDevice) markReady() {
	d.readyOnce.Do(func() {
		close(d.ready)
		d.events.emit(Event{Kind: EventInitialized})
	})
}

// =============================================================================
// Request / reply correlation
// =============================================================================

// Publish sends a request and waits for its reply.
//
// The pending entry is registered before the transport is called, so a
// reply can never arrive ahead of its correlation entry. Exactly one of
// reply, timeout, context cancellation or Disconnect resolves the call and
// removes the entry.
func (d *BaseDevice) Publish(ctx context.Context, method protocol.Method, namespace string, payload protocol.Payload, opts ...PublishOption) (protocol.Payload, error) {
	o := publishOptions{timeout: d.timeout, source: SourceResponse}
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.RLock()
	connected := d.connected
	lanIP := d.lanIP
	cipher := d.cipher
	d.mu.RUnlock()

	if !connected {
		return nil, &ConnectionError{UUID: d.uuid}
	}

	msg, raw, err := d.codec.Encode(method, namespace, payload, d.uuid)
	if err != nil {
		return nil, &ValidationError{Field: "request", Reason: err.Error()}
	}
	id := msg.Header.MessageID

	p := &pendingRequest{
		method:    method,
		namespace: namespace,
		source:    o.source,
		result:    make(chan pendingResult, 1),
	}

	d.mu.Lock()
	if !d.connected {
		d.mu.Unlock()
		return nil, &ConnectionError{UUID: d.uuid}
	}
	d.pending[id] = p
	p.timer = d.after(o.timeout, func() {
		d.settle(id, pendingResult{err: &TimeoutError{Method: method, Namespace: namespace, MessageID: id}})
	})
	d.mu.Unlock()

	reply, err := d.transport.Request(ctx, transport.Request{
		UUID:      d.uuid,
		LANIP:     lanIP,
		Method:    method,
		Namespace: namespace,
		Body:      raw,
		Cipher:    cipher,
		Mode:      d.mode,
	})
	switch {
	case err != nil:
		cerr := &ConnectionError{UUID: d.uuid, Err: err}
		d.events.emit(Event{Kind: EventError, Type: ErrorTypeTransport, Err: cerr})
		d.settle(id, pendingResult{err: cerr})
	case reply != nil:
		d.HandleRaw(reply)
	}

	select {
	case res := <-p.result:
		return res.payload, res.err
	case <-ctx.Done():
		d.settle(id, pendingResult{err: ctx.Err()})
		res := <-p.result
		return res.payload, res.err
	}
}

// settle removes a pending entry and delivers res to its waiter. It
// returns false when the entry was already removed.
func (d *BaseDevice) settle(id string, res pendingResult) bool {
	p := d.takePending(id)
	if p == nil {
		return false
	}
	p.result <- res
	return true
}

func (d *BaseDevice) takePending(id string) *pendingRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.pending[id]
	if !ok {
		return nil
	}
	delete(d.pending, id)
	if p.timer != nil {
		p.timer.Stop()
	}
	return p
}

// =============================================================================
// Inbound messages
// =============================================================================

// HandleRaw decodes raw and processes it. Undecodable input is dropped.
func (d *BaseDevice) HandleRaw(raw []byte) {
	msg, err := d.codec.Decode(raw)
	if err != nil {
		d.logger.Debug("dropping undecodable message", "uuid", d.uuid, "error", err)
		return
	}
	d.HandleMessage(msg)
}

// HandleMessage processes a reply or push notification from the device.
//
// Messages are dropped while disconnected or when the sender is another
// device. Full state and online status are extracted from every accepted
// message regardless of its method. A reply then resolves its pending
// request; a push is routed by namespace into the state cache.
func (d *BaseDevice) HandleMessage(msg *protocol.Message) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	if !d.IsConnected() {
		d.logger.Debug("dropping message while disconnected", "uuid", d.uuid, "namespace", msg.Header.Namespace)
		return
	}
	if src := msg.SourceUUID(); src != "" && src != d.uuid {
		d.logger.Debug("dropping message from another device", "uuid", d.uuid, "from", src)
		return
	}
	if msg.Header.Method.IsRequest() {
		return
	}

	d.heartbeat.recordResponse()

	p := d.takePending(msg.Header.MessageID)
	source := SourcePush
	if p != nil {
		source = p.source
	} else if msg.Header.Method != protocol.MethodPush {
		d.logger.Debug("reply for unknown or expired request", "uuid", d.uuid, "message_id", msg.Header.MessageID)
	}

	if msg.Header.Method != protocol.MethodError {
		d.extractFullState(msg.Payload, source)
		if status, ok := extractOnlineStatus(msg.Payload); ok {
			d.setOnlineStatus(status, source)
		}
	}

	if msg.Header.Method == protocol.MethodError {
		perr := &ProtocolError{Namespace: msg.Header.Namespace, Payload: msg.Payload}
		d.logger.Debug("device returned error", "uuid", d.uuid, "namespace", msg.Header.Namespace)
		d.events.emit(Event{Kind: EventError, Type: ErrorTypeProtocol, Value: deepCopyMap(msg.Payload), Err: perr})
		if p != nil {
			p.result <- pendingResult{err: perr}
			return
		}
	}

	if p != nil {
		p.result <- pendingResult{payload: msg.Payload}
		return
	}

	if msg.Header.Method == protocol.MethodPush {
		d.dispatch(msg, SourcePush)
	}
}

// dispatch routes a push by namespace. Unknown namespaces are ignored.
func (d *BaseDevice) dispatch(msg *protocol.Message, source Source) {
	if r, ok := pushRoutes[msg.Header.Namespace]; ok {
		for _, entry := range entries(msg.Payload[r.key]) {
			d.applyState(r.def, channelOf(entry), entry, source)
		}
		return
	}
	if d.hook != nil && d.hook.onNamespace(msg, source) {
		return
	}
	d.logger.Debug("ignoring namespace", "uuid", d.uuid, "namespace", msg.Header.Namespace)
}

// applyState merges fields into the cache and emits the resulting diff.
func (d *BaseDevice) applyState(def *capabilityDef, channel int, fields map[string]any, source Source) {
	changed := d.cache.apply(def, channel, fields, source, d.now())
	if changed == nil {
		return
	}
	d.events.emit(Event{
		Kind:    EventState,
		Type:    string(def.name),
		Channel: channel,
		Value:   changed,
		Source:  source,
	})
}

// channelOf returns the channel of a payload entry; legacy entries without
// one address channel 0.
func channelOf(entry map[string]any) int {
	if n, ok := toInt(entry["channel"]); ok {
		return n
	}
	return 0
}

// extractFullState applies the ability map and the "all" object wherever
// they appear.
func (d *BaseDevice) extractFullState(payload protocol.Payload, source Source) {
	ability, hasAbility := payload["ability"].(map[string]any)
	all, hasAll := payload["all"].(map[string]any)
	if hasAll {
		_, hasSystem := all["system"]
		_, hasDigest := all["digest"]
		hasAll = hasSystem || hasDigest
	}
	if !hasAbility && !hasAll {
		return
	}

	d.mu.Lock()
	if hasAbility {
		d.abilities = deepCopyMap(ability)
	}
	if hasAll {
		system, _ := all["system"].(map[string]any)
		if hw, ok := system["hardware"].(map[string]any); ok {
			if mac, ok := hw["macAddress"].(string); ok && mac != "" {
				d.mac = mac
			}
			if v, ok := hw["version"].(string); ok && v != "" {
				d.hardware = v
			}
		}
		if fw, ok := system["firmware"].(map[string]any); ok {
			if ip, ok := fw["innerIp"].(string); ok && ip != "" {
				d.lanIP = ip
			}
			if host, ok := fw["server"].(string); ok && host != "" {
				d.mqttHost = host
			}
			if port, ok := toInt(fw["port"]); ok && port > 0 {
				d.mqttPort = port
			}
			if v, ok := fw["version"].(string); ok && v != "" {
				d.firmware = v
			}
		}
		d.lastFullUpdate = d.now()
	}
	d.mu.Unlock()

	d.deriveKey()

	if !hasAll {
		return
	}
	if digest, ok := all["digest"].(map[string]any); ok {
		for key, def := range digestRoutes {
			for _, entry := range entries(digest[key]) {
				d.applyState(def, channelOf(entry), entry, source)
			}
		}
		if d.hook != nil {
			d.hook.onDigest(digest, source)
		}
	}
	d.markReady()
}

// extractOnlineStatus finds an online status in a full state payload or a
// System.Online notification.
func extractOnlineStatus(payload protocol.Payload) (OnlineStatus, bool) {
	if all, ok := payload["all"].(map[string]any); ok {
		if system, ok := all["system"].(map[string]any); ok {
			if online, ok := system["online"].(map[string]any); ok {
				return statusFromWire(online["status"])
			}
		}
	}
	if online, ok := payload["online"].(map[string]any); ok {
		// Hub.Online entries carry a subdevice id and describe the subdevice.
		if _, sub := online["id"]; !sub {
			return statusFromWire(online["status"])
		}
	}
	return StatusUnknown, false
}

// setOnlineStatus records a status transition and emits it as an
// "online" state event when it changed.
func (d *BaseDevice) setOnlineStatus(status OnlineStatus, source Source) {
	d.mu.Lock()
	prev := d.onlineStatus
	d.onlineStatus = status
	d.mu.Unlock()

	if prev != status {
		d.logger.Info("device online status changed", "uuid", d.uuid, "from", prev.String(), "to", status.String())
	}
	d.applyState(onlineDef, 0, map[string]any{"status": int(status)}, source)
}

// markOffline is called by the heartbeat monitor.
func (d *BaseDevice) markOffline(reason string) {
	d.handleMu.Lock()
	defer d.handleMu.Unlock()

	if d.OnlineStatus() != StatusOnline {
		return
	}
	d.logger.Warn("device marked offline", "uuid", d.uuid, "reason", reason)
	d.setOnlineStatus(StatusOffline, SourcePoll)
}

// deriveKey sets up the LAN cipher once the device reports encryption
// support and its MAC is known. It does nothing once a key exists.
func (d *BaseDevice) deriveKey() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cipher != nil || d.mac == "" {
		return
	}
	supported := false
	for ns := range d.abilities {
		if protocol.IsEncryptionNamespace(ns) {
			supported = true
			break
		}
	}
	if !supported {
		return
	}

	c, err := encryption.NewDeviceCipher(d.uuid, d.codec.Key(), d.mac)
	if err != nil {
		d.logger.Warn("deriving LAN key failed", "uuid", d.uuid, "error", err)
		d.events.emit(Event{Kind: EventError, Type: ErrorTypeEncryption, Err: err})
		return
	}
	d.cipher = c
	d.logger.Debug("LAN encryption key derived", "uuid", d.uuid)
}
