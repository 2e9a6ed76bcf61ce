package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
	"github.com/nerrad567/meross-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meross-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
)

// Manager operation constants.
const (
	// eventBuffer sizes each per-device event subscription.
	eventBuffer = 256

	// persistTimeout bounds a single descriptor or history write.
	persistTimeout = 5 * time.Second

	// defaultRetentionInterval is how often old state history is pruned.
	defaultRetentionInterval = time.Hour

	// subscribeQoS is used for the inbound reply and push topics.
	subscribeQoS = 1
)

// ErrNotStarted is returned by operations that need a running manager.
var ErrNotStarted = errors.New("manager: not started")

// Subscriber registers MQTT topic handlers. *mqtt.Client satisfies it.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

// Telemetry receives numeric state for time-series storage.
// *influxdb.Client satisfies it.
type Telemetry interface {
	WriteState(s influxdb.StateSample)
	WriteOnlineStatus(deviceID string, status int, at time.Time)
}

// Maintainer compacts the database after history is pruned.
// *database.DB satisfies it.
type Maintainer interface {
	Optimize(ctx context.Context) error
}

// Logger defines the logging interface used by the manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configures a Manager.
type Options struct {
	// Device is the template for every device built by the manager.
	// Codec and Transport are required; Logger and TransportMode are
	// filled in per device.
	Device device.Options

	// UserID and AppID select the reply and push topics.
	UserID string
	AppID  string

	// LocalBroker additionally subscribes to every device publish topic.
	LocalBroker bool

	// Devices are declared in configuration. They take precedence over
	// descriptors loaded from Repository.
	Devices []config.DeviceConfig

	// Subscriber is optional. Without it inbound MQTT traffic must be fed
	// to HandleMQTTMessage by the caller.
	Subscriber Subscriber

	// Repository is optional descriptor persistence.
	Repository device.Repository

	// History is optional state history persistence.
	History device.StateHistoryRepository

	// HistoryRetention is how long state history is kept. Zero keeps it
	// forever.
	HistoryRetention time.Duration

	// RetentionInterval is the pruning period. Defaults to one hour.
	RetentionInterval time.Duration

	// Maintainer is optional and runs after each prune.
	Maintainer Maintainer

	// Telemetry is optional time-series output.
	Telemetry Telemetry

	Logger Logger
}

// messageHandler is implemented by devices that accept inbound messages.
type messageHandler interface {
	HandleMessage(msg *protocol.Message)
}

// connector is implemented by devices that own a connection lifecycle.
type connector interface {
	Connect()
}

// describer is implemented by devices that can report their descriptor.
type describer interface {
	Descriptor() *device.Descriptor
}

// Manager builds devices from descriptors, routes inbound MQTT traffic to
// them and forwards their events to persistence and sinks.
//
// Thread Safety: All methods are safe for concurrent use.
type Manager struct {
	opts     Options
	codec    device.Codec
	registry *device.Registry
	logger   Logger

	sinksMu sync.RWMutex
	sinks   []EventSink

	mu      sync.Mutex
	started bool
	stopped bool
	cancels []func()
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a manager. Call Start to build and connect devices.
func New(opts Options) (*Manager, error) {
	if opts.Device.Codec == nil {
		return nil, fmt.Errorf("codec is required")
	}
	if opts.Device.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	if opts.RetentionInterval <= 0 {
		opts.RetentionInterval = defaultRetentionInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}

	registry := device.NewRegistry()
	registry.SetLogger(logger)

	return &Manager{
		opts:     opts,
		codec:    opts.Device.Codec,
		registry: registry,
		logger:   logger,
	}, nil
}

// Registry returns the live device registry.
func (m *Manager) Registry() *device.Registry {
	return m.registry
}

// AddSink registers an event sink. Sinks see every event of every device,
// including subdevices discovered later.
func (m *Manager) AddSink(s EventSink) {
	m.sinksMu.Lock()
	m.sinks = append(m.sinks, s)
	m.sinksMu.Unlock()
}

// Start loads descriptors, builds and registers devices, subscribes to the
// inbound MQTT topics and connects every base device.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("manager already started")
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()

	entries, err := m.loadDescriptors(ctx)
	if err != nil {
		return err
	}

	var bases []device.Device
	for _, e := range entries {
		d, buildErr := m.build(e)
		if buildErr != nil {
			m.logger.Warn("skipping device", "uuid", e.desc.UUID, "error", buildErr)
			continue
		}
		bases = append(bases, d)
	}

	if err := m.subscribe(); err != nil {
		return err
	}

	for _, d := range bases {
		if c, ok := d.(connector); ok {
			c.Connect()
		}
	}

	if m.opts.History != nil && m.opts.HistoryRetention > 0 {
		m.wg.Add(1)
		go m.retentionLoop(runCtx)
	}

	m.logger.Info("device manager started",
		"devices", m.registry.Size(),
		"user_id", m.opts.UserID,
	)
	return nil
}

// Stop disconnects every device, clears the registry and waits for event
// processing to finish. It is safe to call more than once.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped || !m.started {
		m.stopped = true
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.cancel()
	m.mu.Unlock()

	// Disconnect events are still delivered to the pumps.
	m.registry.Clear()

	m.mu.Lock()
	cancels := m.cancels
	m.cancels = nil
	m.mu.Unlock()
	for _, c := range cancels {
		c()
	}

	m.wg.Wait()
	m.logger.Info("device manager stopped")
}

// build creates the device for one descriptor entry, registers it and its
// declared subdevices and starts their event pumps. The device is not
// connected.
func (m *Manager) build(e *entry) (device.Device, error) {
	mode, err := transport.ParseMode(e.desc.TransportMode)
	if err != nil {
		return nil, err
	}
	opts := m.opts.Device
	opts.TransportMode = mode
	opts.Logger = m.logger

	if !device.IsHubType(e.desc.Type) && len(e.subs) == 0 {
		d := device.NewBaseDevice(e.desc, opts)
		m.track(d)
		return d, nil
	}

	hub := device.NewHubDevice(e.desc, opts)
	m.track(hub)
	for _, sd := range e.subs {
		m.track(hub.AddSubdevice(sd))
	}
	// Runs while the hub holds its message lock: registration and
	// subscription only, persistence happens asynchronously.
	hub.SetOnSubdevice(func(sub device.Device) {
		if !m.track(sub) {
			return
		}
		m.logger.Debug("subdevice registered", "id", sub.InternalID(), "type", sub.Type())
		m.goTracked(func() { m.persist(sub) })
	})
	return hub, nil
}

// track registers d and starts its event pump. It returns false when the
// manager is stopping or d is already registered.
func (m *Manager) track(d device.Device) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return false
	}
	if !m.registry.RegisterDevice(d) {
		return false
	}

	ch, cancel := d.Subscribe(eventBuffer)
	m.cancels = append(m.cancels, cancel)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for ev := range ch {
			m.dispatch(d, ev)
		}
	}()
	return true
}

// goTracked runs fn in a goroutine that Stop waits for.
func (m *Manager) goTracked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

// subscribe registers the inbound topic handlers.
func (m *Manager) subscribe() error {
	if m.opts.Subscriber == nil {
		return nil
	}

	topics := []string{
		protocol.AppReplyTopic(m.opts.UserID, m.opts.AppID),
		protocol.UserPushTopic(m.opts.UserID),
	}
	if m.opts.LocalBroker {
		topics = append(topics, protocol.AllDevicesPublishTopic)
	}

	for _, topic := range topics {
		if err := m.opts.Subscriber.Subscribe(topic, subscribeQoS, m.HandleMQTTMessage); err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		m.logger.Debug("subscribed", "topic", topic)
	}
	return nil
}

// HandleMQTTMessage decodes an inbound MQTT message and hands it to the
// device that sent it. Malformed messages and messages from unknown
// devices are dropped. It always returns nil so the MQTT client does not
// log routine drops as handler failures.
func (m *Manager) HandleMQTTMessage(topic string, payload []byte) error {
	msg, err := m.codec.Decode(payload)
	if err != nil {
		m.logger.Debug("dropping malformed message", "topic", topic, "error", err)
		return nil
	}

	uuid := msg.SourceUUID()
	if uuid == "" {
		uuid = protocol.DeviceUUIDFromTopic(topic)
	}
	if uuid == "" {
		m.logger.Debug("dropping message without sender", "topic", topic, "message", msg.String())
		return nil
	}

	d, ok := m.registry.Get(uuid)
	if !ok {
		m.logger.Debug("dropping message from unknown device", "uuid", uuid, "namespace", msg.Header.Namespace)
		return nil
	}
	h, ok := d.(messageHandler)
	if !ok {
		return nil
	}
	h.HandleMessage(msg)
	return nil
}

// Device returns the device with the given internal id, falling back to
// a base device uuid.
func (m *Manager) Device(id string) (device.Device, error) {
	if d, ok := m.registry.GetByInternalID(id); ok {
		return d, nil
	}
	if d, ok := m.registry.Get(id); ok {
		return d, nil
	}
	return nil, fmt.Errorf("%w: %s", device.ErrDeviceNotFound, id)
}

// Publish sends a request to the device with the given internal id or
// uuid and returns the reply payload.
func (m *Manager) Publish(ctx context.Context, id string, method protocol.Method, namespace string, payload protocol.Payload) (protocol.Payload, error) {
	m.mu.Lock()
	running := m.started && !m.stopped
	m.mu.Unlock()
	if !running {
		return nil, ErrNotStarted
	}

	d, err := m.Device(id)
	if err != nil {
		return nil, err
	}
	return d.Publish(ctx, method, namespace, payload)
}

// dispatch forwards one device event to persistence, telemetry and sinks.
func (m *Manager) dispatch(d device.Device, ev device.Event) {
	switch ev.Kind {
	case device.EventState:
		m.recordHistory(ev)
		m.writeTelemetry(d, ev)
	case device.EventInitialized:
		m.persist(d)
	}

	m.sinksMu.RLock()
	sinks := m.sinks
	m.sinksMu.RUnlock()
	for _, s := range sinks {
		s.HandleEvent(d, ev)
	}
}

func (m *Manager) recordHistory(ev device.Event) {
	if m.opts.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.opts.History.RecordStateChange(ctx, ev); err != nil {
		m.logger.Warn("recording state history failed", "device_id", ev.DeviceID, "error", err)
	}
}

func (m *Manager) writeTelemetry(d device.Device, ev device.Event) {
	if m.opts.Telemetry == nil {
		return
	}
	if ev.Type == string(device.CapabilityOnline) {
		if status, ok := ev.Value["status"].(device.OnlineStatus); ok {
			m.opts.Telemetry.WriteOnlineStatus(ev.DeviceID, int(status), ev.Timestamp)
		}
		return
	}
	m.opts.Telemetry.WriteState(influxdb.StateSample{
		DeviceID:   ev.DeviceID,
		DeviceType: d.Type(),
		Capability: ev.Type,
		Channel:    ev.Channel,
		Source:     string(ev.Source),
		Values:     ev.Value,
		Timestamp:  ev.Timestamp,
	})
}

// persist saves the current descriptor of d.
func (m *Manager) persist(d device.Device) {
	if m.opts.Repository == nil {
		return
	}
	desc, ok := d.(describer)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := m.opts.Repository.Save(ctx, desc.Descriptor()); err != nil {
		m.logger.Warn("saving device descriptor failed", "id", d.InternalID(), "error", err)
	}
}

// retentionLoop prunes state history once at start and then periodically.
func (m *Manager) retentionLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.RetentionInterval)
	defer ticker.Stop()

	for {
		m.prune(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) prune(ctx context.Context) {
	removed, err := m.opts.History.PruneBefore(ctx, time.Now().Add(-m.opts.HistoryRetention))
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("pruning state history failed", "error", err)
		}
		return
	}
	if removed == 0 {
		return
	}
	m.logger.Info("state history pruned", "removed", removed)

	if m.opts.Maintainer != nil {
		if err := m.opts.Maintainer.Optimize(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("database optimise failed", "error", err)
		}
	}
}
