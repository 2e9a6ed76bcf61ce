package manager

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
	"github.com/nerrad567/meross-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/meross-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
)

const (
	plugUUID   = "1806b0ff000000000000000000000001"
	hubUUID    = "1806b0ff0000000000000000000000aa"
	storedUUID = "1806b0ff000000000000000000000002"
	testKey    = "0123456789abcdef0123456789abcdef"
	testUserID = "12345"
	testAppID  = "0a1b2c3d4e5f60718293a4b5c6d7e8f9"
)

// =============================================================================
// Fakes
// =============================================================================

// fakeTransport records requests and optionally answers them inline, the
// way the LAN HTTP transport does.
type fakeTransport struct {
	mu       sync.Mutex
	requests []transport.Request
	respond  func(req transport.Request) []byte
}

func (f *fakeTransport) Request(_ context.Context, req transport.Request) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(req), nil
}

type fakeSubscriber struct {
	mu       sync.Mutex
	handlers map[string]mqtt.MessageHandler
	qos      map[string]byte
	err      error
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{
		handlers: make(map[string]mqtt.MessageHandler),
		qos:      make(map[string]byte),
	}
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.handlers[topic] = handler
	f.qos[topic] = qos
	return nil
}

func (f *fakeSubscriber) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.handlers))
	for t := range f.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *fakeSubscriber) deliver(t *testing.T, topic string, payload []byte) {
	t.Helper()
	f.mu.Lock()
	h, ok := f.handlers[topic]
	f.mu.Unlock()
	if !ok {
		t.Fatalf("no handler for topic %s", topic)
	}
	if err := h(topic, payload); err != nil {
		t.Errorf("handler returned error: %v", err)
	}
}

// memRepository is an in-memory device.Repository.
type memRepository struct {
	mu    sync.Mutex
	descs map[string]device.Descriptor
	order []string
}

func newMemRepository(descs ...*device.Descriptor) *memRepository {
	r := &memRepository{descs: make(map[string]device.Descriptor)}
	for _, d := range descs {
		r.put(d)
	}
	return r
}

func (r *memRepository) put(d *device.Descriptor) {
	id := d.InternalID()
	if _, ok := r.descs[id]; !ok {
		r.order = append(r.order, id)
	}
	r.descs[id] = *d.DeepCopy()
}

func (r *memRepository) GetByID(_ context.Context, id string) (*device.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[id]
	if !ok {
		return nil, device.ErrDeviceNotFound
	}
	return d.DeepCopy(), nil
}

func (r *memRepository) List(_ context.Context) ([]device.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var bases, subs []device.Descriptor
	for _, id := range r.order {
		d := r.descs[id]
		if d.IsSubdevice() {
			subs = append(subs, d)
		} else {
			bases = append(bases, d)
		}
	}
	return append(bases, subs...), nil
}

func (r *memRepository) ListByHub(_ context.Context, hub string) ([]device.Descriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []device.Descriptor
	for _, id := range r.order {
		if d := r.descs[id]; d.HubUUID == hub {
			out = append(out, d)
		}
	}
	return out, nil
}

func (r *memRepository) Create(_ context.Context, d *device.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[d.InternalID()]; ok {
		return device.ErrDeviceExists
	}
	r.put(d)
	return nil
}

func (r *memRepository) Update(_ context.Context, d *device.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[d.InternalID()]; !ok {
		return device.ErrDeviceNotFound
	}
	r.put(d)
	return nil
}

func (r *memRepository) Save(_ context.Context, d *device.Descriptor) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.put(d)
	return nil
}

func (r *memRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.descs[id]; !ok {
		return device.ErrDeviceNotFound
	}
	delete(r.descs, id)
	return nil
}

func (r *memRepository) get(id string) (device.Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.descs[id]
	return d, ok
}

type fakeHistory struct {
	mu        sync.Mutex
	events    []device.Event
	prunes    []time.Time
	pruneRows int64
}

func (h *fakeHistory) RecordStateChange(_ context.Context, ev device.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *fakeHistory) History(context.Context, device.HistoryQuery) ([]device.StateHistoryEntry, error) {
	return nil, nil
}

func (h *fakeHistory) PruneBefore(_ context.Context, cutoff time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.prunes = append(h.prunes, cutoff)
	return h.pruneRows, nil
}

func (h *fakeHistory) recorded() []device.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]device.Event(nil), h.events...)
}

func (h *fakeHistory) pruneCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.prunes)
}

type onlineWrite struct {
	deviceID string
	status   int
}

type fakeTelemetry struct {
	mu      sync.Mutex
	samples []influxdb.StateSample
	online  []onlineWrite
}

func (f *fakeTelemetry) WriteState(s influxdb.StateSample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
}

func (f *fakeTelemetry) WriteOnlineStatus(deviceID string, status int, _ time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = append(f.online, onlineWrite{deviceID: deviceID, status: status})
}

func (f *fakeTelemetry) snapshot() ([]influxdb.StateSample, []onlineWrite) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]influxdb.StateSample(nil), f.samples...), append([]onlineWrite(nil), f.online...)
}

type fakeMaintainer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeMaintainer) Optimize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil
}

func (f *fakeMaintainer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// =============================================================================
// Helpers
// =============================================================================

func testCodec() *protocol.Codec {
	return protocol.NewCodec(testKey, testUserID, testAppID)
}

type harness struct {
	mgr   *Manager
	ft    *fakeTransport
	sub   *fakeSubscriber
	repo  *memRepository
	hist  *fakeHistory
	tel   *fakeTelemetry
	codec *protocol.Codec
}

// newHarness builds a manager with every optional collaborator faked. The
// initial fetch is pushed out of the test window unless opts overrides it.
func newHarness(t *testing.T, devices []config.DeviceConfig, stored ...*device.Descriptor) *harness {
	t.Helper()
	h := &harness{
		ft:    &fakeTransport{},
		sub:   newFakeSubscriber(),
		repo:  newMemRepository(stored...),
		hist:  &fakeHistory{},
		tel:   &fakeTelemetry{},
		codec: testCodec(),
	}
	mgr, err := New(Options{
		Device: device.Options{
			Codec:             h.codec,
			Transport:         h.ft,
			Timeout:           time.Second,
			InitialFetchDelay: time.Hour,
			HeartbeatInterval: time.Hour,
		},
		UserID:     testUserID,
		AppID:      testAppID,
		Devices:    devices,
		Subscriber: h.sub,
		Repository: h.repo,
		History:    h.hist,
		Telemetry:  h.tel,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.mgr = mgr
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.mgr.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(h.mgr.Stop)
}

// pushRaw encodes a push notification sent by uuid.
func pushRaw(t *testing.T, uuid, namespace string, payload protocol.Payload) []byte {
	t.Helper()
	raw, err := json.Marshal(protocol.Message{
		Header: protocol.Header{
			MessageID: protocol.NewMessageID(),
			Namespace: namespace,
			Method:    protocol.MethodPush,
			From:      protocol.DevicePublishTopic(uuid),
		},
		Payload: payload,
	})
	if err != nil {
		t.Fatalf("encoding push: %v", err)
	}
	return raw
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func plugConfig() config.DeviceConfig {
	return config.DeviceConfig{
		UUID:     plugUUID,
		Name:     "Kettle",
		Type:     "mss310",
		Channels: []string{"main", "usb"},
	}
}

func hubConfig() config.DeviceConfig {
	return config.DeviceConfig{
		UUID: hubUUID,
		Name: "Hub",
		Type: "msh300",
		Subdevices: []config.SubdeviceSpec{
			{ID: "01", Name: "Hall", Type: device.TypeTempHumSensor},
		},
	}
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RequiresCodecAndTransport(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no codec", Options{Device: device.Options{Transport: &fakeTransport{}}}},
		{"no transport", Options{Device: device.Options{Codec: testCodec()}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.opts); err == nil {
				t.Error("New() should fail")
			}
		})
	}
}

// =============================================================================
// Start
// =============================================================================

func TestStart_BuildsDevicesFromConfigAndRepository(t *testing.T) {
	stored := []*device.Descriptor{
		{UUID: plugUUID, Name: "Stale Name", Type: "mss310"},
		{UUID: storedUUID, Name: "Lamp", Type: "msl120"},
		{UUID: hubUUID, HubUUID: hubUUID, SubdeviceID: "02", Name: "Bedroom", Type: device.TypeThermostatV3},
		{UUID: hubUUID, HubUUID: hubUUID, SubdeviceID: "01", Name: "Stale Hall", Type: device.TypeTempHumSensor},
		{UUID: "orphan", HubUUID: "orphan", SubdeviceID: "09", Type: device.TypeWaterLeak},
	}
	h := newHarness(t, []config.DeviceConfig{plugConfig(), hubConfig()}, stored...)
	h.start(t)

	reg := h.mgr.Registry()
	if got := reg.Size(); got != 5 {
		t.Fatalf("registry size = %d, want 5", got)
	}

	plug, ok := reg.Get(plugUUID)
	if !ok {
		t.Fatal("configured plug not registered")
	}
	if plug.Name() != "Kettle" {
		t.Errorf("plug name = %q, want configuration to win", plug.Name())
	}
	base, ok := plug.(*device.BaseDevice)
	if !ok {
		t.Fatalf("plug is %T, want *device.BaseDevice", plug)
	}
	if ch := base.Channels(); len(ch) != 2 || !ch[0].IsMaster || ch[1].Name != "usb" {
		t.Errorf("plug channels = %+v", ch)
	}
	if !base.IsConnected() {
		t.Error("plug should be connected after Start")
	}

	hub, ok := reg.Get(hubUUID)
	if !ok {
		t.Fatal("hub not registered")
	}
	if _, isHub := hub.(*device.HubDevice); !isHub {
		t.Errorf("hub is %T, want *device.HubDevice", hub)
	}

	hall, ok := reg.GetSubdevice(hubUUID, "01")
	if !ok {
		t.Fatal("configured subdevice not registered")
	}
	if hall.Name() != "Hall" {
		t.Errorf("subdevice name = %q, want configuration to win", hall.Name())
	}
	if _, ok := reg.GetSubdevice(hubUUID, "02"); !ok {
		t.Error("stored subdevice not registered")
	}
	if _, ok := reg.Get(storedUUID); !ok {
		t.Error("stored base device not registered")
	}
	if _, ok := reg.GetSubdevice("orphan", "09"); ok {
		t.Error("subdevice without hub should be skipped")
	}
}

func TestStart_SkipsDeviceWithInvalidTransportMode(t *testing.T) {
	bad := plugConfig()
	bad.TransportMode = "carrier_pigeon"
	h := newHarness(t, []config.DeviceConfig{bad})
	h.start(t)

	if got := h.mgr.Registry().Size(); got != 0 {
		t.Errorf("registry size = %d, want 0", got)
	}
}

func TestStart_SubscribesInboundTopics(t *testing.T) {
	tests := []struct {
		name  string
		local bool
		want  []string
	}{
		{
			name: "cloud broker",
			want: []string{"/app/12345-" + testAppID + "/subscribe", "/app/12345/subscribe"},
		},
		{
			name:  "local broker",
			local: true,
			want:  []string{"/app/12345-" + testAppID + "/subscribe", "/app/12345/subscribe", "/appliance/+/publish"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.mgr.opts.LocalBroker = tt.local
			h.start(t)

			want := append([]string(nil), tt.want...)
			sort.Strings(want)
			got := h.sub.topics()
			if len(got) != len(want) {
				t.Fatalf("topics = %v, want %v", got, want)
			}
			for i := range want {
				if got[i] != want[i] {
					t.Errorf("topics = %v, want %v", got, want)
					break
				}
			}
		})
	}
}

func TestStart_SubscribeError(t *testing.T) {
	h := newHarness(t, nil)
	h.sub.err = errors.New("not authorised")

	err := h.mgr.Start(context.Background())
	t.Cleanup(h.mgr.Stop)
	if err == nil {
		t.Fatal("Start() should fail when subscribing fails")
	}
}

func TestStart_Twice(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	if err := h.mgr.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
}

// =============================================================================
// Inbound routing and event fan-out
// =============================================================================

func TestHandleMQTTMessage_PushReachesPersistenceAndSinks(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})

	var mu sync.Mutex
	var seen []device.Event
	h.mgr.AddSink(EventSinkFunc(func(_ device.Device, ev device.Event) {
		mu.Lock()
		seen = append(seen, ev)
		mu.Unlock()
	}))
	h.start(t)

	raw := pushRaw(t, plugUUID, protocol.NamespaceControlToggleX, protocol.Payload{
		"togglex": []any{map[string]any{"channel": 1, "onoff": 1}},
	})
	h.sub.deliver(t, protocol.UserPushTopic(testUserID), raw)

	eventually(t, "state history", func() bool { return len(h.hist.recorded()) == 1 })
	ev := h.hist.recorded()[0]
	if ev.DeviceID != device.BaseInternalID(plugUUID) || ev.Type != string(device.CapabilityToggle) || ev.Channel != 1 {
		t.Errorf("recorded event = %+v", ev)
	}
	if ev.Source != device.SourcePush {
		t.Errorf("source = %q, want push", ev.Source)
	}

	eventually(t, "telemetry sample", func() bool {
		samples, _ := h.tel.snapshot()
		return len(samples) == 1
	})
	samples, _ := h.tel.snapshot()
	if samples[0].DeviceType != "mss310" || samples[0].Values["isOn"] != true {
		t.Errorf("sample = %+v", samples[0])
	}

	eventually(t, "sink event", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range seen {
			if e.Kind == device.EventState {
				return true
			}
		}
		return false
	})
}

func TestHandleMQTTMessage_OnlineStatusWritesTelemetry(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})
	h.start(t)

	raw := pushRaw(t, plugUUID, protocol.NamespaceSystemOnline, protocol.Payload{
		"online": map[string]any{"status": 1},
	})
	h.sub.deliver(t, protocol.UserPushTopic(testUserID), raw)

	eventually(t, "online telemetry", func() bool {
		_, online := h.tel.snapshot()
		return len(online) == 1
	})
	samples, online := h.tel.snapshot()
	if online[0].status != int(device.StatusOnline) || online[0].deviceID != device.BaseInternalID(plugUUID) {
		t.Errorf("online write = %+v", online[0])
	}
	if len(samples) != 0 {
		t.Errorf("online status should not be written as a state sample: %+v", samples)
	}
}

func TestHandleMQTTMessage_DropsUnroutable(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})
	h.start(t)

	tests := []struct {
		name    string
		topic   string
		payload []byte
	}{
		{"malformed", protocol.UserPushTopic(testUserID), []byte("{not json")},
		{"empty", protocol.UserPushTopic(testUserID), nil},
		{"unknown device", protocol.UserPushTopic(testUserID),
			pushRaw(t, storedUUID, protocol.NamespaceControlToggleX, protocol.Payload{})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := h.mgr.HandleMQTTMessage(tt.topic, tt.payload); err != nil {
				t.Errorf("HandleMQTTMessage() error = %v, want nil", err)
			}
		})
	}
	if got := len(h.hist.recorded()); got != 0 {
		t.Errorf("history entries = %d, want 0", got)
	}
}

func TestHandleMQTTMessage_FallsBackToTopicUUID(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})
	h.start(t)

	raw, err := json.Marshal(protocol.Message{
		Header: protocol.Header{
			MessageID: protocol.NewMessageID(),
			Namespace: protocol.NamespaceControlToggleX,
			Method:    protocol.MethodPush,
		},
		Payload: protocol.Payload{"togglex": []any{map[string]any{"channel": 0, "onoff": 1}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.mgr.HandleMQTTMessage(protocol.DevicePublishTopic(plugUUID), raw); err != nil {
		t.Fatalf("HandleMQTTMessage() error = %v", err)
	}

	eventually(t, "state history", func() bool { return len(h.hist.recorded()) == 1 })
}

func TestHub_DiscoveredSubdeviceIsRegisteredAndSaved(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{hubConfig()})
	h.start(t)

	raw := pushRaw(t, hubUUID, protocol.NamespaceSystemAll, protocol.Payload{
		"all": map[string]any{
			"digest": map[string]any{
				"hub": map[string]any{
					"hubId": 1,
					"subdevice": []any{
						map[string]any{"id": "05", "status": 1, "ma151": map[string]any{"status": 0}},
					},
				},
			},
		},
	})
	h.sub.deliver(t, protocol.UserPushTopic(testUserID), raw)

	sub, ok := h.mgr.Registry().GetSubdevice(hubUUID, "05")
	if !ok {
		t.Fatal("discovered subdevice not registered")
	}
	if sub.Type() != device.TypeSmokeAlarm {
		t.Errorf("subdevice type = %q, want %q", sub.Type(), device.TypeSmokeAlarm)
	}

	id := device.SubInternalID(hubUUID, "05")
	eventually(t, "subdevice descriptor", func() bool {
		_, ok := h.repo.get(id)
		return ok
	})
	desc, _ := h.repo.get(id)
	if desc.HubUUID != hubUUID || desc.SubdeviceID != "05" {
		t.Errorf("saved descriptor = %+v", desc)
	}

	// The digest also carried the subdevice online status.
	eventually(t, "subdevice state event", func() bool {
		for _, ev := range h.hist.recorded() {
			if ev.DeviceID == id {
				return true
			}
		}
		return false
	})
}

func TestInitialized_SavesDescriptor(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})
	h.mgr.opts.Device.InitialFetchDelay = time.Millisecond
	h.ft.respond = func(req transport.Request) []byte {
		sent, err := h.codec.Decode(req.Body)
		if err != nil {
			t.Errorf("decoding request: %v", err)
			return nil
		}
		raw, _ := json.Marshal(protocol.Message{
			Header: protocol.Header{
				MessageID: sent.Header.MessageID,
				Namespace: sent.Header.Namespace,
				Method:    protocol.MethodGetAck,
				From:      protocol.DevicePublishTopic(req.UUID),
			},
			Payload: protocol.Payload{
				"all": map[string]any{
					"system": map[string]any{
						"hardware": map[string]any{"macAddress": "48:e1:e9:aa:bb:cc"},
						"firmware": map[string]any{"innerIp": "192.168.1.60", "version": "6.1.8"},
						"online":   map[string]any{"status": 1},
					},
				},
			},
		})
		return raw
	}
	h.start(t)

	id := device.BaseInternalID(plugUUID)
	eventually(t, "saved descriptor", func() bool {
		d, ok := h.repo.get(id)
		return ok && d.MAC != ""
	})
	d, _ := h.repo.get(id)
	if d.LANIP != "192.168.1.60" || d.FirmwareVersion != "6.1.8" {
		t.Errorf("saved descriptor = %+v", d)
	}
}

// =============================================================================
// Publish and Stop
// =============================================================================

func TestPublish(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})

	if _, err := h.mgr.Publish(context.Background(), device.BaseInternalID(plugUUID), protocol.MethodGet, protocol.NamespaceSystemAll, nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Publish() before Start error = %v, want ErrNotStarted", err)
	}

	h.start(t)

	_, err := h.mgr.Publish(context.Background(), device.BaseInternalID(storedUUID), protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	if !errors.Is(err, device.ErrNotFound) {
		t.Errorf("Publish() unknown device error = %v, want ErrNotFound", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = h.mgr.Publish(ctx, device.BaseInternalID(plugUUID), protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Publish() without reply error = %v, want deadline exceeded", err)
	}

	h.ft.mu.Lock()
	n := len(h.ft.requests)
	h.ft.mu.Unlock()
	if n != 1 {
		t.Errorf("transport requests = %d, want 1", n)
	}
}

func TestDevice_LookupByInternalIDOrUUID(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig()})
	h.start(t)

	for _, id := range []string{device.BaseInternalID(plugUUID), plugUUID} {
		d, err := h.mgr.Device(id)
		if err != nil {
			t.Fatalf("Device(%q) error: %v", id, err)
		}
		if d.UUID() != plugUUID {
			t.Errorf("Device(%q).UUID() = %q", id, d.UUID())
		}
	}

	if _, err := h.mgr.Device("missing"); !errors.Is(err, device.ErrNotFound) {
		t.Errorf("Device(missing) error = %v, want ErrNotFound", err)
	}
}

func TestStop_ClearsRegistryAndIsIdempotent(t *testing.T) {
	h := newHarness(t, []config.DeviceConfig{plugConfig(), hubConfig()})
	h.start(t)

	d, _ := h.mgr.Registry().Get(plugUUID)
	h.mgr.Stop()
	h.mgr.Stop()

	if got := h.mgr.Registry().Size(); got != 0 {
		t.Errorf("registry size after Stop = %d, want 0", got)
	}
	if d.(*device.BaseDevice).IsConnected() {
		t.Error("device should be disconnected after Stop")
	}
	if _, err := h.mgr.Publish(context.Background(), d.InternalID(), protocol.MethodGet, protocol.NamespaceSystemAll, nil); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Publish() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestStop_WithoutStart(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.Stop()
}

// =============================================================================
// Retention
// =============================================================================

func TestRetention_PrunesAndOptimizes(t *testing.T) {
	h := newHarness(t, nil)
	maint := &fakeMaintainer{}
	h.hist.pruneRows = 3
	h.mgr.opts.HistoryRetention = 48 * time.Hour
	h.mgr.opts.RetentionInterval = 10 * time.Millisecond
	h.mgr.opts.Maintainer = maint
	started := time.Now()
	h.start(t)

	eventually(t, "two prunes", func() bool { return h.hist.pruneCount() >= 2 })
	eventually(t, "optimise", func() bool { return maint.count() >= 1 })

	h.hist.mu.Lock()
	got := h.hist.prunes[0]
	h.hist.mu.Unlock()
	if age := started.Sub(got); age < 48*time.Hour-time.Second || age > 48*time.Hour {
		t.Errorf("prune cutoff %v is %v before start, want 48h", got, age)
	}
}

func TestRetention_DisabledWithoutRetention(t *testing.T) {
	h := newHarness(t, nil)
	h.mgr.opts.RetentionInterval = time.Millisecond
	h.start(t)

	time.Sleep(20 * time.Millisecond)
	if n := h.hist.pruneCount(); n != 0 {
		t.Errorf("prunes = %d, want 0", n)
	}
}
