package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
)

// =============================================================================
// Request / reply correlation
// =============================================================================

func TestPublish_ResolvesMatchingReply(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	pendingAtSend := -1
	ft.respond = func(transport.Request) []byte {
		pendingAtSend = d.PendingCount()
		return nil
	}

	res := publishAsync(context.Background(), d, protocol.MethodGet, protocol.NamespaceControlToggleX, nil)
	req := ft.waitSent(t)

	if req.UUID != testUUID {
		t.Errorf("request UUID = %q, want %q", req.UUID, testUUID)
	}
	if req.Namespace != protocol.NamespaceControlToggleX {
		t.Errorf("request Namespace = %q", req.Namespace)
	}

	d.HandleMessage(reply(t, d, req, protocol.MethodGetAck, protocol.Payload{
		"togglex": []any{map[string]any{"channel": 0, "onoff": 1}},
	}))

	r := waitResult(t, res)
	if r.err != nil {
		t.Fatalf("Publish() error = %v", r.err)
	}
	if _, ok := r.payload["togglex"]; !ok {
		t.Errorf("payload = %v, want togglex key", r.payload)
	}
	if pendingAtSend != 1 {
		t.Errorf("pending entries at send = %d, want 1", pendingAtSend)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestPublish_InlineReply(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	answerInline(t, d, ft, func(transport.Request) protocol.Payload {
		return protocol.Payload{"value": float64(7)}
	})

	payload, err := d.Publish(context.Background(), protocol.MethodGet, protocol.NamespaceSystemDebug, nil)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if payload["value"] != float64(7) {
		t.Errorf("payload = %v", payload)
	}
}

func TestPublish_Timeout(t *testing.T) {
	d, ft, clock := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	res := publishAsync(context.Background(), d, protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	req := ft.waitSent(t)

	clock.fire(t, time.Second)

	r := waitResult(t, res)
	if !errors.Is(r.err, ErrTimeout) {
		t.Fatalf("Publish() error = %v, want ErrTimeout", r.err)
	}
	var te *TimeoutError
	if !errors.As(r.err, &te) || te.Namespace != protocol.NamespaceSystemAll {
		t.Errorf("error = %#v, want TimeoutError for System.All", r.err)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}

	// A late reply resolves nothing but still proves the device is alive
	// and still carries full state.
	d.HandleMessage(reply(t, d, req, protocol.MethodGetAck, fullState(StatusOnline, 1, false)))

	if _, _, last, _ := d.heartbeat.snapshot(); last.IsZero() {
		t.Error("late reply not recorded as device activity")
	}
	if d.LANIP() != "192.168.1.50" {
		t.Errorf("LANIP() = %q, want state from late reply", d.LANIP())
	}
}

func TestPublish_ContextCancelled(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	ctx, cancel := context.WithCancel(context.Background())
	res := publishAsync(ctx, d, protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	ft.waitSent(t)
	cancel()

	r := waitResult(t, res)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Publish() error = %v, want context.Canceled", r.err)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestPublish_NotConnected(t *testing.T) {
	d, ft, _ := newTestDevice(t)

	_, err := d.Publish(context.Background(), protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Publish() error = %v, want ErrConnection", err)
	}
	if ft.count() != 0 {
		t.Errorf("transport called %d times, want 0", ft.count())
	}
}

func TestPublish_TransportError(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	ft.err = transport.ErrNoRoute

	_, err := d.Publish(context.Background(), protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	if !errors.Is(err, ErrConnection) {
		t.Errorf("Publish() error = %v, want ErrConnection", err)
	}
	if !errors.Is(err, transport.ErrNoRoute) {
		t.Errorf("Publish() error = %v, want wrapped ErrNoRoute", err)
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestPublish_InvalidMethod(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	_, err := d.Publish(context.Background(), protocol.Method("FETCH"), protocol.NamespaceSystemAll, nil)
	if !errors.Is(err, ErrValidation) {
		t.Errorf("Publish() error = %v, want ErrValidation", err)
	}
}

func TestPublish_ErrorReply(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	res := publishAsync(context.Background(), d, protocol.MethodSet, protocol.NamespaceControlToggleX, protocol.Payload{"togglex": map[string]any{"channel": 9}})
	req := ft.waitSent(t)
	d.HandleMessage(reply(t, d, req, protocol.MethodError, protocol.Payload{"error": map[string]any{"code": float64(5000)}}))

	r := waitResult(t, res)
	var pe *ProtocolError
	if !errors.As(r.err, &pe) {
		t.Fatalf("Publish() error = %v, want ProtocolError", r.err)
	}
	if pe.Namespace != protocol.NamespaceControlToggleX {
		t.Errorf("ProtocolError.Namespace = %q", pe.Namespace)
	}
	if !errors.Is(r.err, ErrProtocol) {
		t.Error("ProtocolError does not unwrap to ErrProtocol")
	}
}

// errorEvents returns the error events among events.
func errorEvents(events []Event) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventError {
			out = append(out, ev)
		}
	}
	return out
}

func TestPublish_FailuresEmitErrorEvents(t *testing.T) {
	tests := []struct {
		name     string
		fail     func(t *testing.T, d *BaseDevice, ft *fakeTransport) error
		wantType string
		wantErr  error
	}{
		{
			name: "transport failure",
			fail: func(t *testing.T, d *BaseDevice, ft *fakeTransport) error {
				ft.mu.Lock()
				ft.err = transport.ErrNoRoute
				ft.mu.Unlock()
				_, err := d.Publish(context.Background(), protocol.MethodGet, protocol.NamespaceSystemAll, nil)
				return err
			},
			wantType: ErrorTypeTransport,
			wantErr:  ErrConnection,
		},
		{
			name: "device error reply",
			fail: func(t *testing.T, d *BaseDevice, ft *fakeTransport) error {
				res := publishAsync(context.Background(), d, protocol.MethodSet, protocol.NamespaceControlToggleX, protocol.Payload{"togglex": map[string]any{"channel": 9}})
				req := ft.waitSent(t)
				d.HandleMessage(reply(t, d, req, protocol.MethodError, protocol.Payload{"error": map[string]any{"code": float64(5000)}}))
				return waitResult(t, res).err
			},
			wantType: ErrorTypeProtocol,
			wantErr:  ErrProtocol,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ft, clock := newTestDevice(t)
			d.Connect()
			defer d.Disconnect()
			events, cancel := d.Subscribe(8)
			defer cancel()

			if err := tt.fail(t, d, ft); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Publish() error = %v, want %v", err, tt.wantErr)
			}

			evs := errorEvents(collect(events))
			if len(evs) != 1 {
				t.Fatalf("error events = %d, want 1", len(evs))
			}
			ev := evs[0]
			if ev.Type != tt.wantType || !errors.Is(ev.Err, tt.wantErr) {
				t.Errorf("error event = %+v", ev)
			}
			if ev.DeviceID != d.InternalID() || !ev.Timestamp.Equal(clock.Now()) {
				t.Errorf("error event identity = %s at %v", ev.DeviceID, ev.Timestamp)
			}
		})
	}
}

func TestHandleMessage_UnsolicitedErrorEmitsOnlyEvent(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()
	events, cancel := d.Subscribe(8)
	defer cancel()

	msg := push(testUUID, protocol.NamespaceControlToggleX, protocol.Payload{"error": map[string]any{"code": float64(5000)}})
	msg.Header.Method = protocol.MethodError
	d.HandleMessage(msg)

	got := collect(events)
	if evs := errorEvents(got); len(evs) != 1 || evs[0].Type != ErrorTypeProtocol {
		t.Errorf("error events = %+v, want one protocol error", evs)
	}
	if n := len(stateEvents(got, CapabilityToggle)); n != 0 {
		t.Errorf("toggle events = %d, want 0", n)
	}
}

func TestDisconnect_RejectsPending(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	events, cancel := d.Subscribe(16)
	defer cancel()
	d.Connect()

	first := publishAsync(context.Background(), d, protocol.MethodGet, protocol.NamespaceSystemAll, nil)
	second := publishAsync(context.Background(), d, protocol.MethodGet, protocol.NamespaceControlElectricity, nil)
	ft.waitSent(t)
	ft.waitSent(t)

	d.Disconnect()

	for i, ch := range []<-chan publishResult{first, second} {
		r := waitResult(t, ch)
		if !errors.Is(r.err, ErrConnection) {
			t.Errorf("request %d error = %v, want ErrConnection", i, r.err)
		}
	}
	if n := d.PendingCount(); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}

	var sawDisconnect bool
	for _, ev := range collect(events) {
		if ev.Kind == EventDisconnected {
			sawDisconnect = true
		}
	}
	if !sawDisconnect {
		t.Error("no disconnected event emitted")
	}
}

// =============================================================================
// Inbound messages
// =============================================================================

func TestConnect_InitialFullState(t *testing.T) {
	d, ft, clock := newTestDevice(t)
	events, cancel := d.Subscribe(32)
	defer cancel()

	d.Connect()
	defer d.Disconnect()

	clock.fireAsync(t, DefaultInitialFetchDelay)
	req := ft.waitSent(t)
	if req.Namespace != protocol.NamespaceSystemAll || req.Method != protocol.MethodGet {
		t.Fatalf("initial request = %s %s, want GET System.All", req.Method, req.Namespace)
	}

	d.HandleMessage(reply(t, d, req, protocol.MethodGetAck, fullState(StatusOnline, 1, false)))

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := d.WaitReady(ctx); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}

	got := collect(events)
	online := stateEvents(got, CapabilityOnline)
	if len(online) != 1 {
		t.Fatalf("online events = %d, want 1", len(online))
	}
	if online[0].Value["status"] != StatusOnline || online[0].Source != SourceResponse {
		t.Errorf("online event = %+v", online[0])
	}
	toggles := stateEvents(got, CapabilityToggle)
	if len(toggles) != 1 {
		t.Fatalf("toggle events = %d, want 1", len(toggles))
	}
	if toggles[0].Value["isOn"] != true || toggles[0].Channel != 0 || toggles[0].Source != SourceResponse {
		t.Errorf("toggle event = %+v", toggles[0])
	}

	if d.OnlineStatus() != StatusOnline {
		t.Errorf("OnlineStatus() = %v, want online", d.OnlineStatus())
	}
	if d.MAC() != testMAC {
		t.Errorf("MAC() = %q", d.MAC())
	}
	if d.FirmwareVersion() != "6.1.8" || d.HardwareVersion() != "6.0.0" {
		t.Errorf("versions = %q/%q", d.FirmwareVersion(), d.HardwareVersion())
	}
	if host, port := d.MQTTEndpoint(); host != "mqtt-eu.meross.com" || port != 2001 {
		t.Errorf("MQTTEndpoint() = %s:%d", host, port)
	}
	if !d.HasAbility(protocol.NamespaceControlToggleX) {
		t.Error("abilities not recorded")
	}
	if d.LastFullUpdate().IsZero() {
		t.Error("LastFullUpdate() not set")
	}
}

// A device that answers the initial fetch with nothing but then pushes
// its full state is initialised from the push.
func TestConnect_FullStateByPush(t *testing.T) {
	d, ft, clock := newTestDevice(t)
	events, cancel := d.Subscribe(32)
	defer cancel()

	d.Connect()
	defer d.Disconnect()

	if DefaultInitialFetchDelay > 500*time.Millisecond {
		t.Fatalf("DefaultInitialFetchDelay = %v, want at most 500ms", DefaultInitialFetchDelay)
	}
	clock.fireAsync(t, DefaultInitialFetchDelay)
	req := ft.waitSent(t)
	if req.Namespace != protocol.NamespaceSystemAll || req.Method != protocol.MethodGet {
		t.Fatalf("initial request = %s %s, want GET System.All", req.Method, req.Namespace)
	}

	d.HandleMessage(push(testUUID, protocol.NamespaceSystemAll, protocol.Payload{
		"all": map[string]any{
			"system": map[string]any{"online": map[string]any{"status": 1}},
			"digest": map[string]any{
				"togglex": []any{map[string]any{"channel": 0, "onoff": 1}},
			},
		},
	}))

	if d.OnlineStatus() != StatusOnline {
		t.Errorf("OnlineStatus() = %v, want online", d.OnlineStatus())
	}
	toggle, err := d.ToggleState(0)
	if err != nil || !toggle.IsOn {
		t.Errorf("ToggleState(0) = %+v, %v; want isOn", toggle, err)
	}

	got := collect(events)
	online := stateEvents(got, CapabilityOnline)
	if len(online) != 1 || online[0].Source != SourcePush {
		t.Errorf("online events = %+v, want one push event", online)
	}
	toggles := stateEvents(got, CapabilityToggle)
	if len(toggles) != 1 || toggles[0].Value["isOn"] != true || toggles[0].Source != SourcePush {
		t.Errorf("toggle events = %+v, want one push event with isOn", toggles)
	}
	for _, ev := range append(online, toggles...) {
		if !ev.Timestamp.Equal(clock.Now()) {
			t.Errorf("%s event timestamp = %v, want device clock %v", ev.Type, ev.Timestamp, clock.Now())
		}
	}

	ctx, done := context.WithTimeout(context.Background(), time.Second)
	defer done()
	if err := d.WaitReady(ctx); err != nil {
		t.Errorf("WaitReady() error = %v", err)
	}
}

func TestWaitReady_Timeout(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := d.WaitReady(ctx)
	if !errors.Is(err, ErrInitialization) {
		t.Fatalf("WaitReady() error = %v, want ErrInitialization", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("WaitReady() error = %v, want wrapped DeadlineExceeded", err)
	}
}

func TestPush_IdempotentUpdates(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()
	events, cancel := d.Subscribe(32)
	defer cancel()

	on := push(testUUID, protocol.NamespaceControlToggleX, protocol.Payload{
		"togglex": []any{map[string]any{"channel": 1, "onoff": 1}},
	})
	d.HandleMessage(on)
	d.HandleMessage(push(testUUID, protocol.NamespaceControlToggleX, on.Payload))

	got := stateEvents(collect(events), CapabilityToggle)
	if len(got) != 1 {
		t.Fatalf("toggle events after repeated push = %d, want 1", len(got))
	}
	if got[0].Channel != 1 || got[0].Source != SourcePush {
		t.Errorf("event = %+v", got[0])
	}

	d.HandleMessage(push(testUUID, protocol.NamespaceControlToggleX, protocol.Payload{
		"togglex": map[string]any{"channel": 1, "onoff": 0},
	}))
	got = stateEvents(collect(events), CapabilityToggle)
	if len(got) != 1 || got[0].Value["isOn"] != false {
		t.Fatalf("events after change = %+v", got)
	}

	st, err := d.ToggleState(1)
	if err != nil {
		t.Fatalf("ToggleState() error = %v", err)
	}
	if st.IsOn {
		t.Error("ToggleState(1).IsOn = true, want false")
	}
}

func TestPush_LegacyToggleAddressesChannelZero(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	d.HandleMessage(push(testUUID, protocol.NamespaceControlToggle, protocol.Payload{
		"toggle": map[string]any{"onoff": 1},
	}))

	st, err := d.ToggleState(0)
	if err != nil {
		t.Fatalf("ToggleState(0) error = %v", err)
	}
	if !st.IsOn {
		t.Error("ToggleState(0).IsOn = false, want true")
	}
}

func TestHandleMessage_Dropped(t *testing.T) {
	tests := []struct {
		name    string
		connect bool
		msg     *protocol.Message
	}{
		{
			name:    "other device",
			connect: true,
			msg:     push(testHubUUID, protocol.NamespaceControlToggleX, protocol.Payload{"togglex": map[string]any{"channel": 0, "onoff": 1}}),
		},
		{
			name:    "while disconnected",
			connect: false,
			msg:     push(testUUID, protocol.NamespaceControlToggleX, protocol.Payload{"togglex": map[string]any{"channel": 0, "onoff": 1}}),
		},
		{
			name:    "unknown namespace",
			connect: true,
			msg:     push(testUUID, "Appliance.Control.Mystery", protocol.Payload{"mystery": map[string]any{"channel": 0}}),
		},
		{
			name:    "request method",
			connect: true,
			msg: &protocol.Message{
				Header:  protocol.Header{MessageID: "x", Namespace: protocol.NamespaceControlToggleX, Method: protocol.MethodSet, From: protocol.DevicePublishTopic(testUUID)},
				Payload: protocol.Payload{"togglex": map[string]any{"channel": 0, "onoff": 1}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, _, _ := newTestDevice(t)
			if tt.connect {
				d.Connect()
				defer d.Disconnect()
			}
			events, cancel := d.Subscribe(8)
			defer cancel()

			d.HandleMessage(tt.msg)

			if got := stateEvents(collect(events), CapabilityToggle); len(got) != 0 {
				t.Errorf("state events = %+v, want none", got)
			}
			if _, ok := d.State(CapabilityToggle, 0); ok {
				t.Error("state cache updated by dropped message")
			}
		})
	}
}

func TestHandleRaw_DropsUndecodable(t *testing.T) {
	d, _, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	d.HandleRaw([]byte("not json"))
	d.HandleRaw(nil)

	if snap := d.StateSnapshot(); len(snap) != 0 {
		t.Errorf("StateSnapshot() = %v, want empty", snap)
	}
}

// =============================================================================
// LAN key derivation
// =============================================================================

func TestDeriveKey(t *testing.T) {
	tests := []struct {
		name       string
		encryption bool
		want       bool
	}{
		{name: "encryption ability announced", encryption: true, want: true},
		{name: "no encryption ability", encryption: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ft, _ := newTestDevice(t)
			d.Connect()
			defer d.Disconnect()

			d.HandleMessage(push(testUUID, protocol.NamespaceSystemAll, fullState(StatusOnline, 0, tt.encryption)))
			if got := d.Encrypted(); got != tt.want {
				t.Fatalf("Encrypted() = %v, want %v", got, tt.want)
			}

			res := publishAsync(context.Background(), d, protocol.MethodGet, protocol.NamespaceSystemAll, nil)
			req := ft.waitSent(t)
			if (req.Cipher != nil) != tt.want {
				t.Errorf("request cipher set = %v, want %v", req.Cipher != nil, tt.want)
			}
			if req.LANIP != "192.168.1.50" {
				t.Errorf("request LANIP = %q", req.LANIP)
			}
			d.HandleMessage(reply(t, d, req, protocol.MethodGetAck, protocol.Payload{}))
			waitResult(t, res)
		})
	}
}

func TestDeriveKey_FailureEmitsErrorEvent(t *testing.T) {
	ft := newFakeTransport()
	d := NewBaseDevice(testDescriptor(), Options{
		Codec:     protocol.NewCodec("too-short", testUserID, protocol.NewAppID()),
		Transport: ft,
		Timeout:   time.Second,
	})
	useClock(d, newFakeClock())
	d.Connect()
	defer d.Disconnect()
	events, cancel := d.Subscribe(16)
	defer cancel()

	d.HandleMessage(push(testUUID, protocol.NamespaceSystemAll, fullState(StatusOnline, 0, true)))

	if d.Encrypted() {
		t.Error("Encrypted() = true with unusable key material")
	}
	evs := errorEvents(collect(events))
	if len(evs) != 1 || evs[0].Type != ErrorTypeEncryption || evs[0].Err == nil {
		t.Errorf("error events = %+v, want one encryption error", evs)
	}
}

// =============================================================================
// Commands
// =============================================================================

func TestSetToggle(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()
	events, cancel := d.Subscribe(8)
	defer cancel()

	answerInline(t, d, ft, func(transport.Request) protocol.Payload { return protocol.Payload{} })

	if err := d.SetToggle(context.Background(), 1, true); err != nil {
		t.Fatalf("SetToggle() error = %v", err)
	}

	req := ft.waitSent(t)
	if req.Namespace != protocol.NamespaceControlToggleX || req.Method != protocol.MethodSet {
		t.Errorf("request = %s %s", req.Method, req.Namespace)
	}
	st, err := d.ToggleState(1)
	if err != nil || !st.IsOn {
		t.Errorf("ToggleState(1) = %+v, %v", st, err)
	}
	got := stateEvents(collect(events), CapabilityToggle)
	if len(got) != 1 || got[0].Source != SourceResponse {
		t.Errorf("toggle events = %+v, want one response event", got)
	}
}

func TestSetToggle_LegacyNamespace(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	d.mu.Lock()
	d.abilities = map[string]any{protocol.NamespaceControlToggle: map[string]any{}}
	d.mu.Unlock()

	answerInline(t, d, ft, func(transport.Request) protocol.Payload { return protocol.Payload{} })

	if err := d.SetToggle(context.Background(), 0, false); err != nil {
		t.Fatalf("SetToggle() error = %v", err)
	}
	if req := ft.waitSent(t); req.Namespace != protocol.NamespaceControlToggle {
		t.Errorf("namespace = %q, want legacy Toggle", req.Namespace)
	}
}

func TestSetToggle_UnknownChannel(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	err := d.SetToggle(context.Background(), 5, true)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("SetToggle() error = %v, want ErrNotFound", err)
	}
	if ft.count() != 0 {
		t.Error("request sent for unknown channel")
	}
}

func TestRefreshElectricity(t *testing.T) {
	d, ft, _ := newTestDevice(t)
	d.Connect()
	defer d.Disconnect()

	answerInline(t, d, ft, func(transport.Request) protocol.Payload {
		return protocol.Payload{"electricity": map[string]any{
			"channel": float64(0), "power": float64(12345), "voltage": float64(2301), "current": float64(56),
		}}
	})

	st, err := d.RefreshElectricity(context.Background(), 0)
	if err != nil {
		t.Fatalf("RefreshElectricity() error = %v", err)
	}
	if st.Power != 12.345 || st.Voltage != 230.1 || st.Current != 0.056 {
		t.Errorf("ElectricityState = %+v", st)
	}
}
