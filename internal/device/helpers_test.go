package device

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meross-core/internal/protocol"
	"github.com/nerrad567/meross-core/internal/transport"
)

const (
	testUUID    = "a1b2c3d4e5f60718293a4b5c6d7e8f90"
	testHubUUID = "0f1e2d3c4b5a69788796a5b4c3d2e1f0"
	testKey     = "0123456789abcdef0123456789abcdef"
	testUserID  = "12345"
	testMAC     = "48:e1:e9:01:02:03"
)

// =============================================================================
// Fake clock
// =============================================================================

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeClock replaces time.AfterFunc and time.Now. Timers only fire when
// the test fires them.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) after(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	c.timers = append(c.timers, t)
	return &fakeStopper{clock: c, timer: t}
}

type fakeStopper struct {
	clock *fakeClock
	timer *fakeTimer
}

func (s *fakeStopper) Stop() bool {
	s.clock.mu.Lock()
	defer s.clock.mu.Unlock()
	active := !s.timer.stopped && !s.timer.fired
	s.timer.stopped = true
	return active
}

// active returns timers that are neither stopped nor fired.
func (c *fakeClock) active() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// take marks the oldest active timer scheduled with duration d as fired
// and returns its callback.
func (c *fakeClock) take(t *testing.T, d time.Duration) func() {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired && tm.d == d {
			tm.fired = true
			return tm.f
		}
	}
	t.Fatalf("no active timer with duration %v", d)
	return nil
}

// fire runs the timer callback in the calling goroutine.
func (c *fakeClock) fire(t *testing.T, d time.Duration) {
	t.Helper()
	c.take(t, d)()
}

// fireAsync runs the timer callback in a new goroutine, for callbacks
// that block on a reply.
func (c *fakeClock) fireAsync(t *testing.T, d time.Duration) {
	t.Helper()
	go c.take(t, d)()
}

// =============================================================================
// Fake transport
// =============================================================================

// fakeTransport records requests. With respond set it answers inline,
// like the LAN HTTP transport; otherwise it returns no reply, like MQTT.
type fakeTransport struct {
	mu       sync.Mutex
	requests []transport.Request
	err      error
	respond  func(req transport.Request) []byte
	sent     chan transport.Request
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sent: make(chan transport.Request, 32)}
}

func (f *fakeTransport) Request(_ context.Context, req transport.Request) ([]byte, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	err := f.err
	respond := f.respond
	f.mu.Unlock()

	select {
	case f.sent <- req:
	default:
	}
	if err != nil {
		return nil, err
	}
	if respond != nil {
		return respond(req), nil
	}
	return nil, nil
}

func (f *fakeTransport) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// waitSent returns the next request handed to the transport.
func (f *fakeTransport) waitSent(t *testing.T) transport.Request {
	t.Helper()
	select {
	case req := <-f.sent:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
		return transport.Request{}
	}
}

// =============================================================================
// Builders
// =============================================================================

func testCodec() *protocol.Codec {
	return protocol.NewCodec(testKey, testUserID, protocol.NewAppID())
}

func testDescriptor() *Descriptor {
	return &Descriptor{
		UUID: testUUID,
		Name: "Desk Lamp",
		Type: "mss310",
		Channels: []Channel{
			{Index: 0, IsMaster: true},
			{Index: 1, Name: "USB"},
		},
	}
}

// newTestDevice builds a device wired to a fake transport and clock.
func newTestDevice(t *testing.T) (*BaseDevice, *fakeTransport, *fakeClock) {
	t.Helper()
	ft := newFakeTransport()
	clock := newFakeClock()
	d := NewBaseDevice(testDescriptor(), Options{
		Codec:             testCodec(),
		Transport:         ft,
		Timeout:           time.Second,
		HeartbeatInterval: 30 * time.Second,
	})
	useClock(d, clock)
	return d, ft, clock
}

func useClock(d *BaseDevice, clock *fakeClock) {
	d.after = clock.after
	d.now = clock.Now
	d.heartbeat.after = clock.after
	d.heartbeat.now = clock.Now
}

// reply builds a device reply to req.
func reply(t *testing.T, d *BaseDevice, req transport.Request, method protocol.Method, payload protocol.Payload) *protocol.Message {
	t.Helper()
	sent, err := d.codec.Decode(req.Body)
	if err != nil {
		t.Fatalf("decoding sent request: %v", err)
	}
	return &protocol.Message{
		Header: protocol.Header{
			MessageID: sent.Header.MessageID,
			Namespace: sent.Header.Namespace,
			Method:    method,
			From:      protocol.DevicePublishTopic(req.UUID),
		},
		Payload: payload,
	}
}

// push builds a push notification from uuid.
func push(uuid, namespace string, payload protocol.Payload) *protocol.Message {
	return &protocol.Message{
		Header: protocol.Header{
			MessageID: protocol.NewMessageID(),
			Namespace: namespace,
			Method:    protocol.MethodPush,
			From:      protocol.DevicePublishTopic(uuid),
		},
		Payload: payload,
	}
}

// fullState returns a System.All reply payload.
func fullState(online OnlineStatus, onoff int, withEncryption bool) protocol.Payload {
	ability := map[string]any{
		protocol.NamespaceSystemAll:      map[string]any{},
		protocol.NamespaceControlToggleX: map[string]any{},
	}
	if withEncryption {
		ability[protocol.NamespaceEncryptECDHE] = map[string]any{}
	}
	return protocol.Payload{
		"ability": ability,
		"all": map[string]any{
			"system": map[string]any{
				"hardware": map[string]any{"macAddress": testMAC, "version": "6.0.0"},
				"firmware": map[string]any{"innerIp": "192.168.1.50", "server": "mqtt-eu.meross.com", "port": 2001, "version": "6.1.8"},
				"online":   map[string]any{"status": int(online)},
			},
			"digest": map[string]any{
				"togglex": []any{map[string]any{"channel": 0, "onoff": onoff}},
			},
		},
	}
}

// collect drains events currently buffered on ch.
func collect(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func stateEvents(events []Event, capability Capability) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Kind == EventState && ev.Type == string(capability) {
			out = append(out, ev)
		}
	}
	return out
}

// publishAsync runs Publish in a goroutine and returns its result channel.
func publishAsync(ctx context.Context, d Device, method protocol.Method, ns string, payload protocol.Payload) <-chan publishResult {
	out := make(chan publishResult, 1)
	go func() {
		p, err := d.Publish(ctx, method, ns, payload)
		out <- publishResult{payload: p, err: err}
	}()
	return out
}

type publishResult struct {
	payload protocol.Payload
	err     error
}

func waitResult(t *testing.T, ch <-chan publishResult) publishResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Publish to return")
		return publishResult{}
	}
}

// answerInline makes ft reply to every request in the HTTP style, with
// the payload chosen by fn and an ack method matching the request.
func answerInline(t *testing.T, d *BaseDevice, ft *fakeTransport, fn func(req transport.Request) protocol.Payload) {
	t.Helper()
	acks := map[protocol.Method]protocol.Method{
		protocol.MethodGet:    protocol.MethodGetAck,
		protocol.MethodSet:    protocol.MethodSetAck,
		protocol.MethodDelete: protocol.MethodDeleteAck,
	}
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.respond = func(req transport.Request) []byte {
		sent, err := d.codec.Decode(req.Body)
		if err != nil {
			t.Errorf("decoding sent request: %v", err)
			return nil
		}
		msg := protocol.Message{
			Header: protocol.Header{
				MessageID: sent.Header.MessageID,
				Namespace: sent.Header.Namespace,
				Method:    acks[sent.Header.Method],
				From:      protocol.DevicePublishTopic(req.UUID),
			},
			Payload: fn(req),
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			t.Errorf("encoding reply: %v", err)
			return nil
		}
		return raw
	}
}
