package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/infrastructure/config"
	"github.com/nerrad567/meross-core/internal/infrastructure/logging"
)

// Event channels a stream client can subscribe to. "*" subscribes to all.
const (
	ChannelStateChanged = "device.state_changed"
	ChannelConnected    = "device.connected"
	ChannelDisconnected = "device.disconnected"
	ChannelInitialized  = "device.initialized"
	ChannelError        = "device.error"

	channelAll = "*"
)

var eventChannels = map[device.EventKind]string{
	device.EventState:        ChannelStateChanged,
	device.EventConnected:    ChannelConnected,
	device.EventDisconnected: ChannelDisconnected,
	device.EventInitialized:  ChannelInitialized,
	device.EventError:        ChannelError,
}

// Frame ops. Clients send subscribe, unsubscribe and ping; the server
// sends ack, pong, event and error.
const (
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpPing        = "ping"
	OpAck         = "ack"
	OpPong        = "pong"
	OpEvent       = "event"
	OpError       = "error"
)

const (
	// outboxSize is how many frames may queue for a slow client before
	// events to it are dropped.
	outboxSize = 256

	defaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// Frame is one JSON message on the event stream.
//
//	{"op":"subscribe","id":"1","channels":["device.state_changed"],"devices":["2103..."]}
//	{"op":"event","channel":"device.state_changed","data":{...}}
type Frame struct {
	Op       string     `json:"op"`
	ID       string     `json:"id,omitempty"`
	Channel  string     `json:"channel,omitempty"`
	Channels []string   `json:"channels,omitempty"`
	Devices  []string   `json:"devices,omitempty"`
	Message  string     `json:"message,omitempty"`
	Data     *EventData `json:"data,omitempty"`
}

// EventData describes one device event.
type EventData struct {
	DeviceID   string         `json:"device_id"`
	UUID       string         `json:"uuid"`
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	Kind       string         `json:"kind"`
	Capability string         `json:"capability,omitempty"`
	Channel    int            `json:"channel"`
	Value      map[string]any `json:"value,omitempty"`
	Source     string         `json:"source,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
	Error      string         `json:"error,omitempty"`
}

// Stream relays device events to WebSocket clients. It is a manager event
// sink: HandleEvent never blocks, and a client whose outbox is full
// misses the event rather than stalling the device.
type Stream struct {
	cfg    config.WebSocketConfig
	logger *logging.Logger

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	closed  bool

	dropped atomic.Uint64
}

// NewStream creates an event stream with no clients.
func NewStream(cfg config.WebSocketConfig, logger *logging.Logger) *Stream {
	return &Stream{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[*streamClient]struct{}),
	}
}

// Clients returns the number of connected clients.
func (s *Stream) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Dropped returns how many event frames were discarded because a client
// was too slow to take them.
func (s *Stream) Dropped() uint64 {
	return s.dropped.Load()
}

// HandleEvent sends ev to every client subscribed to its channel and
// device. Unknown event kinds are ignored.
func (s *Stream) HandleEvent(d device.Device, ev device.Event) {
	channel, ok := eventChannels[ev.Kind]
	if !ok {
		return
	}
	data := &EventData{
		DeviceID:  d.InternalID(),
		UUID:      d.UUID(),
		Name:      d.Name(),
		Type:      d.Type(),
		Kind:      string(ev.Kind),
		Channel:   ev.Channel,
		Value:     ev.Value,
		Source:    string(ev.Source),
		Timestamp: ev.Timestamp,
	}
	if ev.Kind == device.EventState {
		data.Capability = ev.Type
	}
	if ev.Err != nil {
		data.Error = ev.Err.Error()
	}

	var raw []byte
	for _, c := range s.snapshot() {
		if !c.wants(channel, d) {
			continue
		}
		if raw == nil {
			var err error
			if raw, err = json.Marshal(Frame{Op: OpEvent, Channel: channel, Data: data}); err != nil {
				s.logger.Error("encoding stream event", "device_id", data.DeviceID, "error", err)
				return
			}
		}
		if !c.enqueue(raw) {
			s.dropped.Add(1)
		}
	}
}

// Close disconnects every client. Connections attempted afterwards are
// refused.
func (s *Stream) Close() {
	s.mu.Lock()
	s.closed = true
	clients := s.clients
	s.clients = make(map[*streamClient]struct{})
	s.mu.Unlock()

	for c := range clients {
		c.shutdown()
	}
}

func (s *Stream) snapshot() []*streamClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		out = append(out, c)
	}
	return out
}

func (s *Stream) add(c *streamClient) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c] = struct{}{}
	return true
}

func (s *Stream) remove(c *streamClient) {
	s.mu.Lock()
	delete(s.clients, c)
	n := len(s.clients)
	s.mu.Unlock()
	c.shutdown()
	s.logger.Debug("stream client left", "clients", n)
}

// timings returns the ping interval and the read deadline extension.
func (s *Stream) timings() (ping, wait time.Duration) {
	ping = config.Seconds(s.cfg.PingInterval)
	if ping <= 0 {
		ping = defaultPingInterval
	}
	pong := config.Seconds(s.cfg.PongTimeout)
	if pong <= 0 {
		pong = defaultPongTimeout
	}
	return ping, ping + pong
}

// serve runs one client until its connection fails or the stream closes.
// The reader runs on the calling goroutine.
func (s *Stream) serve(conn *websocket.Conn) {
	c := newStreamClient(conn)
	if !s.add(c) {
		conn.Close() //nolint:errcheck // Refusing the client
		return
	}
	s.logger.Debug("stream client joined", "remote", conn.RemoteAddr().String(), "clients", s.Clients())
	defer s.remove(c)

	ping, wait := s.timings()
	go c.writeLoop(ping, wait)

	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(int64(s.cfg.MaxMessageSize))
	}
	conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // Read fails on a dead conn
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wait))
	})

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("stream read failed", "error", err)
			}
			return
		}
		// Browsers may not answer protocol pings, so any frame counts.
		conn.SetReadDeadline(time.Now().Add(wait)) //nolint:errcheck // Read fails on a dead conn
		c.enqueueFrame(c.handle(msg))
	}
}

// streamClient is one WebSocket connection and its subscription.
type streamClient struct {
	conn *websocket.Conn

	mu       sync.Mutex
	channels map[string]bool
	devices  map[string]bool
	outbox   chan []byte
	done     bool
}

func newStreamClient(conn *websocket.Conn) *streamClient {
	return &streamClient{
		conn:     conn,
		channels: make(map[string]bool),
		devices:  make(map[string]bool),
		outbox:   make(chan []byte, outboxSize),
	}
}

// wants reports whether the client subscribed to channel for device d.
// An empty device filter matches every device.
func (c *streamClient) wants(channel string, d device.Device) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.channels[channel] && !c.channels[channelAll] {
		return false
	}
	return len(c.devices) == 0 || c.devices[d.InternalID()] || c.devices[d.UUID()]
}

// enqueue queues raw for writing. It returns false when the client is
// gone or its outbox is full.
func (c *streamClient) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return false
	}
	select {
	case c.outbox <- raw:
		return true
	default:
		return false
	}
}

func (c *streamClient) enqueueFrame(f Frame) {
	raw, err := json.Marshal(f)
	if err != nil {
		return
	}
	c.enqueue(raw)
}

// shutdown closes the outbox and the connection. It is safe to call more
// than once.
func (c *streamClient) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		return
	}
	c.done = true
	close(c.outbox)
	if c.conn != nil {
		c.conn.Close() //nolint:errcheck // Reader and writer see the error
	}
}

// handle applies one client frame and returns the reply.
func (c *streamClient) handle(msg []byte) Frame {
	var in Frame
	if err := json.Unmarshal(msg, &in); err != nil {
		return Frame{Op: OpError, Message: "frame is not valid JSON"}
	}

	switch in.Op {
	case OpPing:
		return Frame{Op: OpPong, ID: in.ID}
	case OpSubscribe, OpUnsubscribe:
		if err := validChannels(in.Channels); err != nil {
			return Frame{Op: OpError, ID: in.ID, Message: err.Error()}
		}
		c.mu.Lock()
		if in.Op == OpSubscribe {
			for _, ch := range in.Channels {
				c.channels[ch] = true
			}
			for _, id := range in.Devices {
				c.devices[id] = true
			}
		} else {
			for _, ch := range in.Channels {
				delete(c.channels, ch)
			}
			for _, id := range in.Devices {
				delete(c.devices, id)
			}
		}
		c.mu.Unlock()
		return Frame{Op: OpAck, ID: in.ID, Channels: c.subscribed()}
	default:
		return Frame{Op: OpError, ID: in.ID, Message: fmt.Sprintf("unknown op %q", in.Op)}
	}
}

// subscribed lists the client's channels in a stable order.
func (c *streamClient) subscribed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []string{}
	for _, ch := range append([]string{channelAll}, sortedChannels()...) {
		if c.channels[ch] {
			out = append(out, ch)
		}
	}
	return out
}

func validChannels(channels []string) error {
	if len(channels) == 0 {
		return fmt.Errorf("no channels given")
	}
	for _, ch := range channels {
		if ch == channelAll {
			continue
		}
		known := false
		for _, c := range eventChannels {
			if c == ch {
				known = true
				break
			}
		}
		if !known {
			return fmt.Errorf("unknown channel %q", ch)
		}
	}
	return nil
}

func sortedChannels() []string {
	return []string{ChannelConnected, ChannelDisconnected, ChannelError, ChannelInitialized, ChannelStateChanged}
}

// writeLoop drains the outbox and pings the client until the outbox is
// closed or a write fails.
func (c *streamClient) writeLoop(ping, wait time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()

	for {
		select {
		case raw, ok := <-c.outbox:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage, //nolint:errcheck // Conn may be gone
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(wait)) //nolint:errcheck // Write reports it
			if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.conn.Close() //nolint:errcheck // Unblocks the reader
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wait)); err != nil {
				c.conn.Close() //nolint:errcheck // Unblocks the reader
				return
			}
		}
	}
}

// handleStream upgrades the request and serves the client until it
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("stream upgrade failed", "error", err, "request_id", RequestID(r.Context()))
		return
	}
	s.stream.serve(conn)
}
