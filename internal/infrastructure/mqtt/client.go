package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/meross-core/internal/infrastructure/config"
)

var (
	// ErrNotConnected is returned while the broker link is down. The
	// transport layer maps it to "no route" so LAN can be tried instead.
	ErrNotConnected = errors.New("mqtt: not connected")

	// ErrConnect wraps the reason the first connection attempt failed.
	ErrConnect = errors.New("mqtt: connect failed")

	// ErrTimeout is returned when the broker does not acknowledge in time.
	ErrTimeout = errors.New("mqtt: broker did not acknowledge")

	// ErrBadArgument is returned for an empty topic, a QoS above 2, a nil
	// handler or an oversized payload.
	ErrBadArgument = errors.New("mqtt: bad argument")
)

// MessageHandler receives one message. Returned errors are logged.
type MessageHandler func(topic string, payload []byte) error

// Client is a broker session for the merossd app identity. It remembers
// its subscriptions and replays them after paho reconnects, because the
// session is clean and the broker forgets them.
type Client struct {
	conn   pahomqtt.Client
	logger *slog.Logger
	broker string

	up atomic.Bool

	mu     sync.Mutex
	routes map[string]route
}

type route struct {
	qos     byte
	handler MessageHandler
}

// Connect opens the broker session described by cfg, which should already
// carry credentials (see CloudCredentials). It blocks until the broker
// accepts the session or connectTimeout passes.
func Connect(cfg config.MQTTConfig, logger *slog.Logger) (*Client, error) {
	c := newClient(cfg, logger)
	tok := c.conn.Connect()
	if !tok.WaitTimeout(connectTimeout) {
		c.conn.Disconnect(0)
		return nil, fmt.Errorf("%w: %s: no CONNACK after %v", ErrConnect, c.broker, connectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnect, c.broker, err)
	}
	// The OnConnect hook runs on paho's goroutine and may lag behind.
	c.up.Store(true)
	return c, nil
}

// newClient builds an unconnected client with its paho hooks installed.
func newClient(cfg config.MQTTConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		logger: logger.With("component", "mqtt"),
		broker: brokerURL(cfg.Broker),
		routes: make(map[string]route),
	}
	opts := clientOptions(cfg)
	opts.SetOnConnectHandler(func(pahomqtt.Client) { c.onConnect() })
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) { c.onLost(err) })
	opts.SetReconnectingHandler(func(pahomqtt.Client, *pahomqtt.ClientOptions) {
		c.logger.Info("reconnecting to broker", "broker", c.broker)
	})
	c.conn = pahomqtt.NewClient(opts)
	return c
}

// onConnect replays every remembered route. Failures are logged; the next
// reconnect tries again.
func (c *Client) onConnect() {
	c.up.Store(true)

	c.mu.Lock()
	routes := make(map[string]route, len(c.routes))
	for topic, r := range c.routes {
		routes[topic] = r
	}
	c.mu.Unlock()

	for topic, r := range routes {
		if err := c.wait(c.conn.Subscribe(topic, r.qos, c.deliver(r.handler)), "resubscribe"); err != nil {
			c.logger.Warn("resubscribe failed", "topic", topic, "error", err)
		}
	}
	c.logger.Info("connected to broker", "broker", c.broker, "routes", len(routes))
}

func (c *Client) onLost(err error) {
	c.up.Store(false)
	c.logger.Warn("broker connection lost", "broker", c.broker, "error", err)
}

// Publish sends payload to topic. Meross requests are never retained: a
// retained request would be replayed to the device on every reconnect.
func (c *Client) Publish(topic string, payload []byte, qos byte) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty topic", ErrBadArgument)
	case qos > maxQoS:
		return fmt.Errorf("%w: qos %d", ErrBadArgument, qos)
	case len(payload) > maxPayload:
		return fmt.Errorf("%w: payload of %d bytes", ErrBadArgument, len(payload))
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return c.wait(c.conn.Publish(topic, qos, false, payload), "publish "+topic)
}

// Subscribe routes messages on topic (wildcards allowed) to handler and
// remembers the route for reconnects. Subscribing again to the same topic
// replaces the handler.
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	switch {
	case topic == "":
		return fmt.Errorf("%w: empty topic", ErrBadArgument)
	case qos > maxQoS:
		return fmt.Errorf("%w: qos %d", ErrBadArgument, qos)
	case handler == nil:
		return fmt.Errorf("%w: nil handler for %s", ErrBadArgument, topic)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := c.wait(c.conn.Subscribe(topic, qos, c.deliver(handler)), "subscribe "+topic); err != nil {
		return err
	}
	c.mu.Lock()
	c.routes[topic] = route{qos: qos, handler: handler}
	c.mu.Unlock()
	return nil
}

// Unsubscribe drops the route for topic. Messages already in flight may
// still reach the old handler.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	_, ok := c.routes[topic]
	delete(c.routes, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if !c.IsConnected() {
		// The broker dropped the subscription with the session.
		return nil
	}
	return c.wait(c.conn.Unsubscribe(topic), "unsubscribe "+topic)
}

// Topics returns the remembered subscription topics, sorted.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	topics := make([]string, 0, len(c.routes))
	for t := range c.routes {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

// IsConnected reports whether the session is currently up.
func (c *Client) IsConnected() bool {
	return c.up.Load() && c.conn.IsConnected()
}

// HealthCheck implements the API health checker.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("mqtt health check: %w", err)
	}
	if !c.IsConnected() {
		return fmt.Errorf("%w to %s", ErrNotConnected, c.broker)
	}
	return nil
}

// Close ends the session, giving in-flight publishes quiesce to finish.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.up.Store(false)
	c.conn.Disconnect(uint(quiesce / time.Millisecond))
	return nil
}

// wait blocks on a paho token for at most ackTimeout.
func (c *Client) wait(tok pahomqtt.Token, op string) error {
	if !tok.WaitTimeout(ackTimeout) {
		return fmt.Errorf("%w: %s after %v", ErrTimeout, op, ackTimeout)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt: %s: %w", op, err)
	}
	return nil
}

// deliver adapts a MessageHandler to paho. A panicking handler is logged
// and must not take down paho's router goroutine.
func (c *Client) deliver(handler MessageHandler) pahomqtt.MessageHandler {
	return func(_ pahomqtt.Client, msg pahomqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("message handler panicked", "topic", msg.Topic(), "panic", r)
			}
		}()
		if err := handler(msg.Topic(), msg.Payload()); err != nil {
			c.logger.Debug("message rejected", "topic", msg.Topic(), "error", err)
		}
	}
}
