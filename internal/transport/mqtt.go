package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/meross-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/meross-core/internal/protocol"
)

// Publisher is the subset of the MQTT client used to send requests.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte) error
}

// MQTTTransport sends requests through the cloud broker. Replies are
// delivered to the client's reply topic and must be fed to the device by
// the subscriber, so Request always returns a nil reply.
type MQTTTransport struct {
	pub Publisher
	qos byte
}

// NewMQTTTransport creates a cloud transport over pub.
func NewMQTTTransport(pub Publisher, qos byte) *MQTTTransport {
	return &MQTTTransport{pub: pub, qos: qos}
}

// Request publishes the envelope to the device's request topic.
func (t *MQTTTransport) Request(ctx context.Context, req Request) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	topic := protocol.DeviceRequestTopic(req.UUID)
	if err := t.pub.Publish(topic, req.Body, t.qos); err != nil {
		if errors.Is(err, mqtt.ErrNotConnected) {
			return nil, fmt.Errorf("%w: %w", ErrNoRoute, err)
		}
		return nil, fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil, nil
}
