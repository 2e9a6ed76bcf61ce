package protocol

import (
	"crypto/md5" //nolint:gosec // MD5 is mandated by the device wire format
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Codec encodes requests into signed envelopes and decodes replies.
//
// A Codec is immutable after construction and safe for concurrent use.
type Codec struct {
	key    string
	userID string
	appID  string
	now    func() time.Time
}

// NewCodec creates a codec for the given cloud key and client identity.
//
// Parameters:
//   - key: shared cloud key used for signing (may be empty for unbound devices)
//   - userID: cloud user id, embedded in the from topic
//   - appID: client application id, see NewAppID
func NewCodec(key, userID, appID string) *Codec {
	return &Codec{
		key:    key,
		userID: userID,
		appID:  appID,
		now:    time.Now,
	}
}

// NewAppID generates a fresh application id in the form the vendor app uses.
func NewAppID() string {
	return md5Hex("API" + uuid.NewString())
}

// NewMessageID returns a random 32-character hex message id.
func NewMessageID() string {
	return md5Hex(uuid.NewString())
}

// Key returns the shared cloud key.
func (c *Codec) Key() string {
	return c.key
}

// From returns the reply topic placed in outgoing headers.
func (c *Codec) From() string {
	return AppReplyTopic(c.userID, c.appID)
}

// Encode builds a signed envelope addressed to the device uuid.
//
// Returns the message (so callers can read the generated message id) and
// its JSON encoding ready for a transport.
func (c *Codec) Encode(method Method, namespace string, payload Payload, deviceUUID string) (*Message, []byte, error) {
	if !method.IsValid() {
		return nil, nil, fmt.Errorf("%w: %q", ErrInvalidMethod, method)
	}
	if namespace == "" {
		return nil, nil, ErrMissingNamespace
	}
	if payload == nil {
		payload = Payload{}
	}

	now := c.now()
	messageID := NewMessageID()
	ts := now.Unix()

	msg := &Message{
		Header: Header{
			MessageID:      messageID,
			Namespace:      namespace,
			Method:         method,
			PayloadVersion: 1,
			From:           c.From(),
			UUID:           deviceUUID,
			Timestamp:      ts,
			TimestampMs:    now.UnixMilli() % 1000,
			Sign:           c.sign(messageID, ts),
		},
		Payload: payload,
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, nil, fmt.Errorf("encoding %s %s: %w", method, namespace, err)
	}
	return msg, raw, nil
}

// wireMessage mirrors Message with a pointer header so a missing header
// can be told apart from an empty one.
type wireMessage struct {
	Header  *Header `json:"header"`
	Payload Payload `json:"payload"`
}

// Decode parses a raw envelope.
//
// The signature is not checked here; replies relayed by the cloud broker
// are trusted by topic. Use VerifySign where that matters.
func (c *Codec) Decode(raw []byte) (*Message, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyMessage
	}

	var wm wireMessage
	if err := json.Unmarshal(raw, &wm); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}
	if wm.Header == nil {
		return nil, ErrMissingHeader
	}
	if wm.Header.MessageID == "" {
		return nil, ErrMissingMessageID
	}
	if wm.Header.Namespace == "" {
		return nil, ErrMissingNamespace
	}
	if wm.Payload == nil {
		wm.Payload = Payload{}
	}

	return &Message{Header: *wm.Header, Payload: wm.Payload}, nil
}

// VerifySign reports whether the header carries a signature produced with
// this codec's key.
func (c *Codec) VerifySign(h Header) bool {
	return h.Sign == c.sign(h.MessageID, h.Timestamp)
}

func (c *Codec) sign(messageID string, ts int64) string {
	return md5Hex(messageID + c.key + strconv.FormatInt(ts, 10))
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // wire format
	return hex.EncodeToString(sum[:])
}
