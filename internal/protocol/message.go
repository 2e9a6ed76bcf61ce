package protocol

import "fmt"

// Method is the envelope verb carried in every header.
type Method string

// Envelope methods. Requests use GET, SET and DELETE; devices answer with
// the matching ACK, with ERROR, or send PUSH notifications unprompted.
const (
	MethodGet       Method = "GET"
	MethodGetAck    Method = "GETACK"
	MethodSet       Method = "SET"
	MethodSetAck    Method = "SETACK"
	MethodPush      Method = "PUSH"
	MethodError     Method = "ERROR"
	MethodDelete    Method = "DELETE"
	MethodDeleteAck Method = "DELETEACK"
)

// validMethods lists every method accepted by Encode.
var validMethods = map[Method]bool{
	MethodGet:       true,
	MethodGetAck:    true,
	MethodSet:       true,
	MethodSetAck:    true,
	MethodPush:      true,
	MethodError:     true,
	MethodDelete:    true,
	MethodDeleteAck: true,
}

// IsValid reports whether m is a known envelope method.
func (m Method) IsValid() bool {
	return validMethods[m]
}

// IsRequest reports whether m is sent by a client rather than a device.
func (m Method) IsRequest() bool {
	return m == MethodGet || m == MethodSet || m == MethodDelete
}

// Payload is the decoded JSON body of a message.
type Payload = map[string]any

// Header is the envelope header.
type Header struct {
	MessageID      string `json:"messageId"`
	Namespace      string `json:"namespace"`
	Method         Method `json:"method"`
	PayloadVersion int    `json:"payloadVersion"`
	From           string `json:"from"`
	UUID           string `json:"uuid,omitempty"`
	Timestamp      int64  `json:"timestamp"`
	TimestampMs    int64  `json:"timestampMs,omitempty"`
	Sign           string `json:"sign"`
	TriggerSrc     string `json:"triggerSrc,omitempty"`
}

// Message is a decoded envelope.
type Message struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// String returns a short description for log lines.
func (m *Message) String() string {
	return fmt.Sprintf("%s %s (%s)", m.Header.Method, m.Header.Namespace, m.Header.MessageID)
}

// SourceUUID returns the device uuid named by the header's from field,
// or an empty string if from does not identify a device.
func (m *Message) SourceUUID() string {
	if m.Header.UUID != "" {
		return m.Header.UUID
	}
	return DeviceUUIDFromTopic(m.Header.From)
}
