package device

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nerrad567/meross-core/internal/protocol"
)

// Device is implemented by base devices, hubs and subdevices.
//
// Subdevices override the identity accessors directly: UUID returns the
// hub uuid and OnlineStatus follows the hub when the hub is not online.
type Device interface {
	// InternalID is the registry key, see BaseInternalID and SubInternalID.
	InternalID() string
	UUID() string
	Name() string
	Type() string
	OnlineStatus() OnlineStatus

	// Publish sends a request and waits for the reply payload.
	Publish(ctx context.Context, method protocol.Method, namespace string, payload protocol.Payload, opts ...PublishOption) (protocol.Payload, error)

	// Subscribe returns a channel of events and a function that cancels
	// the subscription. buffer sizes the channel; events are dropped when
	// it is full.
	Subscribe(buffer int) (<-chan Event, func())

	// Disconnect stops timers and rejects in-flight requests.
	Disconnect()
}

// OnlineStatus is the device online state as reported on the wire.
type OnlineStatus int

// Online status values. The numeric values are the wire encoding.
const (
	StatusUnknown   OnlineStatus = -1
	StatusNotOnline OnlineStatus = 0
	StatusOnline    OnlineStatus = 1
	StatusOffline   OnlineStatus = 2
	StatusUpgrading OnlineStatus = 3
)

var statusNames = map[OnlineStatus]string{
	StatusUnknown:   "unknown",
	StatusNotOnline: "not_online",
	StatusOnline:    "online",
	StatusOffline:   "offline",
	StatusUpgrading: "upgrading",
}

func (s OnlineStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s OnlineStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ParseOnlineStatus converts a status name into an OnlineStatus.
func ParseOnlineStatus(name string) (OnlineStatus, error) {
	for status, n := range statusNames {
		if strings.EqualFold(n, name) {
			return status, nil
		}
	}
	return StatusUnknown, &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown value %q", name)}
}

// statusFromWire converts a decoded JSON number into an OnlineStatus.
func statusFromWire(v any) (OnlineStatus, bool) {
	n, ok := toInt(v)
	if !ok {
		return StatusUnknown, false
	}
	s := OnlineStatus(n)
	if _, known := statusNames[s]; !known {
		return StatusUnknown, false
	}
	return s, true
}

// Source records how a state change was observed.
type Source string

// Provenance values attached to every state event.
const (
	SourceResponse Source = "response"
	SourcePush     Source = "push"
	SourcePoll     Source = "poll"
)

// Channel describes one addressable sub-unit of a device.
// Index 0 is the master channel.
type Channel struct {
	Index    int    `json:"index"`
	Name     string `json:"name,omitempty"`
	Type     string `json:"type,omitempty"`
	IsMaster bool   `json:"is_master"`
}

// ParseChannels builds the channel list from the raw "channels" array of a
// device descriptor. An empty input yields a single master channel.
func ParseChannels(raw []map[string]any) []Channel {
	if len(raw) == 0 {
		return []Channel{{Index: 0, IsMaster: true}}
	}
	channels := make([]Channel, 0, len(raw))
	for i, entry := range raw {
		name, _ := entry["devName"].(string)
		typ, _ := entry["type"].(string)
		channels = append(channels, Channel{
			Index:    i,
			Name:     name,
			Type:     typ,
			IsMaster: i == 0,
		})
	}
	return channels
}

// Descriptor holds everything needed to construct a device. It is the
// persisted form of a device and the shape of the devices config section.
type Descriptor struct {
	UUID            string    `json:"uuid" yaml:"uuid"`
	Name            string    `json:"name" yaml:"name"`
	Type            string    `json:"type" yaml:"type"`
	FirmwareVersion string    `json:"firmware_version,omitempty" yaml:"firmware_version"`
	HardwareVersion string    `json:"hardware_version,omitempty" yaml:"hardware_version"`
	Channels        []Channel `json:"channels,omitempty" yaml:"channels"`
	MAC             string    `json:"mac,omitempty" yaml:"mac"`
	LANIP           string    `json:"lan_ip,omitempty" yaml:"lan_ip"`
	MQTTHost        string    `json:"mqtt_host,omitempty" yaml:"mqtt_host"`
	MQTTPort        int       `json:"mqtt_port,omitempty" yaml:"mqtt_port"`
	TransportMode   string    `json:"transport_mode,omitempty" yaml:"transport_mode"`

	// Set for subdevices only.
	HubUUID     string `json:"hub_uuid,omitempty" yaml:"hub_uuid"`
	SubdeviceID string `json:"subdevice_id,omitempty" yaml:"subdevice_id"`

	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// InternalID returns the registry key for the descriptor.
func (d *Descriptor) InternalID() string {
	if d.IsSubdevice() {
		return SubInternalID(d.HubUUID, d.SubdeviceID)
	}
	return BaseInternalID(d.UUID)
}

// IsSubdevice reports whether the descriptor describes a hub subdevice.
func (d *Descriptor) IsSubdevice() bool {
	return d.SubdeviceID != ""
}

// DeepCopy returns an independent copy of the descriptor.
func (d *Descriptor) DeepCopy() *Descriptor {
	if d == nil {
		return nil
	}
	cpy := *d
	if d.Channels != nil {
		cpy.Channels = make([]Channel, len(d.Channels))
		copy(cpy.Channels, d.Channels)
	}
	return &cpy
}

// BaseInternalID returns the registry key of a top-level device.
func BaseInternalID(uuid string) string {
	return "#BASE:" + uuid
}

// SubInternalID returns the registry key of a hub subdevice.
func SubInternalID(hubUUID, subdeviceID string) string {
	return "#SUB:" + hubUUID + ":" + subdeviceID
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v
	}
}

// toInt converts a decoded JSON number into an int.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

// toInt64 converts a decoded JSON number into an int64.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	default:
		return 0, false
	}
}

// entries normalises a payload value that may be a single object or a
// list of objects.
func entries(v any) []map[string]any {
	switch val := v.(type) {
	case map[string]any:
		return []map[string]any{val}
	case []any:
		out := make([]map[string]any, 0, len(val))
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	case []map[string]any:
		return val
	default:
		return nil
	}
}
