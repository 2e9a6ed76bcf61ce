package device

import (
	"fmt"
	"net/netip"
	"regexp"
	"strings"

	"github.com/nerrad567/meross-core/internal/transport"
)

// Validation constants.
const (
	maxNameLength     = 100
	maxTypeLength     = 32
	maxChannels       = 16
	maxSubdeviceIDLen = 32
	maxPort           = 65535
)

var (
	// Meross device uuids are 32 hex characters.
	uuidRegex        = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	subdeviceIDRegex = regexp.MustCompile(`^[0-9a-zA-Z]+$`)
	macRegex         = regexp.MustCompile(`^[0-9a-fA-F]{2}(:[0-9a-fA-F]{2}){5}$`)
)

// ValidateDescriptor checks a descriptor before it is registered or saved.
// Returns a *ValidationError for the first failure found.
func ValidateDescriptor(d *Descriptor) error {
	if d == nil {
		return &ValidationError{Field: "descriptor", Reason: "is nil"}
	}

	if d.IsSubdevice() {
		if err := ValidateUUID("hub_uuid", d.HubUUID); err != nil {
			return err
		}
		if err := ValidateSubdeviceID(d.SubdeviceID); err != nil {
			return err
		}
		if d.UUID != "" && d.UUID != d.HubUUID {
			return &ValidationError{Field: "uuid", Reason: "subdevice uuid must match hub_uuid"}
		}
	} else {
		if err := ValidateUUID("uuid", d.UUID); err != nil {
			return err
		}
		if d.HubUUID != "" {
			return &ValidationError{Field: "hub_uuid", Reason: "set without subdevice_id"}
		}
	}

	if err := ValidateName(d.Name); err != nil {
		return err
	}

	if err := ValidateType(d.Type); err != nil {
		return err
	}

	if err := ValidateChannels(d.Channels); err != nil {
		return err
	}

	if d.MAC != "" && !macRegex.MatchString(d.MAC) {
		return &ValidationError{Field: "mac", Reason: fmt.Sprintf("%q is not a MAC address", d.MAC)}
	}

	if d.LANIP != "" {
		if _, err := netip.ParseAddr(d.LANIP); err != nil {
			return &ValidationError{Field: "lan_ip", Reason: fmt.Sprintf("%q is not an IP address", d.LANIP)}
		}
	}

	if d.MQTTPort < 0 || d.MQTTPort > maxPort {
		return &ValidationError{Field: "mqtt_port", Reason: fmt.Sprintf("%d out of range", d.MQTTPort)}
	}

	if _, err := transport.ParseMode(d.TransportMode); err != nil {
		return &ValidationError{Field: "transport_mode", Reason: err.Error()}
	}

	return nil
}

// ValidateUUID checks a Meross device uuid.
func ValidateUUID(field, uuid string) error {
	if uuid == "" {
		return &ValidationError{Field: field, Reason: "is required"}
	}
	if !uuidRegex.MatchString(uuid) {
		return &ValidationError{Field: field, Reason: fmt.Sprintf("%q must be 32 hex characters", uuid)}
	}
	return nil
}

// ValidateSubdeviceID checks a hub-local subdevice id.
func ValidateSubdeviceID(id string) error {
	if id == "" {
		return &ValidationError{Field: "subdevice_id", Reason: "is required"}
	}
	if len(id) > maxSubdeviceIDLen || !subdeviceIDRegex.MatchString(id) {
		return &ValidationError{Field: "subdevice_id", Reason: fmt.Sprintf("%q is not alphanumeric", id)}
	}
	return nil
}

// ValidateName checks a device display name.
func ValidateName(name string) error {
	trimmed := strings.TrimSpace(name)
	if trimmed == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if len(name) > maxNameLength {
		return &ValidationError{Field: "name", Reason: fmt.Sprintf("exceeds %d characters", maxNameLength)}
	}
	return nil
}

// ValidateType checks a device or subdevice model type, e.g. "mss310".
func ValidateType(typ string) error {
	if typ == "" {
		return &ValidationError{Field: "type", Reason: "is required"}
	}
	if len(typ) > maxTypeLength || strings.ContainsAny(typ, " \t\n") {
		return &ValidationError{Field: "type", Reason: fmt.Sprintf("%q is not a model name", typ)}
	}
	return nil
}

// ValidateChannels checks that channel indexes run 0..n-1 and only
// channel 0 is the master.
func ValidateChannels(channels []Channel) error {
	if len(channels) > maxChannels {
		return &ValidationError{Field: "channels", Reason: fmt.Sprintf("more than %d channels", maxChannels)}
	}
	for i, ch := range channels {
		if ch.Index != i {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("index %d at position %d", ch.Index, i)}
		}
		if ch.IsMaster != (i == 0) {
			return &ValidationError{Field: "channels", Reason: fmt.Sprintf("channel %d has wrong master flag", i)}
		}
	}
	return nil
}
