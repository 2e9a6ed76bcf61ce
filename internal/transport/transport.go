package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/nerrad567/meross-core/internal/encryption"
	"github.com/nerrad567/meross-core/internal/protocol"
)

// Domain errors for the transport package.
var (
	// ErrNoRoute is returned when no channel can reach the device.
	ErrNoRoute = errors.New("transport: no reachable channel")

	// ErrNoLANAddress is returned by HTTPTransport when the device has no
	// known LAN address.
	ErrNoLANAddress = errors.New("transport: no LAN address")

	// ErrBadStatus is returned when the device answers with a non-200 status.
	ErrBadStatus = errors.New("transport: unexpected HTTP status")

	// ErrInvalidMode is returned by ParseMode for unknown mode names.
	ErrInvalidMode = errors.New("transport: invalid mode")
)

// Mode selects which channel a Router tries first.
type Mode string

// Transport modes. The empty Mode means "use the router default".
const (
	ModeDefault             Mode = ""
	ModeMQTTOnly            Mode = "mqtt_only"
	ModeLANHTTPFirst        Mode = "lan_http_first"
	ModeLANHTTPFirstOnlyGET Mode = "lan_http_first_only_get"
)

// ParseMode converts a configuration string into a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeDefault, ModeMQTTOnly, ModeLANHTTPFirst, ModeLANHTTPFirstOnlyGET:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// Request is one envelope addressed to one device.
type Request struct {
	// UUID of the target device. Subdevice traffic uses the hub uuid.
	UUID string

	// LANIP is the device's last known LAN address, or "".
	LANIP string

	// Method and Namespace of the encoded envelope, used for routing
	// decisions and logging.
	Method    protocol.Method
	Namespace string

	// Body is the JSON encoded envelope.
	Body []byte

	// Cipher is set when the device requires encrypted LAN payloads.
	Cipher *encryption.Cipher

	// Mode overrides the router default when not ModeDefault.
	Mode Mode
}

// Transport delivers a request and returns the raw reply, or nil when the
// reply will arrive asynchronously.
type Transport interface {
	Request(ctx context.Context, req Request) ([]byte, error)
}

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
