package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/meross-core/internal/device"
)

// Error is the body of every non-2xx response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// Error codes. Clients switch on these, not on Message.
const (
	ErrCodeBadRequest         = "bad_request"
	ErrCodeNotFound           = "not_found"
	ErrCodeInternal           = "internal_error"
	ErrCodeValidation         = "validation_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeDeviceTimeout      = "device_timeout"
	ErrCodeDeviceUnreachable  = "device_unreachable"
	ErrCodeDeviceError        = "device_error"
	ErrCodeRateLimited        = "rate_limited"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v) //nolint:errcheck // Client may be gone
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// deviceFailure classifies a failed device request. Anything the device
// layer does not name is the manager being unavailable.
func deviceFailure(err error) (int, string) {
	var protoErr *device.ProtocolError
	switch {
	case errors.As(err, &protoErr):
		return http.StatusBadGateway, ErrCodeDeviceError
	case errors.Is(err, device.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeDeviceTimeout
	case errors.Is(err, device.ErrConnection):
		return http.StatusBadGateway, ErrCodeDeviceUnreachable
	case errors.Is(err, device.ErrValidation):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, device.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	default:
		return http.StatusServiceUnavailable, ErrCodeServiceUnavailable
	}
}

// writeDeviceError answers with the status deviceFailure picks. A device
// error reply is passed through as details.
func writeDeviceError(w http.ResponseWriter, err error) {
	status, code := deviceFailure(err)
	resp := Error{Status: status, Code: code, Message: err.Error()}
	if code == ErrCodeNotFound {
		resp.Message = "device not found"
	}
	var protoErr *device.ProtocolError
	if errors.As(err, &protoErr) {
		resp.Details = protoErr.Payload
	}
	writeJSON(w, status, resp)
}
