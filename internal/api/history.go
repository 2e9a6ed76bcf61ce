package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nerrad567/meross-core/internal/device"
)

// handleGetDeviceHistory serves recorded state changes of one device.
//
//	GET /api/v1/devices/{id}/history?capability=electricity&since=<RFC3339>&limit=100
//
// Entries are newest first. next_since is the newest entry's time, so a
// client can poll with it to receive only what changed since.
func (s *Server) handleGetDeviceHistory(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	q, err := historyQuery(d.InternalID(), r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeValidation, err.Error())
		return
	}
	if s.history == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, "state history is not recorded")
		return
	}

	entries, err := s.history.History(r.Context(), q)
	if err != nil {
		s.logger.Error("reading state history", "device_id", q.DeviceID, "error", err)
		writeInternalError(w, "reading state history failed")
		return
	}
	if entries == nil {
		entries = []device.StateHistoryEntry{}
	}

	resp := map[string]any{
		"device_id": q.DeviceID,
		"entries":   entries,
		"count":     len(entries),
	}
	if len(entries) > 0 {
		resp["next_since"] = entries[0].RecordedAt.Format(time.RFC3339Nano)
	}
	writeJSON(w, http.StatusOK, resp)
}

// historyQuery builds the store query from URL parameters. An explicit
// limit above the store maximum is rejected rather than clamped.
func historyQuery(deviceID string, v url.Values) (device.HistoryQuery, error) {
	q := device.HistoryQuery{
		DeviceID:   deviceID,
		Capability: device.Capability(v.Get("capability")),
		Limit:      device.DefaultHistoryLimit,
	}
	if raw := v.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return q, fmt.Errorf("limit %q is not a positive integer", raw)
		}
		if n > device.MaxHistoryLimit {
			return q, fmt.Errorf("limit %d exceeds %d", n, device.MaxHistoryLimit)
		}
		q.Limit = n
	}
	if raw := v.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return q, errors.New("since must be an RFC 3339 timestamp")
		}
		q.Since = t
	}
	return q, nil
}
