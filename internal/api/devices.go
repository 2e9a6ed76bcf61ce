package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/meross-core/internal/device"
	"github.com/nerrad567/meross-core/internal/protocol"
)

const (
	// maxQueryParamLen bounds ids and filter values taken from the URL.
	maxQueryParamLen = 256

	// maxPublishTimeout caps the per-request timeout a caller may ask for.
	maxPublishTimeout = 60 * time.Second
)

// deviceResponse is the JSON view of a registered device.
type deviceResponse struct {
	ID           string              `json:"id"`
	UUID         string              `json:"uuid"`
	Name         string              `json:"name"`
	Type         string              `json:"type"`
	OnlineStatus device.OnlineStatus `json:"online_status"`
	SubdeviceID  string              `json:"subdevice_id,omitempty"`
	Firmware     string              `json:"firmware,omitempty"`
	MAC          string              `json:"mac,omitempty"`
	LANIP        string              `json:"lan_ip,omitempty"`
	Channels     []device.Channel    `json:"channels,omitempty"`
	Subdevices   []string            `json:"subdevices,omitempty"`
}

// publishRequest is the body of POST /devices/{id}/publish.
type publishRequest struct {
	Method    protocol.Method  `json:"method"`
	Namespace string           `json:"namespace"`
	Payload   protocol.Payload `json:"payload"`
	TimeoutMS int              `json:"timeout_ms"`
}

// toDeviceResponse builds the JSON view. Only the fields the concrete
// type exposes are filled in.
func toDeviceResponse(d device.Device) deviceResponse {
	resp := deviceResponse{
		ID:           d.InternalID(),
		UUID:         d.UUID(),
		Name:         d.Name(),
		Type:         d.Type(),
		OnlineStatus: d.OnlineStatus(),
	}

	if sub, ok := d.(interface{ SubdeviceID() string }); ok {
		resp.SubdeviceID = sub.SubdeviceID()
	}
	switch v := d.(type) {
	case *device.HubDevice:
		fillBase(&resp, v.BaseDevice)
		for _, sub := range v.Subdevices() {
			resp.Subdevices = append(resp.Subdevices, sub.InternalID())
		}
		sort.Strings(resp.Subdevices)
	case *device.BaseDevice:
		fillBase(&resp, v)
	}
	return resp
}

func fillBase(resp *deviceResponse, d *device.BaseDevice) {
	resp.Firmware = d.FirmwareVersion()
	resp.MAC = d.MAC()
	resp.LANIP = d.LANIP()
	resp.Channels = d.Channels()
}

// handleListDevices returns all devices, with optional query filters.
//
// Query parameters:
//   - uuid: filter by device uuid (repeatable)
//   - type: filter by device type
//   - name: filter by name
//   - status: filter by online status name (online, offline, ...)
//   - ability: filter by declared ability namespace
func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var filter device.Filter
	for _, u := range q["uuid"] {
		if u == "" || len(u) > maxQueryParamLen {
			writeBadRequest(w, "invalid uuid filter")
			return
		}
		filter.UUIDs = append(filter.UUIDs, u)
	}
	filter.DeviceType = q.Get("type")
	filter.Name = q.Get("name")
	filter.Ability = q.Get("ability")
	if raw := q.Get("status"); raw != "" {
		status, err := device.ParseOnlineStatus(raw)
		if err != nil {
			writeBadRequest(w, err.Error())
			return
		}
		filter.OnlineStatus = device.StatusPtr(status)
	}

	devices := s.devices.Registry().Find(filter)
	sort.Slice(devices, func(i, j int) bool {
		return devices[i].InternalID() < devices[j].InternalID()
	})

	out := make([]deviceResponse, 0, len(devices))
	for _, d := range devices {
		out = append(out, toDeviceResponse(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": out, "count": len(out)})
}

// handleDeviceStats returns registry statistics.
func (s *Server) handleDeviceStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.devices.Registry().GetStats())
}

// handleGetDevice returns a single device by internal id or uuid.
func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

// handleGetDeviceState returns the cached state of every capability and
// channel.
func (s *Server) handleGetDeviceState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	snap, ok := d.(interface {
		StateSnapshot() map[device.Capability]map[int]map[string]any
	})
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"device_id": d.InternalID(), "state": map[string]any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"device_id":     d.InternalID(),
		"online_status": d.OnlineStatus(),
		"state":         snap.StateSnapshot(),
	})
}

// handlePublish sends a raw request to a device and returns its reply.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	d, ok := s.lookupDevice(w, r)
	if !ok {
		return
	}

	var req publishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if !req.Method.IsValid() || !req.Method.IsRequest() {
		writeBadRequest(w, "method must be GET, SET or DELETE")
		return
	}
	if req.Namespace == "" || len(req.Namespace) > maxQueryParamLen {
		writeBadRequest(w, "namespace is required")
		return
	}
	if req.TimeoutMS < 0 {
		writeBadRequest(w, "timeout_ms must not be negative")
		return
	}

	ctx := r.Context()
	if req.TimeoutMS > 0 {
		timeout := min(time.Duration(req.TimeoutMS)*time.Millisecond, maxPublishTimeout)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	reply, err := s.devices.Publish(ctx, d.InternalID(), req.Method, req.Namespace, req.Payload)
	if err != nil {
		s.logger.Warn("device publish failed",
			"device_id", d.InternalID(),
			"namespace", req.Namespace,
			"error", err,
		)
		writeDeviceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"device_id": d.InternalID(),
		"namespace": req.Namespace,
		"payload":   reply,
	})
}

// lookupDevice resolves the {id} path parameter, first as an internal id
// and then as a base device uuid. It writes the error response itself.
func (s *Server) lookupDevice(w http.ResponseWriter, r *http.Request) (device.Device, bool) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil || id == "" || len(id) > maxQueryParamLen {
		writeBadRequest(w, "invalid device ID")
		return nil, false
	}

	reg := s.devices.Registry()
	if d, ok := reg.GetByInternalID(id); ok {
		return d, true
	}
	if d, ok := reg.Get(id); ok {
		return d, true
	}
	writeNotFound(w, "device not found")
	return nil, false
}
