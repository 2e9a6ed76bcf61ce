package device

import (
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Logger defines the logging interface used by this package.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// clearConcurrency bounds parallel disconnects in Clear.
const clearConcurrency = 8

// Registry indexes live devices for constant-time and filtered lookup.
//
// Two indexes are kept: internal id → device for every device, and
// uuid → device for base devices only. Subdevices share their hub's uuid
// and are reachable through GetSubdevice.
//
// All public methods are thread-safe.
type Registry struct {
	byID   map[string]Device
	byUUID map[string]Device
	mu     sync.RWMutex
	logger Logger
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]Device),
		byUUID: make(map[string]Device),
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger Logger) {
	r.logger = logger
}

// RegisterDevice adds d. Registering an internal id that is already
// present does nothing and returns false.
func (r *Registry) RegisterDevice(d Device) bool {
	id := d.InternalID()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[id]; ok {
		return false
	}
	r.byID[id] = d
	if _, isSub := d.(subdevice); !isSub {
		r.byUUID[d.UUID()] = d
	}

	r.logger.Debug("device registered", "id", id, "type", d.Type())
	return true
}

// Get returns the base device with the given uuid.
func (r *Registry) Get(uuid string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byUUID[uuid]
	return d, ok
}

// GetSubdevice returns the subdevice id behind hub hubUUID.
func (r *Registry) GetSubdevice(hubUUID, id string) (Device, bool) {
	return r.GetByInternalID(SubInternalID(hubUUID, id))
}

// GetByInternalID returns the device with the given registry key.
func (r *Registry) GetByInternalID(id string) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byID[id]
	return d, ok
}

// List returns every device ordered by internal id.
func (r *Registry) List() []Device {
	return r.Find(Filter{})
}

// Size returns the number of registered devices.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Unregister removes a device without disconnecting it. It returns the
// removed device, if any.
func (r *Registry) Unregister(id string) (Device, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	if cur, ok := r.byUUID[d.UUID()]; ok && cur == d {
		delete(r.byUUID, d.UUID())
	}
	r.logger.Debug("device unregistered", "id", id)
	return d, true
}

// Clear disconnects every device, releasing its timers and pending
// requests, then evicts them from both indexes. Disconnects run without
// the registry lock so lookups are not blocked by a slow device.
// Devices registered while Clear runs are kept.
func (r *Registry) Clear() {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		devices = append(devices, d)
	}
	r.mu.RUnlock()

	var g errgroup.Group
	g.SetLimit(clearConcurrency)
	for _, d := range devices {
		g.Go(func() error {
			d.Disconnect()
			return nil
		})
	}
	_ = g.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range devices {
		if cur, ok := r.byID[d.InternalID()]; ok && cur == d {
			delete(r.byID, d.InternalID())
		}
		if cur, ok := r.byUUID[d.UUID()]; ok && cur == d {
			delete(r.byUUID, d.UUID())
		}
	}
	r.logger.Info("device registry cleared", "count", len(devices))
}

// Find returns the devices matching every set field of f, ordered by
// internal id.
func (r *Registry) Find(f Filter) []Device {
	r.mu.RLock()
	matched := make([]Device, 0, len(r.byID))
	for _, d := range r.byID {
		if f.Match(d) {
			matched = append(matched, d)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].InternalID() < matched[j].InternalID()
	})
	return matched
}

// Stats summarises the registry for monitoring.
type Stats struct {
	TotalDevices   int                  `json:"total_devices"`
	Subdevices     int                  `json:"subdevices"`
	ByType         map[string]int       `json:"by_type"`
	ByOnlineStatus map[OnlineStatus]int `json:"by_online_status"`
}

// GetStats returns current registry statistics.
func (r *Registry) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Stats{
		TotalDevices:   len(r.byID),
		ByType:         make(map[string]int),
		ByOnlineStatus: make(map[OnlineStatus]int),
	}
	for _, d := range r.byID {
		if _, ok := d.(subdevice); ok {
			stats.Subdevices++
		}
		stats.ByType[d.Type()]++
		stats.ByOnlineStatus[d.OnlineStatus()]++
	}
	return stats
}
