package device

import (
	"context"
	"time"
)

// StateHistoryEntry is one recorded capability change.
type StateHistoryEntry struct {
	ID         int64          `json:"id"`
	DeviceID   string         `json:"device_id"`
	Capability Capability     `json:"capability"`
	Channel    int            `json:"channel"`
	Value      map[string]any `json:"value"`
	Source     Source         `json:"source"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// HistoryQuery selects entries of one device, newest first.
type HistoryQuery struct {
	DeviceID string

	// Capability narrows to one state family; empty means all.
	Capability Capability

	// Since excludes entries recorded at or before it; zero means no bound.
	Since time.Time

	// Limit caps the result. Values outside 1..MaxHistoryLimit are clamped.
	Limit int
}

// History limits shared by the store and the API.
const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// StateHistoryRepository keeps the local record of state changes. It works
// without the time-series database and backs the history endpoint.
type StateHistoryRepository interface {
	// RecordStateChange stores a state event. Other kinds are ignored.
	RecordStateChange(ctx context.Context, ev Event) error

	// History runs q against the store.
	History(ctx context.Context, q HistoryQuery) ([]StateHistoryEntry, error)

	// PruneBefore deletes entries recorded before cutoff and reports how
	// many went.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

func (q HistoryQuery) limit() int {
	switch {
	case q.Limit <= 0:
		return DefaultHistoryLimit
	case q.Limit > MaxHistoryLimit:
		return MaxHistoryLimit
	}
	return q.Limit
}
