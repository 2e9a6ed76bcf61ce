package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SQLiteStateHistoryRepository stores history in the state_history table,
// with changed fields as a JSON object and times as Unix milliseconds.
type SQLiteStateHistoryRepository struct {
	db *sql.DB
}

// NewSQLiteStateHistoryRepository returns a repository over db, which must
// carry the state_history migration.
func NewSQLiteStateHistoryRepository(db *sql.DB) *SQLiteStateHistoryRepository {
	return &SQLiteStateHistoryRepository{db: db}
}

// RecordStateChange stores ev when it is a state event. A missing source
// is taken as a push and a missing timestamp as now.
func (r *SQLiteStateHistoryRepository) RecordStateChange(ctx context.Context, ev Event) error {
	if ev.Kind != EventState {
		return nil
	}
	if ev.DeviceID == "" || ev.Type == "" {
		return fmt.Errorf("%w: state event needs device id and capability", ErrValidation)
	}

	value := []byte("{}")
	if ev.Value != nil {
		var err error
		if value, err = json.Marshal(ev.Value); err != nil {
			return fmt.Errorf("encoding %s value: %w", ev.Type, err)
		}
	}
	source := ev.Source
	if source == "" {
		source = SourcePush
	}
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	if _, err := r.db.ExecContext(ctx,
		`INSERT INTO state_history (device_id, capability, channel, value, source, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.DeviceID, ev.Type, ev.Channel, string(value), string(source), at.UnixMilli(),
	); err != nil {
		return fmt.Errorf("recording %s change of %s: %w", ev.Type, ev.DeviceID, err)
	}
	return nil
}

// History returns the entries matching q, newest first. Entries recorded
// in the same millisecond keep insertion order.
func (r *SQLiteStateHistoryRepository) History(ctx context.Context, q HistoryQuery) ([]StateHistoryEntry, error) {
	if q.DeviceID == "" {
		return nil, fmt.Errorf("%w: history query needs a device id", ErrValidation)
	}

	where := []string{"device_id = ?"}
	args := []any{q.DeviceID}
	if q.Capability != "" {
		where = append(where, "capability = ?")
		args = append(args, string(q.Capability))
	}
	if !q.Since.IsZero() {
		where = append(where, "recorded_at > ?")
		args = append(args, q.Since.UnixMilli())
	}
	args = append(args, q.limit())

	//nolint:gosec // Only fixed column predicates are joined; values are bound.
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, device_id, capability, channel, value, source, recorded_at
		 FROM state_history WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY recorded_at DESC, id DESC LIMIT ?`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("querying history of %s: %w", q.DeviceID, err)
	}
	defer rows.Close()

	var out []StateHistoryEntry
	for rows.Next() {
		e, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanHistory(rows *sql.Rows) (StateHistoryEntry, error) {
	var (
		e                 StateHistoryEntry
		capability, value string
		source            string
		ms                int64
	)
	if err := rows.Scan(&e.ID, &e.DeviceID, &capability, &e.Channel, &value, &source, &ms); err != nil {
		return e, fmt.Errorf("scanning history row: %w", err)
	}
	if err := json.Unmarshal([]byte(value), &e.Value); err != nil {
		return e, fmt.Errorf("history row %d: %w", e.ID, err)
	}
	e.Capability = Capability(capability)
	e.Source = Source(source)
	e.RecordedAt = time.UnixMilli(ms).UTC()
	return e, nil
}

// PruneBefore deletes entries recorded before cutoff.
func (r *SQLiteStateHistoryRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, errors.New("prune cutoff is zero")
	}
	res, err := r.db.ExecContext(ctx, "DELETE FROM state_history WHERE recorded_at < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	return res.RowsAffected()
}
