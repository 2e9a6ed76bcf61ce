package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Repository stores descriptors so known devices are rebuilt on startup
// without waiting for discovery.
type Repository interface {
	// GetByID returns ErrDeviceNotFound for an unknown internal id.
	GetByID(ctx context.Context, id string) (*Descriptor, error)

	// List returns base devices before subdevices.
	List(ctx context.Context) ([]Descriptor, error)
	ListByHub(ctx context.Context, hubUUID string) ([]Descriptor, error)

	// Create returns ErrDeviceExists when the internal id is taken.
	Create(ctx context.Context, d *Descriptor) error

	// Update returns ErrDeviceNotFound when there is nothing to update.
	Update(ctx context.Context, d *Descriptor) error

	// Save inserts or updates, keeping the original creation time.
	Save(ctx context.Context, d *Descriptor) error

	Delete(ctx context.Context, id string) error
}

// SQLiteRepository is the Repository over the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Column order shared by insertDescriptor, scanDescriptor and the
// statements below.
const descriptorColumns = `id, uuid, name, type, firmware_version, hardware_version,
	channels, mac, lan_ip, mqtt_host, mqtt_port, transport_mode,
	hub_uuid, subdevice_id, created_at, updated_at`

const insertDescriptor = `INSERT INTO devices (` + descriptorColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Columns a rediscovered device may change. Identity and created_at stay.
const mutableColumns = `name = excluded.name, type = excluded.type,
	firmware_version = excluded.firmware_version, hardware_version = excluded.hardware_version,
	channels = excluded.channels, mac = excluded.mac, lan_ip = excluded.lan_ip,
	mqtt_host = excluded.mqtt_host, mqtt_port = excluded.mqtt_port,
	transport_mode = excluded.transport_mode, updated_at = excluded.updated_at`

func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Descriptor, error) {
	d, err := scanDescriptor(r.db.QueryRowContext(ctx, "SELECT "+descriptorColumns+" FROM devices WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading device %s: %w", id, err)
	}
	return d, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Descriptor, error) {
	return r.list(ctx, "SELECT "+descriptorColumns+" FROM devices ORDER BY subdevice_id IS NOT NULL, id")
}

func (r *SQLiteRepository) ListByHub(ctx context.Context, hubUUID string) ([]Descriptor, error) {
	return r.list(ctx, "SELECT "+descriptorColumns+" FROM devices WHERE hub_uuid = ? ORDER BY id", hubUUID)
}

func (r *SQLiteRepository) Create(ctx context.Context, d *Descriptor) error {
	args, err := descriptorArgs(d, time.Now().UTC())
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, insertDescriptor, args...); err != nil {
		if isConstraint(err, sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device %s: %w", d.InternalID(), err)
	}
	return nil
}

func (r *SQLiteRepository) Update(ctx context.Context, d *Descriptor) error {
	existing, err := r.GetByID(ctx, d.InternalID())
	if err != nil {
		return err
	}
	d.CreatedAt = existing.CreatedAt
	return r.Save(ctx, d)
}

// Save upserts d in one statement. d.CreatedAt is set to the stored
// creation time.
func (r *SQLiteRepository) Save(ctx context.Context, d *Descriptor) error {
	args, err := descriptorArgs(d, time.Now().UTC())
	if err != nil {
		return err
	}
	var created string
	err = r.db.QueryRowContext(ctx,
		insertDescriptor+" ON CONFLICT(id) DO UPDATE SET "+mutableColumns+" RETURNING created_at",
		args...,
	).Scan(&created)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", d.InternalID(), err)
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return fmt.Errorf("device %s created_at: %w", d.InternalID(), err)
	}
	return nil
}

// Delete returns ErrDeviceNotFound when no row matched.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	} else if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func (r *SQLiteRepository) list(ctx context.Context, query string, args ...any) ([]Descriptor, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	defer rows.Close()

	var out []Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// descriptorArgs stamps d and returns its column values in
// descriptorColumns order. Empty optional fields are stored as NULL.
func descriptorArgs(d *Descriptor, now time.Time) ([]any, error) {
	channels, err := json.Marshal(d.Channels)
	if err != nil {
		return nil, fmt.Errorf("encoding channels of %s: %w", d.InternalID(), err)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	return []any{
		d.InternalID(), d.UUID, d.Name, d.Type,
		null(d.FirmwareVersion), null(d.HardwareVersion),
		string(channels),
		null(d.MAC), null(d.LANIP), null(d.MQTTHost), d.MQTTPort, null(d.TransportMode),
		null(d.HubUUID), null(d.SubdeviceID),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	}, nil
}

// scanDescriptor reads one row in descriptorColumns order.
func scanDescriptor(row interface{ Scan(...any) error }) (*Descriptor, error) {
	var (
		d                       Descriptor
		id, channels            string
		created, updated        string
		firmware, hardware, mac sql.NullString
		lanIP, mqttHost, mode   sql.NullString
		hubUUID, subdeviceID    sql.NullString
	)
	if err := row.Scan(&id, &d.UUID, &d.Name, &d.Type, &firmware, &hardware,
		&channels, &mac, &lanIP, &mqttHost, &d.MQTTPort, &mode,
		&hubUUID, &subdeviceID, &created, &updated); err != nil {
		return nil, err
	}

	d.FirmwareVersion, d.HardwareVersion = firmware.String, hardware.String
	d.MAC, d.LANIP, d.MQTTHost = mac.String, lanIP.String, mqttHost.String
	d.TransportMode = mode.String
	d.HubUUID, d.SubdeviceID = hubUUID.String, subdeviceID.String

	if err := json.Unmarshal([]byte(channels), &d.Channels); err != nil {
		return nil, fmt.Errorf("device %s channels: %w", id, err)
	}
	var err error
	if d.CreatedAt, err = time.Parse(time.RFC3339, created); err != nil {
		return nil, fmt.Errorf("device %s created_at: %w", id, err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updated); err != nil {
		return nil, fmt.Errorf("device %s updated_at: %w", id, err)
	}
	return &d, nil
}

func null(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isConstraint reports whether err is a SQLite constraint violation with
// one of the extended codes.
func isConstraint(err error, codes ...sqlite3.ErrNoExtended) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	for _, c := range codes {
		if se.ExtendedCode == c {
			return true
		}
	}
	return false
}
