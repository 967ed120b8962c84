package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// deviceColumns is the column list shared by every SELECT so scanDevice
// stays in lockstep with the queries.
const deviceColumns = `id, public_key, serial, mac, adoption_state,
	name, location, url, zoom_factor, fullscreen, frame,
	system_info, stats,
	flagged_at, screenshot_at, created_at, adopted_at,
	last_seen_at, last_poll_at, last_config_change_at`

// SQLiteRepository persists devices in SQLite. It is a plain data mapper:
// all invariants (state transitions, locking) live in the Registry above
// it.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on top of an open connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create inserts a new device row.
func (r *SQLiteRepository) Create(ctx context.Context, d *Device) error {
	systemInfo, err := marshalJSONColumn(d.SystemInfo)
	if err != nil {
		return fmt.Errorf("encoding system info: %w", err)
	}
	stats, err := marshalJSONColumn(d.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, public_key, serial, mac, adoption_state,
			name, location, url, zoom_factor, fullscreen, frame,
			system_info, stats,
			flagged_at, screenshot_at, created_at, adopted_at,
			last_seen_at, last_poll_at, last_config_change_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.PublicKey, d.Serial, d.Mac, string(d.AdoptionState),
		d.Config.Name, d.Config.Location, d.Config.URL,
		d.Config.ZoomFactor, boolToInt(d.Config.Fullscreen), boolToInt(d.Config.Frame),
		systemInfo, stats,
		nullableTime(d.FlaggedAt), nullableTime(d.ScreenshotAt),
		d.CreatedAt.Format(time.RFC3339), nullableTime(d.AdoptedAt),
		nullableTime(d.LastSeenAt), nullableTime(d.LastPollAt), nullableTime(d.LastConfigChangeAt),
	)
	if err != nil {
		return fmt.Errorf("inserting device: %w", err)
	}
	return nil
}

// Update rewrites every mutable column of an existing device row.
func (r *SQLiteRepository) Update(ctx context.Context, d *Device) error {
	systemInfo, err := marshalJSONColumn(d.SystemInfo)
	if err != nil {
		return fmt.Errorf("encoding system info: %w", err)
	}
	stats, err := marshalJSONColumn(d.Stats)
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			public_key = ?, serial = ?, mac = ?, adoption_state = ?,
			name = ?, location = ?, url = ?, zoom_factor = ?, fullscreen = ?, frame = ?,
			system_info = ?, stats = ?,
			flagged_at = ?, screenshot_at = ?, adopted_at = ?,
			last_seen_at = ?, last_poll_at = ?, last_config_change_at = ?
		WHERE id = ?`,
		d.PublicKey, d.Serial, d.Mac, string(d.AdoptionState),
		d.Config.Name, d.Config.Location, d.Config.URL,
		d.Config.ZoomFactor, boolToInt(d.Config.Fullscreen), boolToInt(d.Config.Frame),
		systemInfo, stats,
		nullableTime(d.FlaggedAt), nullableTime(d.ScreenshotAt), nullableTime(d.AdoptedAt),
		nullableTime(d.LastSeenAt), nullableTime(d.LastPollAt), nullableTime(d.LastConfigChangeAt),
		d.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Delete removes a device and, via the foreign key cascade, its commands.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if rows == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// GetByID returns the device with the given id, or ErrDeviceNotFound.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE id = ?", id)
	return scanDevice(row)
}

// GetByPublicKey returns the device bound to the given public key, or
// ErrDeviceNotFound. The public key column is UNIQUE so there is at most
// one match.
func (r *SQLiteRepository) GetByPublicKey(ctx context.Context, publicKey string) (*Device, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+deviceColumns+" FROM devices WHERE public_key = ?", publicKey)
	return scanDevice(row)
}

// List returns all devices, newest first. Filtering on derived status
// happens in the Registry because status is computed, not stored.
func (r *SQLiteRepository) List(ctx context.Context) ([]*Device, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+deviceColumns+" FROM devices ORDER BY created_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return devices, nil
}

// scanner abstracts *sql.Row and *sql.Rows for scanDevice.
type scanner interface {
	Scan(dest ...any) error
}

// scanDevice maps one row onto a Device, handling nullable columns.
func scanDevice(row scanner) (*Device, error) {
	var (
		d          Device
		state      string
		fullscreen, frame int
		systemInfo, stats sql.NullString
		serial, mac, name, location, url sql.NullString
		flaggedAt, screenshotAt, adoptedAt     sql.NullString
		lastSeenAt, lastPollAt, lastConfigAt   sql.NullString
		createdAt  string
	)

	err := row.Scan(
		&d.ID, &d.PublicKey, &serial, &mac, &state,
		&name, &location, &url, &d.Config.ZoomFactor, &fullscreen, &frame,
		&systemInfo, &stats,
		&flaggedAt, &screenshotAt, &createdAt, &adoptedAt,
		&lastSeenAt, &lastPollAt, &lastConfigAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning device: %w", err)
	}

	d.Serial = serial.String
	d.Mac = mac.String
	d.AdoptionState = AdoptionState(state)
	d.Config.Name = name.String
	d.Config.Location = location.String
	d.Config.URL = url.String
	d.Config.Fullscreen = fullscreen != 0
	d.Config.Frame = frame != 0

	if systemInfo.Valid && systemInfo.String != "" {
		if err := json.Unmarshal([]byte(systemInfo.String), &d.SystemInfo); err != nil {
			return nil, fmt.Errorf("decoding system info: %w", err)
		}
	}
	if stats.Valid && stats.String != "" {
		if err := json.Unmarshal([]byte(stats.String), &d.Stats); err != nil {
			return nil, fmt.Errorf("decoding stats: %w", err)
		}
	}

	d.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.FlaggedAt, err = parseNullableTime(flaggedAt); err != nil {
		return nil, fmt.Errorf("parsing flagged_at: %w", err)
	}
	if d.ScreenshotAt, err = parseNullableTime(screenshotAt); err != nil {
		return nil, fmt.Errorf("parsing screenshot_at: %w", err)
	}
	if d.AdoptedAt, err = parseNullableTime(adoptedAt); err != nil {
		return nil, fmt.Errorf("parsing adopted_at: %w", err)
	}
	if d.LastSeenAt, err = parseNullableTime(lastSeenAt); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	if d.LastPollAt, err = parseNullableTime(lastPollAt); err != nil {
		return nil, fmt.Errorf("parsing last_poll_at: %w", err)
	}
	if d.LastConfigChangeAt, err = parseNullableTime(lastConfigAt); err != nil {
		return nil, fmt.Errorf("parsing last_config_change_at: %w", err)
	}

	return &d, nil
}

// nullableTime formats an optional timestamp for storage.
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// parseNullableTime parses an optional stored timestamp.
func parseNullableTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSONColumn encodes a value for a JSON text column, defaulting to
// "{}" so columns never hold invalid JSON.
func marshalJSONColumn(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// boolToInt stores booleans as SQLite integers.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
