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

// Repository defines the interface for device persistence operations.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetByID(ctx context.Context, id string) (*Device, error)

	// List retrieves all devices.
	List(ctx context.Context) ([]Device, error)

	// ListByOwner retrieves all devices belonging to an owner account.
	ListByOwner(ctx context.Context, ownerID string) ([]Device, error)

	// ListChildren retrieves devices of the given type whose parent_id
	// points at the given device. Used for interlock topology queries.
	ListChildren(ctx context.Context, parentID string, deviceType DeviceType) ([]Device, error)

	// CountActiveSiblings counts Active valves sharing the given parent,
	// excluding one device (typically the valve currently being closed).
	CountActiveSiblings(ctx context.Context, parentID, excludeID string) (int, error)

	// Create inserts a new device.
	// Returns ErrDeviceExists if a device with the same ID already exists.
	Create(ctx context.Context, device *Device) error

	// Update modifies an existing device.
	// Returns ErrDeviceNotFound if the device does not exist.
	Update(ctx context.Context, device *Device) error

	// UpdateTx modifies an existing device inside a caller-managed
	// transaction. The command pipeline uses this to commit the device
	// mutation and the command status in one atomic unit.
	UpdateTx(ctx context.Context, tx *sql.Tx, device *Device) error

	// UpdateIdentity modifies only a device's identity fields (owner,
	// name, parent, config). Operational columns are untouched, so a
	// command committing concurrently is never overwritten.
	UpdateIdentity(ctx context.Context, device *Device) error

	// MergeTelemetry merges readings into last_telemetry in a single
	// column-scoped UPDATE, leaving every other column alone.
	MergeTelemetry(ctx context.Context, id string, readings Telemetry) error

	// UpdateSecret replaces the offline-channel secret only.
	UpdateSecret(ctx context.Context, id, secret string) error

	// Delete removes a device by ID.
	// Returns ErrDeviceNotFound if the device does not exist.
	Delete(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const deviceColumns = `id, owner_id, name, type, parent_id, status, secret,
	config, last_telemetry, current_run_start, target_turn_off_at,
	total_runtime_minutes, created_at, updated_at`

// GetByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	device, err := scanDeviceRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return device, nil
}

// List retrieves all devices.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY name`
	return r.queryDevices(ctx, query)
}

// ListByOwner retrieves all devices belonging to an owner account.
func (r *SQLiteRepository) ListByOwner(ctx context.Context, ownerID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE owner_id = ? ORDER BY name`
	return r.queryDevices(ctx, query, ownerID)
}

// ListChildren retrieves devices of the given type with the given parent.
func (r *SQLiteRepository) ListChildren(ctx context.Context, parentID string, deviceType DeviceType) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE parent_id = ? AND type = ? ORDER BY name`
	return r.queryDevices(ctx, query, parentID, string(deviceType))
}

// CountActiveSiblings counts Active valves sharing a parent, excluding one device.
func (r *SQLiteRepository) CountActiveSiblings(ctx context.Context, parentID, excludeID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM devices
		WHERE parent_id = ? AND id != ? AND type = ? AND status = ?`

	var count int
	err := r.db.QueryRowContext(ctx, query, parentID, excludeID, string(TypeValve), string(StatusActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting active siblings: %w", err)
	}
	return count, nil
}

// Create inserts a new device.
func (r *SQLiteRepository) Create(ctx context.Context, device *Device) error {
	configJSON, err := json.Marshal(orEmptyMap(device.Config))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	telemetryJSON, err := json.Marshal(orEmptyMap(device.LastTelemetry))
	if err != nil {
		return fmt.Errorf("marshalling last_telemetry: %w", err)
	}

	now := time.Now().UTC()
	if device.CreatedAt.IsZero() {
		device.CreatedAt = now
	}
	device.UpdatedAt = now
	if device.Status == "" {
		device.Status = StatusIdle
	}

	query := `
		INSERT INTO devices (
			id, owner_id, name, type, parent_id, status, secret,
			config, last_telemetry, current_run_start, target_turn_off_at,
			total_runtime_minutes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		device.ID,
		nullableString(device.OwnerID),
		device.Name,
		string(device.Type),
		nullableString(device.ParentID),
		string(device.Status),
		device.Secret,
		string(configJSON),
		string(telemetryJSON),
		nullableTime(device.CurrentRunStart),
		nullableTime(device.TargetTurnOffAt),
		device.TotalRuntimeMinutes,
		device.CreatedAt.Format(time.RFC3339),
		device.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// Update modifies an existing device.
func (r *SQLiteRepository) Update(ctx context.Context, device *Device) error {
	return updateDevice(ctx, r.db, device)
}

// UpdateTx modifies an existing device inside a caller-managed transaction.
func (r *SQLiteRepository) UpdateTx(ctx context.Context, tx *sql.Tx, device *Device) error {
	return updateDevice(ctx, tx, device)
}

// UpdateIdentity writes only the identity fields: owner, name, parent
// and config. Status, runtime accounting, secret and telemetry stay as
// committed, even when the caller's copy of the device is stale.
func (r *SQLiteRepository) UpdateIdentity(ctx context.Context, device *Device) error {
	configJSON, err := json.Marshal(orEmptyMap(device.Config))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			owner_id = ?, name = ?, parent_id = ?, config = ?, updated_at = ?
		WHERE id = ?`,
		nullableString(device.OwnerID),
		device.Name,
		nullableString(device.ParentID),
		string(configJSON),
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device identity: %w", err)
	}

	return checkDeviceAffected(result)
}

// MergeTelemetry merges readings into the device's last_telemetry map
// inside the database (json_patch, RFC 7396: a null reading deletes its
// key). No other column is written, so the merge cannot revert a device
// mutation committed between the caller's read and this write.
func (r *SQLiteRepository) MergeTelemetry(ctx context.Context, id string, readings Telemetry) error {
	readingsJSON, err := json.Marshal(orEmptyMap(readings))
	if err != nil {
		return fmt.Errorf("marshalling telemetry: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET
			last_telemetry = json_patch(COALESCE(last_telemetry, '{}'), ?),
			updated_at = ?
		WHERE id = ?`,
		string(readingsJSON),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("merging telemetry: %w", err)
	}

	return checkDeviceAffected(result)
}

// UpdateSecret replaces the offline-channel secret column only.
func (r *SQLiteRepository) UpdateSecret(ctx context.Context, id, secret string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE devices SET secret = ?, updated_at = ? WHERE id = ?`,
		secret,
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device secret: %w", err)
	}

	return checkDeviceAffected(result)
}

// checkDeviceAffected maps a zero-row UPDATE to ErrDeviceNotFound.
func checkDeviceAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateDevice(ctx context.Context, ex execer, device *Device) error {
	configJSON, err := json.Marshal(orEmptyMap(device.Config))
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	telemetryJSON, err := json.Marshal(orEmptyMap(device.LastTelemetry))
	if err != nil {
		return fmt.Errorf("marshalling last_telemetry: %w", err)
	}

	device.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE devices SET
			owner_id = ?, name = ?, type = ?, parent_id = ?, status = ?,
			secret = ?, config = ?, last_telemetry = ?, current_run_start = ?,
			target_turn_off_at = ?, total_runtime_minutes = ?, updated_at = ?
		WHERE id = ?`

	result, err := ex.ExecContext(ctx, query,
		nullableString(device.OwnerID),
		device.Name,
		string(device.Type),
		nullableString(device.ParentID),
		string(device.Status),
		device.Secret,
		string(configJSON),
		string(telemetryJSON),
		nullableTime(device.CurrentRunStart),
		nullableTime(device.TargetTurnOffAt),
		device.TotalRuntimeMinutes,
		device.UpdatedAt.Format(time.RFC3339),
		device.ID,
	)
	if err != nil {
		return fmt.Errorf("updating device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// Delete removes a device by ID.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		device, err := scanDeviceRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *device)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDeviceRow scans a row or rows result into a Device.
func scanDeviceRow(scanner rowScanner) (*Device, error) {
	var d Device
	var ownerID, parentID sql.NullString
	var currentRunStart, targetTurnOffAt sql.NullString
	var configJSON, telemetryJSON string
	var deviceType, status string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&ownerID,
		&d.Name,
		&deviceType,
		&parentID,
		&status,
		&d.Secret,
		&configJSON,
		&telemetryJSON,
		&currentRunStart,
		&targetTurnOffAt,
		&d.TotalRuntimeMinutes,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Type = DeviceType(deviceType)
	d.Status = DeviceStatus(status)

	if ownerID.Valid {
		d.OwnerID = &ownerID.String
	}
	if parentID.Valid {
		d.ParentID = &parentID.String
	}

	if currentRunStart.Valid {
		t, err := time.Parse(time.RFC3339, currentRunStart.String)
		if err == nil {
			d.CurrentRunStart = &t
		}
	}
	if targetTurnOffAt.Valid {
		t, err := time.Parse(time.RFC3339, targetTurnOffAt.String)
		if err == nil {
			d.TargetTurnOffAt = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(configJSON), &d.Config); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := json.Unmarshal([]byte(telemetryJSON), &d.LastTelemetry); err != nil {
		return nil, fmt.Errorf("unmarshalling last_telemetry: %w", err)
	}

	return &d, nil
}

// orEmptyMap substitutes an empty map for nil so JSON columns always
// hold an object, matching the schema defaults.
func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// nullableString returns a sql.NullString for optional string pointers.
func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
