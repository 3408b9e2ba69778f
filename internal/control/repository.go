package control

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository defines the interface for command persistence.
type Repository interface {
	// Create inserts a new command in the Pending state.
	Create(ctx context.Context, cmd *Command) error

	// GetByID retrieves a command by its unique identifier.
	// Returns ErrCommandNotFound if the command does not exist.
	GetByID(ctx context.Context, id string) (*Command, error)

	// ListByDevice retrieves all commands for a device, newest first.
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error)

	// MarkExecutedTx resolves a Pending command to Executed inside a
	// caller-managed transaction. Returns ErrCommandTerminal if the
	// command already left the Pending state.
	MarkExecutedTx(ctx context.Context, tx *sql.Tx, id, transport string, executedAt time.Time) error

	// MarkFailed resolves a Pending command to Failed.
	// Returns ErrCommandTerminal if the command already left Pending.
	MarkFailed(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed command repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const commandColumns = `id, device_id, user_id, action, payload, status, source,
	transport_used, created_at, executed_at`

// Create inserts a new command in the Pending state.
func (r *SQLiteRepository) Create(ctx context.Context, cmd *Command) error {
	payload := cmd.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload: %w", err)
	}

	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now().UTC()
	}
	if cmd.Status == "" {
		cmd.Status = StatusPending
	}

	query := `
		INSERT INTO commands (
			id, device_id, user_id, action, payload, status, source,
			transport_used, created_at, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		cmd.ID,
		cmd.DeviceID,
		nullableString(cmd.UserID),
		cmd.Action,
		string(payloadJSON),
		string(cmd.Status),
		string(cmd.Source),
		nullableString(cmd.TransportUsed),
		cmd.CreatedAt.Format(time.RFC3339),
		nullableTime(cmd.ExecutedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting command: %w", err)
	}

	return nil
}

// GetByID retrieves a command by its unique identifier.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE id = ?`

	row := r.db.QueryRowContext(ctx, query, id)
	cmd, err := scanCommandRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("querying command by id: %w", err)
	}
	return cmd, nil
}

// ListByDevice retrieves commands for a device, newest first.
// A limit <= 0 returns all commands.
func (r *SQLiteRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE device_id = ? ORDER BY created_at DESC`
	args := []any{deviceID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		cmd, err := scanCommandRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		commands = append(commands, *cmd)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}

	return commands, nil
}

// MarkExecutedTx resolves a Pending command to Executed inside a transaction.
//
// The status guard in the WHERE clause is what makes terminal states
// immutable: a command that already resolved is simply never matched.
func (r *SQLiteRepository) MarkExecutedTx(ctx context.Context, tx *sql.Tx, id, transport string, executedAt time.Time) error {
	query := `
		UPDATE commands
		SET status = ?, transport_used = ?, executed_at = ?
		WHERE id = ? AND status = ?`

	result, err := tx.ExecContext(ctx, query,
		string(StatusExecuted),
		transport,
		executedAt.UTC().Format(time.RFC3339),
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("marking command executed: %w", err)
	}

	return checkResolved(result)
}

// MarkFailed resolves a Pending command to Failed.
func (r *SQLiteRepository) MarkFailed(ctx context.Context, id string) error {
	query := `UPDATE commands SET status = ? WHERE id = ? AND status = ?`

	result, err := r.db.ExecContext(ctx, query,
		string(StatusFailed),
		id,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("marking command failed: %w", err)
	}

	return checkResolved(result)
}

// checkResolved maps a zero-row update to ErrCommandTerminal.
func checkResolved(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrCommandTerminal
	}
	return nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanCommandRow scans a row or rows result into a Command.
func scanCommandRow(scanner rowScanner) (*Command, error) {
	var c Command
	var userID, transportUsed, executedAt sql.NullString
	var payloadJSON, status, source string
	var createdAt string

	err := scanner.Scan(
		&c.ID,
		&c.DeviceID,
		&userID,
		&c.Action,
		&payloadJSON,
		&status,
		&source,
		&transportUsed,
		&createdAt,
		&executedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.Source = Source(source)

	if userID.Valid {
		c.UserID = &userID.String
	}
	if transportUsed.Valid {
		c.TransportUsed = &transportUsed.String
	}

	var parseErr error
	c.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	if executedAt.Valid {
		t, err := time.Parse(time.RFC3339, executedAt.String)
		if err == nil {
			c.ExecutedAt = &t
		}
	}

	if err := json.Unmarshal([]byte(payloadJSON), &c.Payload); err != nil {
		return nil, fmt.Errorf("unmarshalling payload: %w", err)
	}

	return &c, nil
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
