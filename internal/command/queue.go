// Package command implements the per-device command queue.
//
// Commands are delivered FIFO (insertion order, oldest first) inside poll
// responses and removed only on acknowledgement. Acknowledging an unknown
// or already-acknowledged command is a silent no-op, since devices retry
// acks after dropped responses.
package command

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue is the SQLite-backed command queue.
//
// Queue itself is not synchronised: callers serialise access per device
// (the registry holds a per-device lock across every state-mutating
// operation), and operations on different devices are independent.
type Queue struct {
	db *sql.DB
}

// NewQueue creates a queue on top of an open SQLite connection.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue appends a command to a device's queue.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - deviceID: Owning device
//   - action: Command action (must be a recognised value)
//   - payload: Action-specific JSON payload (nil becomes {})
//
// Returns:
//   - *Command: The stored command, including its generated id
//   - error: ErrInvalidAction for unknown actions, or a storage error
func (q *Queue) Enqueue(ctx context.Context, deviceID string, action Action, payload json.RawMessage) (*Command, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	cmd := &Command{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Action:    action,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}

	_, err := q.db.ExecContext(ctx, `
		INSERT INTO commands (id, device_id, action, payload, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		cmd.ID,
		cmd.DeviceID,
		string(cmd.Action),
		string(cmd.Payload),
		cmd.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting command: %w", err)
	}

	return cmd, nil
}

// ListPending returns a device's unacknowledged commands, oldest first.
func (q *Queue) ListPending(ctx context.Context, deviceID string) ([]Command, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, device_id, action, payload, created_at
		FROM commands
		WHERE device_id = ? AND acknowledged_at IS NULL
		ORDER BY created_at, id`,
		deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying pending commands: %w", err)
	}
	defer rows.Close()

	var commands []Command
	for rows.Next() {
		var c Command
		var action, payload, createdAt string
		if err := rows.Scan(&c.ID, &c.DeviceID, &action, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		c.Action = Action(action)
		c.Payload = json.RawMessage(payload)
		c.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		commands = append(commands, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating commands: %w", err)
	}

	return commands, nil
}

// Acknowledge removes a command from the pending queue and records the
// device-reported result.
//
// It is idempotent by design: acknowledging an already-acknowledged or
// unknown command id is a no-op, never an error, because devices retry
// acks after dropped responses.
func (q *Queue) Acknowledge(ctx context.Context, deviceID, commandID string, result json.RawMessage) error {
	var res sql.NullString
	if len(result) > 0 {
		res = sql.NullString{String: string(result), Valid: true}
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE commands
		SET acknowledged_at = ?, result = ?
		WHERE id = ? AND device_id = ? AND acknowledged_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339),
		res,
		commandID,
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("acknowledging command: %w", err)
	}
	return nil
}

// CountPending returns the number of unacknowledged commands for a device.
func (q *Queue) CountPending(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM commands WHERE device_id = ? AND acknowledged_at IS NULL",
		deviceID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting pending commands: %w", err)
	}
	return count, nil
}
