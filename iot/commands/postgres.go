// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/relabs-tech/slopewatch/core/csql"
)

const commandColumns = `command_id, device_id, command_type, payload, status, requested_by, sent_at, acked_at, result, error_message, created_at, updated_at`

// PostgresStore is the Store for the device_commands table
type PostgresStore struct {
	db    *csql.DB
	table string
}

// NewPostgresStore returns a store for the device_commands table in the schema of db
func NewPostgresStore(db *csql.DB) *PostgresStore {
	return &PostgresStore{db: db, table: db.Schema + ".device_commands"}
}

// MustMigrate creates the device_commands table if it does not exist yet. The devices
// table must exist already.
func (s *PostgresStore) MustMigrate() {
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.table + ` (
command_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
device_id uuid NOT NULL REFERENCES ` + s.db.Schema + `.devices(device_id),
command_type text NOT NULL,
payload jsonb NOT NULL DEFAULT '{}'::jsonb,
status text NOT NULL DEFAULT 'queued' CHECK (status IN ('queued', 'sent', 'acked', 'failed', 'timeout', 'canceled')),
requested_by text,
request_source text NOT NULL DEFAULT 'api',
sent_at timestamptz,
acked_at timestamptz,
result jsonb,
error_message text,
created_at timestamptz NOT NULL DEFAULT now(),
updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS device_commands_device_created_idx ON ` + s.table + `(device_id, created_at DESC);
`)
	if err != nil {
		panic(err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCommand(row rowScanner) (Command, error) {
	var c Command
	var status string
	var payload, result []byte
	var requestedBy, errorMessage sql.NullString
	var sentAt, ackedAt sql.NullTime
	err := row.Scan(&c.ID, &c.DeviceID, &c.Type, &payload, &status, &requestedBy, &sentAt, &ackedAt,
		&result, &errorMessage, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return c, err
	}
	c.Status = Status(status)
	c.Payload = payload
	if len(result) > 0 {
		c.Result = result
	}
	if requestedBy.Valid {
		c.RequestedBy = &requestedBy.String
	}
	if errorMessage.Valid {
		c.ErrorMessage = &errorMessage.String
	}
	if sentAt.Valid {
		t := sentAt.Time.UTC()
		c.SentAt = &t
	}
	if ackedAt.Valid {
		t := ackedAt.Time.UTC()
		c.AckedAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

type postgresTx struct {
	tx    *sql.Tx
	table string
}

// Insert inserts a queued command
func (t *postgresTx) Insert(ctx context.Context, n NewCommand) (Command, error) {
	row := t.tx.QueryRowContext(ctx, `INSERT INTO `+t.table+`
(device_id, command_type, payload, status, requested_by, request_source)
VALUES ($1, $2, $3::jsonb, 'queued', $4, '`+RequestSourceAPI+`')
RETURNING `+commandColumns+`;`,
		n.DeviceID, n.Type, string(n.Payload), n.RequestedBy)
	return scanCommand(row)
}

// WithTx runs fn in a read committed transaction
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return fn(&postgresTx{tx: tx, table: s.table})
	})
}

// List returns one page of the commands of a device, newest first
func (s *PostgresStore) List(ctx context.Context, deviceID uuid.UUID, f ListFilter) ([]Command, int, error) {
	where := ` WHERE device_id = $1`
	args := []interface{}{deviceID}
	if f.Status != "" {
		where += ` AND status = $2`
		args = append(args, string(f.Status))
	}

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+s.table+where+`;`, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot count commands: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at DESC, command_id LIMIT $%d OFFSET $%d;`,
		commandColumns, s.table, where, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Page.PageSize, f.Page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot list commands: %w", err)
	}
	defer rows.Close()
	commands := []Command{}
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, 0, err
		}
		commands = append(commands, c)
	}
	return commands, total, rows.Err()
}

// Get returns a command of a device
func (s *PostgresStore) Get(ctx context.Context, deviceID, commandID uuid.UUID) (Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM `+s.table+` WHERE device_id = $1 AND command_id = $2;`,
		deviceID, commandID)
	c, err := scanCommand(row)
	if err == csql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

var _ Store = (*PostgresStore)(nil)
