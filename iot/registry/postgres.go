// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/relabs-tech/slopewatch/core/csql"
)

const deviceColumns = `device_id, device_name, device_type, station_id, status, metadata, last_seen_at, created_at, updated_at`

// PostgresStore is the Store for the devices table
type PostgresStore struct {
	db    *csql.DB
	table string
}

// NewPostgresStore returns a store for the devices table in the schema of db
func NewPostgresStore(db *csql.DB) *PostgresStore {
	return &PostgresStore{db: db, table: db.Schema + ".devices"}
}

// MustMigrate creates the devices table if it does not exist yet
func (s *PostgresStore) MustMigrate() {
	_, err := s.db.Exec(`CREATE table IF NOT EXISTS ` + s.table + ` (
device_id uuid PRIMARY KEY DEFAULT gen_random_uuid(),
device_name text NOT NULL,
device_type text NOT NULL DEFAULT 'generic',
station_id uuid,
status text NOT NULL DEFAULT 'inactive' CHECK (status IN ('inactive', 'active', 'revoked')),
device_secret_hash text NOT NULL,
metadata jsonb NOT NULL DEFAULT '{}'::jsonb,
last_seen_at timestamptz,
created_at timestamptz NOT NULL DEFAULT now(),
updated_at timestamptz NOT NULL DEFAULT now()
);
CREATE index IF NOT EXISTS devices_station_id_idx ON ` + s.table + `(station_id);
CREATE index IF NOT EXISTS devices_created_at_idx ON ` + s.table + `(created_at DESC);
`)
	if err != nil {
		panic(err)
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDevice(row rowScanner) (Device, error) {
	var d Device
	var stationID uuid.NullUUID
	var status string
	var metadata []byte
	var lastSeen sql.NullTime
	err := row.Scan(&d.ID, &d.Name, &d.Type, &stationID, &status, &metadata, &lastSeen, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return d, err
	}
	d.Status = Status(status)
	if stationID.Valid {
		id := stationID.UUID
		d.StationID = &id
	}
	if len(metadata) == 0 {
		metadata = []byte("{}")
	}
	d.Metadata = metadata
	if lastSeen.Valid {
		t := lastSeen.Time.UTC()
		d.LastSeenAt = &t
	}
	d.CreatedAt = d.CreatedAt.UTC()
	d.UpdatedAt = d.UpdatedAt.UTC()
	return d, nil
}

func nullableJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Create inserts a new inactive device
func (s *PostgresStore) Create(ctx context.Context, n NewDevice) (Device, error) {
	deviceType := n.Type
	if deviceType == "" {
		deviceType = DefaultDeviceType
	}
	row := s.db.QueryRowContext(ctx, `INSERT INTO `+s.table+`
(device_id, device_name, device_type, station_id, status, device_secret_hash, metadata)
VALUES (COALESCE($1::uuid, gen_random_uuid()), $2, $3, $4::uuid, 'inactive', $5, COALESCE($6::jsonb, '{}'::jsonb))
RETURNING `+deviceColumns+`;`,
		n.ID, n.Name, deviceType, n.StationID, n.SecretHash, nullableJSON(n.Metadata))
	d, err := scanDevice(row)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return Device{}, ErrAlreadyExists
		}
		return Device{}, fmt.Errorf("cannot insert device: %w", err)
	}
	return d, nil
}

// Get returns the device with id
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (Device, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM `+s.table+` WHERE device_id = $1;`, id)
	d, err := scanDevice(row)
	if err == csql.ErrNoRows {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("cannot read device: %w", err)
	}
	return d, nil
}

// escapeLike escapes the wildcard characters of a LIKE pattern
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// List returns a page of devices matching f, newest first
func (s *PostgresStore) List(ctx context.Context, f Filter) ([]Device, int, error) {
	var where []string
	var args []interface{}
	add := func(condition string, value interface{}) {
		args = append(args, value)
		where = append(where, strings.ReplaceAll(condition, "$X", fmt.Sprintf("$%d", len(args))))
	}
	if f.Keyword != "" {
		add(`device_name ILIKE $X`, "%"+escapeLike(f.Keyword)+"%")
	}
	if f.Status != "" {
		add(`status = $X`, string(f.Status))
	}
	if f.StationID != nil {
		add(`station_id = $X`, *f.StationID)
	}
	if f.Type != "" {
		add(`device_type = $X`, f.Type)
	}
	whereSQL := ""
	if len(where) > 0 {
		whereSQL = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM `+s.table+whereSQL+`;`, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot count devices: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM %s%s ORDER BY created_at DESC, device_id LIMIT $%d OFFSET $%d;`,
		deviceColumns, s.table, whereSQL, len(args)+1, len(args)+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Page.PageSize, f.Page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("cannot list devices: %w", err)
	}
	defer rows.Close()
	devices := []Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("cannot scan device: %w", err)
		}
		devices = append(devices, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return devices, total, nil
}

// Update applies p to the device. Status and secret are never touched.
func (s *PostgresStore) Update(ctx context.Context, id uuid.UUID, p Patch) (Device, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE `+s.table+` SET
device_name = COALESCE($2, device_name),
device_type = COALESCE($3, device_type),
station_id = CASE WHEN $4 THEN $5::uuid ELSE station_id END,
metadata = COALESCE($6::jsonb, metadata),
updated_at = now()
WHERE device_id = $1
RETURNING `+deviceColumns+`;`,
		id, p.Name, p.Type, p.StationID.Set, p.StationID.ID, nullableJSON(p.Metadata))
	d, err := scanDevice(row)
	if err == csql.ErrNoRows {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("cannot update device: %w", err)
	}
	return d, nil
}

// Revoke sets the device status to revoked. The update time of an already revoked
// device is kept, it is the revocation time.
func (s *PostgresStore) Revoke(ctx context.Context, id uuid.UUID) (Device, error) {
	row := s.db.QueryRowContext(ctx, `UPDATE `+s.table+` SET
status = 'revoked',
updated_at = CASE WHEN status = 'revoked' THEN updated_at ELSE now() END
WHERE device_id = $1
RETURNING `+deviceColumns+`;`, id)
	d, err := scanDevice(row)
	if err == csql.ErrNoRows {
		return Device{}, ErrNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("cannot revoke device: %w", err)
	}
	return d, nil
}

// Credentials returns status and secret hash of the device
func (s *PostgresStore) Credentials(ctx context.Context, id uuid.UUID) (Credentials, error) {
	var c Credentials
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status, device_secret_hash FROM `+s.table+` WHERE device_id = $1;`, id).
		Scan(&status, &c.SecretHash)
	if err == csql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, fmt.Errorf("cannot read credentials: %w", err)
	}
	c.Status = Status(status)
	return c, nil
}

// MarkSeen refreshes last_seen_at and activates an inactive device
func (s *PostgresStore) MarkSeen(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `UPDATE `+s.table+` SET
status = CASE WHEN status = 'inactive' THEN 'active' ELSE status END,
last_seen_at = now(),
updated_at = now()
WHERE device_id = $1 AND status <> 'revoked';`, id)
	if err != nil {
		return fmt.Errorf("cannot mark device seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// IDsByStation returns the ids of up to limit devices of a station
func (s *PostgresStore) IDsByStation(ctx context.Context, stationID uuid.UUID, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT device_id FROM `+s.table+` WHERE station_id = $1 ORDER BY created_at, device_id LIMIT $2;`,
		stationID, limit)
	if err != nil {
		return nil, fmt.Errorf("cannot list station devices: %w", err)
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
