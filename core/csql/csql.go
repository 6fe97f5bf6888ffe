// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package csql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq" // load database driver for postgres

	"github.com/relabs-tech/slopewatch/core/logger"
)

// DB encapsulates a standard sql.DB with a schema
type DB struct {
	*sql.DB
	Schema string
}

// ErrNoRows is returned by Scan when QueryRow doesn't return a
// row. In such a case, QueryRow returns a placeholder *Row value that
// defers this error until a Scan.
var ErrNoRows = sql.ErrNoRows

// ErrCommitFailed is returned by WithTx when the transaction function succeeded but
// the final commit did not.
var ErrCommitFailed = errors.New("commit failed")

// OpenWithSchema opens a postgres database with a schema.
// The schema gets created if it does not exist yet.
// The returned database also has the pgcrypto extension loaded for gen_random_uuid().
//
// The password is passed separately so that the connection string can be logged.
func OpenWithSchema(dataSourceName, password, schema string) *DB {
	logger.Default().Infoln("connecting to postgres database: ", dataSourceName)
	dsn := dataSourceName
	if len(password) > 0 {
		dsn += " password=" + password
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		panic(err)
	}
	err = db.Ping()
	if err != nil {
		panic(err)
	}
	if len(schema) == 0 {
		schema = "public"
	}
	logger.Default().Infoln("selected database schema:", schema)
	_, err = db.Exec(`CREATE extension IF NOT EXISTS "pgcrypto";
CREATE schema IF NOT EXISTS ` + schema + `;
`)
	if err != nil {
		panic(err)
	}
	return &DB{DB: db, Schema: schema}
}

// SetPoolSize bounds the number of open and idle connections
func (db *DB) SetPoolSize(maxOpen int) {
	if maxOpen <= 0 {
		return
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxOpen)
}

// WithTx runs fn inside a read committed transaction. If fn returns an error, the
// transaction is rolled back and the error of fn is returned. Otherwise the transaction
// is committed; a failed commit is reported wrapped in ErrCommitFailed.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("cannot begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.FromContext(ctx).WithError(rbErr).Errorln("Error 1001: rollback failed")
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommitFailed, err)
	}
	return nil
}

// ClearSchema clears all the data contained in the database's schema
// Technically this is done by dropping the schema and then recreating it
func (db *DB) ClearSchema() {
	if db.Schema == "public" {
		panic("refuse to drop public schema")
	}
	_, err := db.Exec(`DROP SCHEMA ` + db.Schema + ` CASCADE;
	CREATE schema IF NOT EXISTS ` + db.Schema + `;`)
	if err != nil {
		logger.Default().WithError(err).Errorln("clear schema error:", db.Schema)
	}
}
