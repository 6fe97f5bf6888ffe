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
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return &DB{DB: sqlDB, Schema: "test"}, mock
}

func TestWithTxCommits(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE x").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec("UPDATE x")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxRollsBackOnError(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	failure := errors.New("boom")
	err := db.WithTx(context.Background(), func(tx *sql.Tx) error {
		return failure
	})
	assert.ErrorIs(t, err, failure)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithTxReportsCommitFailure(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit().WillReturnError(errors.New("connection reset"))

	err := db.WithTx(context.Background(), func(tx *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, ErrCommitFailed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClearSchema(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec(`DROP SCHEMA test CASCADE;\s+CREATE schema IF NOT EXISTS test;`).WillReturnResult(sqlmock.NewResult(0, 0))
	db.ClearSchema()
	assert.NoError(t, mock.ExpectationsWereMet())

	public := &DB{DB: db.DB, Schema: "public"}
	assert.Panics(t, public.ClearSchema)
}
