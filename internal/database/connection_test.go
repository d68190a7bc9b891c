package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "ledger-service/internal/errors"
)

func TestWithTx(t *testing.T) {
	t.Run("commits on success", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectCommit()

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error { return nil })
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back on error", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		boom := errors.New("boom")
		err = WithTx(context.Background(), db, func(tx *sql.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("deadlocks become integrity errors", func(t *testing.T) {
		db, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectBegin()
		mock.ExpectRollback()

		err = WithTx(context.Background(), db, func(tx *sql.Tx) error {
			return &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}
		})
		assert.True(t, ierr.IsIntegrity(err))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, IsRetryable(&mysql.MySQLError{Number: 1205}))
	assert.False(t, IsRetryable(&mysql.MySQLError{Number: 1062}))
	assert.True(t, IsDuplicate(&mysql.MySQLError{Number: 1062}))
	assert.False(t, IsDuplicate(errors.New("other")))
}
