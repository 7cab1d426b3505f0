package sqlstore

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronos-ai/chronos/audit"
)

func TestConfigureRejectsMissingDatasource(t *testing.T) {
	s := New()
	err := s.Configure(context.Background(), Config{})
	assert.ErrorIs(t, err, audit.ErrMissingDatasource)
}

func TestConfigureRejectsUnsafeTableName(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	s := New()
	err = s.Configure(context.Background(), Config{
		Datasource: db,
		Table:      "audit; DROP TABLE users;--",
	})
	assert.ErrorIs(t, err, audit.ErrInvalidTableName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConfigureCreatesSchema(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_traces").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.MatchExpectationsInOrder(false)
	for i := 0; i < 9; i++ {
		mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	}

	s := New()
	err = s.Configure(context.Background(), Config{Datasource: db})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
