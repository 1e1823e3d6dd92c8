package repository

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-pv-ingest/internal/models"
)

func TestSchema_CoversStorageColumns(t *testing.T) {
	for _, col := range models.StorageColumns {
		assert.True(t, strings.Contains(Schema, col), "schema missing column %s", col)
	}
}

func TestEnsureSchema(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS pv_readings`).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Error(t *testing.T) {
	_, mock, repo := setupMockDB(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS pv_readings`).WillReturnError(errors.New("permission denied"))

	err := repo.EnsureSchema(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to apply pv_readings schema")
	assert.NoError(t, mock.ExpectationsWereMet())
}
