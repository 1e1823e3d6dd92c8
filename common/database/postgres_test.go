package database

import (
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wisefido-pv-ingest/common/config"
)

func TestConfigurePool_AppliesLimits(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	ConfigurePool(db, &config.DatabaseConfig{MaxConns: 7, MaxIdle: 3})

	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}

func TestClose_Nil(t *testing.T) {
	assert.NoError(t, Close(nil))
}
