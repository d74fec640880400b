package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnectionManager_RequiresURL(t *testing.T) {
	cm, err := NewConnectionManager(context.Background(), ConnectionConfig{})
	assert.Nil(t, cm)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres URL is required")
}

func TestConfigurePool(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	configurePool(db, ConnectionConfig{
		MaxConns:    7,
		MinConns:    2,
		MaxLifetime: time.Minute,
	})

	assert.Equal(t, 7, db.Stats().MaxOpenConnections)
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	t.Run("healthy primary", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()

		cm := &ConnectionManager{primary: db}
		assert.NoError(t, cm.HealthCheck(context.Background()))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unhealthy primary", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		cm := &ConnectionManager{primary: db}
		err = cm.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "primary unhealthy")
	})
}
