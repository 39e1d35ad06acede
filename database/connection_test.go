package database

import (
	"path/filepath"
	"testing"

	"microlearn/config"
	"microlearn/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectSQLiteAndMigrate(t *testing.T) {
	cfg := &config.Config{Env: "test", DBDriver: "sqlite", DBPath: filepath.Join(t.TempDir(), "test.db")}

	db, err := Connect(cfg)
	require.NoError(t, err)
	require.NoError(t, Migrate(db))

	for _, table := range []interface{}{&models.User{}, &models.Chat{}, &models.Message{}} {
		assert.True(t, db.Migrator().HasTable(table))
	}

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestConnectRejectsUnknownDriver(t *testing.T) {
	_, err := Connect(&config.Config{DBDriver: "oracle"})
	assert.Error(t, err)
}
