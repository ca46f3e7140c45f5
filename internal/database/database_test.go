package database

import (
	"context"
	"testing"
	"time"

	"github.com/jmylchreest/keysync/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"
)

func memoryConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Enabled:         true,
		Driver:          "sqlite",
		DSN:             ":memory:",
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 30 * time.Minute,
		LogLevel:        "silent",
	}
}

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestNew_SQLite(t *testing.T) {
	db := setupTestDB(t)
	assert.NoError(t, db.Ping(context.Background()))
	assert.Equal(t, "sqlite", db.Driver())

	sqlDB, err := db.DB.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections, "in-memory sqlite is pinned to one connection")
}

func TestNew_InvalidDriver(t *testing.T) {
	cfg := memoryConfig()
	cfg.Driver = "invalid"

	db, err := New(cfg, nil)
	assert.Error(t, err)
	assert.Nil(t, db)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestDB_Migrate(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Migrate(ctx))
	assert.True(t, db.Migrator().HasTable("key_records"))
	assert.True(t, db.Migrator().HasTable("schema_migrations"))

	require.NoError(t, db.Migrate(ctx), "migrate is idempotent")
}

func TestDB_Close(t *testing.T) {
	db, err := New(memoryConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Ping(context.Background()))
}

func TestPoolSize(t *testing.T) {
	tests := []struct {
		name       string
		cfg        config.DatabaseConfig
		open, idle int
	}{
		{"memory", config.DatabaseConfig{Driver: "sqlite", DSN: ":memory:"}, 1, 1},
		{"shared memory", config.DatabaseConfig{Driver: "sqlite", DSN: "file:journal?mode=memory&cache=shared"}, 1, 1},
		{"sqlite file", config.DatabaseConfig{Driver: "sqlite", DSN: "keysync.db"}, 4, 2},
		{"postgres", config.DatabaseConfig{Driver: "postgres", MaxOpenConns: 10, MaxIdleConns: 5}, 10, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, idle := poolSize(tt.cfg)
			assert.Equal(t, tt.open, open)
			assert.Equal(t, tt.idle, idle)
		})
	}
}

func TestGetDialector(t *testing.T) {
	for _, driver := range []string{"sqlite", "postgres", "mysql"} {
		t.Run(driver, func(t *testing.T) {
			d, err := getDialector(config.DatabaseConfig{Driver: driver, DSN: "x"})
			require.NoError(t, err)
			assert.Equal(t, driver, d.Name())
		})
	}
}

func TestGormLogLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected logger.LogLevel
	}{
		{"silent", logger.Silent},
		{"error", logger.Error},
		{"warn", logger.Warn},
		{"info", logger.Info},
		{"", logger.Warn},
		{"bogus", logger.Warn},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, gormLogLevel(tt.input))
		})
	}
}

func TestTruncateSQL(t *testing.T) {
	short := "SELECT 1"
	assert.Equal(t, short, truncateSQL(short))

	long := make([]byte, maxSQLLogLength+50)
	for i := range long {
		long[i] = 'x'
	}
	got := truncateSQL(string(long))
	assert.Len(t, got, maxSQLLogLength+len("... (truncated)"))
}
