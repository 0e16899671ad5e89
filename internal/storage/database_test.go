package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
)

func TestDriver(t *testing.T) {
	d, err := Driver("SQLite")
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, d)

	d, err = Driver("mysql")
	require.NoError(t, err)
	assert.Equal(t, DriverMySQL, d)

	_, err = Driver("postgres")
	assert.Error(t, err)
}

func TestOpenAndMigrateSQLite(t *testing.T) {
	cfg := &config.Config{
		Databases: map[string]config.DatabaseConfig{
			"sqlite3": {DSN: "file::memory:?cache=shared"},
		},
	}
	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, "sqlite3"))
	// idempotent
	require.NoError(t, Migrate(db, "sqlite3"))

	for _, table := range []string{"chats", "messages", "user_tokens"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestOpenMissingConfig(t *testing.T) {
	_, err := Open("mysql", &config.Config{})
	assert.Error(t, err)
}
