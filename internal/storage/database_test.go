package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"curricullm/internal/config"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: dsn}}}

	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, Migrate(db, "sqlite3"))
	require.NoError(t, Migrate(db, "sqlite3"), "migrations are idempotent")

	for _, table := range []string{"users", "user_tokens", "oauth_states", "chat_messages", "uploaded_files", "document_chunks"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	var fk int
	require.NoError(t, db.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	assert.Equal(t, 1, fk)

	// cascading delete removes dependent rows
	now := time.Now().UTC()
	_, err = db.Exec(`INSERT INTO users (id, email, created_at) VALUES (1, 'a@example.com', ?)`, now)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO chat_messages (user_id, sender, text, created_at) VALUES (1, 'user', 'hi', ?)`, now)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM users WHERE id = 1`)
	require.NoError(t, err)
	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM chat_messages`).Scan(&count))
	assert.Zero(t, count)
}

func TestMigrateAddsReplyToColumn(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "old.db")
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"sqlite3": {DSN: dsn}}}
	db, err := Open("sqlite3", cfg)
	require.NoError(t, err)
	defer db.Close()

	// chat_messages as first released, without reply_to
	_, err = db.Exec(`CREATE TABLE chat_messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		sender TEXT NOT NULL,
		text TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	require.NoError(t, err)

	require.NoError(t, Migrate(db, "sqlite3"))
	require.NoError(t, Migrate(db, "sqlite3"))
	_, err = db.Exec(`SELECT reply_to FROM chat_messages`)
	assert.NoError(t, err)
}

func TestOpenUnknownDriver(t *testing.T) {
	cfg := &config.Config{Databases: map[string]config.DatabaseConfig{"postgres": {}}}
	_, err := Open("postgres", cfg)
	assert.Error(t, err)

	_, err = Open("sqlite3", &config.Config{})
	assert.Error(t, err)
	assert.Error(t, Migrate(nil, "postgres"))
}
