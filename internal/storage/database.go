package storage

import (
	"database/sql"
	"fmt"
	"strings"

	"curricullm/internal/config"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Open connects to the configured database. dbType selects the entry in
// cfg.Databases and the driver ("sqlite3" or "mysql").
func Open(dbType string, cfg *config.Config) (*sql.DB, error) {
	dbCfg, ok := cfg.Databases[dbType]
	if !ok {
		return nil, fmt.Errorf("database config for %s not found", dbType)
	}

	var (
		db  *sql.DB
		err error
	)

	switch strings.ToLower(dbType) {
	case "sqlite", "sqlite3":
		if dbCfg.DSN == "" {
			return nil, fmt.Errorf("sqlite dsn must be provided")
		}
		dsn := dbCfg.DSN
		if !strings.Contains(dsn, "_foreign_keys") && !strings.Contains(dsn, "_fk") {
			sep := "?"
			if strings.Contains(dsn, "?") {
				sep = "&"
			}
			dsn += sep + "_foreign_keys=on"
		}
		db, err = sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite database: %w", err)
		}
		// every pooled connection to ":memory:" would be a fresh database
		if strings.HasPrefix(dbCfg.DSN, ":memory:") {
			db.SetMaxOpenConns(1)
		}
	case "mysql":
		dsn := fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?%s",
			dbCfg.Username,
			dbCfg.Password,
			dbCfg.Host,
			dbCfg.Port,
			dbCfg.DBName,
			dbCfg.Params,
		)
		db, err = sql.Open("mysql", dsn)
		if err != nil {
			return nil, fmt.Errorf("open mysql database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported driver: %s", dbType)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// Migrate ensures the required tables are present.
func Migrate(db *sql.DB, driver string) error {
	var stmts []string
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				email TEXT NOT NULL UNIQUE,
				password_hash TEXT NOT NULL DEFAULT '',
				provider TEXT NOT NULL DEFAULT 'email',
				created_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_user_tokens_user ON user_tokens(user_id)`,
			`CREATE TABLE IF NOT EXISTS oauth_states (
				state TEXT PRIMARY KEY,
				mode TEXT NOT NULL,
				expires_at DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				user_id INTEGER NOT NULL,
				sender TEXT NOT NULL,
				text TEXT NOT NULL,
				created_at DATETIME NOT NULL,
				reply_to INTEGER,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_chat_messages_user ON chat_messages(user_id, id)`,
			`CREATE TABLE IF NOT EXISTS uploaded_files (
				id TEXT PRIMARY KEY,
				user_id INTEGER NOT NULL,
				name TEXT NOT NULL,
				size INTEGER NOT NULL,
				content_type TEXT NOT NULL DEFAULT '',
				storage_path TEXT NOT NULL DEFAULT '',
				error TEXT NOT NULL DEFAULT '',
				ingest_status TEXT NOT NULL DEFAULT '',
				ingest_error TEXT NOT NULL DEFAULT '',
				person_name TEXT NOT NULL DEFAULT '',
				uploaded_at DATETIME NOT NULL,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_uploaded_files_user ON uploaded_files(user_id, uploaded_at)`,
			`CREATE TABLE IF NOT EXISTS document_chunks (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				file_id TEXT NOT NULL,
				user_id INTEGER NOT NULL,
				chunk_index INTEGER NOT NULL,
				person_name TEXT NOT NULL DEFAULT '',
				content TEXT NOT NULL,
				UNIQUE(file_id, chunk_index),
				FOREIGN KEY(file_id) REFERENCES uploaded_files(id) ON DELETE CASCADE,
				FOREIGN KEY(user_id) REFERENCES users(id) ON DELETE CASCADE
			)`,
			`CREATE INDEX IF NOT EXISTS idx_document_chunks_user ON document_chunks(user_id)`,
		}
	case "mysql":
		stmts = []string{
			`CREATE TABLE IF NOT EXISTS users (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				email VARCHAR(255) NOT NULL UNIQUE,
				password_hash VARCHAR(255) NOT NULL DEFAULT '',
				provider VARCHAR(32) NOT NULL DEFAULT 'email',
				created_at DATETIME NOT NULL,
				PRIMARY KEY (id)
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS user_tokens (
				token VARCHAR(255) NOT NULL PRIMARY KEY,
				user_id BIGINT UNSIGNED NOT NULL,
				created_at DATETIME NOT NULL,
				expires_at DATETIME NOT NULL,
				INDEX idx_user_tokens_user (user_id),
				CONSTRAINT fk_user_tokens_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS oauth_states (
				state VARCHAR(128) NOT NULL PRIMARY KEY,
				mode VARCHAR(16) NOT NULL,
				expires_at DATETIME NOT NULL
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS chat_messages (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				user_id BIGINT UNSIGNED NOT NULL,
				sender VARCHAR(16) NOT NULL,
				text MEDIUMTEXT NOT NULL,
				created_at DATETIME(6) NOT NULL,
				reply_to BIGINT UNSIGNED NULL,
				PRIMARY KEY (id),
				INDEX idx_chat_messages_user (user_id, id),
				CONSTRAINT fk_chat_messages_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS uploaded_files (
				id CHAR(36) NOT NULL,
				user_id BIGINT UNSIGNED NOT NULL,
				name VARCHAR(255) NOT NULL,
				size BIGINT NOT NULL,
				content_type VARCHAR(255) NOT NULL DEFAULT '',
				storage_path VARCHAR(1024) NOT NULL DEFAULT '',
				error TEXT NOT NULL,
				ingest_status VARCHAR(16) NOT NULL DEFAULT '',
				ingest_error TEXT NOT NULL,
				person_name VARCHAR(255) NOT NULL DEFAULT '',
				uploaded_at DATETIME(6) NOT NULL,
				PRIMARY KEY (id),
				INDEX idx_uploaded_files_user (user_id, uploaded_at),
				CONSTRAINT fk_uploaded_files_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
			`CREATE TABLE IF NOT EXISTS document_chunks (
				id BIGINT UNSIGNED NOT NULL AUTO_INCREMENT,
				file_id CHAR(36) NOT NULL,
				user_id BIGINT UNSIGNED NOT NULL,
				chunk_index INT NOT NULL,
				person_name VARCHAR(255) NOT NULL DEFAULT '',
				content MEDIUMTEXT NOT NULL,
				PRIMARY KEY (id),
				UNIQUE KEY uniq_file_chunk (file_id, chunk_index),
				INDEX idx_document_chunks_user (user_id),
				CONSTRAINT fk_document_chunks_file FOREIGN KEY (file_id) REFERENCES uploaded_files(id) ON DELETE CASCADE,
				CONSTRAINT fk_document_chunks_user FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
			) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4`,
		}
	default:
		return fmt.Errorf("unsupported driver for migration: %s", driver)
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate (%s): %w", driver, err)
		}
	}

	// columns added after the first release
	replyTo := "reply_to INTEGER"
	if strings.ToLower(driver) == "mysql" {
		replyTo = "reply_to BIGINT UNSIGNED NULL"
	}
	if err := addColumn(db, "chat_messages", "reply_to", replyTo); err != nil {
		return fmt.Errorf("migrate (%s): %w", driver, err)
	}
	return nil
}

// addColumn adds column to table unless a select on it already succeeds.
func addColumn(db *sql.DB, table, column, definition string) error {
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s LIMIT 0", column, table))
	if err == nil {
		return rows.Close()
	}
	if _, err := db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, definition)); err != nil {
		return fmt.Errorf("add %s.%s: %w", table, column, err)
	}
	return nil
}
