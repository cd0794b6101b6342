package storage

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	chat_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	sent_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	status INTEGER NOT NULL,
	status_at INTEGER NOT NULL,
	unread INTEGER NOT NULL DEFAULT 0,
	clarify INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	payload_blob INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_chat ON messages(chat_id);
CREATE INDEX IF NOT EXISTS messages_status ON messages(status);

CREATE TABLE IF NOT EXISTS chats (
	id TEXT PRIMARY KEY,
	local_alias TEXT NOT NULL,
	active_recipients TEXT NOT NULL,
	all_recipients TEXT NOT NULL,
	unread INTEGER NOT NULL DEFAULT 0,
	updated INTEGER NOT NULL DEFAULT 0,
	clarified INTEGER NOT NULL DEFAULT 0,
	last_message_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS blobs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	refs INTEGER NOT NULL DEFAULT 1,
	data BLOB NOT NULL
);
`

// Open opens (or creates) the courier database at path and ensures the
// schema exists. Use ":memory:" for an ephemeral store in tests.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// modernc.org/sqlite serializes writes internally but a single
	// connection avoids SQLITE_BUSY between the DAO and blob store.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	logrus.WithFields(logrus.Fields{
		"function": "Open",
		"path":     path,
	}).Info("Opened message store")
	return db, nil
}
