package vector

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/errkind"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS vector_kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// KV stores indexer bookkeeping: last-indexed file hashes and per-session
// history cursors.
type KV struct {
	db *sqlx.DB
}

// NewKV wraps the workspace database and ensures the table exists.
func NewKV(sqlDB *sql.DB) (*KV, error) {
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(kvSchema); err != nil {
		return nil, errkind.Storage("vector kv schema: %v", err)
	}
	return &KV{db: db}, nil
}

// Get returns the value for key, or "" when unset.
func (k *KV) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := k.db.GetContext(ctx, &v, `SELECT value FROM vector_kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errkind.Storage("vector kv get: %v", err)
	}
	return v, nil
}

// Set upserts one key.
func (k *KV) Set(ctx context.Context, key, value string) error {
	_, err := k.db.ExecContext(ctx, `
		INSERT INTO vector_kv (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errkind.Storage("vector kv set: %v", err)
	}
	return nil
}

// Key builders. NS is the normalized workspace namespace.

func fileHashKey(ns, path string) string { return "ws:" + ns + ":file:" + path }

func historyCursorKey(ns, historyNS, sessionID string) string {
	return "ws:" + ns + ":history:" + historyNS + ":" + sessionID + ":last_id"
}
