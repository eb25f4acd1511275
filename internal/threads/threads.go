// Package threads persists vendor-side conversation thread ids keyed by a
// peppered user hash, so resumable sessions never store raw user ids.
package threads

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/errkind"
)

const (
	saltKey         = "thread_salt"
	migrationMarker = "threads_json_migrated"

	legacySaltFile    = "thread_salt"
	legacyThreadsFile = "threads.json"
)

const schema = `
CREATE TABLE IF NOT EXISTS thread_state (
	namespace  TEXT NOT NULL,
	user_hash  TEXT NOT NULL,
	thread_id  TEXT NOT NULL,
	cwd        TEXT NOT NULL DEFAULT '',
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (namespace, user_hash)
);
CREATE TABLE IF NOT EXISTS kv_state (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// State is one stored thread row.
type State struct {
	Namespace string `db:"namespace"`
	UserHash  string `db:"user_hash"`
	ThreadID  string `db:"thread_id"`
	Cwd       string `db:"cwd"`
	UpdatedAt int64  `db:"updated_at"`
}

// Value is a parsed thread id: either a single opaque id (legacy
// single-agent) or a per-agent map. Serialization round-trips without loss.
type Value struct {
	Single string
	Multi  map[string]string
}

// ParseValue decodes a stored thread_id column.
func ParseValue(raw string) Value {
	if len(raw) > 0 && raw[0] == '{' {
		var m map[string]string
		if err := json.Unmarshal([]byte(raw), &m); err == nil {
			return Value{Multi: m}
		}
	}
	return Value{Single: raw}
}

// Serialize encodes the value back into its column form.
func (v Value) Serialize() string {
	if v.Multi != nil {
		b, err := json.Marshal(v.Multi)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return v.Single
}

// ForAgent returns the thread id for one agent, falling back to the legacy
// single id.
func (v Value) ForAgent(agentID string) string {
	if v.Multi != nil {
		return v.Multi[agentID]
	}
	return v.Single
}

// IsZero reports whether the value carries no thread id at all.
func (v Value) IsZero() bool {
	return v.Single == "" && len(v.Multi) == 0
}

// Store persists thread state in the workspace database. legacyDir points at
// the directory older releases kept their JSON files in.
type Store struct {
	db   *sqlx.DB
	salt string
}

// NewStore ensures the schema, loads or creates the hash salt, and runs the
// one-shot legacy JSON migration.
func NewStore(sqlDB *sql.DB, legacyDir string) (*Store, error) {
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(schema); err != nil {
		return nil, errkind.Storage("threads schema: %v", err)
	}

	s := &Store{db: db}
	if err := s.loadSalt(legacyDir); err != nil {
		return nil, err
	}
	if err := s.migrateLegacyJSON(legacyDir); err != nil {
		return nil, err
	}
	return s, nil
}

// UserHash computes sha256(userID ':' salt), hex-encoded.
func (s *Store) UserHash(userID string) string {
	sum := sha256.Sum256([]byte(userID + ":" + s.salt))
	return hex.EncodeToString(sum[:])
}

// Set upserts the thread value for (namespace, user).
func (s *Store) Set(ctx context.Context, namespace, userID string, v Value, cwd string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO thread_state (namespace, user_hash, thread_id, cwd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(namespace, user_hash) DO UPDATE SET
			thread_id = excluded.thread_id,
			cwd = excluded.cwd,
			updated_at = excluded.updated_at`,
		namespace, s.UserHash(userID), v.Serialize(), cwd, time.Now().UnixMilli())
	if err != nil {
		return errkind.Storage("threads set: %v", err)
	}
	return nil
}

// Get returns the stored value for (namespace, user), or a zero Value when
// nothing is stored.
func (s *Store) Get(ctx context.Context, namespace, userID string) (Value, string, error) {
	var st State
	err := s.db.GetContext(ctx, &st,
		`SELECT namespace, user_hash, thread_id, cwd, updated_at
		 FROM thread_state WHERE namespace = ? AND user_hash = ?`,
		namespace, s.UserHash(userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Value{}, "", nil
	}
	if err != nil {
		return Value{}, "", errkind.Storage("threads get: %v", err)
	}
	return ParseValue(st.ThreadID), st.Cwd, nil
}

// Delete drops the stored value for (namespace, user).
func (s *Store) Delete(ctx context.Context, namespace, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_state WHERE namespace = ? AND user_hash = ?`,
		namespace, s.UserHash(userID))
	if err != nil {
		return errkind.Storage("threads delete: %v", err)
	}
	return nil
}

// loadSalt reads the salt from kv_state, falling back to the legacy salt
// file, generating a fresh one when neither exists. The salt is mirrored to
// the legacy file so older tooling keeps hashing consistently.
func (s *Store) loadSalt(legacyDir string) error {
	var salt string
	err := s.db.Get(&salt, `SELECT value FROM kv_state WHERE key = ?`, saltKey)
	if err == nil {
		s.salt = salt
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errkind.Storage("threads salt read: %v", err)
	}

	legacyPath := filepath.Join(legacyDir, legacySaltFile)
	if raw, err := os.ReadFile(legacyPath); err == nil && len(raw) > 0 {
		salt = string(raw)
	} else {
		buf := make([]byte, 16)
		if _, err := rand.Read(buf); err != nil {
			return errkind.Storage("threads salt generate: %v", err)
		}
		salt = hex.EncodeToString(buf)
	}

	if _, err := s.db.Exec(
		`INSERT OR IGNORE INTO kv_state (key, value) VALUES (?, ?)`, saltKey, salt); err != nil {
		return errkind.Storage("threads salt write: %v", err)
	}
	// Mirror for pre-SQLite tooling.
	if legacyDir != "" {
		if _, err := os.Stat(legacyPath); os.IsNotExist(err) {
			_ = os.MkdirAll(legacyDir, 0o755)
			_ = os.WriteFile(legacyPath, []byte(salt), 0o600)
		}
	}

	s.salt = salt
	return nil
}

// legacyEntry is one row of the pre-SQLite threads.json file:
// {namespace: {userHash: {"threadId": ..., "cwd": ...}}}.
type legacyEntry struct {
	ThreadID string `json:"threadId"`
	Cwd      string `json:"cwd"`
}

// migrateLegacyJSON upserts the legacy JSON file once, guarded by a kv
// marker so repeated startups are no-ops.
func (s *Store) migrateLegacyJSON(legacyDir string) error {
	if legacyDir == "" {
		return nil
	}
	path := filepath.Join(legacyDir, legacyThreadsFile)
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	var marker string
	err = s.db.Get(&marker, `SELECT value FROM kv_state WHERE key = ?`, migrationMarker)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return errkind.Storage("threads migration marker: %v", err)
	}

	var legacy map[string]map[string]legacyEntry
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return errkind.Storage("threads legacy parse: %v", err)
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return errkind.Storage("threads migration begin: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for namespace, users := range legacy {
		for userHash, entry := range users {
			if _, err := tx.Exec(`
				INSERT INTO thread_state (namespace, user_hash, thread_id, cwd, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(namespace, user_hash) DO UPDATE SET
					thread_id = excluded.thread_id,
					cwd = excluded.cwd,
					updated_at = excluded.updated_at`,
				namespace, userHash, entry.ThreadID, entry.Cwd, now); err != nil {
				return errkind.Storage("threads migration upsert: %v", err)
			}
		}
	}
	if _, err := tx.Exec(
		`INSERT INTO kv_state (key, value) VALUES (?, ?)`, migrationMarker, "1"); err != nil {
		return errkind.Storage("threads migration marker write: %v", err)
	}
	if err := tx.Commit(); err != nil {
		return errkind.Storage("threads migration commit: %v", err)
	}
	return nil
}
