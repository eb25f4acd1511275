// Package history persists per-session conversation entries in the workspace
// SQLite database, with retention trimming and idempotent-ack deduplication.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/config"
	"github.com/agentdev/ads/internal/common/errkind"
)

// Role classifies who produced a history entry.
type Role string

const (
	RoleUser       Role = "user"
	RoleAI         Role = "ai"
	RoleStatus     Role = "status"
	RoleSystem     Role = "system"
	RoleSupervisor Role = "supervisor"
	RoleAgent      Role = "agent"
)

// KindClientMessagePrefix marks entries subject to idempotent-ack dedupe.
const KindClientMessagePrefix = "client_message_id:"

// Entry is one stored conversation row.
type Entry struct {
	ID        int64  `db:"id" json:"id"`
	Namespace string `db:"namespace" json:"namespace"`
	SessionID string `db:"session_id" json:"sessionId"`
	Role      Role   `db:"role" json:"role"`
	Text      string `db:"text" json:"text"`
	Ts        int64  `db:"ts" json:"ts"` // unix millis
	Kind      string `db:"kind" json:"kind,omitempty"`
}

const schema = `
CREATE TABLE IF NOT EXISTS history_entries (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	namespace  TEXT NOT NULL,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	ts         INTEGER NOT NULL,
	kind       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_history_session ON history_entries(namespace, session_id, id);
CREATE INDEX IF NOT EXISTS idx_history_kind ON history_entries(namespace, session_id, kind);
`

// Store reads and writes history entries.
type Store struct {
	db  *sqlx.DB
	cfg config.HistoryConfig
}

// NewStore wraps the given database and ensures the schema exists.
func NewStore(sqlDB *sql.DB, cfg config.HistoryConfig) (*Store, error) {
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(schema); err != nil {
		return nil, errkind.Storage("history schema: %v", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Add inserts an entry and trims the session to the retention limit inside
// one transaction. It returns false without inserting when the entry's kind
// carries a client message id already seen within the dedupe window.
func (s *Store) Add(ctx context.Context, e Entry) (bool, error) {
	if e.Namespace == "" || e.SessionID == "" {
		return false, errkind.Input("history entry needs namespace and session id")
	}
	e.Text = truncateText(e.Text, s.cfg.MaxTextLength)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, errkind.Storage("history begin: %v", err)
	}
	defer tx.Rollback()

	if strings.HasPrefix(e.Kind, KindClientMessagePrefix) {
		var dup int
		err := tx.GetContext(ctx, &dup,
			`SELECT 1 FROM history_entries
			 WHERE namespace = ? AND session_id = ? AND kind = ? AND ts >= ?
			 LIMIT 1`,
			e.Namespace, e.SessionID, e.Kind, e.Ts-int64(s.cfg.DedupeWindowMs))
		if err == nil {
			return false, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return false, errkind.Storage("history dedupe check: %v", err)
		}
	}

	if _, err := tx.NamedExecContext(ctx,
		`INSERT INTO history_entries (namespace, session_id, role, text, ts, kind)
		 VALUES (:namespace, :session_id, :role, :text, :ts, :kind)`, e); err != nil {
		return false, errkind.Storage("history insert: %v", err)
	}

	if err := s.trimLocked(ctx, tx, e.Namespace, e.SessionID); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errkind.Storage("history commit: %v", err)
	}
	return true, nil
}

// trimLocked deletes rows older than the max_entries-th newest within the
// open transaction.
func (s *Store) trimLocked(ctx context.Context, tx *sqlx.Tx, namespace, sessionID string) error {
	if s.cfg.MaxEntriesPerSession <= 0 {
		return nil
	}
	var cutoff int64
	err := tx.GetContext(ctx, &cutoff,
		`SELECT id FROM history_entries
		 WHERE namespace = ? AND session_id = ?
		 ORDER BY id DESC LIMIT 1 OFFSET ?`,
		namespace, sessionID, s.cfg.MaxEntriesPerSession-1)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errkind.Storage("history trim select: %v", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM history_entries WHERE namespace = ? AND session_id = ? AND id < ?`,
		namespace, sessionID, cutoff); err != nil {
		return errkind.Storage("history trim delete: %v", err)
	}
	return nil
}

// Get returns the session's entries oldest first.
func (s *Store) Get(ctx context.Context, namespace, sessionID string) ([]Entry, error) {
	var out []Entry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, namespace, session_id, role, text, ts, kind
		 FROM history_entries
		 WHERE namespace = ? AND session_id = ?
		 ORDER BY id ASC`,
		namespace, sessionID)
	if err != nil {
		return nil, errkind.Storage("history select: %v", err)
	}
	return out, nil
}

// LastUserText returns the text of the most recent user entry, or "".
func (s *Store) LastUserText(ctx context.Context, namespace, sessionID string) (string, error) {
	var text string
	err := s.db.GetContext(ctx, &text,
		`SELECT text FROM history_entries
		 WHERE namespace = ? AND session_id = ? AND role = ?
		 ORDER BY id DESC LIMIT 1`,
		namespace, sessionID, RoleUser)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errkind.Storage("history last user: %v", err)
	}
	return text, nil
}

// After returns entries with id greater than afterID, oldest first. The
// vector indexer uses this to scan incrementally.
func (s *Store) After(ctx context.Context, namespace, sessionID string, afterID int64) ([]Entry, error) {
	var out []Entry
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, namespace, session_id, role, text, ts, kind
		 FROM history_entries
		 WHERE namespace = ? AND session_id = ? AND id > ?
		 ORDER BY id ASC`,
		namespace, sessionID, afterID)
	if err != nil {
		return nil, errkind.Storage("history after: %v", err)
	}
	return out, nil
}

// Sessions lists the distinct (namespace, session) pairs present.
func (s *Store) Sessions(ctx context.Context) ([][2]string, error) {
	rows, err := s.db.QueryxContext(ctx,
		`SELECT DISTINCT namespace, session_id FROM history_entries ORDER BY namespace, session_id`)
	if err != nil {
		return nil, errkind.Storage("history sessions: %v", err)
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var ns, sid string
		if err := rows.Scan(&ns, &sid); err != nil {
			return nil, errkind.Storage("history sessions scan: %v", err)
		}
		out = append(out, [2]string{ns, sid})
	}
	return out, rows.Err()
}

// Clear deletes every entry in the session and reports how many went.
func (s *Store) Clear(ctx context.Context, namespace, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM history_entries WHERE namespace = ? AND session_id = ?`,
		namespace, sessionID)
	if err != nil {
		return 0, errkind.Storage("history clear: %v", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// truncateText caps text at max runes, appending an ellipsis when cut.
func truncateText(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return fmt.Sprintf("%s…", string(runes[:max]))
}
