// Package auth owns the process-global database: users, web sessions,
// projects, prompts, and preferences. The same store runs on SQLite or
// Postgres; statements are written with ? placeholders and rebound per
// driver.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/errkind"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            TEXT PRIMARY KEY,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	disabled_at   INTEGER
);

CREATE TABLE IF NOT EXISTS web_sessions (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL REFERENCES users(id),
	token_hash   TEXT NOT NULL UNIQUE,
	created_at   INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL,
	revoked_at   INTEGER,
	last_seen_at INTEGER NOT NULL,
	last_seen_ip TEXT NOT NULL DEFAULT '',
	user_agent   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_web_sessions_user ON web_sessions(user_id);

CREATE TABLE IF NOT EXISTS projects (
	user_id         TEXT NOT NULL,
	project_id      TEXT NOT NULL,
	workspace_root  TEXT NOT NULL,
	display_name    TEXT NOT NULL DEFAULT '',
	chat_session_id TEXT NOT NULL DEFAULT '',
	sort_order      INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	PRIMARY KEY (user_id, project_id),
	UNIQUE (user_id, workspace_root)
);

CREATE TABLE IF NOT EXISTS prompts (
	user_id    TEXT NOT NULL,
	prompt_id  TEXT NOT NULL,
	name       TEXT NOT NULL,
	content    TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, prompt_id)
);

CREATE TABLE IF NOT EXISTS preferences (
	user_id TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (user_id, key)
);
`

// User is one account row.
type User struct {
	ID           string `db:"id" json:"id"`
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
	CreatedAt    int64  `db:"created_at" json:"createdAt"`
	UpdatedAt    int64  `db:"updated_at" json:"updatedAt"`
	DisabledAt   *int64 `db:"disabled_at" json:"disabledAt,omitempty"`
}

// Session is one web session row. Only the token hash is stored.
type Session struct {
	ID         string `db:"id" json:"id"`
	UserID     string `db:"user_id" json:"userId"`
	TokenHash  string `db:"token_hash" json:"-"`
	CreatedAt  int64  `db:"created_at" json:"createdAt"`
	ExpiresAt  int64  `db:"expires_at" json:"expiresAt"`
	RevokedAt  *int64 `db:"revoked_at" json:"revokedAt,omitempty"`
	LastSeenAt int64  `db:"last_seen_at" json:"lastSeenAt"`
	LastSeenIP string `db:"last_seen_ip" json:"lastSeenIp,omitempty"`
	UserAgent  string `db:"user_agent" json:"userAgent,omitempty"`
}

// Project is one workspace registration.
type Project struct {
	UserID        string `db:"user_id" json:"userId"`
	ProjectID     string `db:"project_id" json:"projectId"`
	WorkspaceRoot string `db:"workspace_root" json:"workspaceRoot"`
	DisplayName   string `db:"display_name" json:"displayName"`
	ChatSessionID string `db:"chat_session_id" json:"chatSessionId"`
	SortOrder     int    `db:"sort_order" json:"sortOrder"`
	CreatedAt     int64  `db:"created_at" json:"createdAt"`
	UpdatedAt     int64  `db:"updated_at" json:"updatedAt"`
}

// Prompt is one saved prompt snippet.
type Prompt struct {
	UserID    string `db:"user_id" json:"userId"`
	PromptID  string `db:"prompt_id" json:"promptId"`
	Name      string `db:"name" json:"name"`
	Content   string `db:"content" json:"content"`
	CreatedAt int64  `db:"created_at" json:"createdAt"`
	UpdatedAt int64  `db:"updated_at" json:"updatedAt"`
}

// Store is the global database facade.
type Store struct {
	db *sqlx.DB
}

// NewStore wraps a database handle (driverName "sqlite3" or "pgx") and
// ensures the schema.
func NewStore(sqlDB *sql.DB, driverName string) (*Store, error) {
	db := sqlx.NewDb(sqlDB, driverName)
	if _, err := db.Exec(schema); err != nil {
		return nil, errkind.Storage("auth schema: %v", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) rebind(query string) string { return s.db.Rebind(query) }

// CreateUser inserts a user with an already-hashed password.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*User, error) {
	if username == "" {
		return nil, errkind.Input("username must not be empty")
	}
	now := time.Now().UnixMilli()
	u := &User{
		ID:           uuid.NewString(),
		Username:     username,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO users (id, username, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`),
		u.ID, u.Username, u.PasswordHash, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return nil, errkind.Storage("user insert: %v", err)
	}
	return u, nil
}

// UserByName looks a user up by username.
func (s *Store) UserByName(ctx context.Context, username string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		s.rebind(`SELECT * FROM users WHERE username = ?`), username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Auth("unknown user")
	}
	if err != nil {
		return nil, errkind.Storage("user select: %v", err)
	}
	return &u, nil
}

// UserByID looks a user up by id.
func (s *Store) UserByID(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u, s.rebind(`SELECT * FROM users WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Auth("unknown user")
	}
	if err != nil {
		return nil, errkind.Storage("user select: %v", err)
	}
	return &u, nil
}

// SetPassword replaces a user's password hash.
func (s *Store) SetPassword(ctx context.Context, userID, passwordHash string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`),
		passwordHash, time.Now().UnixMilli(), userID)
	if err != nil {
		return errkind.Storage("password update: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Auth("unknown user")
	}
	return nil
}

// CountUsers returns the number of accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, errkind.Storage("user count: %v", err)
	}
	return n, nil
}

// InsertSession stores a new session row.
func (s *Store) InsertSession(ctx context.Context, sess *Session) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO web_sessions (id, user_id, token_hash, created_at, expires_at,
			last_seen_at, last_seen_ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, sess.TokenHash, sess.CreatedAt, sess.ExpiresAt,
		sess.LastSeenAt, sess.LastSeenIP, sess.UserAgent)
	if err != nil {
		return errkind.Storage("session insert: %v", err)
	}
	return nil
}

// SessionByTokenHash returns the session matching the hash, regardless of
// validity; the service layer applies expiry and revocation rules.
func (s *Store) SessionByTokenHash(ctx context.Context, tokenHash string) (*Session, error) {
	var sess Session
	err := s.db.GetContext(ctx, &sess,
		s.rebind(`SELECT * FROM web_sessions WHERE token_hash = ?`), tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Auth("unknown session")
	}
	if err != nil {
		return nil, errkind.Storage("session select: %v", err)
	}
	return &sess, nil
}

// TouchSession updates last-seen bookkeeping and optionally the expiry.
func (s *Store) TouchSession(ctx context.Context, sessionID string, lastSeen int64, ip string, newExpiry int64) error {
	query := `UPDATE web_sessions SET last_seen_at = ?, last_seen_ip = ? WHERE id = ?`
	args := []any{lastSeen, ip, sessionID}
	if newExpiry > 0 {
		query = `UPDATE web_sessions SET last_seen_at = ?, last_seen_ip = ?, expires_at = ? WHERE id = ?`
		args = []any{lastSeen, ip, newExpiry, sessionID}
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(query), args...); err != nil {
		return errkind.Storage("session touch: %v", err)
	}
	return nil
}

// RevokeSession marks a session revoked by token hash.
func (s *Store) RevokeSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE web_sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL`),
		time.Now().UnixMilli(), tokenHash)
	if err != nil {
		return errkind.Storage("session revoke: %v", err)
	}
	return nil
}

// PurgeExpiredSessions deletes rows past their expiry.
func (s *Store) PurgeExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM web_sessions WHERE expires_at < ?`), now.UnixMilli())
	if err != nil {
		return 0, errkind.Storage("session purge: %v", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpsertProject registers or updates a workspace for a user.
func (s *Store) UpsertProject(ctx context.Context, p *Project) error {
	now := time.Now().UnixMilli()
	if p.ProjectID == "" {
		p.ProjectID = uuid.NewString()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO projects (user_id, project_id, workspace_root, display_name,
			chat_session_id, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, project_id) DO UPDATE SET
			workspace_root = excluded.workspace_root,
			display_name = excluded.display_name,
			chat_session_id = excluded.chat_session_id,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at`),
		p.UserID, p.ProjectID, p.WorkspaceRoot, p.DisplayName,
		p.ChatSessionID, p.SortOrder, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return errkind.Storage("project upsert: %v", err)
	}
	return nil
}

// ListProjects returns a user's projects ordered by sort_order. Rows never
// reordered keep their legacy recency order via the backfilled sort_order.
func (s *Store) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	var out []Project
	err := s.db.SelectContext(ctx, &out, s.rebind(`
		SELECT * FROM projects WHERE user_id = ?
		ORDER BY sort_order ASC, updated_at DESC`), userID)
	if err != nil {
		return nil, errkind.Storage("project list: %v", err)
	}
	return out, nil
}

// GetProject returns one project.
func (s *Store) GetProject(ctx context.Context, userID, projectID string) (*Project, error) {
	var p Project
	err := s.db.GetContext(ctx, &p, s.rebind(
		`SELECT * FROM projects WHERE user_id = ? AND project_id = ?`), userID, projectID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Input("project not found")
	}
	if err != nil {
		return nil, errkind.Storage("project select: %v", err)
	}
	return &p, nil
}

// DeleteProject removes one project.
func (s *Store) DeleteProject(ctx context.Context, userID, projectID string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM projects WHERE user_id = ? AND project_id = ?`), userID, projectID)
	if err != nil {
		return errkind.Storage("project delete: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Input("project not found")
	}
	return nil
}

// ReorderProjects persists a full ordering in one transaction. Ids missing
// from the list keep their position after the listed ones.
func (s *Store) ReorderProjects(ctx context.Context, userID string, orderedIDs []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errkind.Storage("project reorder begin: %v", err)
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for i, id := range orderedIDs {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE projects SET sort_order = ?, updated_at = ?
			WHERE user_id = ? AND project_id = ?`),
			i, now, userID, id); err != nil {
			return errkind.Storage("project reorder: %v", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errkind.Storage("project reorder commit: %v", err)
	}
	return nil
}

// UpsertPrompt saves a prompt snippet.
func (s *Store) UpsertPrompt(ctx context.Context, p *Prompt) error {
	now := time.Now().UnixMilli()
	if p.PromptID == "" {
		p.PromptID = uuid.NewString()
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO prompts (user_id, prompt_id, name, content, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, prompt_id) DO UPDATE SET
			name = excluded.name,
			content = excluded.content,
			updated_at = excluded.updated_at`),
		p.UserID, p.PromptID, p.Name, p.Content, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return errkind.Storage("prompt upsert: %v", err)
	}
	return nil
}

// ListPrompts returns a user's prompts by name.
func (s *Store) ListPrompts(ctx context.Context, userID string) ([]Prompt, error) {
	var out []Prompt
	err := s.db.SelectContext(ctx, &out, s.rebind(
		`SELECT * FROM prompts WHERE user_id = ? ORDER BY name ASC`), userID)
	if err != nil {
		return nil, errkind.Storage("prompt list: %v", err)
	}
	return out, nil
}

// DeletePrompt removes one prompt.
func (s *Store) DeletePrompt(ctx context.Context, userID, promptID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`DELETE FROM prompts WHERE user_id = ? AND prompt_id = ?`), userID, promptID)
	if err != nil {
		return errkind.Storage("prompt delete: %v", err)
	}
	return nil
}

// SetPreference upserts one preference key.
func (s *Store) SetPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO preferences (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT(user_id, key) DO UPDATE SET value = excluded.value`),
		userID, key, value)
	if err != nil {
		return errkind.Storage("preference set: %v", err)
	}
	return nil
}

// GetPreference reads one preference key, returning "" when unset.
func (s *Store) GetPreference(ctx context.Context, userID, key string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, s.rebind(
		`SELECT value FROM preferences WHERE user_id = ? AND key = ?`), userID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", errkind.Storage("preference get: %v", err)
	}
	return v, nil
}
