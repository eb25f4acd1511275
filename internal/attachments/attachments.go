// Package attachments is a content-addressed blob store. Blob bytes live
// under .ads/attachments/<sha256>.bin; metadata rows live in the workspace
// database so uploads can be listed and bound to tasks.
package attachments

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"image"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/agentdev/ads/internal/common/errkind"
	"github.com/agentdev/ads/internal/workspace"
)

const schema = `
CREATE TABLE IF NOT EXISTS attachments (
	id           TEXT PRIMARY KEY,
	task_id      TEXT NOT NULL DEFAULT '',
	sha256       TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes   INTEGER NOT NULL,
	width        INTEGER,
	height       INTEGER,
	filename     TEXT NOT NULL DEFAULT '',
	storage_url  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attachments_sha ON attachments(sha256);
CREATE INDEX IF NOT EXISTS idx_attachments_task ON attachments(task_id);
`

// Attachment is one stored blob's metadata.
type Attachment struct {
	ID          string `db:"id" json:"id"`
	TaskID      string `db:"task_id" json:"taskId,omitempty"`
	SHA256      string `db:"sha256" json:"sha256"`
	ContentType string `db:"content_type" json:"contentType"`
	SizeBytes   int64  `db:"size_bytes" json:"sizeBytes"`
	Width       *int   `db:"width" json:"width,omitempty"`
	Height      *int   `db:"height" json:"height,omitempty"`
	Filename    string `db:"filename" json:"filename,omitempty"`
	StorageURL  string `db:"storage_url" json:"storageUrl"`
	CreatedAt   int64  `db:"created_at" json:"createdAt"`
}

// Store persists attachment blobs and metadata for one workspace.
type Store struct {
	db   *sqlx.DB
	root string

	maxBytes int64
}

// DefaultMaxBytes caps a single upload at 32 MiB.
const DefaultMaxBytes = 32 << 20

// NewStore wraps the workspace database and ensures the blob directory.
func NewStore(sqlDB *sql.DB, workspaceRoot string) (*Store, error) {
	db := sqlx.NewDb(sqlDB, "sqlite3")
	if _, err := db.Exec(schema); err != nil {
		return nil, errkind.Storage("attachment schema: %v", err)
	}
	if err := os.MkdirAll(workspace.AttachmentDir(workspaceRoot), 0o755); err != nil {
		return nil, errkind.Storage("attachment dir: %v", err)
	}
	return &Store{db: db, root: workspaceRoot, maxBytes: DefaultMaxBytes}, nil
}

func (s *Store) blobPath(sha string) string {
	return filepath.Join(workspace.AttachmentDir(s.root), sha+".bin")
}

// Put stores a blob and records its metadata. Identical content dedupes at
// the blob layer: the bytes are written once, but each Put gets its own row
// so task bindings stay independent.
func (s *Store) Put(ctx context.Context, r io.Reader, filename, taskID string) (*Attachment, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return nil, errkind.Storage("attachment read: %v", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, errkind.Input("attachment exceeds %d bytes", s.maxBytes)
	}
	if len(data) == 0 {
		return nil, errkind.Input("attachment is empty")
	}

	sum := sha256.Sum256(data)
	sha := hex.EncodeToString(sum[:])
	path := s.blobPath(sha)

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		tmp := path + ".tmp." + uuid.NewString()
		if err := os.WriteFile(tmp, data, 0o644); err != nil {
			return nil, errkind.Storage("attachment write: %v", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			os.Remove(tmp)
			return nil, errkind.Storage("attachment rename: %v", err)
		}
	}

	a := &Attachment{
		ID:          uuid.NewString(),
		TaskID:      taskID,
		SHA256:      sha,
		ContentType: http.DetectContentType(data),
		SizeBytes:   int64(len(data)),
		Filename:    filename,
		StorageURL:  "file://" + path,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(data)); err == nil {
		w, h := cfg.Width, cfg.Height
		a.Width, a.Height = &w, &h
	}

	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO attachments (id, task_id, sha256, content_type, size_bytes,
			width, height, filename, storage_url, created_at)
		VALUES (:id, :task_id, :sha256, :content_type, :size_bytes,
			:width, :height, :filename, :storage_url, :created_at)`, a)
	if err != nil {
		return nil, errkind.Storage("attachment insert: %v", err)
	}
	return a, nil
}

// Get returns one attachment's metadata.
func (s *Store) Get(ctx context.Context, id string) (*Attachment, error) {
	var a Attachment
	err := s.db.GetContext(ctx, &a, `SELECT * FROM attachments WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Input("attachment %s not found", id)
	}
	if err != nil {
		return nil, errkind.Storage("attachment get: %v", err)
	}
	return &a, nil
}

// Open returns a reader over the blob bytes. The caller closes it.
func (s *Store) Open(ctx context.Context, id string) (*Attachment, io.ReadCloser, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	f, err := os.Open(s.blobPath(a.SHA256))
	if err != nil {
		return nil, nil, errkind.Storage("attachment open: %v", err)
	}
	return a, f, nil
}

// BindTask assigns an attachment to a task.
func (s *Store) BindTask(ctx context.Context, id, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE attachments SET task_id = ? WHERE id = ?`, taskID, id)
	if err != nil {
		return errkind.Storage("attachment bind: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Input("attachment %s not found", id)
	}
	return nil
}

// ForTask lists the attachments bound to a task.
func (s *Store) ForTask(ctx context.Context, taskID string) ([]Attachment, error) {
	var out []Attachment
	err := s.db.SelectContext(ctx, &out,
		`SELECT * FROM attachments WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, errkind.Storage("attachment list: %v", err)
	}
	return out, nil
}

// Delete removes the metadata row. The blob stays on disk when other rows
// still reference the same hash.
func (s *Store) Delete(ctx context.Context, id string) error {
	a, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM attachments WHERE id = ?`, id); err != nil {
		return errkind.Storage("attachment delete: %v", err)
	}
	var n int
	if err := s.db.GetContext(ctx, &n,
		`SELECT COUNT(*) FROM attachments WHERE sha256 = ?`, a.SHA256); err == nil && n == 0 {
		os.Remove(s.blobPath(a.SHA256))
	}
	return nil
}
