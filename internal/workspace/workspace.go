// Package workspace manages the per-workspace filesystem layout and the lock
// pool that serializes state-modifying operations per workspace root.
package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DirName is the workspace-local state directory.
const DirName = ".ads"

// StateDBPath returns the workspace SQLite database path.
func StateDBPath(root string) string {
	return filepath.Join(root, DirName, "state.db")
}

// LogDir returns the workspace session-log directory.
func LogDir(root string) string {
	return filepath.Join(root, DirName, "logs")
}

// AttachmentDir returns the workspace attachment blob directory.
func AttachmentDir(root string) string {
	return filepath.Join(root, DirName, "attachments")
}

// EnsureLayout creates the workspace state directories.
func EnsureLayout(root string) error {
	for _, dir := range []string{
		filepath.Join(root, DirName),
		LogDir(root),
		AttachmentDir(root),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Normalize canonicalizes a workspace root so lock keys and DB paths agree
// regardless of symlinks or relative spellings.
func Normalize(root string) string {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = filepath.Clean(root)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	return abs
}

// Identity is the persisted workspace identity in .ads/workspace.json.
type Identity struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"createdAt"`
}

// IdentityPath returns the workspace identity file path.
func IdentityPath(root string) string {
	return filepath.Join(root, DirName, "workspace.json")
}

// LoadIdentity reads the workspace identity, minting one on first use. A
// corrupt file is replaced rather than failing startup.
func LoadIdentity(root string) (Identity, error) {
	path := IdentityPath(root)
	if raw, err := os.ReadFile(path); err == nil {
		var id Identity
		if json.Unmarshal(raw, &id) == nil && id.ID != "" {
			return id, nil
		}
	}

	id := Identity{ID: uuid.NewString(), CreatedAt: time.Now().UnixMilli()}
	raw, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return Identity{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Identity{}, err
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Lock is a context-aware mutex. Acquire blocks until the lock is free or
// the context is cancelled.
type Lock struct {
	ch chan struct{}
}

func newLock() *Lock {
	return &Lock{ch: make(chan struct{}, 1)}
}

// Acquire takes the lock, honoring cancellation while waiting.
func (l *Lock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire takes the lock only if it is immediately free.
func (l *Lock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. Calling Release without holding the lock panics.
func (l *Lock) Release() {
	select {
	case <-l.ch:
	default:
		panic("workspace: release of unheld lock")
	}
}

// LockPool hands out one singleton Lock per normalized workspace root.
type LockPool struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewLockPool creates an empty pool.
func NewLockPool() *LockPool {
	return &LockPool{locks: make(map[string]*Lock)}
}

// Get returns the lock for root, creating it on first use. Two spellings of
// the same directory share one lock.
func (p *LockPool) Get(root string) *Lock {
	key := Normalize(root)
	p.mu.Lock()
	defer p.mu.Unlock()
	if l, ok := p.locks[key]; ok {
		return l
	}
	l := newLock()
	p.locks[key] = l
	return l
}
