// Package logrotate implements the size-rotated log files written under a
// workspace's .ads/logs directory. Given a base path like run.log and a byte
// budget, writes land in run.N.log where N advances whenever the next write
// would exceed the budget. Existing indices are discovered on startup.
package logrotate

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// Writer is a size-capped rotating file writer. Safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	dir      string
	stem     string // base name without extension
	ext      string // extension including the dot, may be empty
	maxBytes int64

	index   int
	size    int64
	file    *os.File
}

// New creates a rotating writer for basePath with the given byte budget.
// The highest existing rotation index is resumed.
func New(basePath string, maxBytes int64) (*Writer, error) {
	if maxBytes <= 0 {
		return nil, fmt.Errorf("maxBytes must be positive")
	}
	dir := filepath.Dir(basePath)
	base := filepath.Base(basePath)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	w := &Writer{dir: dir, stem: stem, ext: ext, maxBytes: maxBytes}
	w.index = w.discoverIndex()
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

// discoverIndex scans the directory for stem.N.ext files and returns the
// highest N found, or 0.
func (w *Writer) discoverIndex() int {
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(w.stem) + `\.(\d+)` + regexp.QuoteMeta(w.ext) + `$`)
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return 0
	}
	highest := 0
	for _, e := range entries {
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return highest
}

func (w *Writer) currentPath() string {
	return filepath.Join(w.dir, fmt.Sprintf("%s.%d%s", w.stem, w.index, w.ext))
}

func (w *Writer) open() error {
	f, err := os.OpenFile(w.currentPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first if the write would exceed the budget.
// A single write larger than the budget still lands in one file.
func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.maxBytes {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *Writer) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.index++
	return w.open()
}

// CurrentPath returns the path of the file currently being written.
func (w *Writer) CurrentPath() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
