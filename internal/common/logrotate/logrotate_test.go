package logrotate

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterRotatesAtBudget(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "run.log"), 10)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("123456789"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.0.log"), w.CurrentPath())

	// Next write would exceed 10 bytes, so it rotates to run.1.log.
	_, err = w.Write([]byte("abcdef"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.1.log"), w.CurrentPath())

	data, err := os.ReadFile(filepath.Join(dir, "run.1.log"))
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(data))
}

func TestWriterResumesHighestIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.0.log"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.3.log"), []byte("old"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.7.log"), []byte("x"), 0o644))

	w, err := New(filepath.Join(dir, "run.log"), 1024)
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, filepath.Join(dir, "run.3.log"), w.CurrentPath())
}

func TestWriterOversizedWriteStaysInOneFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(filepath.Join(dir, "run.log"), 4)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("0123456789"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "run.0.log"), w.CurrentPath())
}
