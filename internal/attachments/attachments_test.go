package attachments

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdev/ads/internal/db"
	"github.com/agentdev/ads/internal/workspace"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	sqlDB, err := db.OpenSQLiteMemory()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	root := t.TempDir()
	s, err := NewStore(sqlDB, root)
	require.NoError(t, err)
	return s, root
}

func TestPutStoresContentAddressedBlob(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, strings.NewReader("hello blob"), "note.txt", "")
	require.NoError(t, err)
	assert.Len(t, a.SHA256, 64)
	assert.Equal(t, int64(10), a.SizeBytes)
	assert.Equal(t, "note.txt", a.Filename)
	assert.Nil(t, a.Width)

	blob := workspace.AttachmentDir(root) + "/" + a.SHA256 + ".bin"
	data, err := os.ReadFile(blob)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(data))

	got, rc, err := s.Open(ctx, a.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, a.ID, got.ID)
	read, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello blob", string(read))
}

func TestPutDedupesIdenticalContent(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Put(ctx, strings.NewReader("same bytes"), "a", "")
	require.NoError(t, err)
	a2, err := s.Put(ctx, strings.NewReader("same bytes"), "b", "")
	require.NoError(t, err)

	assert.Equal(t, a1.SHA256, a2.SHA256)
	assert.NotEqual(t, a1.ID, a2.ID)

	entries, err := os.ReadDir(workspace.AttachmentDir(root))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPutRejectsEmptyAndOversized(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, strings.NewReader(""), "empty", "")
	assert.Error(t, err)

	s.maxBytes = 8
	_, err = s.Put(ctx, strings.NewReader("way too many bytes"), "big", "")
	assert.Error(t, err)
}

func TestImageDimensionsRecorded(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	// Minimal 1x1 PNG.
	png := []byte{
		0x89, 'P', 'N', 'G', 0x0d, 0x0a, 0x1a, 0x0a,
		0, 0, 0, 0x0d, 'I', 'H', 'D', 'R',
		0, 0, 0, 1, 0, 0, 0, 1, 8, 6, 0, 0, 0,
		0x1f, 0x15, 0xc4, 0x89,
		0, 0, 0, 0x0a, 'I', 'D', 'A', 'T',
		0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00, 0x05, 0x00, 0x01,
		0x0d, 0x0a, 0x2d, 0xb4,
		0, 0, 0, 0, 'I', 'E', 'N', 'D', 0xae, 0x42, 0x60, 0x82,
	}
	a, err := s.Put(ctx, bytes.NewReader(png), "dot.png", "")
	require.NoError(t, err)
	require.NotNil(t, a.Width)
	assert.Equal(t, 1, *a.Width)
	assert.Equal(t, 1, *a.Height)
}

func TestBindAndListByTask(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	a, err := s.Put(ctx, strings.NewReader("payload"), "f", "")
	require.NoError(t, err)
	require.NoError(t, s.BindTask(ctx, a.ID, "task-1"))

	list, err := s.ForTask(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.ID, list[0].ID)

	assert.Error(t, s.BindTask(ctx, "missing", "task-1"))
}

func TestDeleteKeepsSharedBlob(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	a1, err := s.Put(ctx, strings.NewReader("shared"), "a", "")
	require.NoError(t, err)
	a2, err := s.Put(ctx, strings.NewReader("shared"), "b", "")
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a1.ID))
	_, err = os.Stat(workspace.AttachmentDir(root) + "/" + a2.SHA256 + ".bin")
	assert.NoError(t, err, "blob survives while a row still references it")

	require.NoError(t, s.Delete(ctx, a2.ID))
	_, err = os.Stat(workspace.AttachmentDir(root) + "/" + a2.SHA256 + ".bin")
	assert.True(t, os.IsNotExist(err), "last delete removes the blob")
}
