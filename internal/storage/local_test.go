package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"md2pdf/internal/domain"
	u "md2pdf/internal/utils"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(filepath.Join(t.TempDir(), "pdfs"))
	require.NoError(t, err)

	require.NoError(t, s.Save(ctx, "a.pdf", []byte("%PDF-1.4 a")))

	rc, size, err := s.Open(ctx, "a.pdf")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, rc.Close())
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4 a", string(data))
	assert.EqualValues(t, len(data), size)

	objs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "a.pdf", objs[0].Name)
	assert.False(t, objs[0].Modified.IsZero())

	require.NoError(t, s.Delete(ctx, "a.pdf"))
	_, _, err = s.Open(ctx, "a.pdf")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestLocalStoreDeleteIsIdempotent(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	assert.NoError(t, s.Delete(context.Background(), "never-existed.pdf"))
}

func TestLocalStoreRejectsPathTraversal(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	for _, name := range []string{"../x.pdf", "sub/x.pdf", ".hidden.pdf", ""} {
		assert.ErrorIs(t, s.Save(ctx, name, []byte("x")), domain.ErrNotFound, name)
		_, _, err := s.Open(ctx, name)
		assert.ErrorIs(t, err, domain.ErrNotFound, name)
	}
}

func TestLocalStoreListSkipsNonPDF(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".partial-123"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.pdf"), 0o755))
	require.NoError(t, s.Save(ctx, "b.pdf", []byte("x")))

	objs, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, "b.pdf", objs[0].Name)
}

func TestLocalStorePing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))

	require.NoError(t, os.RemoveAll(dir))
	assert.ErrorIs(t, s.Ping(context.Background()), domain.ErrStorage)
}

func TestLocalStoreSaveHonoursContext(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.Save(ctx, "c.pdf", []byte("x")), context.Canceled)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := u.DefaultConfig()
	cfg.Storage.Dir = t.TempDir()
	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &LocalStore{}, s)

	cfg.Storage.Backend = "ftp"
	_, err = New(context.Background(), cfg)
	assert.ErrorIs(t, err, domain.ErrStorage)
}
