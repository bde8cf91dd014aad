package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndExists(t *testing.T) {
	root := filepath.Join(t.TempDir(), "assets")
	s, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "ab/abcd.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Write(ctx, "ab/abcd.jpg", []byte("jpeg")))
	ok, err = s.Exists(ctx, "ab/abcd.jpg")
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(filepath.Join(root, "ab", "abcd.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", string(data))

	require.NoError(t, s.Write(ctx, "ab/abcd.jpg", []byte("jpeg2")))
	data, err = os.ReadFile(filepath.Join(root, "ab", "abcd.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpeg2", string(data))

	entries, err := os.ReadDir(filepath.Join(root, "ab"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestRejectsEscapingPaths(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, p := range []string{"../x.jpg", "/etc/passwd", "", "a/../../x"} {
		assert.ErrorIs(t, s.Write(ctx, p, []byte("x")), ErrOutsideRoot, p)
		_, err := s.Exists(ctx, p)
		assert.ErrorIs(t, err, ErrOutsideRoot, p)
	}
}

func TestWriteHonorsCancellation(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, s.Write(ctx, "a.jpg", []byte("x")), context.Canceled)
}
