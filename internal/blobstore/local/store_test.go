package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectWritesFileAndReturnsURI(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir, "speculum")
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "logs/job-1/attempt-1.log", "text/plain", []byte("line one\n"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "speculum", "logs", "job-1", "attempt-1.log"))
	require.NoError(t, err)
	require.Equal(t, "line one\n", string(data))
}

func TestPutObjectRejectsEscapingPath(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "../../etc/passwd", "", []byte("x"))
	require.Error(t, err)
}

func TestPutObjectRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir(), "")
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "  ", "", []byte("x"))
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	base := filepath.Join(t.TempDir(), "artifacts")
	_, err := New(base, "")
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New("  ", "")
	require.Error(t, err)
}
