package host

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOSFileOpenRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.bin")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	f := NewOSFile()
	rc, err := f.OpenRange(context.Background(), path, 3, 7)
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "3456", string(data))
}

func TestOSFileInfo(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	f := NewOSFile()
	info, err := f.FileInfo(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "data.txt", info.Name)
	require.Equal(t, int64(5), info.Size)
}
