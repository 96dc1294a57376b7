package tempfiles

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCreateWritesIntoRequestedDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "scratch")

	f, err := Create(dir, "create-test-*")
	require.NoError(t, err)
	defer f.Close()

	rel, err := filepath.Rel(dir, f.Name())
	require.NoError(t, err)
	require.NotContains(t, rel, "..")

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestDeleteOnCloseRemovesFileAfterRead(t *testing.T) {
	dir := t.TempDir()

	f, err := Create(dir, "delete-on-close-*")
	require.NoError(t, err)

	_, err = f.WriteString("payload")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekStart)
	require.NoError(t, err)

	path := f.Name()
	rc := NewDeleteOnClose(f)

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))

	require.NoError(t, rc.Close())
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestDeleteOnCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	f, err := Create(dir, "idempotent-close-*")
	require.NoError(t, err)

	rc := NewDeleteOnClose(f)
	require.NoError(t, rc.Close())
	require.NoError(t, rc.Close())
}
