package fsio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFile_WriteAtAndSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "out.bin")

	f, err := Open(path)
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, f.Preallocate(10))
	require.NoError(t, f.WriteAt(0, []byte("hello")))
	require.NoError(t, f.WriteAt(5, []byte("world")))
	require.NoError(t, f.Flush())

	size, err := f.Size()
	require.NoError(t, err)
	require.Equal(t, int64(10), size)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "helloworld", string(data))
}

func TestFile_Delete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.bin")

	f, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, f.Delete())

	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}
