package system

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUploadSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.zip")
	require.NoError(t, os.WriteFile(path, []byte("12345"), 0o600))

	size, err := CheckUploadSize(path)
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = CheckUploadSize(t.TempDir())
	assert.Error(t, err)

	_, err = CheckUploadSize(filepath.Join(t.TempDir(), "missing.zip"))
	assert.Error(t, err)
}

func TestCheckUploadSizeTooLarge(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.zip")
	file, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, file.Truncate(MaxUploadSize+1))
	require.NoError(t, file.Close())

	_, err = CheckUploadSize(path)
	assert.ErrorIs(t, err, ErrUploadTooLarge)
}

func TestCheckOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "results")
	fake := func(string) (uint64, error) { return 1024, nil }

	free, err := CheckOutputDir(dir, 512, fake)
	require.NoError(t, err)
	assert.Equal(t, uint64(1024), free)
	assert.DirExists(t, dir)

	_, err = CheckOutputDir(dir, 4096, fake)
	assert.ErrorIs(t, err, ErrLowDiskSpace)
}

func TestFreeBytesReadsRealFilesystem(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}
