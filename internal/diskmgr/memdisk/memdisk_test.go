package memdisk

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshpod/meshpod/internal/diskmgr"
)

func TestNewFileRejectsDuplicate(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewFile("/a.txt", 0644))

	err := d.NewFile("/a.txt", 0644)
	assert.ErrorIs(t, err, diskmgr.ErrExist)
}

func TestWriteThenReadRoundTrips(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewFile("/a.txt", 0644))

	n, err := d.WriteFile("/a.txt", []byte("hello"), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = d.ReadFile("/a.txt", 0, buf)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "hello", string(buf))
}

func TestWriteAtOffsetExtendsFile(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewFile("/a.txt", 0644))
	_, err := d.WriteFile("/a.txt", []byte("hello"), 10)
	require.NoError(t, err)

	info, err := d.SizeInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(15), info.TotalBytesUsed)
}

func TestSetFileSizeTruncatesAndTracksUsage(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewFile("/a.txt", 0644))
	_, err := d.WriteFile("/a.txt", []byte("hello world"), 0)
	require.NoError(t, err)

	require.NoError(t, d.SetFileSize("/a.txt", 3))
	info, err := d.SizeInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), info.TotalBytesUsed)

	require.NoError(t, d.SetFileSize("/a.txt", 8))
	info, err = d.SizeInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(8), info.TotalBytesUsed)
}

func TestRemoveFileSaturatesUsageAtZero(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewFile("/a.txt", 0644))
	_, err := d.WriteFile("/a.txt", []byte("hello"), 0)
	require.NoError(t, err)

	require.NoError(t, d.RemoveFile("/a.txt"))
	info, err := d.SizeInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), info.TotalBytesUsed)
}

func TestRemoveDirRejectsNonEmpty(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewDir("/dir", 0755))
	require.NoError(t, d.NewFile("/dir/a.txt", 0644))

	err := d.RemoveDir("/dir")
	assert.ErrorIs(t, err, diskmgr.ErrNotEmpty)
}

func TestMvFileIsRecursive(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewDir("/dir", 0755))
	require.NoError(t, d.NewFile("/dir/a.txt", 0644))

	require.NoError(t, d.MvFile("/dir", "/moved"))

	exists, err := aferoExists(d, "/moved/a.txt")
	require.NoError(t, err)
	assert.True(t, exists)
}

func aferoExists(d *Disk, path string) (bool, error) {
	_, err := d.fs.Stat(path)
	if err == nil {
		return true, nil
	}
	return false, nil
}

func TestRemoveFileRejectsDirectory(t *testing.T) {
	d := New(1 << 20)
	require.NoError(t, d.NewDir("/dir", 0755))

	err := d.RemoveFile("/dir")
	assert.ErrorIs(t, err, diskmgr.ErrIsDir)
}

func TestNewFileRejectsMissingPathComponent(t *testing.T) {
	d := New(1 << 20)
	err := d.NewFile("/missing/a.txt", 0644)
	assert.Error(t, err)
}
