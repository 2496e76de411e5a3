package walfs

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildSegment writes a segment holding [first, first+count) and seals it when asked.
func buildSegment(t *testing.T, dir string, walNo, first uint64, count int, commit, seal bool) []int64 {
	t.Helper()
	f, err := CreateSegmentFile(dir, walNo, MinSegmentSize, noSync())
	require.NoError(t, err)
	var offsets []int64
	if count > 0 {
		offsets = writeRecords(t, f, first, count, commit)
	}
	if seal {
		require.NoError(t, f.Seal())
	}
	require.NoError(t, f.Close())
	return offsets
}

func recoverDir(t *testing.T, dir string) *SegmentSet {
	t.Helper()
	set, err := Recover(RecoveryConfig{Dir: dir, Syncer: noSync()})
	require.NoError(t, err)
	return set
}

func TestRecover_EmptyDir(t *testing.T) {
	set := recoverDir(t, t.TempDir())
	assert.Empty(t, set.Segments)
	assert.Equal(t, uint64(1), set.NextWalNo())
	_, _, ok := set.Bounds()
	assert.False(t, ok)
}

func TestRecover_Clean(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 10, true, true)
	buildSegment(t, dir, 2, 11, 5, true, false)

	set := recoverDir(t, dir)
	require.Len(t, set.Segments, 2)
	assert.Equal(t, uint64(3), set.NextWalNo())
	assert.True(t, set.Segments[0].Sealed)
	assert.False(t, set.Segments[1].Sealed)

	first, last, ok := set.Bounds()
	require.True(t, ok)
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(15), last)

	i, found := set.Find(12)
	require.True(t, found)
	assert.Equal(t, 1, i)
}

func TestRecover_TrimsUnterminatedBatch(t *testing.T) {
	dir := t.TempDir()
	f, err := CreateSegmentFile(dir, 1, MinSegmentSize, noSync())
	require.NoError(t, err)
	writeRecords(t, f, 1, 4, true)
	// a batch that never got its end marker
	writeRecords(t, f, 5, 3, false)
	require.NoError(t, f.Close())

	set := recoverDir(t, dir)
	_, last, ok := set.Bounds()
	require.True(t, ok)
	assert.Equal(t, uint64(4), last)

	// the erased records do not come back on the next recovery
	set = recoverDir(t, dir)
	_, last, _ = set.Bounds()
	assert.Equal(t, uint64(4), last)

	m, err := MapSegment(dir, 1)
	require.NoError(t, err)
	defer m.Unmap()
	header, err := m.Header()
	require.NoError(t, err)
	assert.Equal(t, int64(4), header.EntryCount)
	assert.Equal(t, set.Segments[0].End, header.WriteOffset)
}

func TestRecover_TrimsTornRecord(t *testing.T) {
	dir := t.TempDir()
	offsets := buildSegment(t, dir, 1, 1, 3, true, false)

	// garbage where a fourth record would start
	path := SegmentFileName(dir, 1)
	fd, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	end := offsets[2] + RecordSize(len("record-3"))
	_, err = fd.WriteAt([]byte{0xAB, 0xCD, 0x00, 0x10, 0x01}, end)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	set := recoverDir(t, dir)
	_, last, ok := set.Bounds()
	require.True(t, ok)
	assert.Equal(t, uint64(3), last)
	assert.Equal(t, end, set.Segments[0].End)
}

func TestRecover_DropsSegmentsPastLastBatchEnd(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 5, true, true)
	// a batch that spanned a rotation and never finished
	buildSegment(t, dir, 2, 6, 4, false, true)
	buildSegment(t, dir, 3, 10, 2, false, false)

	set := recoverDir(t, dir)
	require.Len(t, set.Segments, 1)
	_, last, _ := set.Bounds()
	assert.Equal(t, uint64(5), last)
	// wal numbers are never reused
	assert.Equal(t, uint64(4), set.NextWalNo())

	_, err := os.Stat(SegmentFileName(dir, 2))
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(SegmentFileName(dir, 3))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecover_BatchAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 5, false, true)
	buildSegment(t, dir, 2, 6, 3, true, false)

	set := recoverDir(t, dir)
	require.Len(t, set.Segments, 2)
	first, last, _ := set.Bounds()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(8), last)
}

func TestRecover_AppliesPurge(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 5, true, true)
	buildSegment(t, dir, 2, 6, 5, true, true)
	buildSegment(t, dir, 3, 11, 5, true, false)

	set, err := Recover(RecoveryConfig{Dir: dir, PurgedThrough: 7, HasPurged: true, Syncer: noSync()})
	require.NoError(t, err)
	require.Len(t, set.Segments, 2)
	first, last, _ := set.Bounds()
	assert.Equal(t, uint64(8), first)
	assert.Equal(t, uint64(15), last)

	_, err = os.Stat(SegmentFileName(dir, 1))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecover_SealedSegmentShorterThanHeader(t *testing.T) {
	dir := t.TempDir()
	offsets := buildSegment(t, dir, 1, 1, 4, true, true)
	buildSegment(t, dir, 2, 5, 1, true, false)

	fd, err := os.OpenFile(SegmentFileName(dir, 1), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = fd.WriteAt([]byte{0xFF}, offsets[2]+recordHeaderSize)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	_, err = Recover(RecoveryConfig{Dir: dir, Syncer: noSync()})
	assert.ErrorIs(t, err, ErrFileCorrupted)
}

func TestRecover_GapBetweenSegments(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 4, true, true)
	buildSegment(t, dir, 2, 9, 2, true, false)

	_, err := Recover(RecoveryConfig{Dir: dir, Syncer: noSync()})
	assert.ErrorIs(t, err, ErrFileCorrupted)
}

func TestRecover_BadHeader(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 2, true, false)

	fd, err := os.OpenFile(SegmentFileName(dir, 1), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = fd.WriteAt([]byte("XXXX"), 0)
	require.NoError(t, err)
	require.NoError(t, fd.Close())

	_, err = Recover(RecoveryConfig{Dir: dir, Syncer: noSync()})
	assert.ErrorIs(t, err, ErrFileCorrupted)
}

func TestRecover_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	buildSegment(t, dir, 1, 1, 2, true, false)
	require.NoError(t, os.WriteFile(dir+"/meta.hql", []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(dir+"/lock.hql", nil, 0o600))

	set := recoverDir(t, dir)
	assert.Len(t, set.Segments, 1)
}

func TestRecover_InvalidSegmentName(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(dir+"/garbage.wal", nil, 0o600))
	_, err := Recover(RecoveryConfig{Dir: dir, Syncer: noSync()})
	assert.ErrorIs(t, err, ErrInvalidFileName)
}
