package walstore

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqlite/hqwal/pkg/walfs"
)

func TestReader_LogsStreamsInOrder(t *testing.T) {
	s := openStore(t, t.TempDir(), WithReadBuffer(1))
	appendRange(t, s.Writer(), 1, 50)

	items, err := s.Reader().Logs(10, 20)
	require.NoError(t, err)
	var got []uint64
	for item := range items {
		require.NoError(t, item.Err)
		got = append(got, item.Index)
	}
	assert.Equal(t, span(10, 19), got)
}

func TestReader_RangeOutsideLog(t *testing.T) {
	s := openStore(t, t.TempDir())
	appendRange(t, s.Writer(), 10, 20)
	r := s.Reader()

	assert.Empty(t, readIndices(t, r, 0, 10))
	assert.Empty(t, readIndices(t, r, 21, 100))
	assert.Empty(t, readIndices(t, r, 15, 15))
	assert.Equal(t, span(18, 20), readIndices(t, r, 18, 1000))
}

func TestReader_SeesAppendsAfterFirstRead(t *testing.T) {
	s := openStore(t, t.TempDir(), WithSegmentSize(walfs.MinSegmentSize))
	r, err := s.NewReader()
	require.NoError(t, err)

	for i := uint64(1); i <= 30; i++ {
		appendRange(t, s.Writer(), i, i)
		st, err := r.LogState()
		require.NoError(t, err)
		require.Equal(t, i, st.LastIndex)
		require.Equal(t, payload(i), st.LastLog)
	}
	assert.Equal(t, span(1, 30), readIndices(t, r, 0, 100))
}

func TestReader_ShutdownIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	r, err := s.NewReader()
	require.NoError(t, err)
	appendRange(t, s.Writer(), 1, 3)
	assert.Equal(t, span(1, 3), readIndices(t, r, 0, 10))

	r.Shutdown()
	r.Shutdown()
	r.wait()

	_, err = r.LogState()
	assert.ErrorIs(t, err, ErrClosed)
	// the default reader keeps working
	assert.Equal(t, span(1, 3), readIndices(t, s.Reader(), 0, 10))
}

func TestReader_AbandonedStreamDoesNotBlockShutdown(t *testing.T) {
	s := openStore(t, t.TempDir(), WithReadBuffer(1))
	appendRange(t, s.Writer(), 1, 100)
	r, err := s.NewReader()
	require.NoError(t, err)

	items, err := r.Logs(1, 101)
	require.NoError(t, err)
	<-items
	r.Shutdown()
	r.wait()
}

func TestReader_ShutdownMidStreamEndsWithErrClosed(t *testing.T) {
	s := openStore(t, t.TempDir(), WithReadBuffer(1))
	appendRange(t, s.Writer(), 1, 50)
	r, err := s.NewReader()
	require.NoError(t, err)

	req, err := r.logs(1, 51)
	require.NoError(t, err)
	first := <-req.out
	require.NoError(t, first.Err)
	r.Shutdown()
	r.wait()

	var (
		got     []uint64
		lastErr error
	)
	for item := range req.out {
		if item.Err != nil {
			lastErr = item.Err
			continue
		}
		got = append(got, item.Index)
	}
	assert.ErrorIs(t, lastErr, ErrClosed)
	assert.Less(t, len(got)+1, 50)
	assert.False(t, req.complete)

	_, err = r.Entries(1, 51)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReader_CorruptRecordIsFatal(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	appendRange(t, s.Writer(), 1, 20)
	r, err := s.NewReader()
	require.NoError(t, err)

	f, err := os.OpenFile(walfs.SegmentFileName(dir, 1), os.O_RDWR, 0)
	require.NoError(t, err)
	// first payload bytes of record 1, past its 24 byte header
	_, err = f.WriteAt([]byte{0xff, 0xff}, walfs.SegmentHeaderSize+24)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = r.Entries(1, 10)
	assert.ErrorIs(t, err, ErrFileCorrupted)
	assert.ErrorIs(t, err, walfs.ErrInvalidCRC)

	// the reader stays failed for ranges that do not touch the record
	_, err = r.Entries(15, 20)
	assert.ErrorIs(t, err, ErrFileCorrupted)
	_, err = r.LogState()
	assert.ErrorIs(t, err, ErrFileCorrupted)
}

func TestRecordError(t *testing.T) {
	for _, cause := range []error{walfs.ErrInvalidCRC, walfs.ErrCorruptHeader, walfs.ErrIncompleteChunk, walfs.ErrNoRecord} {
		err := recordError(1, 64, cause)
		assert.ErrorIs(t, err, ErrFileCorrupted, cause.Error())
		assert.ErrorIs(t, err, cause)
	}
	assert.NotErrorIs(t, recordError(1, 64, walfs.ErrClosed), ErrFileCorrupted)
}
