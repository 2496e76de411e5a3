package raftwalfs

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hqlite/hqwal/pkg/walfs"
	"github.com/hqlite/hqwal/pkg/walstore"
)

func newTestRaftStore(t *testing.T, opts ...walstore.Option) *RaftStore {
	t.Helper()
	return NewRaftStore(openTestStorage(t, t.TempDir(), opts...))
}

func TestRaftStore_EmptyStore(t *testing.T) {
	store := newTestRaftStore(t)

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first)

	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	var got raft.Log
	err = store.GetLog(1, &got)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestRaftStore_AppendAndGet(t *testing.T) {
	store := newTestRaftStore(t, walstore.WithSegmentSize(walfs.MinSegmentSize))

	require.NoError(t, store.StoreLogs(makeLogs(1, 200, 1)))
	require.NoError(t, store.StoreLog(makeLog(201, 2, "single")))

	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(201), last)

	var got raft.Log
	for _, idx := range []uint64{1, 77, 200} {
		require.NoError(t, store.GetLog(idx, &got))
		assert.Equal(t, idx, got.Index)
		assert.Equal(t, []byte(fmt.Sprintf("entry-%d", idx)), got.Data)
		assert.Equal(t, time.Unix(0, int64(idx)), got.AppendedAt)
	}
	require.NoError(t, store.GetLog(201, &got))
	assert.Equal(t, uint64(2), got.Term)
}

func TestRaftStore_OverwriteSuffix(t *testing.T) {
	store := newTestRaftStore(t)

	require.NoError(t, store.StoreLogs([]*raft.Log{
		makeLog(1, 1, "a"),
		makeLog(2, 1, "b"),
		makeLog(3, 1, "c"),
		makeLog(4, 1, "d"),
		makeLog(5, 1, "e"),
	}))
	require.NoError(t, store.StoreLogs([]*raft.Log{
		makeLog(3, 2, "c2"),
		makeLog(4, 2, "d2"),
	}))

	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), last)

	var got raft.Log
	require.NoError(t, store.GetLog(3, &got))
	assert.Equal(t, uint64(2), got.Term)
	assert.Equal(t, []byte("c2"), got.Data)

	err = store.GetLog(5, &got)
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestRaftStore_DeleteRangeSuffix(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(1, 5, 1)))

	require.NoError(t, store.DeleteRange(4, 5))

	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(1), first)
	assert.Equal(t, uint64(3), last)

	var got raft.Log
	assert.ErrorIs(t, store.GetLog(4, &got), raft.ErrLogNotFound)
	require.NoError(t, store.GetLog(3, &got))
	assert.Equal(t, []byte("entry-3"), got.Data)
}

func TestRaftStore_DeleteRangePrefix(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(1, 5, 3)))

	require.NoError(t, store.DeleteRange(1, 2))

	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(3), first)
	assert.Equal(t, uint64(5), last)

	var got raft.Log
	assert.ErrorIs(t, store.GetLog(1, &got), raft.ErrLogNotFound)

	st, err := store.Storage().GetLogState()
	require.NoError(t, err)
	assert.Equal(t, LogID{Term: 3, Index: 2}, *st.LastPurged)
}

func TestRaftStore_DeleteRangeAll(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(1, 2, 1)))

	require.NoError(t, store.DeleteRange(1, 2))

	first, _ := store.FirstIndex()
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(0), first)
	assert.Equal(t, uint64(0), last)

	// raft continues after the purged entries
	require.NoError(t, store.StoreLogs(makeLogs(3, 4, 2)))
	first, _ = store.FirstIndex()
	assert.Equal(t, uint64(3), first)
}

func TestRaftStore_DeleteRangeNoop(t *testing.T) {
	store := newTestRaftStore(t)
	assert.NoError(t, store.DeleteRange(1, 10))
	assert.NoError(t, store.DeleteRange(10, 5))

	require.NoError(t, store.StoreLogs(makeLogs(5, 6, 1)))
	assert.NoError(t, store.DeleteRange(1, 4))
	assert.NoError(t, store.DeleteRange(7, 9))
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(6), last)
}

func TestRaftStore_DeleteRangeMiddleFails(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(1, 10, 1)))

	assert.ErrorIs(t, store.DeleteRange(3, 5), walstore.ErrInvalidRange)
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(10), last)
}

func TestRaftStore_NonContiguousBatchFails(t *testing.T) {
	store := newTestRaftStore(t)

	err := store.StoreLogs([]*raft.Log{
		makeLog(1, 1, "a"),
		makeLog(3, 1, "b"),
	})
	assert.Error(t, err)
	last, _ := store.LastIndex()
	assert.Equal(t, uint64(0), last)
}

func TestRaftStore_GapInAppendFails(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(1, 2, 1)))

	assert.Error(t, store.StoreLog(makeLog(5, 1, "gap")))
}

func TestRaftStore_StoreBeforeFirstFails(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLogs(makeLogs(5, 6, 1)))

	err := store.StoreLog(makeLog(4, 1, "older"))
	assert.ErrorIs(t, err, raft.ErrLogNotFound)
}

func TestRaftStore_Recovery(t *testing.T) {
	dir := t.TempDir()
	logs := openTestStorage(t, dir, walstore.WithSegmentSize(walfs.MinSegmentSize))
	store := NewRaftStore(logs)
	require.NoError(t, store.StoreLogs(makeLogs(1, 100, 1)))
	require.NoError(t, store.DeleteRange(1, 40))
	require.NoError(t, store.SetUint64([]byte("CurrentTerm"), 7))
	require.NoError(t, logs.Shutdown())

	store = NewRaftStore(openTestStorage(t, dir, walstore.WithSegmentSize(walfs.MinSegmentSize)))
	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(41), first)
	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(100), last)

	var got raft.Log
	require.NoError(t, store.GetLog(41, &got))
	assert.Equal(t, []byte("entry-41"), got.Data)

	term, err := store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), term)
}

func TestRaftStore_StableStore(t *testing.T) {
	store := newTestRaftStore(t)

	_, err := store.Get([]byte("missing"))
	require.Error(t, err)
	assert.Equal(t, "not found", err.Error())
	_, err = store.GetUint64([]byte("missing"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	require.NoError(t, store.Set([]byte("LastVoteCand"), []byte("node-2")))
	require.NoError(t, store.SetUint64([]byte("LastVoteTerm"), 12))
	require.NoError(t, store.Storage().SaveVote(Vote{Term: 12, NodeID: 2}))

	v, err := store.Get([]byte("LastVoteCand"))
	require.NoError(t, err)
	assert.Equal(t, []byte("node-2"), v)
	n, err := store.GetUint64([]byte("LastVoteTerm"))
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)

	_, err = store.GetUint64([]byte("LastVoteCand"))
	assert.ErrorIs(t, err, walstore.ErrParse)

	vote, err := store.Storage().ReadVote()
	require.NoError(t, err)
	assert.Equal(t, &Vote{Term: 12, NodeID: 2}, vote)
}

func TestRaftStore_ConcurrentWriteRead(t *testing.T) {
	store := newTestRaftStore(t)
	require.NoError(t, store.StoreLog(makeLog(1, 1, "entry-1")))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(2); i <= 100; i++ {
			if !assert.NoError(t, store.StoreLog(makeLog(i, 1, fmt.Sprintf("entry-%d", i)))) {
				return
			}
		}
	}()

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got raft.Log
			for j := 0; j < 50; j++ {
				last, err := store.LastIndex()
				if !assert.NoError(t, err) {
					return
				}
				if assert.NoError(t, store.GetLog(last, &got)) {
					assert.Equal(t, fmt.Sprintf("entry-%d", last), string(got.Data))
				}
			}
		}()
	}
	wg.Wait()
}

func TestRaftStore_InterfaceCompliance(t *testing.T) {
	var store interface{} = &RaftStore{}
	_, ok := store.(raft.MonotonicLogStore)
	assert.True(t, ok)
	_, ok = store.(raft.StableStore)
	assert.True(t, ok)
}

type countingFSM struct {
	mu      sync.Mutex
	applied []string
}

func (f *countingFSM) Apply(l *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, string(l.Data))
	return len(f.applied)
}

func (f *countingFSM) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *countingFSM) Snapshot() (raft.FSMSnapshot, error) {
	return &countingSnapshot{n: uint64(f.count())}, nil
}

func (f *countingFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var buf [8]byte
	if _, err := io.ReadFull(rc, buf[:]); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = make([]string, binary.BigEndian.Uint64(buf[:]))
	return nil
}

type countingSnapshot struct {
	n uint64
}

func (s *countingSnapshot) Persist(sink raft.SnapshotSink) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], s.n)
	if _, err := sink.Write(buf[:]); err != nil {
		_ = sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s *countingSnapshot) Release() {}

func TestRaftStore_SingleNodeCluster(t *testing.T) {
	logs := openTestStorage(t, t.TempDir())
	store := NewRaftStore(logs)

	conf := raft.DefaultConfig()
	conf.LocalID = "node-1"
	conf.HeartbeatTimeout = 50 * time.Millisecond
	conf.ElectionTimeout = 50 * time.Millisecond
	conf.LeaderLeaseTimeout = 50 * time.Millisecond
	conf.CommitTimeout = 5 * time.Millisecond
	conf.TrailingLogs = 5
	conf.Logger = hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.Error,
		Output: io.Discard,
	})

	addr, transport := raft.NewInmemTransport("")
	fsm := &countingFSM{}
	r, err := raft.NewRaft(conf, fsm, store, store, raft.NewInmemSnapshotStore(), transport)
	require.NoError(t, err)

	bootstrap := raft.Configuration{Servers: []raft.Server{{ID: conf.LocalID, Address: addr}}}
	require.NoError(t, r.BootstrapCluster(bootstrap).Error())
	require.Eventually(t, func() bool { return r.State() == raft.Leader }, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 20; i++ {
		require.NoError(t, r.Apply([]byte(fmt.Sprintf("cmd-%d", i)), time.Second).Error())
	}
	assert.Equal(t, 20, fsm.count())

	// bootstrap configuration, the leader's no-op and the commands
	last, err := store.LastIndex()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, last, uint64(22))

	require.NoError(t, r.Snapshot().Error())
	first, err := store.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, last-conf.TrailingLogs+1, first)

	require.NoError(t, r.Shutdown().Error())

	term, err := store.GetUint64([]byte("CurrentTerm"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, term, uint64(1))

	var got raft.Log
	require.NoError(t, store.GetLog(last, &got))
	assert.Equal(t, "cmd-19", string(got.Data))
}
