package etcdwal

import (
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/hqlite/hqwal/pkg/walfs"
	"github.com/hqlite/hqwal/pkg/walstore"
)

func openTestStorage(t *testing.T, dir string) *Storage {
	t.Helper()
	noSync := walfs.DirectorySyncFunc(func(string) error { return nil })
	s, err := Open(dir, walstore.WithDirectorySyncer(noSync), walstore.WithSegmentSize(walfs.MinSegmentSize))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ents(from, to, term uint64) []raftpb.Entry {
	var out []raftpb.Entry
	for i := from; i <= to; i++ {
		out = append(out, raftpb.Entry{Index: i, Term: term, Type: raftpb.EntryNormal, Data: []byte(fmt.Sprintf("e%d", i))})
	}
	return out
}

func TestStorage_Empty(t *testing.T) {
	s := openTestStorage(t, t.TempDir())

	first, err := s.FirstIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), first)
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), last)

	term, err := s.Term(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), term)
	_, err = s.Term(1)
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	hs, cs, err := s.InitialState()
	require.NoError(t, err)
	assert.True(t, raft.IsEmptyHardState(hs))
	assert.Empty(t, cs.Voters)
}

func TestStorage_AppendAndEntries(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	require.NoError(t, s.Append(ents(1, 10, 1)))

	got, err := s.Entries(3, 6, ^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, ents(3, 5, 1), got)

	term, err := s.Term(10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)

	_, err = s.Entries(5, 12, ^uint64(0))
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	err = s.Append(ents(13, 14, 1))
	assert.ErrorIs(t, err, ErrNotContiguous)
}

func TestStorage_EntriesMaxSize(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	all := ents(1, 5, 1)
	require.NoError(t, s.Append(all))
	size := uint64(all[0].Size())

	got, err := s.Entries(1, 6, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1, "one entry is returned even over the limit")

	got, err = s.Entries(1, 6, size*3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestStorage_AppendReplacesConflictingSuffix(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	require.NoError(t, s.Append(ents(1, 10, 1)))
	require.NoError(t, s.Append(ents(6, 7, 2)))

	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), last)
	term, err := s.Term(6)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	term, err = s.Term(5)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), term)
}

func TestStorage_Compact(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	require.NoError(t, s.Append(ents(1, 5, 1)))
	require.NoError(t, s.Append(ents(6, 10, 2)))

	require.NoError(t, s.Compact(7))
	assert.ErrorIs(t, s.Compact(7), raft.ErrCompacted)
	assert.ErrorIs(t, s.Compact(11), raft.ErrUnavailable)

	first, _ := s.FirstIndex()
	assert.Equal(t, uint64(8), first)
	term, err := s.Term(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	_, err = s.Term(6)
	assert.ErrorIs(t, err, raft.ErrCompacted)
	_, err = s.Entries(7, 9, ^uint64(0))
	assert.ErrorIs(t, err, raft.ErrCompacted)

	// entries at or below the compaction point are skipped
	require.NoError(t, s.Append(ents(5, 11, 2)))
	last, _ := s.LastIndex()
	assert.Equal(t, uint64(11), last)
	require.NoError(t, s.Close())

	s = openTestStorage(t, dir)
	first, _ = s.FirstIndex()
	assert.Equal(t, uint64(8), first)
	term, err = s.Term(7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), term)
	snap, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, uint64(7), snap.Metadata.Index)
}

func TestStorage_HardStateSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	hs := raftpb.HardState{Term: 5, Vote: 2, Commit: 9}
	require.NoError(t, s.SetHardState(hs))
	require.NoError(t, s.Close())

	s = openTestStorage(t, dir)
	got, _, err := s.InitialState()
	require.NoError(t, err)
	assert.Equal(t, hs, got)
}

func TestStorage_ApplySnapshot(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	require.NoError(t, s.Append(ents(1, 10, 1)))

	cs := raftpb.ConfState{Voters: []uint64{1, 2, 3}}
	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 20, Term: 3, ConfState: cs}, Data: []byte("state")}
	require.NoError(t, s.ApplySnapshot(snap))
	assert.ErrorIs(t, s.ApplySnapshot(snap), raft.ErrSnapOutOfDate)

	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	assert.Equal(t, uint64(21), first)
	assert.Equal(t, uint64(20), last)
	_, gotCS, err := s.InitialState()
	require.NoError(t, err)
	assert.Equal(t, cs, gotCS)

	require.NoError(t, s.Append(ents(21, 22, 3)))
	got, err := s.Entries(21, 23, ^uint64(0))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestStorage_ApplySnapshotInsideLog(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	require.NoError(t, s.Append(ents(1, 10, 1)))

	require.NoError(t, s.ApplySnapshot(raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 6, Term: 1}}))
	first, _ := s.FirstIndex()
	last, _ := s.LastIndex()
	assert.Equal(t, uint64(7), first)
	assert.Equal(t, uint64(6), last)
}

func TestStorage_CreateSnapshot(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	require.NoError(t, s.Append(ents(1, 10, 4)))

	cs := &raftpb.ConfState{Voters: []uint64{1}}
	snap, err := s.CreateSnapshot(8, cs, []byte("data"))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), snap.Metadata.Index)
	assert.Equal(t, uint64(4), snap.Metadata.Term)

	_, err = s.CreateSnapshot(8, cs, nil)
	assert.ErrorIs(t, err, raft.ErrSnapOutOfDate)
	_, err = s.CreateSnapshot(11, cs, nil)
	assert.ErrorIs(t, err, raft.ErrUnavailable)

	require.NoError(t, s.Compact(8))
	first, _ := s.FirstIndex()
	assert.Equal(t, uint64(9), first)
}

func TestStorage_DrivesRawNode(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	rn, err := raft.NewRawNode(&raft.Config{
		ID:              1,
		ElectionTick:    10,
		HeartbeatTick:   1,
		Storage:         s,
		MaxSizePerMsg:   1 << 20,
		MaxInflightMsgs: 256,
		Logger:          &raft.DefaultLogger{Logger: log.New(io.Discard, "", 0)},
	})
	require.NoError(t, err)
	require.NoError(t, rn.Bootstrap([]raft.Peer{{ID: 1}}))

	var applied []string
	process := func() {
		for rn.HasReady() {
			rd := rn.Ready()
			if !raft.IsEmptyHardState(rd.HardState) {
				require.NoError(t, s.SetHardState(rd.HardState))
			}
			require.NoError(t, s.Append(rd.Entries))
			for _, e := range rd.CommittedEntries {
				switch e.Type {
				case raftpb.EntryConfChange:
					var cc raftpb.ConfChange
					require.NoError(t, cc.Unmarshal(e.Data))
					s.SetConfState(*rn.ApplyConfChange(cc))
				case raftpb.EntryNormal:
					if len(e.Data) > 0 {
						applied = append(applied, string(e.Data))
					}
				}
			}
			rn.Advance(rd)
		}
	}

	process()
	require.NoError(t, rn.Campaign())
	process()
	require.Equal(t, raft.StateLeader, rn.Status().RaftState)

	for i := 0; i < 10; i++ {
		require.NoError(t, rn.Propose([]byte(fmt.Sprintf("cmd-%d", i))))
		process()
	}
	require.Len(t, applied, 10)
	assert.Equal(t, "cmd-9", applied[9])

	hs, _, err := s.InitialState()
	require.NoError(t, err)
	last, err := s.LastIndex()
	require.NoError(t, err)
	assert.Equal(t, last, hs.Commit)
	assert.Equal(t, uint64(1), hs.Vote)
}
