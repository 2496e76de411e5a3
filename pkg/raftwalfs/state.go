package raftwalfs

import (
	"bytes"
	"fmt"
	"maps"
	"slices"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/hqlite/hqwal/pkg/gen/go/fb/walstate"
	"github.com/hqlite/hqwal/pkg/walstore"
)

// LogID identifies a raft log entry.
type LogID struct {
	Term  uint64
	Index uint64
}

func (id LogID) String() string {
	return fmt.Sprintf("%d-%d", id.Term, id.Index)
}

// Vote is the persisted election state of a node.
type Vote struct {
	Term      uint64
	NodeID    uint64
	Committed bool
}

// LogState is what raft needs to resume after a restart.
// LastLog falls back to LastPurged when every entry was purged.
type LogState struct {
	LastPurged *LogID
	LastLog    *LogID
}

// voteState is the content of the vote blob.
type voteState struct {
	vote   *Vote
	stable map[string][]byte
}

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(256)
	},
}

func getBuilder() *flatbuffers.Builder {
	return builderPool.Get().(*flatbuffers.Builder)
}

func putBuilder(b *flatbuffers.Builder) {
	b.Reset()
	builderPool.Put(b)
}

func finishBytes(b *flatbuffers.Builder, root flatbuffers.UOffsetT) []byte {
	b.Finish(root)
	data := b.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

func encodeLogID(id LogID) []byte {
	b := getBuilder()
	defer putBuilder(b)

	walstate.LogIDStart(b)
	walstate.LogIDAddTerm(b, id.Term)
	walstate.LogIDAddIndex(b, id.Index)
	return finishBytes(b, walstate.LogIDEnd(b))
}

func decodeLogID(data []byte) (id LogID, err error) {
	defer recoverDecode(&err, "log id")
	if len(data) < flatbuffers.SizeUOffsetT {
		return LogID{}, fmt.Errorf("%w: log id of %d bytes", walstore.ErrDecode, len(data))
	}
	fb := walstate.GetRootAsLogID(data, 0)
	return LogID{Term: fb.Term(), Index: fb.Index()}, nil
}

func encodeVoteState(s voteState) []byte {
	b := getBuilder()
	defer putBuilder(b)

	keys := slices.Sorted(maps.Keys(s.stable))
	kvs := make([]flatbuffers.UOffsetT, len(keys))
	for i, key := range keys {
		keyOffset := b.CreateString(key)
		valueOffset := b.CreateByteVector(s.stable[key])
		walstate.KeyValueStart(b)
		walstate.KeyValueAddKey(b, keyOffset)
		walstate.KeyValueAddValue(b, valueOffset)
		kvs[i] = walstate.KeyValueEnd(b)
	}
	walstate.VoteStateStartStableVector(b, len(kvs))
	for i := len(kvs) - 1; i >= 0; i-- {
		b.PrependUOffsetT(kvs[i])
	}
	stableVec := b.EndVector(len(kvs))

	var voteOffset flatbuffers.UOffsetT
	if s.vote != nil {
		walstate.VoteStart(b)
		walstate.VoteAddTerm(b, s.vote.Term)
		walstate.VoteAddNodeId(b, s.vote.NodeID)
		walstate.VoteAddCommitted(b, s.vote.Committed)
		voteOffset = walstate.VoteEnd(b)
	}

	walstate.VoteStateStart(b)
	if s.vote != nil {
		walstate.VoteStateAddVote(b, voteOffset)
	}
	walstate.VoteStateAddStable(b, stableVec)
	return finishBytes(b, walstate.VoteStateEnd(b))
}

// decodeVoteState decodes a vote blob. A nil blob is an empty state.
func decodeVoteState(data []byte) (s voteState, err error) {
	defer recoverDecode(&err, "vote state")
	s.stable = make(map[string][]byte)
	if data == nil {
		return s, nil
	}
	if len(data) < flatbuffers.SizeUOffsetT {
		return voteState{}, fmt.Errorf("%w: vote state of %d bytes", walstore.ErrDecode, len(data))
	}

	fb := walstate.GetRootAsVoteState(data, 0)
	if v := fb.Vote(nil); v != nil {
		s.vote = &Vote{Term: v.Term(), NodeID: v.NodeId(), Committed: v.Committed()}
	}
	var kv walstate.KeyValue
	for i := 0; i < fb.StableLength(); i++ {
		if fb.Stable(&kv, i) {
			s.stable[string(kv.Key())] = bytes.Clone(kv.ValueBytes())
		}
	}
	return s, nil
}

// recoverDecode turns a panic of the flatbuffers accessors on malformed
// input into a decode error.
func recoverDecode(err *error, what string) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: malformed %s: %v", walstore.ErrDecode, what, r)
	}
}
