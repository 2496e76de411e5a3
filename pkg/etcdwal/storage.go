// Package etcdwal backs an etcd raft node with a walstore directory.
//
// Entries are stored as marshaled raftpb.Entry records, the HardState is the
// vote blob and compaction purges the log prefix. The ConfState is not
// persisted, the application restores it from its snapshot with SetConfState.
package etcdwal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.etcd.io/raft/v3"
	"go.etcd.io/raft/v3/raftpb"

	"github.com/hqlite/hqwal/pkg/walstore"
)

// ErrNotContiguous is returned by Append when entries leave a gap after the last index.
var ErrNotContiguous = errors.New("entries do not continue the log")

// Storage implements raft.Storage on a walstore.
type Storage struct {
	store  *walstore.Store
	writer *walstore.Writer
	reader *walstore.Reader

	mu        sync.Mutex
	hardState raftpb.HardState
	confState raftpb.ConfState
	snapshot  raftpb.Snapshot
	// purged holds the index and term of the last compacted entry.
	purged raftpb.Entry
}

// Open opens or creates the log in dir.
func Open(dir string, opts ...walstore.Option) (*Storage, error) {
	start := time.Now()
	store, err := walstore.Open(dir, opts...)
	if err != nil {
		return nil, err
	}
	s := &Storage{
		store:  store,
		writer: store.Writer(),
		reader: store.Reader(),
	}
	if err := s.load(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open etcd raft log %s: %w", dir, err)
	}

	last, _ := s.lastIndex()
	slog.Info("[etcdwal]",
		slog.String("message", "storage opened"),
		slog.String("dir", store.Dir()),
		slog.Uint64("first_index", s.purged.Index+1),
		slog.Uint64("last_index", last),
		slog.Uint64("term", s.hardState.Term),
		slog.Duration("duration", time.Since(start)))
	return s, nil
}

func (s *Storage) load() error {
	blob, err := s.reader.Vote()
	if err != nil {
		return err
	}
	if blob != nil {
		if err := s.hardState.Unmarshal(blob); err != nil {
			return fmt.Errorf("%w: hard state: %w", walstore.ErrDecode, err)
		}
	}

	st, err := s.reader.LogState()
	if err != nil {
		return err
	}
	if len(st.LastPurged) > 0 {
		if err := s.purged.Unmarshal(st.LastPurged); err != nil {
			return fmt.Errorf("%w: last purged entry: %w", walstore.ErrDecode, err)
		}
	}
	s.snapshot.Metadata.Index = s.purged.Index
	s.snapshot.Metadata.Term = s.purged.Term
	return nil
}

// InitialState implements raft.Storage.
func (s *Storage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hardState, s.confState, nil
}

// SetHardState durably saves the HardState.
func (s *Storage) SetHardState(st raftpb.HardState) error {
	data, err := st.Marshal()
	if err != nil {
		return fmt.Errorf("%w: hard state: %w", walstore.ErrEncode, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writer.SaveVote(data); err != nil {
		return err
	}
	s.hardState = st
	return nil
}

// SetConfState replaces the in-memory ConfState returned by InitialState.
func (s *Storage) SetConfState(cs raftpb.ConfState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.confState = cs
	s.snapshot.Metadata.ConfState = cs
}

// FirstIndex implements raft.Storage.
func (s *Storage) FirstIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purged.Index + 1, nil
}

// LastIndex implements raft.Storage.
func (s *Storage) LastIndex() (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex()
}

func (s *Storage) lastIndex() (uint64, error) {
	st, err := s.reader.LogState()
	if err != nil {
		return 0, err
	}
	if st.HasRecords && st.LastIndex > s.purged.Index {
		return st.LastIndex, nil
	}
	return s.purged.Index, nil
}

// Term implements raft.Storage.
func (s *Storage) Term(i uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term(i)
}

func (s *Storage) term(i uint64) (uint64, error) {
	if i < s.purged.Index {
		return 0, raft.ErrCompacted
	}
	if i == s.purged.Index {
		return s.purged.Term, nil
	}
	ents, err := s.read(i, i+1)
	if err != nil {
		return 0, err
	}
	if len(ents) == 0 {
		return 0, raft.ErrUnavailable
	}
	return ents[0].Term, nil
}

// Entries implements raft.Storage. At least one entry is returned even if it
// exceeds maxSize.
func (s *Storage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lo <= s.purged.Index {
		return nil, raft.ErrCompacted
	}
	last, err := s.lastIndex()
	if err != nil {
		return nil, err
	}
	if hi > last+1 {
		return nil, fmt.Errorf("%w: entries [%d, %d) past last index %d", raft.ErrUnavailable, lo, hi, last)
	}
	if lo >= hi {
		return nil, nil
	}

	ents, err := s.read(lo, hi)
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 || ents[0].Index != lo {
		return nil, raft.ErrUnavailable
	}
	return limitSize(ents, maxSize), nil
}

func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	size := uint64(ents[0].Size())
	for i := 1; i < len(ents); i++ {
		size += uint64(ents[i].Size())
		if size > maxSize {
			return ents[:i]
		}
	}
	return ents
}

func (s *Storage) read(lo, hi uint64) ([]raftpb.Entry, error) {
	records, err := s.reader.Entries(lo, hi)
	if err != nil {
		return nil, err
	}
	ents := make([]raftpb.Entry, len(records))
	for i, rec := range records {
		if err := ents[i].Unmarshal(rec.Data); err != nil {
			return nil, fmt.Errorf("%w: entry %d: %w", walstore.ErrDecode, rec.Index, err)
		}
	}
	return ents, nil
}

// Snapshot implements raft.Storage. Only the metadata of the last applied or
// created snapshot is kept, the application holds the data.
func (s *Storage) Snapshot() (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot, nil
}

// Append writes entries, replacing any conflicting suffix.
// Entries already compacted are skipped.
func (s *Storage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.purged.Index + 1
	if entries[len(entries)-1].Index < first {
		return nil
	}
	if entries[0].Index < first {
		entries = entries[first-entries[0].Index:]
	}

	last, err := s.lastIndex()
	if err != nil {
		return err
	}
	start := entries[0].Index
	switch {
	case start > last+1:
		return fmt.Errorf("%w: entry %d after last index %d", ErrNotContiguous, start, last)
	case start <= last:
		if err := s.writer.Truncate(start); err != nil {
			return fmt.Errorf("truncate before overwrite: %w", err)
		}
	}

	stream, err := s.writer.BeginAppend(nil)
	if err != nil {
		return err
	}
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			_ = stream.Abort()
			return fmt.Errorf("%w: entry %d: %w", walstore.ErrEncode, entries[i].Index, err)
		}
		if err := stream.Send(entries[i].Index, data); err != nil {
			_ = stream.Abort()
			return err
		}
	}
	return stream.Commit()
}

// Compact discards entries up to and including compactIndex.
func (s *Storage) Compact(compactIndex uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compactIndex <= s.purged.Index {
		return raft.ErrCompacted
	}
	last, err := s.lastIndex()
	if err != nil {
		return err
	}
	if compactIndex > last {
		return fmt.Errorf("%w: compact %d is out of bound last index %d", raft.ErrUnavailable, compactIndex, last)
	}
	term, err := s.term(compactIndex)
	if err != nil {
		return err
	}
	return s.purge(raftpb.Entry{Index: compactIndex, Term: term})
}

func (s *Storage) purge(id raftpb.Entry) error {
	data, err := id.Marshal()
	if err != nil {
		return fmt.Errorf("%w: purged id: %w", walstore.ErrEncode, err)
	}
	if err := s.writer.Purge(id.Index, data); err != nil {
		return err
	}
	s.purged = id
	return nil
}

// CreateSnapshot records a snapshot of the state at index i. Compact
// separately to drop the entries it covers.
func (s *Storage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if i <= s.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	last, err := s.lastIndex()
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	if i > last {
		return raftpb.Snapshot{}, fmt.Errorf("%w: snapshot %d is out of bound last index %d", raft.ErrUnavailable, i, last)
	}
	term, err := s.term(i)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	s.snapshot.Metadata.Index = i
	s.snapshot.Metadata.Term = term
	if cs != nil {
		s.snapshot.Metadata.ConfState = *cs
		s.confState = *cs
	}
	s.snapshot.Data = data
	return s.snapshot, nil
}

// ApplySnapshot replaces the log with a snapshot received from the leader.
func (s *Storage) ApplySnapshot(snap raftpb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Metadata.Index <= s.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}
	last, err := s.lastIndex()
	if err != nil {
		return err
	}
	if last > snap.Metadata.Index {
		if err := s.writer.Truncate(snap.Metadata.Index + 1); err != nil {
			return err
		}
	}
	// purging past the last entry empties the log
	if err := s.purge(raftpb.Entry{Index: snap.Metadata.Index, Term: snap.Metadata.Term}); err != nil {
		return err
	}
	s.snapshot = snap
	s.confState = snap.Metadata.ConfState
	return nil
}

// Close stops the store and releases the directory lock.
func (s *Storage) Close() error {
	return s.store.Close()
}

var _ raft.Storage = (*Storage)(nil)
