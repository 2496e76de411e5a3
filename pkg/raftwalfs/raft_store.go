package raftwalfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/hqlite/hqwal/pkg/walstore"
)

// ErrKeyNotFound is returned by the stable store for unknown keys.
// raft compares the message, so it must stay "not found".
var ErrKeyNotFound = errors.New("not found")

// RaftStore implements raft.LogStore, raft.MonotonicLogStore and
// raft.StableStore on top of a LogStorage. Stable keys live in the vote blob.
type RaftStore struct {
	logs *LogStorage
	// mu orders log mutations, raft may store and compact from different goroutines.
	mu sync.Mutex
}

// NewRaftStore wraps logs. Shutting the LogStorage down closes the RaftStore.
func NewRaftStore(logs *LogStorage) *RaftStore {
	return &RaftStore{logs: logs}
}

// Storage returns the wrapped LogStorage.
func (s *RaftStore) Storage() *LogStorage {
	return s.logs
}

func (s *RaftStore) bounds() (walstore.LogState, error) {
	if s.logs.closed.Load() {
		return walstore.LogState{}, ErrClosed
	}
	return s.logs.reader.r.LogState()
}

// FirstIndex returns the first index in the log, 0 if it is empty.
func (s *RaftStore) FirstIndex() (uint64, error) {
	st, err := s.bounds()
	if err != nil || !st.HasRecords {
		return 0, err
	}
	return st.FirstIndex, nil
}

// LastIndex returns the last index in the log, 0 if it is empty.
func (s *RaftStore) LastIndex() (uint64, error) {
	st, err := s.bounds()
	if err != nil || !st.HasRecords {
		return 0, err
	}
	return st.LastIndex, nil
}

// GetLog returns the *raft.Log at the given index.
func (s *RaftStore) GetLog(index uint64, out *raft.Log) error {
	if s.logs.closed.Load() {
		return ErrClosed
	}
	logs, err := s.logs.TryGetLogEntries(index, index+1)
	if err != nil {
		return fmt.Errorf("read log %d: %w", index, err)
	}
	if len(logs) == 0 {
		return raft.ErrLogNotFound
	}
	*out = logs[0]
	return nil
}

// StoreLog stores a single log entry.
func (s *RaftStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores contiguous log entries. Entries overlapping the tail of
// the log replace it.
func (s *RaftStore) StoreLogs(logs []*raft.Log) error {
	if len(logs) == 0 {
		return nil
	}
	if err := validateBatch(logs); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.bounds()
	if err != nil {
		return err
	}
	start := logs[0].Index
	if st.HasRecords {
		if start < st.FirstIndex {
			return raft.ErrLogNotFound
		}
		if start > st.LastIndex+1 {
			return fmt.Errorf("gap in log append: start %d expected %d", start, st.LastIndex+1)
		}
		if start <= st.LastIndex {
			slog.Info("[raftwalfs]", "message", "replacing conflicting log suffix",
				"from", start,
				"last_index", st.LastIndex,
			)
			if err := s.logs.Truncate(LogID{Index: start}); err != nil {
				return fmt.Errorf("truncate before overwrite: %w", err)
			}
		}
	}

	if err := s.logs.Append(logs, nil); err != nil {
		return fmt.Errorf("append logs [%d, %d]: %w", start, logs[len(logs)-1].Index, err)
	}
	return nil
}

func validateBatch(logs []*raft.Log) error {
	for i := 1; i < len(logs); i++ {
		if logs[i].Index != logs[i-1].Index+1 {
			return fmt.Errorf("non-contiguous batch: index %d after %d", logs[i].Index, logs[i-1].Index)
		}
	}
	return nil
}

// DeleteRange deletes logs in [min, max] inclusive.
//
// raft deletes a prefix after a snapshot and a suffix when a new leader
// overwrites uncommitted entries. A prefix is purged with the id of its last
// entry, a suffix is truncated. Deleting from the middle of the log fails.
func (s *RaftStore) DeleteRange(min, max uint64) error {
	if max < min {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.bounds()
	if err != nil {
		return err
	}
	if !st.HasRecords || max < st.FirstIndex || min > st.LastIndex {
		return nil
	}

	if min > st.FirstIndex {
		if max < st.LastIndex {
			return fmt.Errorf("%w: delete [%d, %d] of [%d, %d]",
				walstore.ErrInvalidRange, min, max, st.FirstIndex, st.LastIndex)
		}
		return s.logs.Truncate(LogID{Index: min})
	}

	through := max
	if through > st.LastIndex {
		through = st.LastIndex
	}
	var last raft.Log
	if err := s.GetLog(through, &last); err != nil {
		return fmt.Errorf("read purge boundary: %w", err)
	}
	return s.logs.Purge(LogID{Term: last.Term, Index: last.Index})
}

// IsMonotonic implements raft.MonotonicLogStore.
func (s *RaftStore) IsMonotonic() bool {
	return true
}

// Set stores a stable key.
func (s *RaftStore) Set(key []byte, val []byte) error {
	return s.logs.setStableValue(string(key), val)
}

// Get returns a stable key or ErrKeyNotFound.
func (s *RaftStore) Get(key []byte) ([]byte, error) {
	if s.logs.closed.Load() {
		return nil, ErrClosed
	}
	v, ok := s.logs.stableValue(string(key))
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

// SetUint64 stores a stable key as 8 big endian bytes.
func (s *RaftStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return s.Set(key, buf[:])
}

// GetUint64 returns a key stored with SetUint64.
func (s *RaftStore) GetUint64(key []byte) (uint64, error) {
	v, err := s.Get(key)
	if err != nil {
		return 0, err
	}
	if len(v) != 8 {
		return 0, fmt.Errorf("%w: key %q holds %d bytes, want 8", walstore.ErrParse, key, len(v))
	}
	return binary.BigEndian.Uint64(v), nil
}

var (
	_ raft.LogStore          = (*RaftStore)(nil)
	_ raft.MonotonicLogStore = (*RaftStore)(nil)
	_ raft.StableStore       = (*RaftStore)(nil)
)
