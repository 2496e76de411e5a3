// Package raftwalfs stores raft logs in a walstore directory.
//
// LogStorage is the log storage contract a raft core consumes: streamed
// appends, prefix purges, suffix truncation, the vote and range reads.
// RaftStore exposes the same log as a hashicorp/raft LogStore and StableStore.
package raftwalfs

import (
	"bytes"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/raft"

	"github.com/hqlite/hqwal/pkg/walstore"
)

// ErrClosed is returned when operations are attempted on a closed storage.
var ErrClosed = walstore.ErrClosed

// Option configures a LogStorage.
type Option func(*LogStorage)

// WithCodec sets a custom codec for encoding/decoding log entries.
func WithCodec(codec EntryCodec) Option {
	return func(l *LogStorage) {
		if codec != nil {
			l.codec = codec
		}
	}
}

// WithStoreOptions passes options to the underlying walstore.
func WithStoreOptions(opts ...walstore.Option) Option {
	return func(l *LogStorage) {
		l.storeOpts = append(l.storeOpts, opts...)
	}
}

// LogStorage is a raft log kept in a walstore directory.
type LogStorage struct {
	store     *walstore.Store
	writer    *walstore.Writer
	reader    *LogReader
	codec     EntryCodec
	storeOpts []walstore.Option

	// mu serializes updates of the vote blob.
	mu    sync.Mutex
	state voteState

	closed atomic.Bool
}

// Open opens or creates the log in dir. The directory stays locked until Shutdown.
func Open(dir string, opts ...Option) (*LogStorage, error) {
	start := time.Now()
	l := &LogStorage{codec: BinaryCodecV1{}}
	for _, opt := range opts {
		opt(l)
	}

	store, err := walstore.Open(dir, l.storeOpts...)
	if err != nil {
		return nil, err
	}
	l.store = store
	l.writer = store.Writer()
	l.reader = &LogReader{r: store.Reader(), codec: l.codec}

	blob, err := l.reader.r.Vote()
	if err == nil {
		l.state, err = decodeVoteState(blob)
	}
	var st LogState
	if err == nil {
		st, err = l.reader.GetLogState()
	}
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open raft log %s: %w", dir, err)
	}

	slog.Info("[raftwalfs]", "message", "log storage opened",
		"dir", store.Dir(),
		"last_log", st.LastLog,
		"last_purged", st.LastPurged,
		"has_vote", l.state.vote != nil,
		"duration", time.Since(start),
	)
	return l, nil
}

// Append writes entries as one batch and returns once it is durable.
// callback, if set, is invoked with the outcome before Append returns.
func (l *LogStorage) Append(entries []*raft.Log, callback func(error)) error {
	if l.closed.Load() {
		if callback != nil {
			callback(ErrClosed)
		}
		return ErrClosed
	}

	stream, err := l.writer.BeginAppend(callback)
	if err != nil {
		if callback != nil {
			callback(err)
		}
		return err
	}

	encoded := make([][]byte, 0, len(entries))
	if _, pooled := l.codec.(BinaryCodecV1); pooled {
		defer func() { ReleaseEncodeBuffers(encoded) }()
	}
	for _, entry := range entries {
		buf, err := l.codec.Encode(entry)
		if err != nil {
			_ = stream.Abort()
			return fmt.Errorf("encode log: %w", err)
		}
		encoded = append(encoded, buf)
		if err := stream.Send(entry.Index, buf); err != nil {
			_ = stream.Abort()
			return err
		}
	}
	return stream.Commit()
}

// Truncate removes every entry at or after id.Index.
func (l *LogStorage) Truncate(id LogID) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.writer.Truncate(id.Index)
}

// Purge removes every entry at or before id.Index and records id as the last purged log.
func (l *LogStorage) Purge(id LogID) error {
	if l.closed.Load() {
		return ErrClosed
	}
	return l.writer.Purge(id.Index, encodeLogID(id))
}

// SaveVote durably replaces the vote.
func (l *LogStorage) SaveVote(v Vote) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state
	next.vote = &v
	return l.saveState(next)
}

func (l *LogStorage) saveState(next voteState) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.writer.SaveVote(encodeVoteState(next)); err != nil {
		return err
	}
	l.state = next
	return nil
}

func (l *LogStorage) stableValue(key string) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.state.stable[key]
	return bytes.Clone(v), ok
}

func (l *LogStorage) setStableValue(key string, value []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := voteState{vote: l.state.vote, stable: maps.Clone(l.state.stable)}
	if next.stable == nil {
		next.stable = make(map[string][]byte)
	}
	next.stable[key] = bytes.Clone(value)
	return l.saveState(next)
}

// ReadVote returns the persisted vote, nil if none was saved.
func (l *LogStorage) ReadVote() (*Vote, error) {
	return l.reader.ReadVote()
}

// GetLogState returns the last log and the last purged log.
func (l *LogStorage) GetLogState() (LogState, error) {
	return l.reader.GetLogState()
}

// TryGetLogEntries returns the entries in [from, until) that are still in the log.
func (l *LogStorage) TryGetLogEntries(from, until uint64) ([]raft.Log, error) {
	return l.reader.TryGetLogEntries(from, until)
}

// LogReader starts a reader independent of the default one.
// Close it when done, Shutdown closes any reader still open.
func (l *LogStorage) LogReader() (*LogReader, error) {
	r, err := l.store.NewReader()
	if err != nil {
		return nil, err
	}
	return &LogReader{r: r, codec: l.codec}, nil
}

// Store returns the underlying walstore.
func (l *LogStorage) Store() *walstore.Store {
	return l.store
}

// Shutdown stops the writer and all readers and releases the directory lock.
func (l *LogStorage) Shutdown() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.store.Close()
}

// LogReader serves reads from its own walstore reader.
type LogReader struct {
	r     *walstore.Reader
	codec EntryCodec
}

// TryGetLogEntries returns the entries in [from, until) in index order.
// Purged entries are skipped.
func (lr *LogReader) TryGetLogEntries(from, until uint64) ([]raft.Log, error) {
	records, err := lr.r.Entries(from, until)
	if err != nil {
		return nil, err
	}

	logs := make([]raft.Log, 0, len(records))
	for _, rec := range records {
		entry, err := lr.codec.Decode(rec.Data)
		if err != nil {
			return nil, fmt.Errorf("decode log at index %d: %w", rec.Index, err)
		}
		if entry.Index != rec.Index {
			return nil, fmt.Errorf("%w: record %d holds log index %d", walstore.ErrDecode, rec.Index, entry.Index)
		}
		logs = append(logs, entry)
	}
	return logs, nil
}

// GetLogState returns the last log and the last purged log.
func (lr *LogReader) GetLogState() (LogState, error) {
	st, err := lr.r.LogState()
	if err != nil {
		return LogState{}, err
	}

	var out LogState
	switch {
	case len(st.LastPurged) > 0:
		id, err := decodeLogID(st.LastPurged)
		if err != nil {
			return LogState{}, fmt.Errorf("last purged log: %w", err)
		}
		out.LastPurged = &id
	case st.LastPurged != nil:
		out.LastPurged = &LogID{Index: st.PurgedIndex}
	}

	if st.HasRecords {
		last, err := lr.codec.Decode(st.LastLog)
		if err != nil {
			return LogState{}, fmt.Errorf("last log: %w", err)
		}
		out.LastLog = &LogID{Term: last.Term, Index: last.Index}
	} else if out.LastPurged != nil {
		id := *out.LastPurged
		out.LastLog = &id
	}
	return out, nil
}

// ReadVote returns the persisted vote, nil if none was saved.
func (lr *LogReader) ReadVote() (*Vote, error) {
	blob, err := lr.r.Vote()
	if err != nil {
		return nil, err
	}
	s, err := decodeVoteState(blob)
	if err != nil {
		return nil, err
	}
	return s.vote, nil
}

// Close stops the reader.
func (lr *LogReader) Close() {
	lr.r.Shutdown()
}
