// Package walstore is a segmented write-ahead log for consensus logs.
//
// A Store owns one directory holding numbered segment files, the meta.hql
// metadata file and the lock.hql lock file. All writes go through a single
// Writer goroutine. Readers memory map the segments and serve range reads
// concurrently with it.
package walstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// Store is an open log directory.
type Store struct {
	dir    string
	opts   options
	lock   *dirLock
	shared *shared
	writer *Writer
	reader *Reader

	mu      sync.Mutex
	readers []*Reader
	closed  bool
}

// Open recovers the log in dir, creating the directory if needed, and starts
// the writer and a default reader. The directory stays locked until Close.
func Open(dir string, opts ...Option) (*Store, error) {
	start := time.Now()
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.segmentSize < walfs.MinSegmentSize || o.segmentSize > walfs.MaxSegmentSize {
		return nil, fmt.Errorf("segment size %d out of range [%d, %d]",
			o.segmentSize, walfs.MinSegmentSize, walfs.MaxSegmentSize)
	}
	if dir == "" {
		return nil, fmt.Errorf("%w: empty log directory", ErrInvalidPath)
	}
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidPath, dir, err)
	}

	lock, err := acquireDirLock(dir)
	if err != nil {
		return nil, err
	}
	s, err := open(dir, o, lock)
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	s.shared.mu.RLock()
	first, last, ok := s.shared.set.Bounds()
	segments := len(s.shared.set.Segments)
	s.shared.mu.RUnlock()
	slog.Info("[walstore]",
		slog.String("message", "log opened"),
		slog.String("dir", dir),
		slog.Int("segments", segments),
		slog.Bool("empty", !ok),
		slog.Uint64("first_index", first),
		slog.Uint64("last_index", last),
		slog.String("sync_mode", o.syncMode.String()),
		slog.Duration("duration", time.Since(start)))
	return s, nil
}

func open(dir string, o options, lock *dirLock) (*Store, error) {
	meta, err := loadMetadata(dir, o.dirSyncer)
	if err != nil {
		return nil, err
	}

	rc := walfs.RecoveryConfig{Dir: dir, Syncer: o.dirSyncer}
	if meta.HasPurged() {
		rc.HasPurged = true
		rc.PurgedThrough = meta.PurgedIndex
	}
	set, err := walfs.Recover(rc)
	if err != nil {
		return nil, err
	}
	sh := newShared(set, meta)
	w, err := newWriter(dir, o, sh, meta)
	if err != nil {
		return nil, err
	}
	_, last, _ := set.Bounds()
	o.metrics.setLogState(last, len(set.Segments))
	w.start()

	s := &Store{
		dir:    dir,
		opts:   o,
		lock:   lock,
		shared: sh,
		writer: w,
	}
	s.reader = newReader(dir, o, sh)
	s.readers = append(s.readers, s.reader)
	return s, nil
}

// Dir returns the absolute path of the log directory.
func (s *Store) Dir() string {
	return s.dir
}

// Writer returns the store's single writer.
func (s *Store) Writer() *Writer {
	return s.writer
}

// Reader returns the default reader.
func (s *Store) Reader() *Reader {
	return s.reader
}

// NewReader starts an additional reader with its own mappings.
func (s *Store) NewReader() (*Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	r := newReader(s.dir, s.opts, s.shared)
	s.readers = append(s.readers, r)
	return r, nil
}

// SegmentInfo describes one segment file.
type SegmentInfo struct {
	WalNo      uint64
	FirstIndex uint64
	LastIndex  uint64
	Records    int
	Bytes      int64
	Sealed     bool
}

// Segments lists the segment files in wal number order. Bounds of a segment
// whose records were all purged are zero.
func (s *Store) Segments() []SegmentInfo {
	s.shared.mu.RLock()
	defer s.shared.mu.RUnlock()

	out := make([]SegmentInfo, 0, len(s.shared.set.Segments))
	for _, seg := range s.shared.set.Segments {
		info := SegmentInfo{
			WalNo:   seg.WalNo,
			Records: seg.Count(),
			Bytes:   seg.End,
			Sealed:  seg.Sealed,
		}
		if !seg.Empty() {
			info.FirstIndex, info.LastIndex = seg.IDFrom, seg.IDUntil
		}
		out = append(out, info)
	}
	return out
}

// Close stops the readers and the writer and releases the directory lock.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	readers := s.readers
	s.readers = nil
	s.mu.Unlock()

	for _, r := range readers {
		r.Shutdown()
	}
	for _, r := range readers {
		r.wait()
	}

	var errs []error
	if err := s.writer.Shutdown(); err != nil && !errors.Is(err, ErrClosed) {
		errs = append(errs, err)
	}
	if err := s.lock.release(); err != nil {
		errs = append(errs, fmt.Errorf("release lock: %w", err))
	}
	slog.Info("[walstore]", slog.String("message", "log closed"), slog.String("dir", s.dir))
	return errors.Join(errs...)
}
