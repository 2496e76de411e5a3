package walstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// SyncMode selects when appended records are forced to stable storage.
type SyncMode int

const (
	// SyncImmediate fdatasyncs every batch before it is acknowledged.
	SyncImmediate SyncMode = iota
	// SyncInterval acknowledges after the write and syncs on a timer.
	SyncInterval
	// SyncNever leaves flushing to the operating system.
	SyncNever
)

func (m SyncMode) String() string {
	switch m {
	case SyncImmediate:
		return "immediate"
	case SyncInterval:
		return "interval"
	case SyncNever:
		return "never"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode parses the names returned by SyncMode.String.
func ParseSyncMode(s string) (SyncMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "immediate", "always":
		return SyncImmediate, nil
	case "interval":
		return SyncInterval, nil
	case "never", "none":
		return SyncNever, nil
	}
	return SyncImmediate, fmt.Errorf("%w: unknown sync mode %q", ErrParse, s)
}

const (
	defaultSyncInterval = 100 * time.Millisecond
	defaultStreamBuffer = 64
	defaultReadBuffer   = 256
)

type options struct {
	segmentSize  int64
	syncMode     SyncMode
	syncInterval time.Duration
	streamBuffer int
	readBuffer   int
	metrics      *Metrics
	dirSyncer    walfs.DirectorySyncer
}

func defaultOptions() options {
	return options{
		segmentSize:  walfs.DefaultSegmentSize,
		syncMode:     SyncImmediate,
		syncInterval: defaultSyncInterval,
		streamBuffer: defaultStreamBuffer,
		readBuffer:   defaultReadBuffer,
		dirSyncer:    walfs.DefaultDirectorySyncer,
	}
}

// Option configures a Store.
type Option func(*options)

// WithSegmentSize sets the capacity of newly created segment files.
func WithSegmentSize(size int64) Option {
	return func(o *options) {
		if size > 0 {
			o.segmentSize = size
		}
	}
}

// WithSyncMode sets the durability policy. interval is used by SyncInterval only.
func WithSyncMode(mode SyncMode, interval time.Duration) Option {
	return func(o *options) {
		o.syncMode = mode
		if interval > 0 {
			o.syncInterval = interval
		}
	}
}

// WithStreamBuffer sets how many records an append stream buffers ahead of the writer.
func WithStreamBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.streamBuffer = n
		}
	}
}

// WithReadBuffer sets the channel capacity of range reads.
func WithReadBuffer(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readBuffer = n
		}
	}
}

// WithMetrics attaches prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithDirectorySyncer overrides the directory syncer used after creating or
// removing files.
func WithDirectorySyncer(syncer walfs.DirectorySyncer) Option {
	return func(o *options) {
		if syncer != nil {
			o.dirSyncer = syncer
		}
	}
}
