package walstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// maxReadRetries bounds how often a read is restarted after the log changed under it.
const maxReadRetries = 3

var errReaderStopped = errors.New("reader stopped")

// LogItem is one element of a range read. A non-nil Err ends the stream.
type LogItem struct {
	Index uint64
	Data  []byte
	Err   error
}

// LogState describes the log as seen by a reader.
type LogState struct {
	// LastLog is the payload of the last record, nil when the log is empty.
	LastLog []byte
	// LastPurged is the caller's id of the last purged record, nil if nothing was purged.
	LastPurged  []byte
	PurgedIndex uint64
	FirstIndex  uint64
	LastIndex   uint64
	HasRecords  bool
}

type logsRequest struct {
	from, until uint64
	out         chan LogItem
	// complete is set before out is closed when the whole range was served.
	complete bool
}

type stateResult struct {
	state LogState
	err   error
}

type stateRequest struct {
	ack chan stateResult
}

type readVoteRequest struct {
	ack chan []byte
}

// Reader serves range reads from its own memory maps of the segment files.
// Any number of readers may run beside the writer. Each keeps a private copy
// of the segment bookkeeping and refreshes it from the shared view on demand.
type Reader struct {
	dir    string
	opts   options
	shared *shared

	requests chan any
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	local *walfs.SegmentSet
	maps  map[uint64]*walfs.MappedSegment
	epoch uint64
	walNo uint64
	// fatal is set once a corrupted file was found, every later request fails with it.
	fatal error
}

func newReader(dir string, opts options, sh *shared) *Reader {
	r := &Reader{
		dir:      dir,
		opts:     opts,
		shared:   sh,
		requests: make(chan any),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		maps:     make(map[uint64]*walfs.MappedSegment),
	}
	go r.run()
	return r
}

func (r *Reader) run() {
	defer close(r.done)
	defer r.unmapAll()

	for {
		select {
		case <-r.quit:
			return
		case req := <-r.requests:
			switch req := req.(type) {
			case *logsRequest:
				r.serveLogs(req)
			case *stateRequest:
				st, err := r.logState()
				req.ack <- stateResult{state: st, err: err}
			case *readVoteRequest:
				req.ack <- r.shared.vote()
			}
		}
	}
}

func (r *Reader) submit(req any) error {
	select {
	case <-r.done:
		return ErrClosed
	default:
	}
	select {
	case r.requests <- req:
		return nil
	case <-r.done:
		return ErrClosed
	}
}

// Logs streams the records in [from, until) in index order.
// Indices that were purged are skipped, the stream ends at the last record.
// The channel is closed when the range is exhausted or after an item carrying Err.
// A reader shut down mid-stream ends it with an ErrClosed item.
func (r *Reader) Logs(from, until uint64) (<-chan LogItem, error) {
	req, err := r.logs(from, until)
	if err != nil {
		return nil, err
	}
	return req.out, nil
}

func (r *Reader) logs(from, until uint64) (*logsRequest, error) {
	req := &logsRequest{from: from, until: until, out: make(chan LogItem, r.opts.readBuffer)}
	if err := r.submit(req); err != nil {
		return nil, err
	}
	return req, nil
}

// Entries collects the records in [from, until).
// It returns ErrClosed if the reader stopped before the range was served.
func (r *Reader) Entries(from, until uint64) ([]Entry, error) {
	req, err := r.logs(from, until)
	if err != nil {
		return nil, err
	}
	var (
		entries []Entry
		readErr error
	)
	for item := range req.out {
		if item.Err != nil {
			readErr = item.Err
			continue
		}
		entries = append(entries, Entry{Index: item.Index, Data: item.Data})
	}
	if readErr == nil && !req.complete {
		readErr = ErrClosed
	}
	return entries, readErr
}

// LogState returns the current bounds of the log.
func (r *Reader) LogState() (LogState, error) {
	req := &stateRequest{ack: make(chan stateResult, 1)}
	if err := r.submit(req); err != nil {
		return LogState{}, err
	}
	res := <-req.ack
	return res.state, res.err
}

// Vote returns the persisted vote, nil if none was ever saved.
func (r *Reader) Vote() ([]byte, error) {
	req := &readVoteRequest{ack: make(chan []byte, 1)}
	if err := r.submit(req); err != nil {
		return nil, err
	}
	return <-req.ack, nil
}

// Shutdown stops the reader and releases its mappings. It does not wait.
func (r *Reader) Shutdown() {
	r.stopOnce.Do(func() {
		close(r.quit)
	})
}

func (r *Reader) wait() {
	<-r.done
}

func (r *Reader) send(out chan<- LogItem, item LogItem) bool {
	select {
	case out <- item:
		return true
	case <-r.quit:
		return false
	}
}

func (r *Reader) serveLogs(req *logsRequest) {
	defer close(req.out)
	if r.fatal != nil {
		r.send(req.out, LogItem{Err: r.fatal})
		return
	}

	next := req.from
	sent := 0
	err := r.withRetry(func() error {
		n, err := r.readRange(&next, req.until, req.out)
		sent += n
		return err
	})
	r.opts.metrics.addReadRecords(sent)
	if err == nil {
		req.complete = true
		return
	}
	if errors.Is(err, errReaderStopped) {
		r.endStopped(req.out, next)
		return
	}
	r.fail(err)
	r.send(req.out, LogItem{Index: next, Err: err})
}

// endStopped puts ErrClosed on a stream the reader abandoned. A full buffer
// gives up its oldest record for it, the consumer never blocks on it.
func (r *Reader) endStopped(out chan LogItem, next uint64) {
	item := LogItem{Index: next, Err: ErrClosed}
	select {
	case out <- item:
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- item:
	default:
	}
}

func (r *Reader) fail(err error) {
	if !errors.Is(err, ErrFileCorrupted) {
		return
	}
	r.fatal = err
	slog.Error("[walstore]",
		slog.String("message", "reader found a corrupted segment"),
		slog.String("dir", r.dir),
		slog.Any("error", err))
}

// withRetry refreshes the view and runs fn, again after a full resync if
// fn failed because the log changed underneath it.
func (r *Reader) withRetry(fn func() error) error {
	if err := r.refresh(); err != nil && !r.retryable(err) {
		return err
	}
	err := fn()
	for attempt := 0; err != nil && attempt < maxReadRetries && r.retryable(err); attempt++ {
		r.resync()
		err = fn()
	}
	return err
}

func (r *Reader) retryable(err error) bool {
	if errors.Is(err, errReaderStopped) {
		return false
	}
	return errors.Is(err, os.ErrNotExist) || r.shared.epoch.Load() != r.epoch
}

// refresh brings the local view up to date. Removals and rotations need a
// full copy of the shared view, plain appends to the active segment are
// picked up by scanning the reader's own mapping.
func (r *Reader) refresh() error {
	if r.local == nil ||
		r.shared.epoch.Load() != r.epoch ||
		r.shared.latestWalNo.Load() != r.walNo {
		r.resync()
		return nil
	}
	return r.extendActive()
}

func (r *Reader) resync() {
	r.shared.mu.RLock()
	local := r.shared.set.Clone()
	r.epoch = r.shared.epoch.Load()
	r.walNo = r.shared.latestWalNo.Load()
	r.shared.mu.RUnlock()

	keep := make(map[uint64]bool, len(local.Segments))
	for _, seg := range local.Segments {
		keep[seg.WalNo] = true
	}
	for walNo := range r.maps {
		if !keep[walNo] {
			r.unmap(walNo)
		}
	}
	r.local = local
	r.opts.metrics.incResync("full")
}

func (r *Reader) extendActive() error {
	latest := r.shared.latestIndex.Load()
	active := r.local.Active()
	if active == nil {
		return nil
	}
	last, has := active.PhysicalLast()
	if has && latest <= last {
		return nil
	}
	if !has && (latest == 0 || latest < active.IDFrom) {
		return nil
	}

	m, err := r.mapped(active)
	if err != nil {
		return err
	}
	var (
		first    uint64
		offsets  []int64
		expected = last + 1
	)
	// a record past latest may still be in flight, so validation errors end the scan.
	end, _ := m.Scan(active.End, func(offset int64, rec walfs.RecordView) bool {
		if rec.Index > latest {
			return false
		}
		if (has || len(offsets) > 0) && rec.Index != expected {
			return false
		}
		if len(offsets) == 0 {
			first = rec.Index
		}
		offsets = append(offsets, offset)
		expected = rec.Index + 1
		return true
	})
	if len(offsets) > 0 {
		active.Append(first, offsets, end)
		r.opts.metrics.incResync("active")
	}
	return nil
}

func (r *Reader) mapped(seg *walfs.Segment) (*walfs.MappedSegment, error) {
	if m, ok := r.maps[seg.WalNo]; ok {
		return m, nil
	}
	m, err := walfs.MapSegment(r.dir, seg.WalNo)
	if err != nil {
		return nil, err
	}
	r.maps[seg.WalNo] = m
	r.opts.metrics.addMapped(1)
	return m, nil
}

func (r *Reader) unmap(walNo uint64) {
	m, ok := r.maps[walNo]
	if !ok {
		return
	}
	delete(r.maps, walNo)
	r.opts.metrics.addMapped(-1)
	if err := m.Unmap(); err != nil {
		slog.Warn("[walstore]",
			slog.String("message", "unmap segment"),
			slog.Uint64("wal_no", walNo),
			slog.Any("error", err))
	}
}

func (r *Reader) unmapAll() {
	for walNo := range r.maps {
		r.unmap(walNo)
	}
}

// readRange streams records from *next up to until, advancing *next past every
// record sent. Sealed segments are unmapped once read to their end.
func (r *Reader) readRange(next *uint64, until uint64, out chan<- LogItem) (int, error) {
	sent := 0
	segs := r.local.Segments
	for i, seg := range segs {
		if *next >= until {
			break
		}
		if seg.Empty() || seg.IDUntil < *next {
			continue
		}
		if seg.IDFrom >= until {
			break
		}
		start := max(*next, seg.IDFrom)
		end := min(until-1, seg.IDUntil)

		m, err := r.mapped(seg)
		if err != nil {
			return sent, err
		}
		for idx := start; idx <= end; idx++ {
			offset, ok := seg.OffsetOf(idx)
			if !ok {
				return sent, fmt.Errorf("%w: index %d missing from segment %d", ErrFileCorrupted, idx, seg.WalNo)
			}
			rec, _, err := m.Read(offset)
			if err != nil {
				return sent, recordError(seg.WalNo, offset, err)
			}
			if rec.Index != idx {
				return sent, fmt.Errorf("%w: segment %d offset %d holds index %d, want %d",
					ErrFileCorrupted, seg.WalNo, offset, rec.Index, idx)
			}
			if !r.send(out, LogItem{Index: idx, Data: bytes.Clone(rec.Data)}) {
				return sent, errReaderStopped
			}
			sent++
			*next = idx + 1
		}
		if i != len(segs)-1 && end == seg.IDUntil {
			r.unmap(seg.WalNo)
		}
	}
	return sent, nil
}

func (r *Reader) logState() (LogState, error) {
	if r.fatal != nil {
		return LogState{}, r.fatal
	}

	var st LogState
	err := r.withRetry(func() error {
		st = LogState{}
		meta := r.shared.metadata()
		if meta.HasPurged() {
			st.LastPurged = meta.LastPurged
			st.PurgedIndex = meta.PurgedIndex
		}
		first, last, ok := r.local.Bounds()
		if !ok {
			return nil
		}
		st.FirstIndex, st.LastIndex, st.HasRecords = first, last, true

		pos, _ := r.local.Find(last)
		seg := r.local.Segments[pos]
		m, err := r.mapped(seg)
		if err != nil {
			return err
		}
		offset, _ := seg.OffsetOf(last)
		rec, _, err := m.Read(offset)
		if err != nil {
			return recordError(seg.WalNo, offset, err)
		}
		if rec.Index != last {
			return fmt.Errorf("%w: last record of segment %d is %d, want %d",
				ErrFileCorrupted, seg.WalNo, rec.Index, last)
		}
		st.LastLog = bytes.Clone(rec.Data)
		return nil
	})
	if err != nil {
		r.fail(err)
		return LogState{}, err
	}
	return st, nil
}

// recordError classifies a failed read of a record the bookkeeping says is
// committed. Validation failures mean the file changed under the log.
func recordError(walNo uint64, offset int64, err error) error {
	if errors.Is(err, walfs.ErrInvalidCRC) ||
		errors.Is(err, walfs.ErrCorruptHeader) ||
		errors.Is(err, walfs.ErrIncompleteChunk) ||
		errors.Is(err, walfs.ErrNoRecord) {
		return fmt.Errorf("%w: segment %d offset %d: %w", ErrFileCorrupted, walNo, offset, err)
	}
	return fmt.Errorf("segment %d offset %d: %w", walNo, offset, err)
}
