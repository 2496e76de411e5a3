package walstore

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hqlite/hqwal/pkg/walfs"
)

// Entry is one log record handed to the writer.
type Entry struct {
	Index uint64
	Data  []byte
}

type appendRequest struct {
	// entries is terminated by a nil entry. Closing it without one aborts the batch.
	entries  chan *Entry
	callback func(error)
	ack      chan error
}

type removeRequest struct {
	from, until uint64
	lastLog     []byte
	ack         chan error
}

type voteRequest struct {
	vote []byte
	ack  chan error
}

type shutdownRequest struct {
	ack chan error
}

// Writer is the single goroutine that owns every mutation of a log directory.
// Requests are served one at a time in arrival order.
type Writer struct {
	dir    string
	opts   options
	shared *shared
	set    *walfs.SegmentSet
	active *walfs.SegmentFile
	meta   Metadata

	requests chan any
	done     chan struct{}

	// broken is set when a failed append could not be rolled back.
	// The on-disk state is then unknown and every later request fails with it.
	broken error
}

func newWriter(dir string, opts options, sh *shared, meta Metadata) (*Writer, error) {
	w := &Writer{
		dir:      dir,
		opts:     opts,
		shared:   sh,
		set:      sh.set,
		meta:     meta.clone(),
		requests: make(chan any, 1),
		done:     make(chan struct{}),
	}

	if seg := w.set.Active(); seg != nil {
		f, err := walfs.OpenSegmentFile(dir, seg)
		if err != nil {
			return nil, err
		}
		seg.Sealed = false
		w.active = f
		return w, nil
	}

	walNo := w.set.AllocWalNo()
	f, err := walfs.CreateSegmentFile(dir, walNo, opts.segmentSize, opts.dirSyncer)
	if err != nil {
		return nil, err
	}
	seg := walfs.NewSegment(walNo, opts.segmentSize)
	if meta.HasPurged() && meta.PurgedIndex != math.MaxUint64 {
		seg.IDFrom = meta.PurgedIndex + 1
	}
	sh.mu.Lock()
	w.set.Segments = append(w.set.Segments, seg)
	sh.latestWalNo.Store(walNo)
	sh.mu.Unlock()
	w.active = f
	return w, nil
}

func (w *Writer) start() {
	go w.run()
}

func (w *Writer) run() {
	defer close(w.done)

	var tick <-chan time.Time
	if w.opts.syncMode == SyncInterval {
		t := time.NewTicker(w.opts.syncInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case req := <-w.requests:
			if w.handle(req) {
				return
			}
		case <-tick:
			if w.active != nil && w.active.Dirty() {
				if err := w.syncActive(); err != nil {
					slog.Error("[walstore]",
						slog.String("message", "interval sync failed"),
						slog.Uint64("wal_no", w.active.WalNo()),
						slog.Any("error", err))
				}
			}
		}
	}
}

// handle serves one request and reports whether the writer must stop.
func (w *Writer) handle(req any) bool {
	switch req := req.(type) {
	case *appendRequest:
		w.handleAppend(req)
	case *removeRequest:
		req.ack <- w.handleRemove(req)
	case *voteRequest:
		req.ack <- w.handleVote(req.vote)
	case *shutdownRequest:
		req.ack <- w.close()
		return true
	default:
		slog.Error("[walstore]", slog.String("message", "unknown writer request"), slog.Any("request", req))
	}
	return false
}

func (w *Writer) submit(req any) error {
	select {
	case <-w.done:
		return ErrClosed
	default:
	}
	select {
	case w.requests <- req:
		return nil
	case <-w.done:
		return ErrClosed
	}
}

// await waits for the reply of a submitted request. A writer that stopped
// before serving it yields ErrClosed.
func (w *Writer) await(ack chan error) (bool, error) {
	select {
	case err := <-ack:
		return true, err
	case <-w.done:
		select {
		case err := <-ack:
			return true, err
		default:
			return false, ErrClosed
		}
	}
}

// AppendStream feeds one append batch to the writer.
// Exactly one of Commit or Abort must be called.
type AppendStream struct {
	w        *Writer
	req      *appendRequest
	finished bool
}

// BeginAppend starts a batch. callback, if not nil, is invoked exactly once with
// the batch outcome, after the records are durable and before Commit returns.
func (w *Writer) BeginAppend(callback func(error)) (*AppendStream, error) {
	req := &appendRequest{
		entries:  make(chan *Entry, w.opts.streamBuffer),
		callback: callback,
		ack:      make(chan error, 1),
	}
	if err := w.submit(req); err != nil {
		return nil, err
	}
	return &AppendStream{w: w, req: req}, nil
}

// Send queues one record. Indices must be contiguous with the log.
func (s *AppendStream) Send(index uint64, data []byte) error {
	if s.finished {
		return ErrClosed
	}
	select {
	case s.req.entries <- &Entry{Index: index, Data: data}:
		return nil
	case <-s.w.done:
		return ErrClosed
	}
}

// Commit ends the batch and waits until it is durable or rejected.
func (s *AppendStream) Commit() error {
	if s.finished {
		return ErrClosed
	}
	s.finished = true
	select {
	case s.req.entries <- nil:
	case <-s.w.done:
	}
	return s.wait()
}

// Abort drops the batch. Records already sent are erased.
func (s *AppendStream) Abort() error {
	if s.finished {
		return ErrClosed
	}
	s.finished = true
	close(s.req.entries)
	return s.wait()
}

func (s *AppendStream) wait() error {
	served, err := s.w.await(s.req.ack)
	if !served && s.req.callback != nil {
		s.req.callback(err)
	}
	return err
}

// Append writes entries as a single batch and waits for it.
func (w *Writer) Append(entries []Entry, callback func(error)) error {
	stream, err := w.BeginAppend(callback)
	if err != nil {
		if callback != nil {
			callback(err)
		}
		return err
	}
	for i := range entries {
		if err := stream.Send(entries[i].Index, entries[i].Data); err != nil {
			return stream.Abort()
		}
	}
	return stream.Commit()
}

// Remove deletes the records in [from, until).
//
// A range starting at or before the first index removes a prefix. lastLog must
// then be set, it is persisted as the last purged log id before anything is
// removed. A range reaching past the last index removes a suffix. Any other
// range is ErrInvalidRange.
func (w *Writer) Remove(from, until uint64, lastLog []byte) error {
	req := &removeRequest{from: from, until: until, lastLog: lastLog, ack: make(chan error, 1)}
	if err := w.submit(req); err != nil {
		return err
	}
	_, err := w.await(req.ack)
	return err
}

// Truncate removes every record at or after index.
func (w *Writer) Truncate(index uint64) error {
	return w.Remove(index, math.MaxUint64, nil)
}

// Purge removes every record at or before index and records lastLog as the
// last purged log id.
func (w *Writer) Purge(index uint64, lastLog []byte) error {
	if lastLog == nil {
		lastLog = []byte{}
	}
	until := index + 1
	if index == math.MaxUint64 {
		until = math.MaxUint64
	}
	return w.Remove(0, until, lastLog)
}

// SaveVote durably replaces the vote.
func (w *Writer) SaveVote(vote []byte) error {
	req := &voteRequest{vote: vote, ack: make(chan error, 1)}
	if err := w.submit(req); err != nil {
		return err
	}
	_, err := w.await(req.ack)
	return err
}

// Shutdown syncs and closes the active segment and stops the writer.
// Requests sent afterwards fail with ErrClosed.
func (w *Writer) Shutdown() error {
	req := &shutdownRequest{ack: make(chan error, 1)}
	if err := w.submit(req); err != nil {
		return err
	}
	_, err := w.await(req.ack)
	<-w.done
	return err
}

func (w *Writer) close() error {
	if w.active == nil {
		return nil
	}
	err := w.active.Close()
	w.active = nil
	if err != nil {
		return fmt.Errorf("close active segment: %w", err)
	}
	slog.Info("[walstore]", slog.String("message", "writer stopped"), slog.String("dir", w.dir))
	return nil
}

func (w *Writer) syncActive() error {
	start := time.Now()
	if err := w.active.Sync(); err != nil {
		return err
	}
	w.opts.metrics.observeFsync(time.Since(start))
	return nil
}

// pendingSegment tracks what one batch wrote to one segment file.
type pendingSegment struct {
	seg   *walfs.Segment
	file  *walfs.SegmentFile
	isNew bool
	// cursor and count of the file before the batch, used by rollback.
	startCursor int64
	startCount  int64
	first       uint64
	offsets     []int64
}

func (p *pendingSegment) last() (uint64, bool) {
	if len(p.offsets) > 0 {
		return p.first + uint64(len(p.offsets)) - 1, true
	}
	return p.seg.PhysicalLast()
}

type batch struct {
	segs []*pendingSegment
	// obsolete holds segments rotated away from that only held purged records.
	obsolete []*walfs.Segment
	count    int
	last     uint64
}

// current returns the pending state of the active file, registering it on first use.
func (b *batch) current(w *Writer) *pendingSegment {
	if n := len(b.segs); n > 0 && b.segs[n-1].file == w.active {
		return b.segs[n-1]
	}
	p := &pendingSegment{
		seg:         w.set.Active(),
		file:        w.active,
		startCursor: w.active.Cursor(),
		startCount:  w.active.Count(),
	}
	b.segs = append(b.segs, p)
	return p
}

func (w *Writer) handleAppend(req *appendRequest) {
	start := time.Now()
	b := &batch{}
	err := w.broken

	var (
		pending *Entry
		ended   bool
	)
	// the stream is always drained so the producer never blocks.
	for e := range req.entries {
		if e == nil {
			ended = true
			break
		}
		if err != nil {
			continue
		}
		if pending != nil {
			err = w.writeEntry(b, pending, false)
		}
		pending = e
	}
	if err == nil && !ended {
		err = ErrAborted
	}
	if err == nil && pending != nil {
		err = w.writeEntry(b, pending, true)
	}
	if err == nil && b.count > 0 {
		err = w.commitBatch(b)
	}
	if err != nil && w.broken == nil {
		w.rollback(b)
	}

	w.opts.metrics.observeAppend(b.count, time.Since(start), err)
	if err != nil && !errors.Is(err, ErrAborted) {
		slog.Warn("[walstore]",
			slog.String("message", "append batch failed"),
			slog.Int("records", b.count),
			slog.Any("error", err))
	}
	if req.callback != nil {
		req.callback(err)
	}
	req.ack <- err
}

func (w *Writer) expectedIndex(b *batch, index uint64) error {
	if b.count > 0 {
		if index != b.last+1 {
			return fmt.Errorf("%w: got %d after %d", ErrNonContiguous, index, b.last)
		}
		return nil
	}
	if _, last, ok := w.set.Bounds(); ok {
		if index != last+1 {
			return fmt.Errorf("%w: got %d, log ends at %d", ErrNonContiguous, index, last)
		}
		return nil
	}
	if w.meta.HasPurged() && index <= w.meta.PurgedIndex {
		return fmt.Errorf("%w: got %d, log purged through %d", ErrNonContiguous, index, w.meta.PurgedIndex)
	}
	return nil
}

func (w *Writer) writeEntry(b *batch, e *Entry, last bool) error {
	if err := w.expectedIndex(b, e.Index); err != nil {
		return err
	}

	p := b.current(w)
	if physLast, has := p.last(); has {
		// a segment holds one contiguous run of indices, anything else starts a new one.
		if !w.active.Fits(len(e.Data)) || physLast+1 != e.Index || p.seg.IDFrom > e.Index {
			if err := w.rotate(b); err != nil {
				return err
			}
			p = b.current(w)
		}
	}
	if !w.active.Fits(len(e.Data)) {
		return fmt.Errorf("%w: record %d carries %d bytes, segments hold at most %d",
			ErrRecordTooLarge, e.Index, len(e.Data), walfs.MaxPayloadSize(w.opts.segmentSize))
	}

	var flags uint32
	if last {
		flags = walfs.RecordBatchEnd
	}
	offset, err := w.active.Append(e.Index, flags, e.Data)
	if err != nil {
		return err
	}
	if len(p.offsets) == 0 {
		p.first = e.Index
	}
	p.offsets = append(p.offsets, offset)
	b.count++
	b.last = e.Index
	return nil
}

// rotate seals the active file and continues the batch in a new one.
// Bookkeeping is only published when the batch commits.
func (w *Writer) rotate(b *batch) error {
	old := b.current(w)
	if err := old.file.Seal(); err != nil {
		return fmt.Errorf("seal segment %d: %w", old.file.WalNo(), err)
	}

	walNo := w.set.AllocWalNo()
	f, err := walfs.CreateSegmentFile(w.dir, walNo, w.opts.segmentSize, w.opts.dirSyncer)
	if err != nil {
		return err
	}
	seg := walfs.NewSegment(walNo, w.opts.segmentSize)
	b.segs = append(b.segs, &pendingSegment{
		seg:         seg,
		file:        f,
		isNew:       true,
		startCursor: f.Cursor(),
	})
	if len(old.offsets) == 0 && old.seg.Empty() {
		b.obsolete = append(b.obsolete, old.seg)
	}
	w.active = f
	w.opts.metrics.incRotation()

	slog.Info("[walstore]",
		slog.String("message", "segment rotated"),
		slog.Uint64("sealed_wal_no", old.file.WalNo()),
		slog.Uint64("wal_no", walNo))
	return nil
}

func (w *Writer) commitBatch(b *batch) error {
	for _, p := range b.segs {
		if err := p.file.Commit(); err != nil {
			return err
		}
	}
	if w.opts.syncMode == SyncImmediate {
		start := time.Now()
		for _, p := range b.segs {
			if err := p.file.Sync(); err != nil {
				return err
			}
		}
		w.opts.metrics.observeFsync(time.Since(start))
	}

	w.shared.mu.Lock()
	for _, p := range b.segs {
		p.seg.Append(p.first, p.offsets, p.file.Cursor())
		p.seg.Sealed = p.file != w.active
		if p.isNew {
			w.set.Segments = append(w.set.Segments, p.seg)
		}
	}
	if len(b.obsolete) > 0 {
		w.set.Segments = dropSegments(w.set.Segments, b.obsolete)
	}
	w.shared.latestWalNo.Store(w.active.WalNo())
	w.shared.latestIndex.Store(b.last)
	segments := len(w.set.Segments)
	w.shared.mu.Unlock()

	for _, p := range b.segs {
		if p.file == w.active {
			continue
		}
		if err := p.file.Close(); err != nil {
			slog.Warn("[walstore]",
				slog.String("message", "closing sealed segment"),
				slog.Uint64("wal_no", p.file.WalNo()),
				slog.Any("error", err))
		}
	}
	w.removeFiles(b.obsolete)
	w.opts.metrics.setLogState(b.last, segments)
	return nil
}

// rollback erases everything the batch wrote. A failure leaves the writer broken.
func (w *Writer) rollback(b *batch) {
	var errs []error
	for i := len(b.segs) - 1; i >= 0; i-- {
		p := b.segs[i]
		if p.isNew {
			if err := p.file.Remove(w.opts.dirSyncer); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		if err := p.file.Rewind(p.startCursor, p.startCount); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := p.file.Sync(); err != nil {
			errs = append(errs, err)
		}
		w.active = p.file
	}
	if len(errs) > 0 {
		w.broken = fmt.Errorf("writer unusable after failed rollback: %w", errors.Join(errs...))
		slog.Error("[walstore]",
			slog.String("message", "append rollback failed"),
			slog.Any("error", w.broken))
	}
}

func (w *Writer) handleRemove(req *removeRequest) error {
	if w.broken != nil {
		return w.broken
	}
	if req.until <= req.from {
		return nil
	}

	first, last, ok := w.set.Bounds()
	var (
		kind string
		err  error
	)
	switch {
	case req.lastLog != nil && (!ok || req.from <= first):
		kind = "purge"
		err = w.purge(req.until-1, req.lastLog)
	case !ok:
		return nil
	case req.until > last:
		kind = "truncate"
		if req.from > last {
			return nil
		}
		err = w.truncate(req.from)
	default:
		err = fmt.Errorf("%w: [%d, %d) on log [%d, %d]", ErrInvalidRange, req.from, req.until, first, last)
	}
	w.opts.metrics.observeRemove(kind, err)
	return err
}

func (w *Writer) persistMetadata(m Metadata) error {
	if err := writeMetadata(w.dir, m, w.opts.dirSyncer); err != nil {
		w.opts.metrics.incWriteError("metadata")
		return err
	}
	w.meta = m
	w.shared.setMetadata(m)
	w.opts.metrics.incMetadataWrite()
	return nil
}

// purge persists the last purged id first, so a crash during file removal
// leaves segments that recovery deletes again.
func (w *Writer) purge(through uint64, lastLog []byte) error {
	m := w.meta.clone()
	m.LastPurged = bytes.Clone(lastLog)
	m.PurgedIndex = through
	if err := w.persistMetadata(m); err != nil {
		return err
	}

	w.shared.mu.Lock()
	removed := w.set.PurgeThrough(through)
	w.shared.epoch.Add(1)
	segments := len(w.set.Segments)
	w.shared.mu.Unlock()

	err := w.removeFiles(removed)
	w.opts.metrics.setLogState(w.shared.latestIndex.Load(), segments)
	slog.Info("[walstore]",
		slog.String("message", "log purged"),
		slog.Uint64("through", through),
		slog.Int("removed_segments", len(removed)))
	return err
}

// truncate physically removes every record at or after from.
func (w *Writer) truncate(from uint64) error {
	activeWalNo := w.active.WalNo()
	// end offsets before the cut, so the dropped tail can be zeroed.
	oldEnds := make(map[uint64]int64, len(w.set.Segments))
	for _, seg := range w.set.Segments {
		oldEnds[seg.WalNo] = seg.End
	}

	var fresh *walfs.SegmentFile
	if seg := w.set.Segments[0]; seg.Count() > 0 && seg.FirstIndex >= from {
		walNo := w.set.AllocWalNo()
		f, err := walfs.CreateSegmentFile(w.dir, walNo, w.opts.segmentSize, w.opts.dirSyncer)
		if err != nil {
			return err
		}
		fresh = f
	}

	w.shared.mu.Lock()
	removed, _ := w.set.TruncateFrom(from)
	if fresh != nil {
		seg := walfs.NewSegment(fresh.WalNo(), w.opts.segmentSize)
		if w.meta.HasPurged() && w.meta.PurgedIndex != math.MaxUint64 {
			seg.IDFrom = w.meta.PurgedIndex + 1
		}
		w.set.Segments = append(w.set.Segments, seg)
	}
	tail := w.set.Active()
	tail.Sealed = false
	var latest uint64
	if _, last, ok := w.set.Bounds(); ok {
		latest = last
	}
	w.shared.latestIndex.Store(latest)
	w.shared.latestWalNo.Store(tail.WalNo)
	w.shared.epoch.Add(1)
	segments := len(w.set.Segments)
	w.shared.mu.Unlock()

	err := w.reopenTail(tail, fresh, activeWalNo, oldEnds[tail.WalNo])
	if err != nil {
		w.broken = fmt.Errorf("truncate from %d: %w", from, err)
		slog.Error("[walstore]",
			slog.String("message", "truncate left the log in an unknown state"),
			slog.Any("error", err))
		return w.broken
	}
	if err := w.removeFiles(removed); err != nil {
		return err
	}

	w.opts.metrics.setLogState(latest, segments)
	slog.Info("[walstore]",
		slog.String("message", "log truncated"),
		slog.Uint64("from", from),
		slog.Int("removed_segments", len(removed)))
	return nil
}

// reopenTail points the writer at the new tail segment and erases what was
// cut from it. Its last record becomes the end of a batch.
func (w *Writer) reopenTail(tail *walfs.Segment, fresh *walfs.SegmentFile, activeWalNo uint64, oldEnd int64) error {
	if fresh != nil {
		if err := w.active.Close(); err != nil {
			return err
		}
		w.active = fresh
		return nil
	}

	if tail.WalNo != activeWalNo {
		if err := w.active.Close(); err != nil {
			return err
		}
		handle := tail.Clone()
		handle.End = oldEnd
		f, err := walfs.OpenSegmentFile(w.dir, handle)
		if err != nil {
			return err
		}
		w.active = f
	}

	if err := w.active.Rewind(tail.End, int64(tail.Count())); err != nil {
		return err
	}
	if n := len(tail.Offsets); n > 0 {
		if err := w.active.MarkBatchEnd(tail.Offsets[n-1]); err != nil {
			return err
		}
	}
	return w.active.Sync()
}

func (w *Writer) handleVote(vote []byte) error {
	if w.broken != nil {
		return w.broken
	}
	m := w.meta.clone()
	m.Vote = append([]byte{}, vote...)
	return w.persistMetadata(m)
}

func (w *Writer) removeFiles(segs []*walfs.Segment) error {
	var errs []error
	for _, seg := range segs {
		if w.active != nil && w.active.WalNo() == seg.WalNo {
			_ = w.active.Close()
		}
		if err := walfs.RemoveSegmentFile(walfs.SegmentFileName(w.dir, seg.WalNo), w.opts.dirSyncer); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func dropSegments(segs []*walfs.Segment, drop []*walfs.Segment) []*walfs.Segment {
	kept := segs[:0]
	for _, seg := range segs {
		keep := true
		for _, d := range drop {
			if d == seg {
				keep = false
				break
			}
		}
		if keep {
			kept = append(kept, seg)
		}
	}
	clear(segs[len(kept):])
	return kept
}
