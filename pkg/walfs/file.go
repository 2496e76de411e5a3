package walfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrClosed        = errors.New("the Segment file is closed")
	ErrSegmentSealed = errors.New("cannot write to sealed segment")
	ErrSegmentFull   = errors.New("segment is full, cannot write more records")
)

// SegmentFile is the writer's handle on one segment.
// It writes through the file descriptor with WriteAt, never through a mapping,
// so readers can map the same file read-only while it grows.
type SegmentFile struct {
	path     string
	walNo    uint64
	fd       *os.File
	capacity int64
	cursor   int64
	count    int64
	header   SegmentHeader
	scratch  []byte
	dirty    bool
}

// CreateSegmentFile creates and preallocates a new segment, writes its header
// and makes the directory entry durable.
func CreateSegmentFile(dir string, walNo uint64, capacity int64, syncer DirectorySyncer) (*SegmentFile, error) {
	if capacity < MinSegmentSize || capacity > MaxSegmentSize {
		return nil, fmt.Errorf("segment size %d out of range [%d, %d]", capacity, MinSegmentSize, MaxSegmentSize)
	}
	path := SegmentFileName(dir, walNo)
	fd, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", walNo, err)
	}
	if err := fd.Truncate(capacity); err != nil {
		_ = fd.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("truncate error: %w", err)
	}

	f := &SegmentFile{
		path:     path,
		walNo:    walNo,
		fd:       fd,
		capacity: capacity,
		cursor:   SegmentHeaderSize,
		header:   newSegmentHeader(time.Now()),
	}
	if err := f.writeHeader(); err != nil {
		_ = fd.Close()
		_ = os.Remove(path)
		return nil, err
	}
	if err := fd.Sync(); err != nil {
		_ = fd.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("fsync error: %w", err)
	}
	if syncer != nil {
		if err := syncer.SyncDir(dir); err != nil {
			_ = fd.Close()
			return nil, fmt.Errorf("fsync segment directory: %w", err)
		}
	}
	return f, nil
}

// OpenSegmentFile reopens a recovered segment for appending at seg.End.
// The header is rewritten as active, which unseals the segment.
func OpenSegmentFile(dir string, seg *Segment) (*SegmentFile, error) {
	path := SegmentFileName(dir, seg.WalNo)
	fd, err := os.OpenFile(path, os.O_RDWR, fileModePerm)
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", seg.WalNo, err)
	}

	buf := make([]byte, SegmentHeaderSize)
	if _, err := fd.ReadAt(buf, 0); err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("read segment header %d: %w", seg.WalNo, err)
	}
	header, err := DecodeSegmentHeader(buf)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("segment %d: %w", seg.WalNo, err)
	}

	f := &SegmentFile{
		path:     path,
		walNo:    seg.WalNo,
		fd:       fd,
		capacity: seg.Capacity,
		cursor:   seg.End,
		count:    int64(seg.Count()),
		header:   header,
	}
	if header.Flags != FlagActive || header.FirstIndex != seg.FirstIndex {
		f.header.Flags = FlagActive
		f.header.FirstIndex = seg.FirstIndex
		if err := f.writeHeader(); err != nil {
			_ = fd.Close()
			return nil, err
		}
	}
	return f, nil
}

func (f *SegmentFile) WalNo() uint64 {
	return f.walNo
}

func (f *SegmentFile) Path() string {
	return f.path
}

// Cursor returns the offset the next record will be written at.
func (f *SegmentFile) Cursor() int64 {
	return f.cursor
}

// Count returns the number of records written, including uncommitted ones.
func (f *SegmentFile) Count() int64 {
	return f.count
}

// Fits reports whether a record with dataLen bytes fits in the remaining space.
func (f *SegmentFile) Fits(dataLen int) bool {
	return f.cursor+RecordSize(dataLen) <= f.capacity
}

// Append writes one record at the cursor and returns its offset.
func (f *SegmentFile) Append(index uint64, flags uint32, data []byte) (int64, error) {
	if f.fd == nil {
		return 0, ErrClosed
	}
	if IsSealed(f.header.Flags) {
		return 0, ErrSegmentSealed
	}
	if !f.Fits(len(data)) {
		return 0, ErrSegmentFull
	}

	f.scratch = EncodeRecord(f.scratch, index, flags, data)
	offset := f.cursor
	if _, err := f.fd.WriteAt(f.scratch, offset); err != nil {
		return 0, fmt.Errorf("write record %d: %w", index, err)
	}
	if f.count == 0 {
		f.header.FirstIndex = index
	}
	f.cursor += int64(len(f.scratch))
	f.count++
	f.dirty = true
	return offset, nil
}

// MarkBatchEnd sets the batch end flag on the record at offset.
func (f *SegmentFile) MarkBatchEnd(offset int64) error {
	head := make([]byte, recordHeaderSize)
	if _, err := f.fd.ReadAt(head, offset); err != nil {
		return fmt.Errorf("read record header: %w", err)
	}
	length := binary.BigEndian.Uint32(head[4:8])
	if offset+RecordSize(int(length)) > f.capacity {
		return fmt.Errorf("mark batch end at %d: %w", offset, ErrCorruptHeader)
	}
	buf := make([]byte, RecordSize(int(length)))
	if _, err := f.fd.ReadAt(buf, offset); err != nil {
		return fmt.Errorf("read record: %w", err)
	}
	rec, _, err := decodeRecord(buf)
	if err != nil {
		return fmt.Errorf("mark batch end at %d: %w", offset, err)
	}
	if rec.BatchEnd() {
		return nil
	}
	f.scratch = EncodeRecord(f.scratch, rec.Index, rec.Flags|RecordBatchEnd, rec.Data)
	if _, err := f.fd.WriteAt(f.scratch[:recordHeaderSize], offset); err != nil {
		return fmt.Errorf("rewrite record header: %w", err)
	}
	f.dirty = true
	return nil
}

// Rewind zeroes everything between offset and the cursor and moves the cursor back.
// count is the number of records that remain.
func (f *SegmentFile) Rewind(offset int64, count int64) error {
	if offset < SegmentHeaderSize || offset > f.capacity {
		return fmt.Errorf("rewind offset %d out of range", offset)
	}
	end := max(f.cursor, offset)
	if end > offset {
		if err := f.zeroRange(offset, end); err != nil {
			return err
		}
	}
	f.cursor = offset
	f.count = count
	if count == 0 {
		f.header.FirstIndex = 0
	}
	f.header.Flags = FlagActive
	f.header.WriteOffset = offset
	f.header.EntryCount = count
	if err := f.writeHeader(); err != nil {
		return err
	}
	f.dirty = true
	return nil
}

func (f *SegmentFile) zeroRange(from, to int64) error {
	const chunk = 64 * 1024
	zeros := make([]byte, min(chunk, to-from))
	for off := from; off < to; {
		n := min(int64(len(zeros)), to-off)
		if _, err := f.fd.WriteAt(zeros[:n], off); err != nil {
			return fmt.Errorf("zero range: %w", err)
		}
		off += n
	}
	return nil
}

// Commit records the write offset and entry count in the header.
func (f *SegmentFile) Commit() error {
	f.header.WriteOffset = f.cursor
	f.header.EntryCount = f.count
	return f.writeHeader()
}

// Seal makes the records durable and then marks the header as sealed.
func (f *SegmentFile) Seal() error {
	if err := f.Sync(); err != nil {
		return err
	}
	f.header.Flags = (f.header.Flags &^ FlagActive) | FlagSealed
	if err := f.Commit(); err != nil {
		return err
	}
	return f.Sync()
}

// Unseal flips a sealed header back to active.
func (f *SegmentFile) Unseal() error {
	if !IsSealed(f.header.Flags) {
		return nil
	}
	f.header.Flags = FlagActive
	return f.Commit()
}

func (f *SegmentFile) IsSealed() bool {
	return IsSealed(f.header.Flags)
}

func (f *SegmentFile) writeHeader() error {
	var buf [SegmentHeaderSize]byte
	f.header.LastModifiedAt = time.Now().UnixNano()
	f.header.Encode(buf[:])
	if _, err := f.fd.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("write segment header: %w", err)
	}
	f.dirty = true
	return nil
}

// Dirty reports whether writes happened since the last Sync.
func (f *SegmentFile) Dirty() bool {
	return f.dirty
}

// Sync flushes file data to stable storage.
func (f *SegmentFile) Sync() error {
	if f.fd == nil {
		return ErrClosed
	}
	if !f.dirty {
		return nil
	}
	if err := datasync(f.fd); err != nil {
		return fmt.Errorf("fsync error: %w", err)
	}
	f.dirty = false
	return nil
}

// Close syncs and closes the file handle.
func (f *SegmentFile) Close() error {
	if f.fd == nil {
		return nil
	}
	syncErr := f.Sync()
	closeErr := f.fd.Close()
	f.fd = nil
	return errors.Join(syncErr, closeErr)
}

// Remove closes the handle without syncing and deletes the file.
func (f *SegmentFile) Remove(syncer DirectorySyncer) error {
	if f.fd != nil {
		_ = f.fd.Close()
		f.fd = nil
	}
	return RemoveSegmentFile(f.path, syncer)
}
