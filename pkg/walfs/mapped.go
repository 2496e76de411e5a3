package walfs

import (
	"errors"
	"fmt"
	"os"

	"github.com/edsrzf/mmap-go"
)

// MappedSegment is a read-only memory map of a whole segment file.
// Each reader owns its own mappings, the writer never maps.
type MappedSegment struct {
	walNo uint64
	fd    *os.File
	data  mmap.MMap
}

// MapSegment maps the segment file read-only.
// A missing file surfaces as os.ErrNotExist so callers can resync and retry.
func MapSegment(dir string, walNo uint64) (*MappedSegment, error) {
	fd, err := os.Open(SegmentFileName(dir, walNo))
	if err != nil {
		return nil, fmt.Errorf("open segment %d: %w", walNo, err)
	}
	info, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("stat segment %d: %w", walNo, err)
	}
	if info.Size() < SegmentHeaderSize {
		_ = fd.Close()
		return nil, fmt.Errorf("%w: segment %d is %d bytes", ErrFileCorrupted, walNo, info.Size())
	}
	data, err := mmap.Map(fd, mmap.RDONLY, 0)
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("mmap error: %w", err)
	}
	return &MappedSegment{walNo: walNo, fd: fd, data: data}, nil
}

func (m *MappedSegment) WalNo() uint64 {
	return m.walNo
}

// Size returns the mapped length.
func (m *MappedSegment) Size() int64 {
	return int64(len(m.data))
}

// Header decodes the segment header.
func (m *MappedSegment) Header() (SegmentHeader, error) {
	if m.data == nil {
		return SegmentHeader{}, ErrClosed
	}
	return DecodeSegmentHeader(m.data[:SegmentHeaderSize])
}

// Read returns the record at offset and the offset of the next one.
// IMP: the returned Data aliases the mapping and becomes invalid after Unmap.
func (m *MappedSegment) Read(offset int64) (RecordView, int64, error) {
	if m.data == nil {
		return RecordView{}, offset, ErrClosed
	}
	return DecodeRecord(m.data, offset)
}

// Scan visits valid records from offset until visit rejects one, the data
// ends or a record fails validation. It returns the offset just past the last
// accepted record and the validation error that stopped it, nil on a clean end.
func (m *MappedSegment) Scan(offset int64, visit func(offset int64, rec RecordView) bool) (int64, error) {
	if m.data == nil {
		return offset, ErrClosed
	}
	for {
		rec, next, err := DecodeRecord(m.data, offset)
		if err != nil {
			if errors.Is(err, ErrNoRecord) {
				return offset, nil
			}
			return offset, err
		}
		if !visit(offset, rec) {
			return offset, nil
		}
		offset = next
	}
}

// Unmap releases the mapping and the file handle.
func (m *MappedSegment) Unmap() error {
	if m.data == nil {
		return nil
	}
	unmapErr := m.data.Unmap()
	closeErr := m.fd.Close()
	m.data = nil
	return errors.Join(unmapErr, closeErr)
}
