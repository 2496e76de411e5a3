package walfs

import (
	"math"
	"slices"
)

// Segment is the bookkeeping for one segment file.
// It never holds a file handle or a mapping, so cloning it is cheap and safe.
type Segment struct {
	WalNo uint64
	// FirstIndex is the log index of the first physical record.
	FirstIndex uint64
	// IDFrom and IDUntil are the inclusive logical bounds of the readable records.
	// IDFrom is raised by purge without touching the file.
	IDFrom  uint64
	IDUntil uint64
	// Offsets holds the offset of every committed record, Offsets[i] holds FirstIndex+i.
	Offsets []int64
	// End is the offset just past the last committed record.
	End      int64
	Sealed   bool
	Capacity int64
}

// NewSegment returns the bookkeeping of an empty segment.
func NewSegment(walNo uint64, capacity int64) *Segment {
	return &Segment{
		WalNo:    walNo,
		End:      SegmentHeaderSize,
		Capacity: capacity,
	}
}

// Count returns the number of physical records.
func (s *Segment) Count() int {
	return len(s.Offsets)
}

// PhysicalLast returns the index of the last physical record.
func (s *Segment) PhysicalLast() (uint64, bool) {
	if len(s.Offsets) == 0 {
		return 0, false
	}
	return s.FirstIndex + uint64(len(s.Offsets)) - 1, true
}

// Empty reports whether no record of the segment is logically readable.
func (s *Segment) Empty() bool {
	return len(s.Offsets) == 0 || s.IDFrom > s.IDUntil
}

// Contains reports whether index is logically readable from the segment.
func (s *Segment) Contains(index uint64) bool {
	return !s.Empty() && index >= s.IDFrom && index <= s.IDUntil
}

// OffsetOf returns the file offset of the record holding index.
func (s *Segment) OffsetOf(index uint64) (int64, bool) {
	if index < s.FirstIndex {
		return 0, false
	}
	pos := index - s.FirstIndex
	if pos >= uint64(len(s.Offsets)) {
		return 0, false
	}
	return s.Offsets[pos], true
}

// Append records committed offsets for contiguous indices starting at first.
func (s *Segment) Append(first uint64, offsets []int64, end int64) {
	if len(offsets) == 0 {
		return
	}
	if len(s.Offsets) == 0 {
		s.FirstIndex = first
		s.IDFrom = max(s.IDFrom, first)
	}
	s.Offsets = append(s.Offsets, offsets...)
	s.IDUntil = s.FirstIndex + uint64(len(s.Offsets)) - 1
	s.End = end
}

// TruncateFrom drops every record at or after index and returns the new end offset.
func (s *Segment) TruncateFrom(index uint64) int64 {
	if index <= s.FirstIndex || len(s.Offsets) == 0 {
		s.Offsets = s.Offsets[:0]
		s.End = SegmentHeaderSize
		s.IDUntil = 0
		if s.IDFrom > 0 {
			s.IDUntil = s.IDFrom - 1
		}
		s.Sealed = false
		return s.End
	}
	keep := index - s.FirstIndex
	if keep < uint64(len(s.Offsets)) {
		s.End = s.Offsets[keep]
		s.Offsets = s.Offsets[:keep]
	}
	s.IDUntil = index - 1
	s.Sealed = false
	return s.End
}

// Clone duplicates the bookkeeping, including a private copy of the offsets.
func (s *Segment) Clone() *Segment {
	c := *s
	c.Offsets = slices.Clone(s.Offsets)
	return &c
}

// SegmentSet is the ordered list of segments of one log directory.
// The last segment is the active one.
type SegmentSet struct {
	Dir      string
	Segments []*Segment

	nextWalNo uint64
}

// NewSegmentSet returns an empty set for dir.
func NewSegmentSet(dir string, nextWalNo uint64) *SegmentSet {
	if nextWalNo == 0 {
		nextWalNo = 1
	}
	return &SegmentSet{Dir: dir, nextWalNo: nextWalNo}
}

// Active returns the appendable segment, nil when the set is empty.
func (s *SegmentSet) Active() *Segment {
	if len(s.Segments) == 0 {
		return nil
	}
	return s.Segments[len(s.Segments)-1]
}

// AllocWalNo reserves the next wal number. Numbers are never reused.
func (s *SegmentSet) AllocWalNo() uint64 {
	n := s.nextWalNo
	s.nextWalNo++
	return n
}

// NextWalNo returns the number the next rotation will use.
func (s *SegmentSet) NextWalNo() uint64 {
	return s.nextWalNo
}

// Clone copies bookkeeping for every segment.
// The wal number allocator stays with the original, a clone cannot rotate.
func (s *SegmentSet) Clone() *SegmentSet {
	c := &SegmentSet{
		Dir:      s.Dir,
		Segments: make([]*Segment, len(s.Segments)),
	}
	for i, seg := range s.Segments {
		c.Segments[i] = seg.Clone()
	}
	return c
}

// Bounds returns the first and last logically readable indices.
func (s *SegmentSet) Bounds() (first, last uint64, ok bool) {
	for _, seg := range s.Segments {
		if !seg.Empty() {
			first, ok = seg.IDFrom, true
			break
		}
	}
	if !ok {
		return 0, 0, false
	}
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if seg := s.Segments[i]; !seg.Empty() {
			last = seg.IDUntil
			break
		}
	}
	return first, last, true
}

// Find returns the position of the segment that logically holds index.
func (s *SegmentSet) Find(index uint64) (int, bool) {
	for i := len(s.Segments) - 1; i >= 0; i-- {
		if s.Segments[i].Contains(index) {
			return i, true
		}
	}
	return 0, false
}

// PurgeThrough logically drops every index at or below index.
// Segments left with no physical record at or above index+1 are removed from the
// set and returned, except the active one which always stays.
func (s *SegmentSet) PurgeThrough(index uint64) []*Segment {
	var removed []*Segment
	kept := s.Segments[:0]
	for i, seg := range s.Segments {
		last, has := seg.PhysicalLast()
		isActive := i == len(s.Segments)-1
		if !isActive && (!has || last <= index) {
			removed = append(removed, seg)
			continue
		}
		if index != math.MaxUint64 && seg.IDFrom <= index {
			seg.IDFrom = index + 1
		}
		kept = append(kept, seg)
	}
	clear(s.Segments[len(kept):])
	s.Segments = kept
	return removed
}

// TruncateFrom physically drops every index at or after index.
// Whole segments starting at or after index are removed from the set and returned,
// the segment holding index keeps its head. The caller must add a fresh
// active segment when every segment was removed.
func (s *SegmentSet) TruncateFrom(index uint64) (removed []*Segment, cut *Segment) {
	kept := s.Segments[:0]
	for _, seg := range s.Segments {
		last, has := seg.PhysicalLast()
		switch {
		case has && seg.FirstIndex >= index:
			removed = append(removed, seg)
		case has && last >= index:
			seg.TruncateFrom(index)
			cut = seg
			kept = append(kept, seg)
		default:
			kept = append(kept, seg)
		}
	}
	clear(s.Segments[len(kept):])
	s.Segments = kept

	// only the tail may be written to, so every segment after the cut goes.
	if cut != nil {
		for i, seg := range s.Segments {
			if seg == cut && i != len(s.Segments)-1 {
				removed = append(removed, s.Segments[i+1:]...)
				s.Segments = s.Segments[:i+1]
				break
			}
		}
	}
	return removed, cut
}
