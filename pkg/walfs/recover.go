package walfs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"
)

// RecoveryConfig drives Recover.
type RecoveryConfig struct {
	Dir string
	// PurgedThrough is the last purged log index, used when HasPurged is set.
	PurgedThrough uint64
	HasPurged     bool
	Syncer        DirectorySyncer
}

type scannedSegment struct {
	seg    *Segment
	header SegmentHeader
	// number of records up to and including the last batch end.
	commitCount int
	commitEnd   int64
	scanEnd     int64
	torn        bool
}

// Recover rebuilds the segment set of a directory.
//
// Every segment is scanned up to its first invalid record. Records written
// after the last batch end marker belong to an append that never completed and
// are erased, together with any segment holding nothing else. A sealed segment
// that does not scan up to its recorded write offset, a bad header, a torn
// record in the middle of the log or a gap between indices is ErrFileCorrupted.
// Segments at or below PurgedThrough are deleted.
//
// The returned set may be empty, the caller is responsible for creating the
// first active segment.
func Recover(cfg RecoveryConfig) (*SegmentSet, error) {
	start := time.Now()
	walNos, err := listSegments(cfg.Dir)
	if err != nil {
		return nil, err
	}

	var next uint64 = 1
	if len(walNos) > 0 {
		next = walNos[len(walNos)-1] + 1
	}
	set := NewSegmentSet(cfg.Dir, next)

	scanned := make([]*scannedSegment, 0, len(walNos))
	for _, walNo := range walNos {
		sc, err := scanSegment(cfg.Dir, walNo)
		if err != nil {
			return nil, err
		}
		scanned = append(scanned, sc)
	}

	commitAt := -1
	for i := len(scanned) - 1; i >= 0; i-- {
		if scanned[i].commitCount > 0 {
			commitAt = i
			break
		}
	}
	for _, sc := range scanned[commitAt+1:] {
		slog.Warn("[walfs]",
			slog.String("message", "discarding segment past the last committed batch"),
			slog.Uint64("wal_no", sc.seg.WalNo),
			slog.Int("records", sc.seg.Count()))
		if err := RemoveSegmentFile(SegmentFileName(cfg.Dir, sc.seg.WalNo), cfg.Syncer); err != nil {
			return nil, err
		}
	}
	scanned = scanned[:commitAt+1]

	for i, sc := range scanned {
		if i == len(scanned)-1 {
			if err := trimUncommitted(cfg.Dir, sc); err != nil {
				return nil, err
			}
			break
		}
		if sc.torn {
			return nil, fmt.Errorf("%w: segment %d has a torn record before committed data",
				ErrFileCorrupted, sc.seg.WalNo)
		}
	}

	for _, sc := range scanned {
		set.Segments = append(set.Segments, sc.seg)
	}

	if cfg.HasPurged {
		for _, seg := range set.PurgeThrough(cfg.PurgedThrough) {
			slog.Info("[walfs]",
				slog.String("message", "removing purged segment"),
				slog.Uint64("wal_no", seg.WalNo))
			if err := RemoveSegmentFile(SegmentFileName(cfg.Dir, seg.WalNo), cfg.Syncer); err != nil {
				return nil, err
			}
		}
	}

	if err := checkContiguous(set); err != nil {
		return nil, err
	}

	first, last, ok := set.Bounds()
	slog.Info("[walfs]",
		slog.String("message", "segments recovered"),
		slog.Int("segments", len(set.Segments)),
		slog.Bool("empty", !ok),
		slog.Uint64("first_index", first),
		slog.Uint64("last_index", last),
		slog.Duration("duration", time.Since(start)))
	return set, nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read wal dir: %w", err)
	}
	var walNos []uint64
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), SegmentExt) {
			continue
		}
		walNo, err := ParseSegmentFileName(e.Name())
		if err != nil {
			return nil, err
		}
		walNos = append(walNos, walNo)
	}
	slices.Sort(walNos)
	return walNos, nil
}

func scanSegment(dir string, walNo uint64) (*scannedSegment, error) {
	m, err := MapSegment(dir, walNo)
	if err != nil {
		return nil, err
	}
	defer m.Unmap()

	header, err := m.Header()
	if err != nil {
		return nil, fmt.Errorf("segment %d: %w", walNo, err)
	}

	seg := NewSegment(walNo, m.Size())
	sc := &scannedSegment{seg: seg, header: header, commitEnd: SegmentHeaderSize}
	var (
		expected uint64
		gapErr   error
	)
	end, scanErr := m.Scan(SegmentHeaderSize, func(offset int64, rec RecordView) bool {
		if len(seg.Offsets) > 0 && rec.Index != expected {
			gapErr = fmt.Errorf("%w: segment %d jumps from index %d to %d",
				ErrFileCorrupted, walNo, expected-1, rec.Index)
			return false
		}
		if len(seg.Offsets) == 0 {
			seg.FirstIndex = rec.Index
		}
		seg.Offsets = append(seg.Offsets, offset)
		expected = rec.Index + 1
		if rec.BatchEnd() {
			sc.commitCount = len(seg.Offsets)
			sc.commitEnd = offset + RecordSize(len(rec.Data))
		}
		return true
	})
	if gapErr != nil {
		return nil, gapErr
	}
	sc.scanEnd = end
	sc.torn = scanErr != nil
	seg.End = end
	seg.Sealed = IsSealed(header.Flags)
	if n := len(seg.Offsets); n > 0 {
		seg.IDFrom = seg.FirstIndex
		seg.IDUntil = seg.FirstIndex + uint64(n) - 1
	}

	if seg.Sealed && (sc.torn || end != header.WriteOffset) {
		return nil, fmt.Errorf("%w: sealed segment %d ends at %d, header says %d (%v)",
			ErrFileCorrupted, walNo, end, header.WriteOffset, scanErr)
	}
	if header.FirstIndex != 0 && len(seg.Offsets) > 0 && header.FirstIndex != seg.FirstIndex {
		return nil, fmt.Errorf("%w: segment %d header first index %d, first record %d",
			ErrFileCorrupted, walNo, header.FirstIndex, seg.FirstIndex)
	}
	if sc.torn {
		slog.Warn("[walfs]",
			slog.String("message", "segment scan stopped at invalid record"),
			slog.Uint64("wal_no", walNo),
			slog.Int64("offset", end),
			slog.Any("error", scanErr))
	}
	return sc, nil
}

// trimUncommitted erases the records after the last batch end of the tail segment.
func trimUncommitted(dir string, sc *scannedSegment) error {
	seg := sc.seg
	if sc.commitCount == seg.Count() && !sc.torn {
		return nil
	}

	// garbage past a torn record has unknown length, so the whole tail is cleared.
	dirtyEnd := sc.scanEnd
	if sc.torn {
		dirtyEnd = seg.Capacity
	}
	handle := seg.Clone()
	handle.End = dirtyEnd
	f, err := OpenSegmentFile(dir, handle)
	if err != nil {
		return err
	}
	rewindErr := f.Rewind(sc.commitEnd, int64(sc.commitCount))
	closeErr := f.Close()
	if err := errors.Join(rewindErr, closeErr); err != nil {
		return fmt.Errorf("trim segment %d: %w", seg.WalNo, err)
	}

	slog.Warn("[walfs]",
		slog.String("message", "discarded uncommitted records"),
		slog.Uint64("wal_no", seg.WalNo),
		slog.Int("discarded", seg.Count()-sc.commitCount))

	seg.Offsets = seg.Offsets[:sc.commitCount]
	seg.End = sc.commitEnd
	seg.Sealed = false
	seg.IDUntil = seg.FirstIndex + uint64(sc.commitCount) - 1
	return nil
}

func checkContiguous(set *SegmentSet) error {
	var (
		prev    *Segment
		prevEnd uint64
	)
	for _, seg := range set.Segments {
		last, has := seg.PhysicalLast()
		if !has {
			continue
		}
		if prev != nil && seg.FirstIndex != prevEnd+1 {
			return fmt.Errorf("%w: gap between segment %d (last %d) and segment %d (first %d)",
				ErrFileCorrupted, prev.WalNo, prevEnd, seg.WalNo, seg.FirstIndex)
		}
		prev, prevEnd = seg, last
	}
	return nil
}
