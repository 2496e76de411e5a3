package walfs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

var (
	ErrInvalidCRC      = errors.New("invalid crc, the data may be corrupted")
	ErrCorruptHeader   = errors.New("corrupt record header, invalid length")
	ErrIncompleteChunk = errors.New("incomplete or torn write detected at record trailer")
	ErrNoRecord        = errors.New("no record at offset")
	ErrFileCorrupted   = errors.New("file corrupted")
	ErrInvalidFileName = errors.New("invalid segment file name")
	ErrRecordTooLarge  = errors.New("record size exceeds maximum segment capacity")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// marker written after every WAL record to detect torn/incomplete writes.
const trailerWord uint64 = 0xDEADBEEFFEEDFACE

const (
	FlagActive uint32 = 1 << 0
	FlagSealed uint32 = 1 << 1

	// RecordBatchEnd marks the last record of an append batch.
	// Recovery discards every record written after the last one carrying it.
	RecordBatchEnd uint32 = 1 << 0

	SegmentHeaderSize = 64
	// "HQLW"
	segmentMagicNumber   = 0x48514C57
	segmentHeaderVersion = 1

	// layout: 4 (checksum) + 4 (length) + 8 (index) + 4 (flags) + 4 (reserved)
	recordHeaderSize = 24

	// size of the trailer used to detect torn writes.
	// Recovery stops at the first record whose trailer is missing.
	// SEE: https://github.com/etcd-io/etcd/issues/6191#issuecomment-240268979
	recordTrailerSize = 8

	// alignSize defines the boundary (in bytes) to which all records are aligned.
	// SEE: https://github.com/boltdb/bolt/issues/548
	alignSize int64 = 8
	alignMask int64 = alignSize - 1

	// DefaultSegmentSize is 16MB.
	DefaultSegmentSize int64 = 16 * 1024 * 1024
	// MaxSegmentSize is 4 GiB.
	MaxSegmentSize int64 = 4 * 1024 * 1024 * 1024
	// MinSegmentSize fits the header and one small record.
	MinSegmentSize int64 = 4096

	SegmentExt   = ".wal"
	fileModePerm = 0o600
)

// SegmentHeader is encoded big-endian at the top of every segment file.
// Its Size is 64 byte once encoded.
type SegmentHeader struct {
	// at 0
	Magic uint32
	// at 4
	Version uint32
	// at 8
	CreatedAt int64
	// at 16
	LastModifiedAt int64
	// at 24
	WriteOffset int64
	// at 32
	EntryCount int64
	// at 40
	Flags uint32
	// at 44-51
	FirstIndex uint64
	// 52-55 reserved
	// at 56: CRC32C of first 56 bytes
	CRC uint32
	// 60-63 padding
}

/* Record Layout:
┌──────────────────────────────────────────────────────────────┐
│ 0..3    CRC32C(header[4:24] || data)                         │
│ 4..7    u32 length                                           │
│ 8..15   u64 log index                                        │
│ 16..19  u32 flags (RecordBatchEnd)                           │
│ 20..23  reserved                                             │
│ 24..(24+len-1)  data                                         │
│ (24+len)..(32+len-1)  trailer 0xDEADBEEFFEEDFACE             │
│ ... zero padding to next 8-byte boundary                     │
└──────────────────────────────────────────────────────────────┘
*/

func newSegmentHeader(now time.Time) SegmentHeader {
	ts := now.UnixNano()
	return SegmentHeader{
		Magic:          segmentMagicNumber,
		Version:        segmentHeaderVersion,
		CreatedAt:      ts,
		LastModifiedAt: ts,
		WriteOffset:    SegmentHeaderSize,
		Flags:          FlagActive,
	}
}

// Encode writes the header into buf, which must be at least 64 bytes long.
func (h *SegmentHeader) Encode(buf []byte) {
	_ = buf[SegmentHeaderSize-1]
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint64(buf[8:16], uint64(h.CreatedAt))
	binary.BigEndian.PutUint64(buf[16:24], uint64(h.LastModifiedAt))
	binary.BigEndian.PutUint64(buf[24:32], uint64(h.WriteOffset))
	binary.BigEndian.PutUint64(buf[32:40], uint64(h.EntryCount))
	binary.BigEndian.PutUint32(buf[40:44], h.Flags)
	binary.BigEndian.PutUint64(buf[44:52], h.FirstIndex)
	clear(buf[52:56])
	h.CRC = crc32.Checksum(buf[0:56], crcTable)
	binary.BigEndian.PutUint32(buf[56:60], h.CRC)
	clear(buf[60:64])
}

// DecodeSegmentHeader validates magic, version and checksum before decoding.
func DecodeSegmentHeader(buf []byte) (SegmentHeader, error) {
	if len(buf) < SegmentHeaderSize {
		return SegmentHeader{}, fmt.Errorf("%w: short segment header (%d bytes)", ErrFileCorrupted, len(buf))
	}
	crc := binary.BigEndian.Uint32(buf[56:60])
	computed := crc32.Checksum(buf[0:56], crcTable)
	if crc != computed {
		return SegmentHeader{}, fmt.Errorf("%w: segment header CRC mismatch: expected %08x, got %08x",
			ErrFileCorrupted, crc, computed)
	}

	h := SegmentHeader{
		Magic:          binary.BigEndian.Uint32(buf[0:4]),
		Version:        binary.BigEndian.Uint32(buf[4:8]),
		CreatedAt:      int64(binary.BigEndian.Uint64(buf[8:16])),
		LastModifiedAt: int64(binary.BigEndian.Uint64(buf[16:24])),
		WriteOffset:    int64(binary.BigEndian.Uint64(buf[24:32])),
		EntryCount:     int64(binary.BigEndian.Uint64(buf[32:40])),
		Flags:          binary.BigEndian.Uint32(buf[40:44]),
		FirstIndex:     binary.BigEndian.Uint64(buf[44:52]),
		CRC:            crc,
	}
	if h.Magic != segmentMagicNumber {
		return SegmentHeader{}, fmt.Errorf("%w: bad segment magic %08x", ErrFileCorrupted, h.Magic)
	}
	if h.Version != segmentHeaderVersion {
		return SegmentHeader{}, fmt.Errorf("%w: unsupported segment version %d", ErrFileCorrupted, h.Version)
	}
	return h, nil
}

// IsSealed returns if the provided flag has sealed bit set.
func IsSealed(flags uint32) bool {
	return flags&FlagSealed != 0
}

func IsActive(flags uint32) bool {
	return flags&FlagActive != 0
}

// RecordView is a decoded record. Data aliases the underlying buffer.
type RecordView struct {
	Index uint64
	Flags uint32
	Data  []byte
}

func (r RecordView) BatchEnd() bool {
	return r.Flags&RecordBatchEnd != 0
}

// RecordSize returns the aligned on-disk size of a record carrying dataLen bytes.
//
//go:inline
func RecordSize(dataLen int) int64 {
	return alignUp(int64(recordHeaderSize) + int64(dataLen) + recordTrailerSize)
}

// MaxPayloadSize returns the largest payload a segment of the given capacity can hold.
func MaxPayloadSize(capacity int64) int64 {
	return capacity - SegmentHeaderSize - recordHeaderSize - recordTrailerSize
}

// EncodeRecord writes one aligned record into buf, growing it if needed,
// and returns the encoded slice.
func EncodeRecord(buf []byte, index uint64, flags uint32, data []byte) []byte {
	size := int(RecordSize(len(data)))
	if cap(buf) < size {
		buf = make([]byte, size)
	}
	buf = buf[:size]

	binary.BigEndian.PutUint32(buf[4:8], uint32(len(data)))
	binary.BigEndian.PutUint64(buf[8:16], index)
	binary.BigEndian.PutUint32(buf[16:20], flags)
	clear(buf[20:24])
	copy(buf[recordHeaderSize:], data)
	trailerAt := recordHeaderSize + len(data)
	binary.BigEndian.PutUint64(buf[trailerAt:], trailerWord)
	clear(buf[trailerAt+recordTrailerSize:])

	binary.BigEndian.PutUint32(buf[0:4], crc32Checksum(buf[4:recordHeaderSize], data))
	return buf
}

// DecodeRecord validates and decodes the record at offset within buf.
// It returns the record and the offset of the next one.
// ErrNoRecord is returned for a zeroed header, which marks the end of written data.
func DecodeRecord(buf []byte, offset int64) (RecordView, int64, error) {
	if offset < SegmentHeaderSize || offset&alignMask != 0 {
		return RecordView{}, offset, fmt.Errorf("%w: misaligned offset %d", ErrCorruptHeader, offset)
	}
	if offset >= int64(len(buf)) {
		return RecordView{}, offset, ErrNoRecord
	}
	rec, size, err := decodeRecord(buf[offset:])
	if err != nil {
		return RecordView{}, offset, err
	}
	return rec, offset + size, nil
}

func decodeRecord(buf []byte) (RecordView, int64, error) {
	size := int64(len(buf))
	if recordHeaderSize > size {
		return RecordView{}, 0, ErrNoRecord
	}

	header := buf[:recordHeaderSize]
	savedSum := binary.BigEndian.Uint32(header[0:4])
	length := binary.BigEndian.Uint32(header[4:8])
	if savedSum == 0 && length == 0 {
		return RecordView{}, 0, ErrNoRecord
	}

	dataSize := int64(length)
	// checking the length first so a corrupted length never reads out of bounds.
	if recordHeaderSize+dataSize+recordTrailerSize > size {
		return RecordView{}, 0, ErrCorruptHeader
	}

	trailerAt := recordHeaderSize + dataSize
	if binary.BigEndian.Uint64(buf[trailerAt:trailerAt+recordTrailerSize]) != trailerWord {
		return RecordView{}, 0, ErrIncompleteChunk
	}

	data := buf[recordHeaderSize:trailerAt]
	if savedSum != crc32Checksum(header[4:], data) {
		return RecordView{}, 0, ErrInvalidCRC
	}

	rec := RecordView{
		Index: binary.BigEndian.Uint64(header[8:16]),
		Flags: binary.BigEndian.Uint32(header[16:20]),
		Data:  data,
	}
	return rec, alignUp(recordHeaderSize + dataSize + recordTrailerSize), nil
}

// alignUp returns the next multiple of alignSize greater than or equal to n.
//
//go:inline
func alignUp(n int64) int64 {
	return (n + alignMask) & ^alignMask
}

func crc32Checksum(header []byte, data []byte) uint32 {
	sum := crc32.Checksum(header, crcTable)
	return crc32.Update(sum, crcTable, data)
}

// SegmentFileName returns the file name of a Segment file.
func SegmentFileName(dirPath string, walNo uint64) string {
	return filepath.Join(dirPath, fmt.Sprintf("%020d"+SegmentExt, walNo))
}

// ParseSegmentFileName extracts the wal number from a segment file name.
func ParseSegmentFileName(name string) (uint64, error) {
	base := filepath.Base(name)
	if !strings.HasSuffix(base, SegmentExt) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidFileName, base)
	}
	walNo, err := strconv.ParseUint(strings.TrimSuffix(base, SegmentExt), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q: %w", ErrInvalidFileName, base, err)
	}
	return walNo, nil
}
