package raftwalfs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/raft"

	"github.com/hqlite/hqwal/pkg/walstore"
)

// EntryCodec turns raft log entries into WAL record payloads and back.
// Implementations must be safe for concurrent use.
type EntryCodec interface {
	ID() uint64

	// Encode serializes a raft.Log. The returned buffer may come from a pool,
	// see ReleaseEncodeBuffers.
	Encode(log *raft.Log) ([]byte, error)

	// Decode deserializes a record payload. The returned Log may reference data.
	Decode(data []byte) (raft.Log, error)
}

const (
	// CodecBinaryV1ID is the ID for the built-in binary codec.
	CodecBinaryV1ID uint64 = 1

	binaryV1HeaderSize = 8 + 8 + 1 + 8
	maxPooledBuffer    = 64 * 1024
)

var encodeBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 4096)
		return &buf
	},
}

// BinaryCodecV1 is the default codec.
// Format: term(8) | index(8) | type(1) | appendedAt(8) | dataLen(uvarint) | data | extLen(uvarint) | ext
// Fixed width fields are little endian.
type BinaryCodecV1 struct{}

// ID returns the codec identifier.
func (BinaryCodecV1) ID() uint64 {
	return CodecBinaryV1ID
}

// Encode serializes l into a pooled buffer.
func (BinaryCodecV1) Encode(l *raft.Log) ([]byte, error) {
	if l == nil {
		return nil, fmt.Errorf("%w: nil log", walstore.ErrEncode)
	}
	dataLenSize := varintSize(uint64(len(l.Data)))
	extLenSize := varintSize(uint64(len(l.Extensions)))
	totalSize := binaryV1HeaderSize + dataLenSize + len(l.Data) + extLenSize + len(l.Extensions)

	var buf []byte
	if pooled := encodeBufferPool.Get().(*[]byte); cap(*pooled) >= totalSize {
		buf = (*pooled)[:totalSize]
	} else {
		buf = make([]byte, totalSize)
	}

	binary.LittleEndian.PutUint64(buf[0:], l.Term)
	binary.LittleEndian.PutUint64(buf[8:], l.Index)
	buf[16] = byte(l.Type)

	var appended int64
	if !l.AppendedAt.IsZero() {
		appended = l.AppendedAt.UnixNano()
	}
	binary.LittleEndian.PutUint64(buf[17:], uint64(appended))

	offset := binaryV1HeaderSize
	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Data)))
	offset += copy(buf[offset:], l.Data)
	offset += binary.PutUvarint(buf[offset:], uint64(len(l.Extensions)))
	copy(buf[offset:], l.Extensions)

	return buf, nil
}

// ReleaseEncodeBuffers returns encoded buffers to the pool.
// Call it once the writer acknowledged the batch holding them.
func ReleaseEncodeBuffers(buffers [][]byte) {
	for i := range buffers {
		if buffers[i] != nil && cap(buffers[i]) <= maxPooledBuffer {
			buf := buffers[i][:0]
			encodeBufferPool.Put(&buf)
		}
		buffers[i] = nil
	}
}

// Decode deserializes a raft.Log. Data and Extensions alias data.
func (BinaryCodecV1) Decode(data []byte) (raft.Log, error) {
	if len(data) < binaryV1HeaderSize {
		return raft.Log{}, fmt.Errorf("%w: entry of %d bytes is too short", walstore.ErrDecode, len(data))
	}

	var l raft.Log
	l.Term = binary.LittleEndian.Uint64(data[0:8])
	l.Index = binary.LittleEndian.Uint64(data[8:16])
	l.Type = raft.LogType(data[16])
	if ts := binary.LittleEndian.Uint64(data[17:25]); ts != 0 {
		l.AppendedAt = time.Unix(0, int64(ts))
	}

	offset := binaryV1HeaderSize
	body, n, err := readUvarintBytes(data[offset:])
	if err != nil {
		return raft.Log{}, fmt.Errorf("%w: data: %w", walstore.ErrDecode, err)
	}
	l.Data = body
	offset += n

	ext, _, err := readUvarintBytes(data[offset:])
	if err != nil {
		return raft.Log{}, fmt.Errorf("%w: extensions: %w", walstore.ErrDecode, err)
	}
	l.Extensions = ext

	return l, nil
}

// readUvarintBytes reads a uvarint length followed by that many bytes.
// An empty field decodes to nil.
func readUvarintBytes(buf []byte) ([]byte, int, error) {
	size, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: invalid length varint", walstore.ErrParse)
	}
	if size > uint64(len(buf)-n) {
		return nil, 0, fmt.Errorf("length %d exceeds buffer of %d", size, len(buf)-n)
	}
	if size == 0 {
		return nil, n, nil
	}
	end := n + int(size)
	return buf[n:end:end], end, nil
}

// varintSize returns the number of bytes binary.PutUvarint needs for v.
func varintSize(v uint64) int {
	size := 1
	for v >= 0x80 {
		v >>= 7
		size++
	}
	return size
}

var _ EntryCodec = BinaryCodecV1{}
