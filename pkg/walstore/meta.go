package walstore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"

	"github.com/hqlite/hqwal/pkg/walfs"
)

const (
	MetaFileName = "meta.hql"
	metaMagic    = "HQLMETA"
	metaVersion  = 1
	// magic(7) + version(1) + crc(4)
	metaHeaderSize = 12

	metaHasPurged byte = 1 << 0
	metaHasVote   byte = 1 << 1

	metaTempPattern = MetaFileName + ".tmp-*"
)

// Metadata is the state persisted beside the segments.
// nil slices mean the value was never set.
type Metadata struct {
	// LastPurged is the caller's encoding of the last purged log id.
	LastPurged []byte
	// PurgedIndex is the log index LastPurged refers to.
	PurgedIndex uint64
	Vote        []byte
}

func (m Metadata) HasPurged() bool {
	return m.LastPurged != nil
}

func (m Metadata) clone() Metadata {
	c := Metadata{PurgedIndex: m.PurgedIndex}
	if m.LastPurged != nil {
		c.LastPurged = bytes.Clone(m.LastPurged)
	}
	if m.Vote != nil {
		c.Vote = bytes.Clone(m.Vote)
	}
	return c
}

// Encode serializes the metadata file, header included.
func (m Metadata) Encode() []byte {
	var flags byte
	payload := make([]byte, 1, 1+binary.MaxVarintLen64*3+len(m.LastPurged)+len(m.Vote))
	if m.LastPurged != nil {
		flags |= metaHasPurged
		payload = binary.AppendUvarint(payload, m.PurgedIndex)
		payload = binary.AppendUvarint(payload, uint64(len(m.LastPurged)))
		payload = append(payload, m.LastPurged...)
	}
	if m.Vote != nil {
		flags |= metaHasVote
		payload = binary.AppendUvarint(payload, uint64(len(m.Vote)))
		payload = append(payload, m.Vote...)
	}
	payload[0] = flags

	buf := make([]byte, metaHeaderSize, metaHeaderSize+len(payload))
	copy(buf, metaMagic)
	buf[7] = metaVersion
	binary.LittleEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(payload))
	return append(buf, payload...)
}

// DecodeMetadata validates magic, version and checksum before decoding the payload.
func DecodeMetadata(data []byte) (Metadata, error) {
	if len(data) < metaHeaderSize+1 {
		return Metadata{}, fmt.Errorf("%w: metadata file is %d bytes", ErrFileCorrupted, len(data))
	}
	if string(data[:7]) != metaMagic {
		return Metadata{}, fmt.Errorf("%w: bad metadata magic %q", ErrFileCorrupted, data[:7])
	}
	if data[7] != metaVersion {
		return Metadata{}, fmt.Errorf("%w: unsupported metadata version %d", ErrFileCorrupted, data[7])
	}
	payload := data[metaHeaderSize:]
	saved := binary.LittleEndian.Uint32(data[8:12])
	if computed := crc32.ChecksumIEEE(payload); saved != computed {
		return Metadata{}, fmt.Errorf("%w: metadata CRC mismatch: expected %08x, got %08x",
			ErrFileCorrupted, saved, computed)
	}

	m, err := decodeMetaPayload(payload)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: %w", ErrFileCorrupted, err)
	}
	return m, nil
}

func decodeMetaPayload(payload []byte) (Metadata, error) {
	var m Metadata
	flags := payload[0]
	rest := payload[1:]
	if flags&^(metaHasPurged|metaHasVote) != 0 {
		return m, fmt.Errorf("%w: unknown metadata flags %02x", ErrDecode, flags)
	}
	if flags&metaHasPurged != 0 {
		idx, n := binary.Uvarint(rest)
		if n <= 0 {
			return m, fmt.Errorf("%w: purged index", ErrParse)
		}
		m.PurgedIndex = idx
		rest = rest[n:]
		var err error
		if m.LastPurged, rest, err = readBlob(rest); err != nil {
			return m, err
		}
	}
	if flags&metaHasVote != 0 {
		var err error
		if m.Vote, rest, err = readBlob(rest); err != nil {
			return m, err
		}
	}
	if len(rest) != 0 {
		return m, fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(rest))
	}
	return m, nil
}

func readBlob(buf []byte) ([]byte, []byte, error) {
	size, n := binary.Uvarint(buf)
	if n <= 0 {
		return nil, nil, fmt.Errorf("%w: blob length", ErrParse)
	}
	buf = buf[n:]
	if size > uint64(len(buf)) {
		return nil, nil, fmt.Errorf("%w: blob of %d bytes exceeds payload", ErrDecode, size)
	}
	return bytes.Clone(buf[:size]), buf[size:], nil
}

// loadMetadata reads meta.hql, or creates it empty on first open.
func loadMetadata(dir string, syncer walfs.DirectorySyncer) (Metadata, error) {
	removeStaleMetaTemps(dir)

	path := filepath.Join(dir, MetaFileName)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		m := Metadata{}
		if err := writeMetadata(dir, m, syncer); err != nil {
			return Metadata{}, err
		}
		return m, nil
	}
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return DecodeMetadata(data)
}

// writeMetadata replaces meta.hql as a whole: the new content goes to a temp
// file that is synced and renamed over the old one, then the directory is synced.
func writeMetadata(dir string, m Metadata, syncer walfs.DirectorySyncer) error {
	tmp, err := os.CreateTemp(dir, metaTempPattern)
	if err != nil {
		return fmt.Errorf("create metadata temp: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}()

	if _, err := tmp.Write(m.Encode()); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, MetaFileName)); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	if syncer != nil {
		if err := syncer.SyncDir(dir); err != nil {
			return fmt.Errorf("fsync metadata directory: %w", err)
		}
	}
	return nil
}

func removeStaleMetaTemps(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	prefix := MetaFileName + ".tmp-"
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			_ = os.Remove(filepath.Join(dir, e.Name()))
		}
	}
}
