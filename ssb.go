package lfs

import (
	"bytes"
	"encoding/binary"
	"sync/atomic"

	"github.com/pkg/errors"
)

// SSBEntryKind identifies what a segment summary entry describes,
// per spec.md §3.
type SSBEntryKind uint8

const (
	SSBNone SSBEntryKind = iota
	SSBData
	SSBInode
	SSBIndirect
)

// SSBEntry is one per-block provenance record, per spec.md §3.
//
// For SSBData, Offset is the logical block number within the file
// (< NDIRECT direct, >= NDIRECT indirect-index + NDIRECT). For SSBIndirect,
// Offset is always NDIRECT. For SSBInode, Inum is any inode number
// contained in the block and Offset/Version are unused.
type SSBEntry struct {
	Kind    SSBEntryKind
	Inum    uint32
	Offset  uint32
	Version uint8
}

const ssbEntrySize = 1 + 4 + 4 + 1 // Kind, Inum, Offset, Version
const ssbHeaderSize = 4 + 4 + 4 + 4 + 4

// SSBEntriesPerBlock is the maximum number of entries one SSB can hold.
const SSBEntriesPerBlock = (BSIZE - ssbHeaderSize) / ssbEntrySize

// ssbBuffer accumulates entries for the segment currently being appended
// to, per spec.md §4.2. Single-entered by an in-progress flag: concurrent
// flush attempts observe flushing==1 and return immediately, letting the
// active flush complete (the caller must already hold the engine lock when
// calling flush, so "concurrent" here means re-entrant, not
// multi-goroutine).
type ssbBuffer struct {
	entries  []SSBEntry
	flushing atomic.Bool
}

func newSSBBuffer() *ssbBuffer {
	return &ssbBuffer{entries: make([]SSBEntry, 0, SSBEntriesPerBlock)}
}

// add appends one entry. Returns false if the buffer is already full and
// must be flushed first; Allocator.Alloc flushes a full buffer before
// adding, so callers only reach this with room left.
func (b *ssbBuffer) add(e SSBEntry) bool {
	if len(b.entries) >= SSBEntriesPerBlock {
		return false
	}
	b.entries = append(b.entries, e)
	return true
}

func (b *ssbBuffer) len() int { return len(b.entries) }

// snapshotAndClear copies out the current entries and empties the buffer,
// for use by the flush path (which writes outside the engine lock).
func (b *ssbBuffer) snapshotAndClear() []SSBEntry {
	out := make([]SSBEntry, len(b.entries))
	copy(out, b.entries)
	b.entries = b.entries[:0]
	return out
}

// ssbChecksum is a simple XOR over the {inum, offset, version} triples, per
// spec.md §3.
func ssbChecksum(entries []SSBEntry) uint32 {
	var sum uint32
	for _, e := range entries {
		sum ^= e.Inum
		sum ^= e.Offset
		sum ^= uint32(e.Version)
	}
	return sum
}

// encodeSSBBlock serializes entries into a BSIZE-byte SSB, per spec.md §3:
// header {magic, nblocks, checksum, timestamp, next_seg_addr} then entries.
func encodeSSBBlock(entries []SSBEntry, timestamp, nextSegAddr uint32) ([]byte, error) {
	buf := &bytes.Buffer{}
	header := []uint32{SSBMagic, uint32(len(entries)), ssbChecksum(entries), timestamp, nextSegAddr}
	for _, f := range header {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	for _, e := range entries {
		if err := binary.Write(buf, binary.LittleEndian, e.Kind); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, e.Inum); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, e.Offset); err != nil {
			return nil, err
		}
		if err := binary.Write(buf, binary.LittleEndian, e.Version); err != nil {
			return nil, err
		}
	}
	if buf.Len() > BSIZE {
		return nil, errors.New("lfs: ssb block overflow")
	}
	out := make([]byte, BSIZE)
	copy(out, buf.Bytes())
	return out, nil
}

// decodeSSBBlock parses and validates an SSB. Returns ErrBadSSB (not
// fatal) on magic/checksum mismatch so the cleaner can fall back to its
// imap-scan path, per spec.md §4.6 step 1 / §7.
func decodeSSBBlock(data []byte) ([]SSBEntry, error) {
	if len(data) != BSIZE {
		return nil, ErrBadSSB
	}
	r := bytes.NewReader(data)
	var magic, nblocks, checksum, timestamp, nextSeg uint32
	for _, f := range []*uint32{&magic, &nblocks, &checksum, &timestamp, &nextSeg} {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return nil, ErrBadSSB
		}
	}
	if magic != SSBMagic {
		return nil, ErrBadSSB
	}
	if nblocks > uint32(SSBEntriesPerBlock) {
		return nil, ErrBadSSB
	}
	entries := make([]SSBEntry, nblocks)
	for i := range entries {
		var e SSBEntry
		if err := binary.Read(r, binary.LittleEndian, &e.Kind); err != nil {
			return nil, ErrBadSSB
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Inum); err != nil {
			return nil, ErrBadSSB
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Offset); err != nil {
			return nil, ErrBadSSB
		}
		if err := binary.Read(r, binary.LittleEndian, &e.Version); err != nil {
			return nil, ErrBadSSB
		}
		entries[i] = e
	}
	if ssbChecksum(entries) != checksum {
		return nil, ErrBadSSB
	}
	return entries, nil
}
