package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// SUTFreeMarker distinguishes a free segment from a used one with zero
// live bytes, per spec.md §3.
const SUTFreeMarker = ^uint32(0)

// SUTEntry is one segment's liveness accounting, per spec.md §3.
type SUTEntry struct {
	LiveBytes uint32
	Age       uint32
}

const sutEntrySize = 8

// entriesPerSUTBlock is how many SUTEntry records fit in one block.
const entriesPerSUTBlock = BSIZE / sutEntrySize

// SUT is the flat, per-segment usage table from spec.md §4.5. persisted
// holds the last block contents written to disk so writeSUT can skip
// unchanged blocks (the "partial update" rule).
type SUT struct {
	entries   []SUTEntry
	persisted [][]byte
}

// NewSUT allocates a SUT for nsegs segments, every segment initially free.
func NewSUT(nsegs uint32) *SUT {
	s := &SUT{entries: make([]SUTEntry, nsegs)}
	for i := range s.entries {
		s.entries[i] = SUTEntry{LiveBytes: SUTFreeMarker}
	}
	return s
}

func (s *SUT) Get(seg uint32) SUTEntry { return s.entries[seg] }

// MarkUsed transitions a segment from free to in-use with zero live bytes,
// called when the allocator starts filling it.
func (s *SUT) MarkUsed(seg uint32, age uint32) {
	s.entries[seg] = SUTEntry{LiveBytes: 0, Age: age}
}

// MarkFree marks a segment free again, called once the cleaner has
// relocated every live block out of it and the freeing checkpoint is
// durable, per spec.md §3's segment lifecycle.
func (s *SUT) MarkFree(seg uint32) {
	s.entries[seg] = SUTEntry{LiveBytes: SUTFreeMarker}
}

// UpdateUsage adjusts seg's live-byte count by delta (positive on first
// write, negative on supersede), saturating at zero, and stamps age.
// Per spec.md §4.5.
func (s *SUT) UpdateUsage(seg uint32, delta int32, age uint32) {
	e := &s.entries[seg]
	if e.LiveBytes == SUTFreeMarker {
		// a write landing in a segment marked free is a bug in the
		// caller; ignore defensively rather than corrupt the marker.
		return
	}
	if delta >= 0 {
		e.LiveBytes += uint32(delta)
	} else {
		dec := uint32(-delta)
		if dec > e.LiveBytes {
			e.LiveBytes = 0
		} else {
			e.LiveBytes -= dec
		}
	}
	e.Age = age
}

// UtilizationPercent returns 0-100 utilization for segment seg given the
// segment size in bytes.
func (s *SUT) UtilizationPercent(seg uint32, segBytes uint32) uint32 {
	e := s.entries[seg]
	if e.LiveBytes == SUTFreeMarker || segBytes == 0 {
		return 0
	}
	return e.LiveBytes * 100 / segBytes
}

// OverallUtilizationPercent returns 0-100 utilization across every in-use
// segment: total live bytes over total in-use capacity. Free segments
// contribute to neither side, matching the cleaner's own per-segment
// UtilizationPercent treatment of SUTFreeMarker.
func (s *SUT) OverallUtilizationPercent(segBytes uint32) uint32 {
	var liveTotal, capTotal uint64
	for _, e := range s.entries {
		if e.LiveBytes == SUTFreeMarker {
			continue
		}
		liveTotal += uint64(e.LiveBytes)
		capTotal += uint64(segBytes)
	}
	if capTotal == 0 {
		return 0
	}
	return uint32(liveTotal * 100 / capTotal)
}

func marshalSUTBlock(entries []SUTEntry, start int) []byte {
	buf := &bytes.Buffer{}
	for j := 0; j < entriesPerSUTBlock; j++ {
		var e SUTEntry
		if start+j < len(entries) {
			e = entries[start+j]
		}
		binary.Write(buf, binary.LittleEndian, e.LiveBytes)
		binary.Write(buf, binary.LittleEndian, e.Age)
	}
	return buf.Bytes()
}

func unmarshalSUTBlock(data []byte) []SUTEntry {
	out := make([]SUTEntry, entriesPerSUTBlock)
	r := bytes.NewReader(data)
	for i := range out {
		binary.Read(r, binary.LittleEndian, &out[i].LiveBytes)
		binary.Read(r, binary.LittleEndian, &out[i].Age)
	}
	return out
}

func nSUTBlocksNeeded(nsegs int) uint32 {
	return uint32((nsegs + entriesPerSUTBlock - 1) / entriesPerSUTBlock)
}

func loadSUT(dev BlockDevice, cp *Checkpoint, nsegs uint32) (*SUT, error) {
	s := NewSUT(nsegs)
	n := cp.SutNBlocks
	if n > NSutBlocks {
		n = NSutBlocks
	}
	s.persisted = make([][]byte, n)
	for i := uint32(0); i < n; i++ {
		buf, err := dev.ReadBlock(cp.SutAddrs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "lfs: read sut block %d", i)
		}
		s.persisted[i] = append([]byte(nil), buf...)
		block := unmarshalSUTBlock(buf)
		for j, e := range block {
			idx := int(i)*entriesPerSUTBlock + j
			if idx >= len(s.entries) {
				break
			}
			s.entries[idx] = e
		}
	}
	return s, nil
}
