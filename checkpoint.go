package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Checkpoint is the sole atomic commit point, per spec.md §3/§4.7. It is
// persisted to one of two alternating slots (Superblock.Checkpoint0/1);
// spec.md §9 leaves the second slot's use as an open question — this repo
// resolves it by always writing to whichever slot does NOT currently hold
// the valid checkpoint, see DESIGN.md.
type Checkpoint struct {
	HeaderTimestamp uint32
	LogTail         uint32
	CurrentSegment  uint32
	SegOffset       uint32
	ImapAddrs       [NIMapBlocks]uint32
	ImapNBlocks     uint32
	SutAddrs        [NSutBlocks]uint32
	SutNBlocks      uint32
	Valid           uint32
	FooterTimestamp uint32
}

// consistent reports whether header and footer timestamps match and the valid
// flag is set, per §3's "Valid iff header_timestamp == footer_timestamp
// and valid != 0".
func (cp *Checkpoint) consistent() bool {
	return cp.Valid != 0 && cp.HeaderTimestamp == cp.FooterTimestamp
}

func (cp *Checkpoint) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	if err := binary.Write(buf, binary.LittleEndian, cp.HeaderTimestamp); err != nil {
		return nil, err
	}
	fields := []interface{}{
		cp.LogTail, cp.CurrentSegment, cp.SegOffset,
		cp.ImapAddrs, cp.ImapNBlocks,
		cp.SutAddrs, cp.SutNBlocks,
		cp.Valid,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	if buf.Len()+4 > BSIZE {
		return nil, errors.New("lfs: checkpoint does not fit in one block")
	}
	out := make([]byte, BSIZE)
	copy(out, buf.Bytes())
	// Footer timestamp lives at the last 4 bytes of the block (offset
	// BSIZE-4), per spec.md §3/§6, independent of how much padding sits
	// between the header fields and it.
	binary.LittleEndian.PutUint32(out[BSIZE-4:], cp.FooterTimestamp)
	return out, nil
}

func (cp *Checkpoint) UnmarshalBinary(data []byte) error {
	if len(data) != BSIZE {
		return errors.Errorf("lfs: checkpoint block is %d bytes, want %d", len(data), BSIZE)
	}
	r := bytes.NewReader(data)
	if err := binary.Read(r, binary.LittleEndian, &cp.HeaderTimestamp); err != nil {
		return err
	}
	fields := []interface{}{
		&cp.LogTail, &cp.CurrentSegment, &cp.SegOffset,
		&cp.ImapAddrs, &cp.ImapNBlocks,
		&cp.SutAddrs, &cp.SutNBlocks,
		&cp.Valid,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return err
		}
	}
	cp.FooterTimestamp = binary.LittleEndian.Uint32(data[BSIZE-4:])
	return nil
}

// loadCheckpoint reads both checkpoint slots and returns the valid one with
// the higher timestamp, plus the index (0 or 1) of the slot it came from so
// the next write targets the other slot.
func loadCheckpoint(dev BlockDevice, sb *Superblock) (*Checkpoint, int, error) {
	slots := [2]uint32{sb.Checkpoint0, sb.Checkpoint1}
	var best *Checkpoint
	bestSlot := -1
	for i, block := range slots {
		buf, err := dev.ReadBlock(block)
		if err != nil {
			return nil, 0, errors.Wrapf(err, "lfs: read checkpoint slot %d", i)
		}
		cp := &Checkpoint{}
		if err := cp.UnmarshalBinary(buf); err != nil {
			continue
		}
		if !cp.consistent() {
			continue
		}
		if best == nil || cp.HeaderTimestamp > best.HeaderTimestamp {
			best = cp
			bestSlot = i
		}
	}
	if best == nil {
		return nil, 0, ErrInvalidCheckpoint
	}
	return best, bestSlot, nil
}

// writeCheckpoint durably publishes cp to the slot not currently holding
// the valid checkpoint (lastSlot), incrementing both header and footer
// timestamps together as the atomic commit, per §4.7 step 5. Returns the
// slot written to.
func writeCheckpoint(dev BlockDevice, sb *Superblock, cp *Checkpoint, lastSlot int) (int, error) {
	nextSlot := 1 - lastSlot
	if lastSlot < 0 {
		nextSlot = 0
	}
	ts := cp.HeaderTimestamp + 1
	cp.HeaderTimestamp = ts
	cp.FooterTimestamp = ts
	cp.Valid = 1

	block := sb.Checkpoint0
	if nextSlot == 1 {
		block = sb.Checkpoint1
	}

	buf, err := cp.MarshalBinary()
	if err != nil {
		return lastSlot, errors.Wrap(err, "lfs: marshal checkpoint")
	}
	if err := dev.WriteBlock(block, buf); err != nil {
		return lastSlot, errors.Wrap(err, "lfs: write checkpoint")
	}
	return nextSlot, nil
}
