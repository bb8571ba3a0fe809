package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// Superblock carries the immutable-after-format layout of an image. Its
// field list is small and fixed, with no per-revision growth to account
// for, so it is written as a flat binary.Write/Read struct walk rather than
// decoded via reflection over its own field list — see DESIGN.md for more.
type Superblock struct {
	Magic       uint32
	Size        uint32 // total blocks in the image
	NSegs       uint32
	SegSize     uint32
	SegStart    uint32
	NInodes     uint32
	Checkpoint0 uint32
	Checkpoint1 uint32
}

const superblockBlock = 1

// ReadSuperblock loads and validates the superblock from block 1.
func ReadSuperblock(dev BlockDevice) (*Superblock, error) {
	buf, err := dev.ReadBlock(superblockBlock)
	if err != nil {
		return nil, errors.Wrap(err, "lfs: read superblock")
	}
	sb := &Superblock{}
	if err := sb.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return sb, nil
}

// UnmarshalBinary decodes a superblock from its on-disk little-endian form.
func (sb *Superblock) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	fields := []*uint32{
		&sb.Magic, &sb.Size, &sb.NSegs, &sb.SegSize,
		&sb.SegStart, &sb.NInodes, &sb.Checkpoint0, &sb.Checkpoint1,
	}
	for _, f := range fields {
		if err := binary.Read(r, binary.LittleEndian, f); err != nil {
			return errors.Wrap(err, "lfs: decode superblock")
		}
	}
	if sb.Magic != LFSMagic {
		return ErrInvalidSuper
	}
	if sb.SegSize == 0 || sb.NSegs == 0 {
		return errors.Wrap(ErrInvalidSuper, "zero segsize/nsegs")
	}
	if sb.SegStart+sb.NSegs*sb.SegSize > sb.Size {
		return errors.Wrap(ErrInvalidSuper, "log area exceeds image size")
	}
	return nil
}

// MarshalBinary encodes the superblock to a BSIZE-byte block, zero-padded.
func (sb *Superblock) MarshalBinary() ([]byte, error) {
	buf := &bytes.Buffer{}
	fields := []uint32{
		sb.Magic, sb.Size, sb.NSegs, sb.SegSize,
		sb.SegStart, sb.NInodes, sb.Checkpoint0, sb.Checkpoint1,
	}
	for _, f := range fields {
		if err := binary.Write(buf, binary.LittleEndian, f); err != nil {
			return nil, err
		}
	}
	out := make([]byte, BSIZE)
	copy(out, buf.Bytes())
	return out, nil
}

// SegBounds returns the first and one-past-last block of segment seg.
func (sb *Superblock) SegBounds(seg uint32) (start, end uint32) {
	start = sb.SegStart + seg*sb.SegSize
	end = start + sb.SegSize
	return
}

// SegOf returns which segment block belongs to, and whether block lies in
// the log area at all.
func (sb *Superblock) SegOf(block uint32) (seg uint32, ok bool) {
	if block < sb.SegStart || block >= sb.SegStart+sb.NSegs*sb.SegSize {
		return 0, false
	}
	return (block - sb.SegStart) / sb.SegSize, true
}
