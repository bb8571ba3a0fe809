package lfs

import "io/fs"

// Tunables from spec.md §6. BSIZE and the derived counts are fixed at
// compile time the way the xv6-derived original fixes them in fs.h/param.h;
// NInodes/NSegs/SegSize are per-filesystem (superblock) values.
const (
	// BSIZE is the fixed block size in bytes. The richer, versioned-imap
	// design this spec describes (§9 Open Question: 512 vs 1024 in the
	// two source variants) is implemented here at 1024, since a versioned
	// imap entry plus a 4-bit slot (sBits for IPB=16) plus SSB headers need the extra room
	// spec.md's §3 "richer version" assumes.
	BSIZE = 1024

	// NDIRECT/NINDIRECT/MAXFILE describe inode addressing.
	NDIRECT   = 12
	NINDIRECT = BSIZE / 4
	MAXFILE   = NDIRECT + NINDIRECT

	// DirentSize is the on-disk size of one directory entry, unchanged
	// from the xv6 convention carried in original_source/fs.h.
	DirSiz     = 14
	DirentSize = 2 + DirSiz

	// dinodeSize is the on-disk size of one inode record:
	// type,major,minor,nlink (int16 x4) + size (uint32) + addrs[NDIRECT+1] (uint32 each).
	dinodeSize = 2*4 + 4 + 4*(NDIRECT+1)

	// IPB is inodes per block.
	IPB = BSIZE / dinodeSize

	// VBits is the width of the version counter in an imap entry (§3: 8-bit).
	VBits = 8

	// NIMapBlocks / NSutBlocks bound the checkpoint's direct address lists.
	NIMapBlocks = 4
	NSutBlocks  = 8

	// GCThreshold / GCTargetSegs are the cleaner trigger/selection
	// parameters from §4.1/§4.6.
	GCThreshold  = 30
	GCTargetSegs = 8

	// LFSMagic identifies a formatted image (superblock.Magic).
	LFSMagic = 0x4C465321

	// SSBMagic identifies a valid segment summary block.
	SSBMagic = 0x53534221

	// RootIno is the inode number of the filesystem root, unchanged from
	// the xv6 convention.
	RootIno = 1
)

// Inode types, unchanged from the xv6 dinode.Type convention carried in
// original_source/fs.h (T_DIR/T_FILE/T_DEV). Named InodeType here rather
// than Type, since there is no archive-format variant set to inherit.
type InodeType int16

const (
	TFree InodeType = 0
	TDir  InodeType = 1
	TFile InodeType = 2
	TDev  InodeType = 3
)

func (t InodeType) String() string {
	switch t {
	case TFree:
		return "free"
	case TDir:
		return "dir"
	case TFile:
		return "file"
	case TDev:
		return "dev"
	default:
		return "unknown"
	}
}

// Mode reports the io/fs.FileMode bit this type carries for the read-only
// FS view in fsview.go. There are no permission bits to fold in: the
// on-disk dinode has no mode field, so every entry reads as world-readable.
func (t InodeType) Mode() fs.FileMode {
	if t == TDir {
		return fs.ModeDir | 0555
	}
	return 0444
}

// SBits returns the number of bits needed to address a slot within a block
// of IPB inodes. Computed rather than hardcoded (unlike the original's
// fixed IMAP_SLOT_BITS=3) since IPB depends on BSIZE/dinodeSize.
func sBits() uint {
	n := IPB - 1
	bits := uint(0)
	for n > 0 {
		bits++
		n >>= 1
	}
	if bits == 0 {
		bits = 1
	}
	return bits
}
