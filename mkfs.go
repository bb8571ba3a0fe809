package lfs

import "github.com/pkg/errors"

// Format-time block layout, per spec.md §6: boot sector, superblock, the
// two checkpoint slots, then the log area.
const (
	bootBlock        = 0
	checkpoint0Block = 2
	checkpoint1Block = 3
	logStartBlock    = 4
)

// Mkfs lays out a fresh image on dev and returns an Engine opened against
// it, with the root directory already created and synced, mirroring
// original_source/mkfs.c's bootstrap (lfs_alloc + iappend for "." and "..")
// adapted to this engine's CoW write path instead of direct block pokes.
func Mkfs(dev BlockDevice, nblocks, segsize, ninodes uint32) (*Engine, error) {
	if segsize == 0 || nblocks <= logStartBlock+segsize {
		return nil, errors.New("lfs: image too small for one segment")
	}
	nsegs := (nblocks - logStartBlock) / segsize

	sb := &Superblock{
		Magic: LFSMagic, Size: nblocks, NSegs: nsegs, SegSize: segsize,
		SegStart: logStartBlock, NInodes: ninodes,
		Checkpoint0: checkpoint0Block, Checkpoint1: checkpoint1Block,
	}
	sbBuf, err := sb.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "lfs: marshal superblock")
	}
	if err := dev.WriteBlock(superblockBlock, sbBuf); err != nil {
		return nil, errors.Wrap(err, "lfs: write superblock")
	}

	cp := &Checkpoint{
		HeaderTimestamp: 1, FooterTimestamp: 1, Valid: 1,
		LogTail: logStartBlock, CurrentSegment: 0, SegOffset: 0,
	}
	cpBuf, err := cp.MarshalBinary()
	if err != nil {
		return nil, errors.Wrap(err, "lfs: marshal initial checkpoint")
	}
	if err := dev.WriteBlock(checkpoint0Block, cpBuf); err != nil {
		return nil, errors.Wrap(err, "lfs: write checkpoint slot 0")
	}
	// Slot 1 starts invalid (all-zero Valid field); loadCheckpoint will
	// correctly prefer slot 0.
	if err := dev.WriteBlock(checkpoint1Block, make([]byte, BSIZE)); err != nil {
		return nil, errors.Wrap(err, "lfs: write checkpoint slot 1")
	}

	e, err := NewEngine(dev)
	if err != nil {
		return nil, err
	}
	root, err := e.IAlloc(TDir)
	if err != nil {
		return nil, err
	}
	if root.Ino != RootIno {
		return nil, errors.Errorf("lfs: root inode allocated as %d, want %d", root.Ino, RootIno)
	}
	if err := e.FormatRootDir(root); err != nil {
		return nil, err
	}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}
