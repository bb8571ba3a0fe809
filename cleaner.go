package lfs

import (
	"log"
	"sort"

	"github.com/pkg/errors"
)

// gcResult is the explicit enumerated result spec.md §9 asks for in place
// of the source's goto-based early exit.
type gcResult int

const (
	gcRelocatedAndFreed gcResult = iota
	gcAborted
)

// CacheRedirector receives best-effort notice that (inum) now lives at a
// different location, so a live in-memory inode cache entry can be kept
// coherent without taking its sleep-lock, per spec.md §4.6/§5. The Engine
// implements this; it is optional so the cleaner can be exercised without
// one.
type CacheRedirector interface {
	Redirect(inum uint32, bn uint32, newBlock uint32)
}

// Cleaner is the cost-benefit garbage collector of spec.md §4.6. It shares
// the imap, SUT, dirty-inode buffer and allocator with the Engine that
// constructs it; RunOnce is only ever invoked with the engine lock held (by
// the allocator, itself called from an Engine method, or directly by
// Engine.RunCleaner), so none of its
// fields need their own synchronization.
type Cleaner struct {
	dev     BlockDevice
	sb      *Superblock
	alloc   *Allocator
	imap    *Imap
	sut     *SUT
	dirty   *dirtyInodes
	clock   Clock
	cache   CacheRedirector
	metrics *Metrics
}

// NewCleaner builds a cleaner over the engine's shared state. cache and
// metrics may both be nil.
func NewCleaner(dev BlockDevice, sb *Superblock, alloc *Allocator, imap *Imap, sut *SUT, dirty *dirtyInodes, clock Clock, cache CacheRedirector, metrics *Metrics) *Cleaner {
	return &Cleaner{dev: dev, sb: sb, alloc: alloc, imap: imap, sut: sut, dirty: dirty, clock: clock, cache: cache, metrics: metrics}
}

func (c *Cleaner) redirect(inum, bn, newBlock uint32) {
	if c.cache != nil {
		c.cache.Redirect(inum, bn, newBlock)
	}
}

func (c *Cleaner) countRelocated() {
	if c.metrics != nil {
		c.metrics.BlocksRelocatedTotal.Inc()
	}
}

// RunOnce selects up to GCTargetSegs victims by cost-benefit score and
// cleans each in turn, per spec.md §4.6. It reports whether any segment was
// freed.
func (c *Cleaner) RunOnce() (bool, error) {
	victims := c.selectVictims()
	freedAny := false
	for _, seg := range victims {
		result, err := c.cleanSegment(seg)
		if err != nil {
			return freedAny, err
		}
		if result == gcRelocatedAndFreed {
			c.alloc.PushFreeSegment(seg)
			freedAny = true
		}
		// gcAborted: early-exit policy, leave the victim unfreed and move
		// on; the allocator has already latched gc_failed.
	}
	return freedAny, nil
}

type scoredSegment struct {
	seg   uint32
	score int64
}

// selectVictims implements spec.md §4.6's victim selection: cost-benefit
// score over every non-current, non-free segment, kept to the top
// GCTargetSegs by score; if nothing scores above zero, desperation mode
// picks any single non-full non-free segment instead.
func (c *Cleaner) selectVictims() []uint32 {
	now := c.clock.Now()
	current := c.alloc.CurrentSegment()
	segBytes := c.sb.SegSize * BSIZE

	var scored []scoredSegment
	for s := uint32(0); s < c.sb.NSegs; s++ {
		if s == current {
			continue
		}
		e := c.sut.Get(s)
		if e.LiveBytes == SUTFreeMarker {
			continue
		}
		u := int64(c.sut.UtilizationPercent(s, segBytes))
		ageDelta := int64(now) - int64(e.Age)
		if ageDelta < 0 {
			ageDelta = 0
		}
		score := (100 - u) * ageDelta * 1000 / (100 + u)
		if score <= 0 {
			continue
		}
		scored = append(scored, scoredSegment{s, score})
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].score > scored[j].score })
	if len(scored) > GCTargetSegs {
		scored = scored[:GCTargetSegs]
	}
	if len(scored) == 0 {
		for s := uint32(0); s < c.sb.NSegs; s++ {
			if s == current {
				continue
			}
			e := c.sut.Get(s)
			if e.LiveBytes == SUTFreeMarker || c.sut.UtilizationPercent(s, segBytes) >= 100 {
				continue
			}
			log.Printf("lfs: gc desperation mode, no segment scored above zero, picking segment %d", s)
			scored = append(scored, scoredSegment{seg: s})
			break
		}
	}
	out := make([]uint32, len(scored))
	for i, sc := range scored {
		out[i] = sc.seg
	}
	return out
}

// cleanSegment runs the per-victim procedure of spec.md §4.6.
func (c *Cleaner) cleanSegment(seg uint32) (gcResult, error) {
	start, end := c.sb.SegBounds(seg)

	var validSSBs [][]SSBEntry
	for b := start; b < end; b++ {
		buf, err := c.dev.ReadBlock(b)
		if err != nil {
			return gcAborted, errors.Wrapf(err, "lfs: scan victim block %d", b)
		}
		entries, err := decodeSSBBlock(buf)
		if err != nil {
			continue
		}
		validSSBs = append(validSSBs, entries)
	}

	seenInodeBlocks := map[uint32]bool{}
	aborted := false

	if len(validSSBs) == 0 {
		log.Printf("lfs: segment %d has no valid SSB, falling back to imap scan", seg)
		if err := c.cleanByImapScan(seg, seenInodeBlocks, &aborted); err != nil {
			return gcAborted, err
		}
	} else {
		for _, entries := range validSSBs {
			for _, e := range entries {
				if aborted {
					break
				}
				switch e.Kind {
				case SSBInode:
					if err := c.cleanInodeEntry(seg, e, seenInodeBlocks, &aborted); err != nil {
						return gcAborted, err
					}
				case SSBData, SSBIndirect:
					if err := c.cleanDataEntry(seg, e, &aborted); err != nil {
						return gcAborted, err
					}
				}
			}
		}
	}

	if aborted {
		return gcAborted, nil
	}

	if err := c.alloc.FlushPending(); err != nil {
		return gcAborted, err
	}
	return gcRelocatedAndFreed, nil
}

// cleanInodeEntry relocates the inode block named by e, plus every other
// live inode block the imap still points into the victim (deduped via
// seen), per spec.md §4.6 step 2's INODE case.
func (c *Cleaner) cleanInodeEntry(seg uint32, e SSBEntry, seen map[uint32]bool, aborted *bool) error {
	for inum := uint32(0); inum < uint32(c.imap.Len()); inum++ {
		loc, free, ph, err := c.imap.Lookup(inum)
		if err != nil || free || ph {
			continue
		}
		if s, ok := c.sb.SegOf(loc.block); !ok || s != seg {
			continue
		}
		if err := c.relocateInodeBlock(loc.block, seen, inum, aborted); err != nil {
			return err
		}
		if *aborted {
			return nil
		}
	}
	return nil
}

func (c *Cleaner) relocateInodeBlock(oldBlock uint32, seen map[uint32]bool, anyInum uint32, aborted *bool) error {
	if seen[oldBlock] {
		return nil
	}
	seen[oldBlock] = true

	data, err := c.dev.ReadBlock(oldBlock)
	if err != nil {
		return errors.Wrap(err, "lfs: read victim inode block")
	}
	newBlock, err := c.alloc.Alloc(SSBInode, anyInum, 0, 0)
	if err != nil {
		if errors.Is(err, ErrOutOfSpace) {
			*aborted = true
			return nil
		}
		return err
	}
	if err := c.dev.WriteBlock(newBlock, data); err != nil {
		return errors.Wrap(err, "lfs: write relocated inode block")
	}
	c.countRelocated()
	now := c.clock.Now()
	if oldSeg, ok := c.sb.SegOf(oldBlock); ok {
		c.sut.UpdateUsage(oldSeg, -int32(BSIZE), now)
	}
	if newSeg, ok := c.sb.SegOf(newBlock); ok {
		c.sut.UpdateUsage(newSeg, int32(BSIZE), now)
	}
	for inum := uint32(0); inum < uint32(c.imap.Len()); inum++ {
		loc, free, ph, err := c.imap.Lookup(inum)
		if err != nil || free || ph {
			continue
		}
		if loc.block == oldBlock {
			c.imap.SetLocated(inum, newBlock, loc.slot, loc.version)
		}
	}
	return nil
}

// cleanDataEntry handles the DATA/INDIRECT case of spec.md §4.6 step 2:
// stale-version entries are skipped, live ones are relocated if their
// current address still falls inside the victim. e.Offset is the file's
// logical block number for SSBData (< NDIRECT direct, >= NDIRECT through
// the indirect block); for SSBIndirect it is always NDIRECT, naming the
// indirect block itself, per spec.md §3.
func (c *Cleaner) cleanDataEntry(seg uint32, e SSBEntry, aborted *bool) error {
	cur, err := c.imap.CurrentVersion(e.Inum)
	if err != nil {
		return nil
	}
	if cur != e.Version {
		return nil // stale: the inode was truncated/reused since this write
	}
	di, ok, err := c.currentDinode(e.Inum)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if e.Kind == SSBIndirect {
		oldIndirect := di.Addrs[NDIRECT]
		if oldIndirect == 0 {
			return nil
		}
		if s, ok := c.sb.SegOf(oldIndirect); !ok || s != seg {
			return nil
		}
		newIndirect, err := c.relocateDataBlock(oldIndirect, SSBIndirect, e.Inum, NDIRECT, e.Version, aborted)
		if err != nil || *aborted {
			return err
		}
		di.Addrs[NDIRECT] = newIndirect
		c.stageDinode(e.Inum, di)
		c.redirect(e.Inum, NDIRECT, newIndirect)
		return nil
	}

	if e.Offset < NDIRECT {
		oldBlock := di.Addrs[e.Offset]
		if oldBlock == 0 {
			return nil
		}
		if s, ok := c.sb.SegOf(oldBlock); !ok || s != seg {
			return nil
		}
		newBlock, err := c.relocateDataBlock(oldBlock, SSBData, e.Inum, e.Offset, e.Version, aborted)
		if err != nil || *aborted {
			return err
		}
		di.Addrs[e.Offset] = newBlock
		c.stageDinode(e.Inum, di)
		c.redirect(e.Inum, e.Offset, newBlock)
		return nil
	}

	idx := e.Offset - NDIRECT
	if idx >= NINDIRECT {
		return nil
	}
	oldIndirect := di.Addrs[NDIRECT]
	if oldIndirect == 0 {
		return nil
	}
	indirectBlock := oldIndirect
	if s, ok := c.sb.SegOf(oldIndirect); ok && s == seg {
		// The indirect block itself also lives in the victim: copy-on-write
		// it first so the updated slot has somewhere live to land.
		newIndirect, err := c.relocateDataBlock(oldIndirect, SSBIndirect, e.Inum, NDIRECT, e.Version, aborted)
		if err != nil || *aborted {
			return err
		}
		di.Addrs[NDIRECT] = newIndirect
		c.stageDinode(e.Inum, di)
		c.redirect(e.Inum, NDIRECT, newIndirect)
		indirectBlock = newIndirect
	}

	indirectBuf, err := c.dev.ReadBlock(indirectBlock)
	if err != nil {
		return errors.Wrap(err, "lfs: read indirect block")
	}
	slots := decodeIndirectBlock(indirectBuf)
	oldData := slots[idx]
	if oldData == 0 {
		return nil
	}
	if s, ok := c.sb.SegOf(oldData); !ok || s != seg {
		return nil
	}
	newData, err := c.relocateDataBlock(oldData, SSBData, e.Inum, e.Offset, e.Version, aborted)
	if err != nil || *aborted {
		return err
	}
	slots[idx] = newData
	if err := c.dev.WriteBlock(indirectBlock, encodeIndirectBlock(slots)); err != nil {
		return errors.Wrap(err, "lfs: rewrite indirect block")
	}
	return nil
}

func (c *Cleaner) relocateDataBlock(oldBlock uint32, kind SSBEntryKind, inum, offset uint32, version uint8, aborted *bool) (uint32, error) {
	data, err := c.dev.ReadBlock(oldBlock)
	if err != nil {
		return 0, errors.Wrap(err, "lfs: read victim data block")
	}
	newBlock, err := c.alloc.Alloc(kind, inum, offset, version)
	if err != nil {
		if errors.Is(err, ErrOutOfSpace) {
			*aborted = true
			return 0, nil
		}
		return 0, err
	}
	if err := c.dev.WriteBlock(newBlock, data); err != nil {
		return 0, errors.Wrap(err, "lfs: write relocated data block")
	}
	c.countRelocated()
	now := c.clock.Now()
	if oldSeg, ok := c.sb.SegOf(oldBlock); ok {
		c.sut.UpdateUsage(oldSeg, -int32(BSIZE), now)
	}
	if newSeg, ok := c.sb.SegOf(newBlock); ok {
		c.sut.UpdateUsage(newSeg, int32(BSIZE), now)
	}
	return newBlock, nil
}

// currentDinode fetches inum's current on-disk record, preferring the
// dirty/flushing buffer over the imap-located block, per spec.md §4.6.
func (c *Cleaner) currentDinode(inum uint32) (OnDiskInode, bool, error) {
	if d, ok := c.dirty.Lookup(inum); ok {
		return d, true, nil
	}
	loc, free, ph, err := c.imap.Lookup(inum)
	if err != nil {
		return OnDiskInode{}, false, err
	}
	if free || ph {
		return OnDiskInode{}, false, nil
	}
	buf, err := c.dev.ReadBlock(loc.block)
	if err != nil {
		return OnDiskInode{}, false, errors.Wrap(err, "lfs: read inode block")
	}
	return decodeInodeAt(buf, loc.slot), true, nil
}

func (c *Cleaner) stageDinode(inum uint32, di OnDiskInode) {
	c.dirty.Stage(inum, di)
}

// cleanByImapScan is the fallback path of spec.md §4.6 step 3: used when
// the victim has no valid SSBs at all (e.g. a format-time segment), it
// walks every inode's direct and indirect blocks and relocates any that
// fall inside the victim. Bounded at O(ninodes * MAXFILE).
func (c *Cleaner) cleanByImapScan(seg uint32, seenInodeBlocks map[uint32]bool, aborted *bool) error {
	for inum := uint32(0); inum < uint32(c.imap.Len()); inum++ {
		if *aborted {
			return nil
		}
		loc, free, ph, err := c.imap.Lookup(inum)
		if err != nil || free || ph {
			continue
		}
		if s, ok := c.sb.SegOf(loc.block); ok && s == seg {
			if err := c.relocateInodeBlock(loc.block, seenInodeBlocks, inum, aborted); err != nil {
				return err
			}
			if *aborted {
				return nil
			}
		}

		di, ok, err := c.currentDinode(inum)
		if err != nil || !ok {
			continue
		}
		version, _ := c.imap.CurrentVersion(inum)

		for off := uint32(0); off < NDIRECT; off++ {
			if di.Addrs[off] == 0 {
				continue
			}
			if s, ok := c.sb.SegOf(di.Addrs[off]); !ok || s != seg {
				continue
			}
			nb, err := c.relocateDataBlock(di.Addrs[off], SSBData, inum, off, version, aborted)
			if err != nil {
				return err
			}
			if *aborted {
				return nil
			}
			di.Addrs[off] = nb
			c.stageDinode(inum, di)
			c.redirect(inum, off, nb)
		}

		if di.Addrs[NDIRECT] == 0 {
			continue
		}
		if s, ok := c.sb.SegOf(di.Addrs[NDIRECT]); !ok || s != seg {
			continue
		}
		oldIndirect := di.Addrs[NDIRECT]
		buf, err := c.dev.ReadBlock(oldIndirect)
		if err != nil {
			return errors.Wrap(err, "lfs: read indirect block")
		}
		newIndirect, err := c.alloc.Alloc(SSBIndirect, inum, NDIRECT, version)
		if err != nil {
			if errors.Is(err, ErrOutOfSpace) {
				*aborted = true
				return nil
			}
			return err
		}
		if err := c.dev.WriteBlock(newIndirect, buf); err != nil {
			return errors.Wrap(err, "lfs: write relocated indirect block")
		}
		c.countRelocated()
		now := c.clock.Now()
		c.sut.UpdateUsage(seg, -int32(BSIZE), now)
		if ns, ok := c.sb.SegOf(newIndirect); ok {
			c.sut.UpdateUsage(ns, int32(BSIZE), now)
		}
		di.Addrs[NDIRECT] = newIndirect
		c.stageDinode(inum, di)
		c.redirect(inum, NDIRECT, newIndirect)

		slots := decodeIndirectBlock(buf)
		for idx, addr := range slots {
			if addr == 0 {
				continue
			}
			if s, ok := c.sb.SegOf(addr); !ok || s != seg {
				continue
			}
			nb, err := c.relocateDataBlock(addr, SSBData, inum, NDIRECT+uint32(idx), version, aborted)
			if err != nil {
				return err
			}
			if *aborted {
				return nil
			}
			slots[idx] = nb
		}
		if err := c.dev.WriteBlock(newIndirect, encodeIndirectBlock(slots)); err != nil {
			return errors.Wrap(err, "lfs: rewrite relocated indirect block")
		}
	}
	return nil
}
