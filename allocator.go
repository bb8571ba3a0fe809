package lfs

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// GCRunner is implemented by the cleaner. The allocator depends on this
// narrow interface instead of holding a *Cleaner directly so that the
// cleaner's much larger set of collaborators (imap, dirty-inode buffer,
// content layer) stays out of this file, per spec.md §9's "explicit engine
// handle" guidance applied one level down.
type GCRunner interface {
	// RunOnce attempts one cost-benefit cleaning pass and reports whether
	// it freed at least one segment.
	RunOnce() (freedAny bool, err error)
}

// Allocator is the log allocator of spec.md §4.1: it hands out fresh log
// blocks, manages segment boundaries, and owns the free-segment ring. It
// does not know about inodes or files; kind/inum/offset/version are opaque
// cargo recorded into the SSB buffer.
//
// The source models suspension points explicitly (spin locks released
// around every block I/O, per spec.md §5) because it runs under a
// preemptible kernel scheduler. This package instead serializes all engine
// state behind the caller's mutex (see Engine), so Allocator methods simply
// perform their device I/O inline; there is no separate release/reacquire
// step to model.
type Allocator struct {
	dev   BlockDevice
	sb    *Superblock
	clock Clock
	sut   *SUT
	ssb   *ssbBuffer

	ring      []uint32
	curSeg    uint32
	segOffset uint32

	gcFailed bool
	cleaning atomic.Bool
	cleaner  GCRunner
	metrics  *Metrics
}

// NewAllocator builds an allocator resuming from a checkpoint's recorded
// position, with freeRing the segments the checkpoint (or mkfs) recorded as
// available.
func NewAllocator(dev BlockDevice, sb *Superblock, sut *SUT, ssb *ssbBuffer, clock Clock, curSeg, segOffset uint32, freeRing []uint32) *Allocator {
	return &Allocator{
		dev: dev, sb: sb, clock: clock, sut: sut, ssb: ssb,
		curSeg: curSeg, segOffset: segOffset,
		ring: append([]uint32(nil), freeRing...),
	}
}

// SetCleaner wires the cleaner in after both are constructed, breaking the
// Allocator/Cleaner initialization cycle.
func (a *Allocator) SetCleaner(gc GCRunner) { a.cleaner = gc }

// SetMetrics attaches an optional prometheus recorder, mirroring SetCleaner.
func (a *Allocator) SetMetrics(m *Metrics) { a.metrics = m }

// markGCFailed latches gc_failed and, if a recorder is attached, counts the
// event against GCFailedTotal.
func (a *Allocator) markGCFailed() {
	a.gcFailed = true
	if a.metrics != nil {
		a.metrics.GCFailedTotal.Inc()
	}
}

func (a *Allocator) remaining() uint32 { return a.sb.SegSize - a.segOffset }

// CurrentSegment, SegOffset, LogTail, FreeRing and GCFailed expose allocator
// state for the checkpoint writer and the cleaner.
func (a *Allocator) CurrentSegment() uint32 { return a.curSeg }
func (a *Allocator) SegOffset() uint32      { return a.segOffset }
func (a *Allocator) LogTail() uint32 {
	start, _ := a.sb.SegBounds(a.curSeg)
	return start + a.segOffset
}
func (a *Allocator) FreeRing() []uint32 { return append([]uint32(nil), a.ring...) }
func (a *Allocator) GCFailed() bool     { return a.gcFailed }

// ClearGCFailed clears the gc_failed latch, called by the engine whenever a
// deletion frees blocks (spec.md §4.1's "cleared on any deletion-driven
// drop").
func (a *Allocator) ClearGCFailed() { a.gcFailed = false }

// PushFreeSegment returns seg to the free ring and marks it free in the
// SUT, called by the cleaner once every live block has been relocated out
// of it and the freeing checkpoint is durable.
func (a *Allocator) PushFreeSegment(seg uint32) {
	a.ring = append(a.ring, seg)
	a.sut.MarkFree(seg)
}

func (a *Allocator) popFreeSegment() (uint32, bool) {
	if len(a.ring) == 0 {
		return 0, false
	}
	seg := a.ring[0]
	a.ring = a.ring[1:]
	return seg, true
}

// Alloc is the contract of spec.md §4.1: return a fresh log block and, when
// kind != SSBNone, atomically append an SSB entry describing it.
func (a *Allocator) Alloc(kind SSBEntryKind, inum, offset uint32, version uint8) (uint32, error) {
	if kind != SSBNone && a.ssb.len() >= SSBEntriesPerBlock {
		if err := a.FlushPending(); err != nil {
			return 0, err
		}
	}
	if err := a.ensureRoom(kind); err != nil {
		return 0, err
	}
	start, _ := a.sb.SegBounds(a.curSeg)
	block := start + a.segOffset
	a.segOffset++
	if kind != SSBNone {
		if !a.ssb.add(SSBEntry{Kind: kind, Inum: inum, Offset: offset, Version: version}) {
			return 0, errors.Wrap(ErrInvariant, "lfs: ssb buffer full before flush")
		}
	}
	return block, nil
}

// ensureRoom enforces the reservation policy of spec.md §4.1: at most the
// last two blocks of a segment may be used for metadata flushes (inode
// block + SSB). Ordinary data/indirect allocation reaching this window is
// redirected to a new segment; an inode-block flush (kind SSBInode) may
// still use the second-to-last block, never the last (which is reserved
// purely for the closing SSB).
func (a *Allocator) ensureRoom(kind SSBEntryKind) error {
	reserve := uint32(2)
	if kind == SSBInode {
		reserve = 1
	}
	if a.remaining() <= reserve {
		return a.switchSegment()
	}
	return nil
}

// switchSegment closes out the current segment (writing its closing SSB to
// the fixed last block) and activates a free segment, invoking the cleaner
// once if the ring is empty.
func (a *Allocator) switchSegment() error {
	if err := a.closeCurrentSegment(); err != nil {
		return err
	}
	seg, ok := a.popFreeSegment()
	if !ok {
		if !a.gcFailed && a.cleaner != nil {
			freed, err := a.runCleanerLocked()
			if err != nil {
				return err
			}
			if freed {
				seg, ok = a.popFreeSegment()
			}
		}
		if !ok {
			a.markGCFailed()
			return ErrOutOfSpace
		}
	}
	a.curSeg = seg
	a.segOffset = 0
	a.sut.MarkUsed(seg, a.clock.Now())
	a.maybeTriggerCleaner()
	return nil
}

// closeCurrentSegment writes whatever SSB entries are pending to segment's
// fixed last block and marks the segment fully consumed, satisfying
// scenario 6 of spec.md §8: the last block of a filled segment always
// passes the SSB magic+checksum check. A never-started allocator (fresh
// mkfs image, segOffset still 0) has nothing to close.
func (a *Allocator) closeCurrentSegment() error {
	if a.segOffset == 0 {
		return nil
	}
	start, _ := a.sb.SegBounds(a.curSeg)
	lastBlock := start + a.sb.SegSize - 1
	entries := a.ssb.snapshotAndClear()
	nextSeg := uint32(0)
	if len(a.ring) > 0 {
		nextSeg = a.ring[0]
	}
	buf, err := encodeSSBBlock(entries, a.clock.Now(), nextSeg)
	if err != nil {
		return errors.Wrap(err, "lfs: encode closing ssb")
	}
	if err := a.dev.WriteBlock(lastBlock, buf); err != nil {
		return errors.Wrap(err, "lfs: write closing ssb")
	}
	a.segOffset = a.sb.SegSize
	return nil
}

// FlushPending is the opportunistic/sync/cleaner-demanded SSB flush of
// spec.md §4.2: it writes whatever has accumulated to the next log
// position without closing the segment, unless only the reserved window
// remains, in which case it defers to closeCurrentSegment via
// switchSegment. Single-entered by ssb.flushing; a concurrent call is a
// no-op, matching "concurrent callers skip and let the active flusher
// complete".
func (a *Allocator) FlushPending() error {
	if a.ssb.len() == 0 {
		return nil
	}
	if !a.ssb.flushing.CompareAndSwap(false, true) {
		return nil
	}
	defer a.ssb.flushing.Store(false)

	if a.remaining() <= 1 {
		return a.switchSegment()
	}
	entries := a.ssb.snapshotAndClear()
	start, _ := a.sb.SegBounds(a.curSeg)
	block := start + a.segOffset
	nextSeg := uint32(0)
	if len(a.ring) > 0 {
		nextSeg = a.ring[0]
	}
	buf, err := encodeSSBBlock(entries, a.clock.Now(), nextSeg)
	if err != nil {
		return errors.Wrap(err, "lfs: encode ssb")
	}
	if err := a.dev.WriteBlock(block, buf); err != nil {
		return errors.Wrap(err, "lfs: write ssb")
	}
	a.segOffset++
	return nil
}

// runCleanerLocked guards against the cleaner re-entering the allocator
// (it relocates blocks via Alloc) and retriggering itself.
func (a *Allocator) runCleanerLocked() (bool, error) {
	if !a.cleaning.CompareAndSwap(false, true) {
		return false, nil
	}
	defer a.cleaning.Store(false)
	freed, err := a.cleaner.RunOnce()
	if err != nil {
		return false, err
	}
	if !freed {
		a.markGCFailed()
	}
	return freed, nil
}

// maybeTriggerCleaner implements the proactive half of spec.md §4.1's
// cleaner trigger: free-segment count below GCTargetSegs AND (sequential
// area exhausted OR overall utilization >= GCThreshold), checked after every
// successful segment switch. By construction this method only ever runs
// after switchSegment has already popped a free segment, so the sequential
// area is not exhausted here; that half of the OR is handled directly by
// switchSegment's popFreeSegment failure path instead. This method therefore
// only needs to test the utilization half.
func (a *Allocator) maybeTriggerCleaner() {
	if a.cleaner == nil || a.gcFailed || a.cleaning.Load() {
		return
	}
	if uint32(len(a.ring)) >= GCTargetSegs {
		return
	}
	segBytes := a.sb.SegSize * BSIZE
	if a.sut.OverallUtilizationPercent(segBytes) < GCThreshold {
		return
	}
	if _, err := a.runCleanerLocked(); err != nil {
		a.markGCFailed()
	}
}
