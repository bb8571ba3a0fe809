package lfs

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// engineState models the recursion guards of spec.md §9 (syncing,
// gc_running) as an explicit Idle -> {Syncing, Cleaning} -> Idle machine
// instead of the source's separate boolean flags.
type engineState int32

const (
	stateIdle engineState = iota
	stateSyncing
	stateCleaning
)

// Engine is the explicit handle spec.md §9 asks for in place of the
// source's process-wide singletons: its constructor takes a block device
// and owns every other piece of engine state (allocator, imap, SUT,
// SSB buffer, dirty-inode buffer, cleaner). There is exactly one Engine per
// open filesystem image.
type Engine struct {
	mu sync.Mutex // the "engine" spin lock of spec.md §5

	dev   BlockDevice
	sb    *Superblock
	clock Clock

	imap  *Imap
	sut   *SUT
	ssb   *ssbBuffer
	dirty *dirtyInodes
	alloc *Allocator
	clean *Cleaner

	checkpointSlot int
	checkpoint     *Checkpoint

	state   int32
	cache   map[uint32]*Inode
	metrics *Metrics
}

// NewEngine opens an already-formatted image, replaying its checkpoint and
// performing the bookkeeping original_source/fs.c's iinit does at boot:
// load the superblock, locate the most recent valid checkpoint, and
// reconstruct the imap/SUT/allocator state it names.
func NewEngine(dev BlockDevice, opts ...Option) (*Engine, error) {
	sb, err := ReadSuperblock(dev)
	if err != nil {
		return nil, err
	}
	cp, slot, err := loadCheckpoint(dev, sb)
	if err != nil {
		return nil, err
	}
	imap, err := loadImap(dev, cp, sb.NInodes)
	if err != nil {
		return nil, err
	}
	sut, err := loadSUT(dev, cp, sb.NSegs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dev: dev, sb: sb, clock: NewTickClock(),
		imap: imap, sut: sut, ssb: newSSBBuffer(), dirty: newDirtyInodes(),
		checkpointSlot: slot, checkpoint: cp,
		cache: make(map[uint32]*Inode),
	}
	for _, opt := range opts {
		opt(e)
	}

	// A fresh mkfs image leaves every SUT entry, including the current
	// segment's, at the free marker; claim it as in-use so the first writes
	// into it are not silently dropped by SUT.UpdateUsage's free-segment
	// guard.
	if sut.Get(cp.CurrentSegment).LiveBytes == SUTFreeMarker {
		sut.MarkUsed(cp.CurrentSegment, e.clock.Now())
	}

	e.alloc = NewAllocator(dev, sb, sut, e.ssb, e.clock, cp.CurrentSegment, cp.SegOffset, freeRingFromSUT(sut, cp.CurrentSegment))
	e.alloc.SetMetrics(e.metrics)
	e.clean = NewCleaner(dev, sb, e.alloc, imap, sut, e.dirty, e.clock, e, e.metrics)
	e.alloc.SetCleaner(e.clean)
	return e, nil
}

// freeRingFromSUT reconstructs the free-segment ring from the SUT on open,
// since the ring itself is not persisted (spec.md §3 describes it as an
// in-memory structure the cleaner and allocator share).
func freeRingFromSUT(sut *SUT, current uint32) []uint32 {
	var ring []uint32
	for s := uint32(0); s < uint32(len(sut.entries)); s++ {
		if s == current {
			continue
		}
		if sut.Get(s).LiveBytes == SUTFreeMarker {
			ring = append(ring, s)
		}
	}
	return ring
}

// Redirect implements CacheRedirector: the cleaner calls this after
// relocating a block so a live cache entry stays coherent without taking
// its own sleep-lock, per spec.md §4.6/§5.
func (e *Engine) Redirect(inum, bn, newBlock uint32) {
	ip, ok := e.cache[inum]
	if !ok || !ip.Valid {
		return
	}
	if bn < NDIRECT {
		ip.Addrs[bn] = newBlock
	} else if bn == NDIRECT {
		ip.Addrs[NDIRECT] = newBlock
	}
	// Data blocks reached through the indirect array (bn > NDIRECT) are not
	// mirrored in the in-memory Inode, which only carries the top-level
	// addrs[]; readers resolve those through bmap against the (already
	// redirected) indirect block instead.
}

// IAlloc allocates a fresh inode of the given type, staging it as a dirty
// placeholder the way original_source/fs.c's ialloc does: imap placeholder
// first, dirty-buffer entry second, so a crash before the next sync leaves
// no trace of it.
func (e *Engine) IAlloc(typ InodeType) (*Inode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inum, err := e.imap.AllocateFree()
	if err != nil {
		return nil, err
	}
	di := OnDiskInode{Type: typ, NLink: 1}
	full := e.dirty.Stage(inum, di)
	ip := &Inode{Ino: inum, Valid: true}
	ip.fromDinode(di)
	e.cache[inum] = ip
	if full {
		if err := e.syncLocked(); err != nil {
			return nil, err
		}
	}
	return ip, nil
}

// ILock loads inum's current contents, consulting the dirty/flushing
// buffer before the on-disk imap location, per spec.md §4.3.
func (e *Engine) ILock(inum uint32) (*Inode, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ilockLocked(inum)
}

func (e *Engine) ilockLocked(inum uint32) (*Inode, error) {
	if ip, ok := e.cache[inum]; ok && ip.Valid {
		return ip, nil
	}
	if d, ok := e.dirty.Lookup(inum); ok {
		ip := &Inode{Ino: inum, Valid: true}
		ip.fromDinode(d)
		e.cache[inum] = ip
		return ip, nil
	}
	loc, free, ph, err := e.imap.Lookup(inum)
	if err != nil {
		return nil, err
	}
	if free || ph {
		return nil, ErrInodeNotFound
	}
	buf, err := e.dev.ReadBlock(loc.block)
	if err != nil {
		return nil, errors.Wrap(err, "lfs: read inode block")
	}
	d := decodeInodeAt(buf, loc.slot)
	if d.Type == TFree {
		return nil, ErrInodeNotFound
	}
	ip := &Inode{Ino: inum, Valid: true}
	ip.fromDinode(d)
	e.cache[inum] = ip
	return ip, nil
}

// IUnlock drops the caller's reference. The real sleep-lock/refcount
// lifecycle is the external collaborator named in spec.md §1; this is a
// no-op placeholder for that boundary.
func (e *Engine) IUnlock(ip *Inode) {}

// IUpdate stages ip's current in-memory contents into the dirty buffer,
// triggering a sync if the buffer is now full, matching
// original_source/fs.c's iupdate.
func (e *Engine) IUpdate(ip *Inode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iupdateLocked(ip)
}

func (e *Engine) iupdateLocked(ip *Inode) error {
	full := e.dirty.Stage(ip.Ino, ip.toDinode())
	if full {
		return e.syncLocked()
	}
	return nil
}

// IPut drops a reference and, if nlink has reached zero, truncates and
// frees the inode, matching original_source/fs.c's iput.
func (e *Engine) IPut(ip *Inode) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ip.NLink > 0 {
		return nil
	}
	if err := e.itruncLocked(ip); err != nil {
		return err
	}
	ip.Type = TFree
	if err := e.imap.SetFree(ip.Ino); err != nil {
		return err
	}
	e.dirty.Remove(ip.Ino)
	delete(e.cache, ip.Ino)
	e.alloc.ClearGCFailed()
	return nil
}

// Sync is the sole durability point of spec.md §4.7.
func (e *Engine) Sync() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncLocked()
}

func (e *Engine) syncLocked() error {
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateIdle), int32(stateSyncing)) {
		return nil // already syncing (recursion from a full dirty-buffer flush); let the outer call finish
	}
	defer atomic.StoreInt32(&e.state, int32(stateIdle))

	if err := e.flushDirtyInodesLocked(); err != nil {
		return err
	}
	if err := e.alloc.FlushPending(); err != nil {
		return err
	}
	if err := e.writeSUTLocked(); err != nil {
		return err
	}
	if err := e.writeImapLocked(); err != nil {
		return err
	}
	if err := e.writeCheckpointLocked(); err != nil {
		return err
	}
	if e.metrics != nil {
		e.metrics.SyncsTotal.Inc()
		e.metrics.FreeSegments.Set(float64(len(e.alloc.FreeRing())))
	}
	return nil
}

// flushDirtyInodesLocked implements spec.md §4.3's flush: allocate a new
// inode block, write every staged dinode into it, tag it with one SSBInode
// entry carrying any inum in the batch, and repoint the imap.
func (e *Engine) flushDirtyInodesLocked() error {
	inums, inodes := e.dirty.snapshotAndClear()
	if len(inums) == 0 {
		return nil
	}
	var block [IPB]OnDiskInode
	for i, di := range inodes {
		if i >= IPB {
			break
		}
		block[i] = di
	}
	anyInum := inums[0]
	newBlock, err := e.alloc.Alloc(SSBInode, anyInum, 0, 0)
	if err != nil {
		return err
	}
	if err := e.dev.WriteBlock(newBlock, encodeInodeBlock(block)); err != nil {
		return errors.Wrap(err, "lfs: write inode block")
	}
	now := e.clock.Now()
	if seg, ok := e.sb.SegOf(newBlock); ok {
		e.sut.UpdateUsage(seg, int32(BSIZE), now)
	}
	for i, inum := range inums {
		version, _ := e.imap.CurrentVersion(inum)
		if err := e.imap.SetLocated(inum, newBlock, uint32(i), version); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) writeSUTLocked() error {
	n := nSUTBlocksNeeded(len(e.sut.entries))
	if n > NSutBlocks {
		n = NSutBlocks
	}
	addrs := e.checkpoint.SutAddrs
	persisted := make([][]byte, n)
	skipped := 0
	for i := uint32(0); i < n; i++ {
		block := marshalSUTBlock(e.sut.entries, int(i)*entriesPerSUTBlock)
		if i < uint32(len(e.sut.persisted)) && bytesEqual(e.sut.persisted[i], block) {
			persisted[i] = e.sut.persisted[i]
			skipped++
			continue // spec.md §4.5: skip unchanged blocks
		}
		addr, err := e.alloc.Alloc(SSBNone, 0, 0, 0)
		if err != nil {
			return err
		}
		if err := e.dev.WriteBlock(addr, block); err != nil {
			return errors.Wrap(err, "lfs: write sut block")
		}
		addrs[i] = addr
		persisted[i] = block
	}
	if skipped > 0 {
		log.Printf("lfs: sync skipped %d unchanged sut block(s) of %d", skipped, n)
	}
	e.sut.persisted = persisted
	e.checkpoint.SutAddrs = addrs
	e.checkpoint.SutNBlocks = n
	return nil
}

func (e *Engine) writeImapLocked() error {
	n := nImapBlocksNeeded(e.imap.Len())
	if n > NIMapBlocks {
		n = NIMapBlocks
	}
	addrs := e.checkpoint.ImapAddrs
	for i := uint32(0); i < n; i++ {
		addr, err := e.alloc.Alloc(SSBNone, 0, 0, 0)
		if err != nil {
			return err
		}
		if err := e.dev.WriteBlock(addr, e.imap.marshalImapBlock(int(i))); err != nil {
			return errors.Wrap(err, "lfs: write imap block")
		}
		addrs[i] = addr
	}
	e.checkpoint.ImapAddrs = addrs
	e.checkpoint.ImapNBlocks = n
	return nil
}

func (e *Engine) writeCheckpointLocked() error {
	e.checkpoint.LogTail = e.alloc.LogTail()
	e.checkpoint.CurrentSegment = e.alloc.CurrentSegment()
	e.checkpoint.SegOffset = e.alloc.SegOffset()
	slot, err := writeCheckpoint(e.dev, e.sb, e.checkpoint, e.checkpointSlot)
	if err != nil {
		return err
	}
	e.checkpointSlot = slot
	return e.dev.Sync()
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Superblock returns the image's immutable layout, for tools that report on
// an open image without reaching into engine internals.
func (e *Engine) Superblock() *Superblock { return e.sb }

// SUTSnapshot returns a copy of every segment's current usage entry, for
// reporting tools; callers must not assume it stays live.
func (e *Engine) SUTSnapshot() []SUTEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]SUTEntry, len(e.sut.entries))
	copy(out, e.sut.entries)
	return out
}

// AllocatorStats reports the allocator's current position and free-ring
// depth, for reporting tools.
func (e *Engine) AllocatorStats() (curSeg, segOffset uint32, freeSegs int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.alloc.CurrentSegment(), e.alloc.SegOffset(), len(e.alloc.FreeRing())
}

// RunCleaner forces one cost-benefit cleaning pass outside the normal
// allocator trigger, useful for tests and the lfsdump CLI.
func (e *Engine) RunCleaner() (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !atomic.CompareAndSwapInt32(&e.state, int32(stateIdle), int32(stateCleaning)) {
		return false, nil
	}
	defer atomic.StoreInt32(&e.state, int32(stateIdle))
	freed, err := e.clean.RunOnce()
	if err == nil && e.metrics != nil {
		if freed {
			e.metrics.SegmentsFreedTotal.Inc()
		}
		e.metrics.FreeSegments.Set(float64(len(e.alloc.FreeRing())))
	}
	return freed, err
}
