package lfs

import "sync"

// dirtyInodes batches up to IPB modified inodes before they are flushed as
// one inode block, per spec.md §4.3. The active buffer is mutated by
// Stage; the flushing buffer is a snapshot taken under the same lock while
// the active buffer is cleared, so callers never block on I/O while
// holding this lock (per §5's "no engine lock held during I/O" rule, the
// flushing snapshot is written by the caller after releasing this lock).
type dirtyInodes struct {
	mu       sync.Mutex
	inums    []uint32
	inodes   []OnDiskInode
	flushing bool
}

func newDirtyInodes() *dirtyInodes {
	return &dirtyInodes{
		inums:  make([]uint32, 0, IPB),
		inodes: make([]OnDiskInode, 0, IPB),
	}
}

// Stage records di as inum's current dirty copy, updating in place if
// inum is already buffered. Reports whether the buffer is now full
// (IPB reached) and a sync should be triggered, matching
// original_source/fs.c's iupdate.
func (d *dirtyInodes) Stage(inum uint32, di OnDiskInode) (full bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.inums {
		if n == inum {
			d.inodes[i] = di
			return len(d.inums) >= IPB
		}
	}
	d.inums = append(d.inums, inum)
	d.inodes = append(d.inodes, di)
	return len(d.inums) >= IPB
}

// Lookup returns inum's buffered copy, if present. ilock/readi/writei
// consult this before falling back to the on-disk imap location, per
// spec.md §4.3/§4.8.
func (d *dirtyInodes) Lookup(inum uint32) (OnDiskInode, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.inums {
		if n == inum {
			return d.inodes[i], true
		}
	}
	return OnDiskInode{}, false
}

// Remove drops inum from the buffer without persisting it, used by IPut
// when an inode is freed before ever reaching disk.
func (d *dirtyInodes) Remove(inum uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, n := range d.inums {
		if n == inum {
			d.inums = append(d.inums[:i], d.inums[i+1:]...)
			d.inodes = append(d.inodes[:i], d.inodes[i+1:]...)
			return
		}
	}
}

// Len reports the number of currently-buffered dirty inodes.
func (d *dirtyInodes) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.inums)
}

// snapshotAndClear copies out the buffer and empties it, for the flush
// path which writes outside the lock.
func (d *dirtyInodes) snapshotAndClear() ([]uint32, []OnDiskInode) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inums := append([]uint32(nil), d.inums...)
	inodes := append([]OnDiskInode(nil), d.inodes...)
	d.inums = d.inums[:0]
	d.inodes = d.inodes[:0]
	return inums, inodes
}
