package lfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// decodeIndirectBlock/encodeIndirectBlock pack NINDIRECT block addresses
// into one BSIZE-byte block, the same flat layout as an imap block.
func decodeIndirectBlock(buf []byte) []uint32 {
	out := make([]uint32, NINDIRECT)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
	return out
}

func encodeIndirectBlock(slots []uint32) []byte {
	out := make([]byte, BSIZE)
	for i, v := range slots {
		binary.LittleEndian.PutUint32(out[i*4:], v)
	}
	return out
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}

// allocZeroed allocates a fresh log block carrying an SSB entry and writes
// a zero-filled page into it, matching spec.md §4.8's "a fresh block is
// zero-filled on disk before the caller uses it".
func (e *Engine) allocZeroed(kind SSBEntryKind, inum, offset uint32) (uint32, error) {
	version, _ := e.imap.CurrentVersion(inum)
	addr, err := e.alloc.Alloc(kind, inum, offset, version)
	if err != nil {
		return 0, err
	}
	if err := e.dev.WriteBlock(addr, make([]byte, BSIZE)); err != nil {
		return 0, errors.Wrap(err, "lfs: zero-fill new block")
	}
	if seg, ok := e.sb.SegOf(addr); ok {
		e.sut.UpdateUsage(seg, int32(BSIZE), e.clock.Now())
	}
	return addr, nil
}

// bmapLocked returns the block address for logical offset bn, allocating
// direct or indirect entries on demand, per spec.md §4.8. Used by ReadI;
// WriteI never calls this since every write allocates a fresh block
// regardless of whether one already exists (copy-on-write).
func (e *Engine) bmapLocked(ip *Inode, bn uint32) (uint32, error) {
	if bn >= MAXFILE {
		return 0, ErrFileTooLarge
	}
	if bn < NDIRECT {
		if ip.Addrs[bn] == 0 {
			addr, err := e.allocZeroed(SSBData, ip.Ino, bn)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = addr
		}
		return ip.Addrs[bn], nil
	}

	idx := bn - NDIRECT
	var slots []uint32
	if ip.Addrs[NDIRECT] == 0 {
		newIndirect, err := e.allocZeroed(SSBIndirect, ip.Ino, NDIRECT)
		if err != nil {
			return 0, err
		}
		ip.Addrs[NDIRECT] = newIndirect
		slots = make([]uint32, NINDIRECT)
	} else {
		buf, err := e.dev.ReadBlock(ip.Addrs[NDIRECT])
		if err != nil {
			return 0, errors.Wrap(err, "lfs: read indirect block")
		}
		slots = decodeIndirectBlock(buf)
	}
	if slots[idx] == 0 {
		addr, err := e.allocZeroed(SSBData, ip.Ino, bn)
		if err != nil {
			return 0, err
		}
		slots[idx] = addr
		if err := e.dev.WriteBlock(ip.Addrs[NDIRECT], encodeIndirectBlock(slots)); err != nil {
			return 0, errors.Wrap(err, "lfs: write indirect block")
		}
	}
	return slots[idx], nil
}

// currentBlockAddr returns logical block bn's current address without
// allocating, or 0 if it has never been written.
func (e *Engine) currentBlockAddr(ip *Inode, bn uint32) (uint32, error) {
	if bn < NDIRECT {
		return ip.Addrs[bn], nil
	}
	if ip.Addrs[NDIRECT] == 0 {
		return 0, nil
	}
	buf, err := e.dev.ReadBlock(ip.Addrs[NDIRECT])
	if err != nil {
		return 0, errors.Wrap(err, "lfs: read indirect block")
	}
	slots := decodeIndirectBlock(buf)
	return slots[bn-NDIRECT], nil
}

// setBlockAddr installs newAddr as logical block bn's current address. For
// the indirect region this copy-on-writes the indirect block itself
// (spec.md §4.8: "overwriting a data block via an indirect path forces CoW
// of the indirect block as well, with its own INDIRECT SSB entry").
func (e *Engine) setBlockAddr(ip *Inode, bn, newAddr uint32) error {
	if bn < NDIRECT {
		ip.Addrs[bn] = newAddr
		return nil
	}
	idx := bn - NDIRECT
	var slots []uint32
	oldIndirect := ip.Addrs[NDIRECT]
	if oldIndirect == 0 {
		slots = make([]uint32, NINDIRECT)
	} else {
		buf, err := e.dev.ReadBlock(oldIndirect)
		if err != nil {
			return errors.Wrap(err, "lfs: read indirect block")
		}
		slots = decodeIndirectBlock(buf)
	}
	slots[idx] = newAddr

	version, _ := e.imap.CurrentVersion(ip.Ino)
	newIndirect, err := e.alloc.Alloc(SSBIndirect, ip.Ino, NDIRECT, version)
	if err != nil {
		return err
	}
	if err := e.dev.WriteBlock(newIndirect, encodeIndirectBlock(slots)); err != nil {
		return errors.Wrap(err, "lfs: write indirect block")
	}
	now := e.clock.Now()
	if oldIndirect != 0 {
		if seg, ok := e.sb.SegOf(oldIndirect); ok {
			e.sut.UpdateUsage(seg, -int32(BSIZE), now)
		}
	}
	if seg, ok := e.sb.SegOf(newIndirect); ok {
		e.sut.UpdateUsage(seg, int32(BSIZE), now)
	}
	ip.Addrs[NDIRECT] = newIndirect
	return nil
}

// ReadI is read-only: it pins blocks via bmap and copies out, per
// spec.md §4.8.
func (e *Engine) ReadI(ip *Inode, dst []byte, off, n uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if off > ip.Size {
		return 0, nil
	}
	if off+n > ip.Size {
		n = ip.Size - off
	}
	var total uint32
	for total < n {
		bn := (off + total) / BSIZE
		boff := (off + total) % BSIZE
		addr, err := e.bmapLocked(ip, bn)
		if err != nil {
			return total, err
		}
		buf, err := e.dev.ReadBlock(addr)
		if err != nil {
			return total, err
		}
		m := minU32(n-total, BSIZE-boff)
		copy(dst[total:total+m], buf[boff:boff+m])
		total += m
	}
	return total, nil
}

// WriteI is copy-on-write per block, per spec.md §4.8: for each affected
// block, allocate a new log block with a DATA SSB entry, read-modify-write
// for partial updates, write the new block, redirect the inode/indirect
// pointer, update SUT usage for the new block and (if one existed) the
// superseded old block, and finally stage the inode.
func (e *Engine) WriteI(ip *Inode, src []byte, off, n uint32) (uint32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	const maxOff = MAXFILE * BSIZE
	if off > maxOff || n > maxOff-off {
		return 0, ErrFileTooLarge
	}

	version, _ := e.imap.CurrentVersion(ip.Ino)
	var total uint32
	for total < n {
		bn := (off + total) / BSIZE
		boff := (off + total) % BSIZE
		m := minU32(n-total, BSIZE-boff)

		oldAddr, err := e.currentBlockAddr(ip, bn)
		if err != nil {
			return total, err
		}

		var buf []byte
		if oldAddr != 0 && (boff != 0 || m != BSIZE) {
			buf, err = e.dev.ReadBlock(oldAddr)
			if err != nil {
				return total, err
			}
		} else {
			buf = make([]byte, BSIZE)
		}
		copy(buf[boff:boff+m], src[total:total+m])

		newAddr, err := e.alloc.Alloc(SSBData, ip.Ino, bn, version)
		if err != nil {
			return total, err
		}
		if err := e.dev.WriteBlock(newAddr, buf); err != nil {
			return total, errors.Wrap(err, "lfs: write data block")
		}
		now := e.clock.Now()
		if seg, ok := e.sb.SegOf(newAddr); ok {
			e.sut.UpdateUsage(seg, int32(BSIZE), now)
		}
		if oldAddr != 0 {
			if seg, ok := e.sb.SegOf(oldAddr); ok {
				e.sut.UpdateUsage(seg, -int32(BSIZE), now)
			}
		}
		if err := e.setBlockAddr(ip, bn, newAddr); err != nil {
			return total, err
		}

		total += m
	}

	if off+total > ip.Size {
		ip.Size = off + total
	}
	if err := e.iupdateLocked(ip); err != nil {
		return total, err
	}
	return total, nil
}

// itruncLocked releases every data/indirect block an inode holds and bumps
// its version so in-flight SSB entries referencing the old contents are
// recognized as stale by the cleaner, per spec.md §3's inode lifecycle.
func (e *Engine) itruncLocked(ip *Inode) error {
	now := e.clock.Now()
	for bn := uint32(0); bn < NDIRECT; bn++ {
		if ip.Addrs[bn] == 0 {
			continue
		}
		if seg, ok := e.sb.SegOf(ip.Addrs[bn]); ok {
			e.sut.UpdateUsage(seg, -int32(BSIZE), now)
		}
		ip.Addrs[bn] = 0
	}
	if ip.Addrs[NDIRECT] != 0 {
		if buf, err := e.dev.ReadBlock(ip.Addrs[NDIRECT]); err == nil {
			for _, addr := range decodeIndirectBlock(buf) {
				if addr == 0 {
					continue
				}
				if seg, ok := e.sb.SegOf(addr); ok {
					e.sut.UpdateUsage(seg, -int32(BSIZE), now)
				}
			}
		}
		if seg, ok := e.sb.SegOf(ip.Addrs[NDIRECT]); ok {
			e.sut.UpdateUsage(seg, -int32(BSIZE), now)
		}
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	if _, err := e.imap.BumpVersion(ip.Ino); err != nil {
		return err
	}
	return e.iupdateLocked(ip)
}
