package lfs

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

// imapPlaceholder marks a slot as "reserved, currently in the dirty
// buffer" per spec.md §3. imapFree (zero) marks an unallocated inode.
const imapPlaceholder = ^uint32(0)

// imapLocation is the decoded, tagged-union shape spec.md §9 asks for in
// place of the raw sentinel values, modeled via predicate methods on a
// plain value (InodeType.Mode()/IsDir() follow the same shape) rather than
// as a Go sum type.
type imapLocation struct {
	block   uint32
	slot    uint32
	version uint8
}

func decodeImapEntry(raw uint32) (loc imapLocation, free, placeholder bool) {
	if raw == 0 {
		return imapLocation{}, true, false
	}
	if raw == imapPlaceholder {
		return imapLocation{}, false, true
	}
	sb := sBits()
	slotMask := uint32(1)<<sb - 1
	slot := raw & slotMask
	rest := raw >> sb
	version := uint8(rest & (1<<VBits - 1))
	block := rest >> VBits
	return imapLocation{block: block, slot: slot, version: version}, false, false
}

func encodeImapEntry(block, slot uint32, version uint8) uint32 {
	sb := sBits()
	return (block << (VBits + sb)) | (uint32(version) << sb) | (slot & (1<<sb - 1))
}

// Imap maps inode number to its current on-disk location, kept entirely in
// memory and persisted as a contiguous run of blocks named by the
// checkpoint (spec.md §4.4).
//
// versions tracks each inum's current version counter independently of the
// encoded entry: a Located entry's version is also embedded in entries[],
// but a freshly ialloc'd inode sitting as a placeholder in the dirty buffer
// has nowhere in a placeholder's all-ones sentinel to carry one, and the
// cleaner needs it to judge staleness (spec.md §4.6) even before the inode
// is ever flushed. Keeping it here, parallel to entries[], is the simplest
// encoding that covers both cases.
type Imap struct {
	entries  []uint32
	versions []uint8
}

// NewImap allocates a zeroed (all-free) imap for ninodes inodes.
func NewImap(ninodes uint32) *Imap {
	return &Imap{entries: make([]uint32, ninodes), versions: make([]uint8, ninodes)}
}

func (m *Imap) Len() int { return len(m.entries) }

// Lookup decodes the entry for inum.
func (m *Imap) Lookup(inum uint32) (loc imapLocation, free, placeholder bool, err error) {
	if int(inum) >= len(m.entries) {
		return imapLocation{}, false, false, ErrInvalidImapEntry
	}
	loc, free, placeholder = decodeImapEntry(m.entries[inum])
	return
}

// SetLocated records inum's current (block, slot, version).
func (m *Imap) SetLocated(inum, block, slot uint32, version uint8) error {
	if int(inum) >= len(m.entries) {
		return ErrInvalidImapEntry
	}
	m.entries[inum] = encodeImapEntry(block, slot, version)
	m.versions[inum] = version
	return nil
}

// SetPlaceholder marks inum as newly allocated, not yet flushed, and resets
// its version to 0. Engine.IAlloc does not use it: it goes through
// AllocateFree, which keeps the version counter as it was.
func (m *Imap) SetPlaceholder(inum uint32) error {
	if int(inum) >= len(m.entries) {
		return ErrInvalidImapEntry
	}
	m.entries[inum] = imapPlaceholder
	m.versions[inum] = 0
	return nil
}

// SetFree marks inum as unallocated.
func (m *Imap) SetFree(inum uint32) error {
	if int(inum) >= len(m.entries) {
		return ErrInvalidImapEntry
	}
	m.entries[inum] = 0
	return nil
}

// CurrentVersion returns inum's version counter regardless of whether it is
// currently located or still a dirty-buffer placeholder.
func (m *Imap) CurrentVersion(inum uint32) (uint8, error) {
	if int(inum) >= len(m.versions) {
		return 0, ErrInvalidImapEntry
	}
	return m.versions[inum], nil
}

// BumpVersion increments inum's version counter, called on truncate/free
// per spec.md §3, whether or not the inode has a flushed on-disk copy yet.
func (m *Imap) BumpVersion(inum uint32) (uint8, error) {
	if int(inum) >= len(m.versions) {
		return 0, ErrInvalidImapEntry
	}
	m.versions[inum]++
	return m.versions[inum], nil
}

// AllocateFree scans for the first free inode number starting at 1 (inode
// 0 is never used, matching the xv6 convention where ROOTINO==1), marks it
// as a placeholder, and returns it.
func (m *Imap) AllocateFree() (uint32, error) {
	for i := uint32(1); i < uint32(len(m.entries)); i++ {
		if m.entries[i] == 0 {
			m.entries[i] = imapPlaceholder
			return i, nil
		}
	}
	return 0, errors.New("lfs: no free inodes")
}

const entriesPerImapBlock = BSIZE / 4

// nImapBlocksNeeded returns how many blocks are needed to hold ninodes
// entries.
func nImapBlocksNeeded(ninodes int) uint32 {
	return uint32((ninodes + entriesPerImapBlock - 1) / entriesPerImapBlock)
}

// marshalImapBlock encodes the i'th BSIZE-byte slice of the imap.
func (m *Imap) marshalImapBlock(i int) []byte {
	buf := &bytes.Buffer{}
	start := i * entriesPerImapBlock
	for j := 0; j < entriesPerImapBlock; j++ {
		var v uint32
		if start+j < len(m.entries) {
			v = m.entries[start+j]
		}
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func unmarshalImapBlock(data []byte) []uint32 {
	out := make([]uint32, entriesPerImapBlock)
	r := bytes.NewReader(data)
	for i := range out {
		binary.Read(r, binary.LittleEndian, &out[i])
	}
	return out
}

// loadImap reads the imap blocks named by cp into a fresh Imap sized for
// ninodes entries, per spec.md §4.4's "imap_nblocks tracks live extent".
func loadImap(dev BlockDevice, cp *Checkpoint, ninodes uint32) (*Imap, error) {
	m := NewImap(ninodes)
	n := cp.ImapNBlocks
	if n > NIMapBlocks {
		n = NIMapBlocks
	}
	for i := uint32(0); i < n; i++ {
		buf, err := dev.ReadBlock(cp.ImapAddrs[i])
		if err != nil {
			return nil, errors.Wrapf(err, "lfs: read imap block %d", i)
		}
		block := unmarshalImapBlock(buf)
		for j, v := range block {
			idx := int(i)*entriesPerImapBlock + j
			if idx >= len(m.entries) {
				break
			}
			m.entries[idx] = v
			if loc, free, ph := decodeImapEntry(v); !free && !ph {
				m.versions[idx] = loc.version
			}
		}
	}
	return m, nil
}
