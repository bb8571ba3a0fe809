package lfs

import (
	"bytes"
	"encoding/binary"
)

// OnDiskInode is the fixed-layout inode record described in spec.md §3,
// unchanged from the xv6 dinode convention carried in original_source/fs.h
// (type, major, minor, nlink, size, addrs[NDIRECT+1]).
type OnDiskInode struct {
	Type  InodeType
	Major int16
	Minor int16
	NLink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

func (d *OnDiskInode) MarshalBinary() []byte {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.LittleEndian, d.Type)
	binary.Write(buf, binary.LittleEndian, d.Major)
	binary.Write(buf, binary.LittleEndian, d.Minor)
	binary.Write(buf, binary.LittleEndian, d.NLink)
	binary.Write(buf, binary.LittleEndian, d.Size)
	binary.Write(buf, binary.LittleEndian, d.Addrs)
	return buf.Bytes()
}

func (d *OnDiskInode) UnmarshalBinary(data []byte) error {
	r := bytes.NewReader(data)
	binary.Read(r, binary.LittleEndian, &d.Type)
	binary.Read(r, binary.LittleEndian, &d.Major)
	binary.Read(r, binary.LittleEndian, &d.Minor)
	binary.Read(r, binary.LittleEndian, &d.NLink)
	binary.Read(r, binary.LittleEndian, &d.Size)
	return binary.Read(r, binary.LittleEndian, &d.Addrs)
}

// encodeInodeBlock packs up to IPB dinodes into one BSIZE-byte block.
func encodeInodeBlock(inodes [IPB]OnDiskInode) []byte {
	out := make([]byte, BSIZE)
	for i, d := range inodes {
		copy(out[i*dinodeSize:], d.MarshalBinary())
	}
	return out
}

func decodeInodeAt(block []byte, slot uint32) OnDiskInode {
	var d OnDiskInode
	off := int(slot) * dinodeSize
	d.UnmarshalBinary(block[off : off+dinodeSize])
	return d
}

// Inode is the in-memory, mutable working copy of one file's metadata,
// analogous to xv6's struct inode in original_source/fs.c. The surrounding
// reference-counted cache table and sleep-lock (icache, ip->lock) are the
// external collaborator named in spec.md §1/§5; this type is only the
// payload such a cache entry would hold. ILock(inum) returns one, and the
// Engine content-layer methods (ReadI/WriteI/IUpdate, and bmapLocked
// internally) take one by pointer the way the original's
// readi/writei/bmap take *inode.
type Inode struct {
	Ino   uint32
	Valid bool

	Type  InodeType
	Major int16
	Minor int16
	NLink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

func (ip *Inode) toDinode() OnDiskInode {
	return OnDiskInode{
		Type: ip.Type, Major: ip.Major, Minor: ip.Minor,
		NLink: ip.NLink, Size: ip.Size, Addrs: ip.Addrs,
	}
}

func (ip *Inode) fromDinode(d OnDiskInode) {
	ip.Type = d.Type
	ip.Major = d.Major
	ip.Minor = d.Minor
	ip.NLink = d.NLink
	ip.Size = d.Size
	ip.Addrs = d.Addrs
}

// IsDir/IsFree report the inode's basic kind via predicate methods, the
// same style InodeType.Mode() in params.go uses for its own type enum.
func (ip *Inode) IsDir() bool  { return ip.Type == TDir }
func (ip *Inode) IsFree() bool { return ip.Type == TFree }
