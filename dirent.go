package lfs

import (
	"bytes"
	"strings"
)

// Dirent is one directory entry, unchanged from the xv6 convention carried
// in original_source/fs.h: a 16-bit inode number plus a fixed-width name.
type Dirent struct {
	Inum uint16
	Name [DirSiz]byte
}

func (d *Dirent) MarshalBinary() []byte {
	out := make([]byte, DirentSize)
	out[0] = byte(d.Inum)
	out[1] = byte(d.Inum >> 8)
	copy(out[2:], d.Name[:])
	return out
}

func (d *Dirent) UnmarshalBinary(data []byte) {
	d.Inum = uint16(data[0]) | uint16(data[1])<<8
	copy(d.Name[:], data[2:2+DirSiz])
}

func direntName(name string) ([DirSiz]byte, error) {
	var out [DirSiz]byte
	if len(name) > DirSiz {
		return out, ErrNameTooLong
	}
	copy(out[:], name)
	return out, nil
}

func direntNameString(raw [DirSiz]byte) string {
	return strings.TrimRight(string(raw[:]), "\x00")
}

// DirLookup scans dp's directory entries for name, per
// original_source/fs.c's dirlookup. dp must be a directory.
func (e *Engine) DirLookup(dp *Inode, name string) (uint32, error) {
	if !dp.IsDir() {
		return 0, ErrNotDirectory
	}
	want, err := direntName(name)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, DirentSize)
	for off := uint32(0); off+DirentSize <= dp.Size; off += DirentSize {
		n, err := e.ReadI(dp, buf, off, DirentSize)
		if err != nil {
			return 0, err
		}
		if n != DirentSize {
			break
		}
		var de Dirent
		de.UnmarshalBinary(buf)
		if de.Inum == 0 {
			continue
		}
		if bytes.Equal(de.Name[:], want[:]) {
			return uint32(de.Inum), nil
		}
	}
	return 0, ErrNameNotFound
}

// DirLink adds name -> inum to dp's directory, reusing the first empty
// slot if one exists and appending otherwise, per
// original_source/fs.c's dirlink.
func (e *Engine) DirLink(dp *Inode, name string, inum uint32) error {
	if !dp.IsDir() {
		return ErrNotDirectory
	}
	if _, err := e.DirLookup(dp, name); err == nil {
		return ErrNameExists
	} else if err != ErrNameNotFound {
		return err
	}
	nameBytes, err := direntName(name)
	if err != nil {
		return err
	}

	buf := make([]byte, DirentSize)
	var off uint32
	for ; off+DirentSize <= dp.Size; off += DirentSize {
		n, err := e.ReadI(dp, buf, off, DirentSize)
		if err != nil {
			return err
		}
		if n != DirentSize {
			break
		}
		var de Dirent
		de.UnmarshalBinary(buf)
		if de.Inum == 0 {
			break
		}
	}

	de := Dirent{Inum: uint16(inum), Name: nameBytes}
	_, err = e.WriteI(dp, de.MarshalBinary(), off, DirentSize)
	return err
}

// FormatRootDir writes the root directory's "." and ".." entries into dp
// (which must already be inum RootIno), mirroring mkfs.c's bootstrap.
func (e *Engine) FormatRootDir(dp *Inode) error {
	if err := e.DirLink(dp, ".", dp.Ino); err != nil {
		return err
	}
	return e.DirLink(dp, "..", dp.Ino)
}

// Namei resolves an absolute, '/'-separated path to its inode, the single
// non-recursive walker of original_source/fs.c's namex/skipelem.
func (e *Engine) Namei(path string) (*Inode, error) {
	ip, err := e.ILock(RootIno)
	if err != nil {
		return nil, err
	}
	for _, elem := range splitPath(path) {
		if !ip.IsDir() {
			return nil, ErrNotDirectory
		}
		inum, err := e.DirLookup(ip, elem)
		if err != nil {
			return nil, err
		}
		ip, err = e.ILock(inum)
		if err != nil {
			return nil, err
		}
	}
	return ip, nil
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
