package lfs

import (
	"io"
	"io/fs"
	"path"
	"time"
)

// FS exposes a read-only io/fs.FS view of an open Engine image, wrapping
// each resolved inode in an fs.File/fs.ReadDirFile built over ReadI/DirLookup.
type FS struct {
	eng *Engine
}

// NewFS wraps eng for read-only traversal.
func NewFS(eng *Engine) *FS {
	return &FS{eng: eng}
}

var _ fs.FS = (*FS)(nil)
var _ fs.StatFS = (*FS)(nil)

func (f *FS) resolve(name string) (*Inode, error) {
	if name == "." || name == "" {
		return f.eng.ILock(RootIno)
	}
	if !fs.ValidPath(name) {
		return nil, fs.ErrInvalid
	}
	return f.eng.Namei(name)
}

func (f *FS) Open(name string) (fs.File, error) {
	ip, err := f.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}
	if ip.IsDir() {
		return &openDir{fsys: f, ino: ip, name: name}, nil
	}
	return &openFile{fsys: f, ino: ip, name: name}, nil
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	ip, err := f.resolve(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return &inodeInfo{name: path.Base(name), ino: ip}, nil
}

// openFile implements fs.File and io.ReaderAt over the engine's content
// layer.
type openFile struct {
	fsys *FS
	ino  *Inode
	name string
	off  uint32
}

var _ fs.File = (*openFile)(nil)
var _ io.ReaderAt = (*openFile)(nil)

func (o *openFile) Stat() (fs.FileInfo, error) {
	return &inodeInfo{name: path.Base(o.name), ino: o.ino}, nil
}

func (o *openFile) Read(p []byte) (int, error) {
	if o.off >= o.ino.Size {
		return 0, io.EOF
	}
	n, err := o.fsys.eng.ReadI(o.ino, p, o.off, uint32(len(p)))
	o.off += n
	if err == nil && n == 0 {
		return 0, io.EOF
	}
	return int(n), err
}

func (o *openFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fs.ErrInvalid
	}
	n, err := o.fsys.eng.ReadI(o.ino, p, uint32(off), uint32(len(p)))
	if err == nil && int(n) < len(p) {
		err = io.EOF
	}
	return int(n), err
}

func (o *openFile) Close() error { return nil }

// openDir implements fs.ReadDirFile by scanning the directory's dirents
// through ReadI in fixed-size chunks.
type openDir struct {
	fsys *FS
	ino  *Inode
	name string
	off  uint32
}

var _ fs.ReadDirFile = (*openDir)(nil)

func (d *openDir) Stat() (fs.FileInfo, error) {
	return &inodeInfo{name: path.Base(d.name), ino: d.ino}, nil
}

func (d *openDir) Read([]byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: d.name, Err: fs.ErrInvalid}
}

func (d *openDir) Close() error { return nil }

func (d *openDir) ReadDir(n int) ([]fs.DirEntry, error) {
	var out []fs.DirEntry
	buf := make([]byte, DirentSize)
	for d.off+DirentSize <= d.ino.Size {
		m, err := d.fsys.eng.ReadI(d.ino, buf, d.off, DirentSize)
		d.off += DirentSize
		if err != nil {
			return out, err
		}
		if m != DirentSize {
			break
		}
		var de Dirent
		de.UnmarshalBinary(buf)
		if de.Inum == 0 {
			continue
		}
		name := direntNameString(de.Name)
		if name == "." || name == ".." {
			continue
		}
		child, err := d.fsys.eng.ILock(uint32(de.Inum))
		if err != nil {
			return out, err
		}
		out = append(out, &inodeDirEntry{name: name, ino: child})
		if n > 0 && len(out) >= n {
			return out, nil
		}
	}
	if n > 0 && len(out) == 0 {
		return out, io.EOF
	}
	return out, nil
}

// inodeDirEntry implements fs.DirEntry, the role dir.go's direntry played.
type inodeDirEntry struct {
	name string
	ino  *Inode
}

var _ fs.DirEntry = (*inodeDirEntry)(nil)

func (e *inodeDirEntry) Name() string      { return e.name }
func (e *inodeDirEntry) IsDir() bool       { return e.ino.IsDir() }
func (e *inodeDirEntry) Type() fs.FileMode { return e.ino.Type.Mode().Type() }
func (e *inodeDirEntry) Info() (fs.FileInfo, error) {
	return &inodeInfo{name: e.name, ino: e.ino}, nil
}

// inodeInfo implements fs.FileInfo, the role file.go's fileinfo played.
type inodeInfo struct {
	name string
	ino  *Inode
}

var _ fs.FileInfo = (*inodeInfo)(nil)

func (fi *inodeInfo) Name() string       { return fi.name }
func (fi *inodeInfo) Size() int64        { return int64(fi.ino.Size) }
func (fi *inodeInfo) Mode() fs.FileMode  { return fi.ino.Type.Mode() }
func (fi *inodeInfo) ModTime() time.Time { return time.Time{} }
func (fi *inodeInfo) IsDir() bool        { return fi.ino.IsDir() }
func (fi *inodeInfo) Sys() any           { return fi.ino }
