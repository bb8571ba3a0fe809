package lfs

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// BlockDevice is the engine's sole external collaborator for persistence.
// Everything above it (allocator, imap, SUT, checkpoint, cleaner) is
// written against this interface only; the real block cache, sleep-lock
// layer, and pinning/release lifecycle named in spec.md §1/§6 live outside
// this package.
type BlockDevice interface {
	// ReadBlock returns a freshly-allocated BSIZE-byte copy of block id.
	ReadBlock(id uint32) ([]byte, error)
	// WriteBlock writes buf (must be BSIZE bytes) to block id.
	WriteBlock(id uint32, buf []byte) error
	// Sync flushes any buffering below this interface to stable storage.
	Sync() error
}

// MemDevice is an in-memory BlockDevice backed by a plain byte-slice array:
// deterministic, trivial to corrupt for error-path tests, no real I/O.
type MemDevice struct {
	blocks [][]byte
}

// NewMemDevice creates an in-memory device of the given block count, every
// block zero-filled (matching mkfs's "zero out entire disk" first step).
func NewMemDevice(nblocks uint32) *MemDevice {
	d := &MemDevice{blocks: make([][]byte, nblocks)}
	for i := range d.blocks {
		d.blocks[i] = make([]byte, BSIZE)
	}
	return d
}

func (d *MemDevice) ReadBlock(id uint32) ([]byte, error) {
	if int(id) >= len(d.blocks) {
		return nil, errors.Errorf("lfs: mem device: block %d out of range (%d blocks)", id, len(d.blocks))
	}
	out := make([]byte, BSIZE)
	copy(out, d.blocks[id])
	return out, nil
}

func (d *MemDevice) WriteBlock(id uint32, buf []byte) error {
	if int(id) >= len(d.blocks) {
		return errors.Errorf("lfs: mem device: block %d out of range (%d blocks)", id, len(d.blocks))
	}
	if len(buf) != BSIZE {
		return errors.Errorf("lfs: mem device: write of %d bytes, want %d", len(buf), BSIZE)
	}
	copy(d.blocks[id], buf)
	return nil
}

func (d *MemDevice) Sync() error { return nil }

// NBlocks reports the device's total block count.
func (d *MemDevice) NBlocks() uint32 { return uint32(len(d.blocks)) }

// FileDevice is a real file-backed BlockDevice: reads and writes go straight
// through io.ReaderAt/io.WriterAt at a fixed block-sized stride, with no
// intermediate buffering.
type FileDevice struct {
	f *os.File
}

// OpenFileDevice opens path for read-write block access. The file must
// already be sized to hold the image (mkfs is responsible for that).
func OpenFileDevice(path string) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrap(err, "lfs: open device")
	}
	return &FileDevice{f: f}, nil
}

// CreateFileDevice creates (or truncates) path and sizes it to hold
// nblocks blocks of BSIZE bytes, mirroring mkfs.c's wsect-zero loop.
func CreateFileDevice(path string, nblocks uint32) (*FileDevice, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return nil, errors.Wrap(err, "lfs: create device")
	}
	if err := f.Truncate(int64(nblocks) * BSIZE); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "lfs: size device")
	}
	return &FileDevice{f: f}, nil
}

func (d *FileDevice) ReadBlock(id uint32) ([]byte, error) {
	buf := make([]byte, BSIZE)
	_, err := d.f.ReadAt(buf, int64(id)*BSIZE)
	if err != nil {
		return nil, errors.Wrapf(err, "lfs: read block %d", id)
	}
	return buf, nil
}

func (d *FileDevice) WriteBlock(id uint32, buf []byte) error {
	if len(buf) != BSIZE {
		return errors.Errorf("lfs: write block %d: %d bytes, want %d", id, len(buf), BSIZE)
	}
	if _, err := d.f.WriteAt(buf, int64(id)*BSIZE); err != nil {
		return errors.Wrapf(err, "lfs: write block %d", id)
	}
	return nil
}

// Sync uses fdatasync rather than fsync: block contents matter, the file's
// own metadata (size, mtime) does not, and the image is pre-sized by mkfs.
func (d *FileDevice) Sync() error {
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return errors.Wrap(err, "lfs: fdatasync device")
	}
	return nil
}

// Close releases the underlying file.
func (d *FileDevice) Close() error {
	return d.f.Close()
}
