package lfs

import "errors"

// Package-specific error variables that can be used with errors.Is() for error handling.
var (
	// ErrInvalidSuper is returned when the superblock data is corrupted or invalid
	ErrInvalidSuper = errors.New("lfs: invalid superblock")

	// ErrInvalidCheckpoint is returned when neither checkpoint slot decodes as valid
	ErrInvalidCheckpoint = errors.New("lfs: no valid checkpoint")

	// ErrOutOfSpace is returned when the allocator cannot find a free segment
	// even after invoking the cleaner. Fatal per spec: callers should treat
	// this as unrecoverable for the current operation.
	ErrOutOfSpace = errors.New("lfs: out of disk space")

	// ErrInvalidImapEntry is returned when an inode number lies outside the
	// imap's range.
	ErrInvalidImapEntry = errors.New("lfs: invalid imap entry")

	// ErrInodeNotFound is returned when an inode number has no imap entry.
	ErrInodeNotFound = errors.New("lfs: inode not in imap")

	// ErrNotDirectory is returned when attempting a directory operation on a
	// non-directory inode.
	ErrNotDirectory = errors.New("lfs: not a directory")

	// ErrNameTooLong is returned when a path component exceeds DIRSIZ.
	ErrNameTooLong = errors.New("lfs: name too long")

	// ErrNameExists is returned by DirLink when the name is already present.
	ErrNameExists = errors.New("lfs: directory entry exists")

	// ErrNameNotFound is returned when a directory lookup fails.
	ErrNameNotFound = errors.New("lfs: no such file or directory")

	// ErrFileTooLarge is returned when writei would exceed MAXFILE.
	ErrFileTooLarge = errors.New("lfs: file too large")

	// ErrBadSSB is returned by the SSB decoder when magic/checksum don't
	// match. Not itself fatal: callers fall back to the imap-scan path.
	ErrBadSSB = errors.New("lfs: invalid segment summary block")

	// ErrInvariant marks a violated §3 invariant. Always fatal.
	ErrInvariant = errors.New("lfs: invariant violation")

	// ErrClosed names the closed-Engine condition. Engine has no Close
	// method, and no function in this package returns ErrClosed.
	ErrClosed = errors.New("lfs: engine closed")
)
