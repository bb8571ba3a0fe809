package lfs

import "testing"

func TestMkfsFormatsRootDirectory(t *testing.T) {
	dev := NewMemDevice(64)
	eng, err := Mkfs(dev, 64, 8, 32)
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}

	root, err := eng.ILock(RootIno)
	if err != nil {
		t.Fatalf("ILock(RootIno): %v", err)
	}
	if !root.IsDir() {
		t.Fatal("root inode should be a directory")
	}
	for _, name := range []string{".", ".."} {
		inum, err := eng.DirLookup(root, name)
		if err != nil {
			t.Fatalf("DirLookup(%q): %v", name, err)
		}
		if inum != RootIno {
			t.Fatalf("DirLookup(%q): got inum %d, want %d", name, inum, RootIno)
		}
	}
}

func TestMkfsRejectsUndersizedImage(t *testing.T) {
	dev := NewMemDevice(8)
	if _, err := Mkfs(dev, 8, 8, 4); err == nil {
		t.Fatal("expected an error formatting an image too small for one segment")
	}
}

func TestMkfsThenReopenPreservesState(t *testing.T) {
	dev := NewMemDevice(64)
	eng, err := Mkfs(dev, 64, 8, 32)
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	root, err := eng.ILock(RootIno)
	if err != nil {
		t.Fatalf("ILock: %v", err)
	}
	child, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	if err := eng.DirLink(root, "hello", child.Ino); err != nil {
		t.Fatalf("DirLink: %v", err)
	}
	if _, err := eng.WriteI(child, []byte("hi there"), 0, 8); err != nil {
		t.Fatalf("WriteI: %v", err)
	}
	if err := eng.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	reopened, err := NewEngine(dev)
	if err != nil {
		t.Fatalf("NewEngine (reopen): %v", err)
	}
	ip, err := reopened.Namei("hello")
	if err != nil {
		t.Fatalf("Namei(hello) after reopen: %v", err)
	}
	buf := make([]byte, 8)
	n, err := reopened.ReadI(ip, buf, 0, 8)
	if err != nil {
		t.Fatalf("ReadI after reopen: %v", err)
	}
	if string(buf[:n]) != "hi there" {
		t.Fatalf("got %q, want %q", buf[:n], "hi there")
	}
}

// TestCrashBeforeSyncLosesUnsyncedWrites exercises spec.md §8 scenario 2:
// a write made after the last successful sync must not surface once the
// engine reopens from that sync's checkpoint, while everything durable as
// of the sync survives.
func TestCrashBeforeSyncLosesUnsyncedWrites(t *testing.T) {
	dev := NewMemDevice(64)
	eng, err := Mkfs(dev, 64, 8, 32)
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	root, err := eng.ILock(RootIno)
	if err != nil {
		t.Fatalf("ILock: %v", err)
	}

	synced, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc(synced): %v", err)
	}
	if err := eng.DirLink(root, "synced", synced.Ino); err != nil {
		t.Fatalf("DirLink(synced): %v", err)
	}
	if _, err := eng.WriteI(synced, []byte("durable"), 0, 7); err != nil {
		t.Fatalf("WriteI(synced): %v", err)
	}
	if err := eng.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	// Simulate a crash: everything from here on never reaches a successful
	// Sync, so none of it should be reachable after reopening.
	unsynced, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc(unsynced): %v", err)
	}
	if err := eng.DirLink(root, "unsynced", unsynced.Ino); err != nil {
		t.Fatalf("DirLink(unsynced): %v", err)
	}
	if _, err := eng.WriteI(unsynced, []byte("gone"), 0, 4); err != nil {
		t.Fatalf("WriteI(unsynced): %v", err)
	}

	reopened, err := NewEngine(dev)
	if err != nil {
		t.Fatalf("NewEngine (reopen after crash): %v", err)
	}

	ip, err := reopened.Namei("synced")
	if err != nil {
		t.Fatalf("Namei(synced) after reopen: %v", err)
	}
	buf := make([]byte, 7)
	n, err := reopened.ReadI(ip, buf, 0, 7)
	if err != nil {
		t.Fatalf("ReadI(synced) after reopen: %v", err)
	}
	if string(buf[:n]) != "durable" {
		t.Fatalf("got %q, want %q", buf[:n], "durable")
	}

	if _, err := reopened.Namei("unsynced"); err != ErrNameNotFound {
		t.Fatalf("Namei(unsynced) after reopen: got %v, want ErrNameNotFound", err)
	}
	if _, err := reopened.ILock(unsynced.Ino); err != ErrInodeNotFound {
		t.Fatalf("ILock(unsynced.Ino) after reopen: got %v, want ErrInodeNotFound", err)
	}
}
