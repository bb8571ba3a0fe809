package lfs

import "testing"

func TestDirLinkAndLookup(t *testing.T) {
	eng := newTestEngine(t)
	root, err := eng.ILock(RootIno)
	if err != nil {
		t.Fatalf("ILock: %v", err)
	}
	child, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	if err := eng.DirLink(root, "a.txt", child.Ino); err != nil {
		t.Fatalf("DirLink: %v", err)
	}
	inum, err := eng.DirLookup(root, "a.txt")
	if err != nil {
		t.Fatalf("DirLookup: %v", err)
	}
	if inum != child.Ino {
		t.Fatalf("got inum %d, want %d", inum, child.Ino)
	}
}

func TestDirLinkRejectsDuplicateName(t *testing.T) {
	eng := newTestEngine(t)
	root, _ := eng.ILock(RootIno)
	c1, _ := eng.IAlloc(TFile)
	c2, _ := eng.IAlloc(TFile)
	if err := eng.DirLink(root, "dup", c1.Ino); err != nil {
		t.Fatalf("first DirLink: %v", err)
	}
	if err := eng.DirLink(root, "dup", c2.Ino); err != ErrNameExists {
		t.Fatalf("second DirLink: got %v, want ErrNameExists", err)
	}
}

func TestDirLookupMissingName(t *testing.T) {
	eng := newTestEngine(t)
	root, _ := eng.ILock(RootIno)
	if _, err := eng.DirLookup(root, "nope"); err != ErrNameNotFound {
		t.Fatalf("got %v, want ErrNameNotFound", err)
	}
}

func TestNameiResolvesNestedPath(t *testing.T) {
	eng := newTestEngine(t)
	root, _ := eng.ILock(RootIno)
	dir, err := eng.IAlloc(TDir)
	if err != nil {
		t.Fatalf("IAlloc dir: %v", err)
	}
	if err := eng.FormatRootDir(dir); err != nil {
		t.Fatalf("FormatRootDir: %v", err)
	}
	if err := eng.DirLink(root, "sub", dir.Ino); err != nil {
		t.Fatalf("DirLink sub: %v", err)
	}
	file, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc file: %v", err)
	}
	if err := eng.DirLink(dir, "leaf", file.Ino); err != nil {
		t.Fatalf("DirLink leaf: %v", err)
	}

	found, err := eng.Namei("sub/leaf")
	if err != nil {
		t.Fatalf("Namei: %v", err)
	}
	if found.Ino != file.Ino {
		t.Fatalf("got inum %d, want %d", found.Ino, file.Ino)
	}
}

func TestDirentNameTooLong(t *testing.T) {
	long := make([]byte, DirSiz+1)
	for i := range long {
		long[i] = 'x'
	}
	if _, err := direntName(string(long)); err != ErrNameTooLong {
		t.Fatalf("got %v, want ErrNameTooLong", err)
	}
}
