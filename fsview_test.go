package lfs

import (
	"io/fs"
	"testing"
)

func TestFSOpenAndReadFile(t *testing.T) {
	eng := newTestEngine(t)
	root, err := eng.ILock(RootIno)
	if err != nil {
		t.Fatalf("ILock(root): %v", err)
	}
	child, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	if err := eng.DirLink(root, "greeting.txt", child.Ino); err != nil {
		t.Fatalf("DirLink: %v", err)
	}
	if _, err := eng.WriteI(child, []byte("hello"), 0, 5); err != nil {
		t.Fatalf("WriteI: %v", err)
	}

	fsys := NewFS(eng)
	data, err := fs.ReadFile(fsys, "greeting.txt")
	if err != nil {
		t.Fatalf("fs.ReadFile: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("got %q, want %q", data, "hello")
	}
}

func TestFSReadDirListsEntries(t *testing.T) {
	eng := newTestEngine(t)
	root, _ := eng.ILock(RootIno)
	for _, name := range []string{"one", "two"} {
		ip, err := eng.IAlloc(TFile)
		if err != nil {
			t.Fatalf("IAlloc: %v", err)
		}
		if err := eng.DirLink(root, name, ip.Ino); err != nil {
			t.Fatalf("DirLink(%s): %v", name, err)
		}
	}

	fsys := NewFS(eng)
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		t.Fatalf("fs.ReadDir: %v", err)
	}
	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name()] = true
	}
	if !names["one"] || !names["two"] {
		t.Fatalf("expected both entries present, got %v", names)
	}
	if names["."] || names[".."] {
		t.Fatal(". and .. should be filtered out of ReadDir results")
	}
}

func TestFSStatDirectory(t *testing.T) {
	eng := newTestEngine(t)
	fsys := NewFS(eng)
	info, err := fsys.Stat(".")
	if err != nil {
		t.Fatalf("Stat(.): %v", err)
	}
	if !info.IsDir() {
		t.Fatal("root should stat as a directory")
	}
}
