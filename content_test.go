package lfs

import (
	"bytes"
	"testing"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	dev := NewMemDevice(256)
	eng, err := Mkfs(dev, 256, 16, 64)
	if err != nil {
		t.Fatalf("Mkfs: %v", err)
	}
	return eng
}

func TestWriteThenReadWithinOneBlock(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	data := []byte("the quick brown fox")
	if n, err := eng.WriteI(ip, data, 0, uint32(len(data))); err != nil || n != uint32(len(data)) {
		t.Fatalf("WriteI: n=%d err=%v", n, err)
	}
	got := make([]byte, len(data))
	if n, err := eng.ReadI(ip, got, 0, uint32(len(data))); err != nil || n != uint32(len(data)) {
		t.Fatalf("ReadI: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
	if ip.Size != uint32(len(data)) {
		t.Fatalf("Size: got %d, want %d", ip.Size, len(data))
	}
}

func TestWriteSpanningIndirectBlocks(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	// Span from inside the direct region into the indirect region.
	size := (NDIRECT + 3) * BSIZE
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i)
	}
	if n, err := eng.WriteI(ip, data, 0, uint32(size)); err != nil || n != uint32(size) {
		t.Fatalf("WriteI: n=%d err=%v", n, err)
	}
	got := make([]byte, size)
	if n, err := eng.ReadI(ip, got, 0, uint32(size)); err != nil || n != uint32(size) {
		t.Fatalf("ReadI: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round-tripped indirect-spanning content mismatch")
	}
	if ip.Addrs[NDIRECT] == 0 {
		t.Fatal("expected an indirect block to have been allocated")
	}
}

func TestPartialOverwritePreservesSurroundingBytes(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	original := bytes.Repeat([]byte{'a'}, BSIZE)
	if _, err := eng.WriteI(ip, original, 0, BSIZE); err != nil {
		t.Fatalf("initial WriteI: %v", err)
	}
	patch := []byte("PATCH")
	if _, err := eng.WriteI(ip, patch, 10, uint32(len(patch))); err != nil {
		t.Fatalf("patch WriteI: %v", err)
	}
	got := make([]byte, BSIZE)
	if _, err := eng.ReadI(ip, got, 0, BSIZE); err != nil {
		t.Fatalf("ReadI: %v", err)
	}
	if !bytes.Equal(got[:10], original[:10]) {
		t.Fatal("bytes before the patch were clobbered")
	}
	if !bytes.Equal(got[10:15], patch) {
		t.Fatalf("patch not applied: got %q", got[10:15])
	}
	if !bytes.Equal(got[15:], original[15:]) {
		t.Fatal("bytes after the patch were clobbered")
	}
}

func TestOverwriteIsCopyOnWrite(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	if _, err := eng.WriteI(ip, []byte("first"), 0, 5); err != nil {
		t.Fatalf("first write: %v", err)
	}
	firstAddr := ip.Addrs[0]
	if _, err := eng.WriteI(ip, []byte("secnd"), 0, 5); err != nil {
		t.Fatalf("second write: %v", err)
	}
	if ip.Addrs[0] == firstAddr {
		t.Fatal("overwrite should allocate a fresh block rather than mutate in place")
	}
}

func TestTruncateReleasesBlocksAndBumpsVersion(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	if _, err := eng.WriteI(ip, []byte("data"), 0, 4); err != nil {
		t.Fatalf("WriteI: %v", err)
	}
	v0, _ := eng.imap.CurrentVersion(ip.Ino)

	eng.mu.Lock()
	err = eng.itruncLocked(ip)
	eng.mu.Unlock()
	if err != nil {
		t.Fatalf("itruncLocked: %v", err)
	}
	if ip.Size != 0 {
		t.Fatalf("Size after truncate: got %d, want 0", ip.Size)
	}
	if ip.Addrs[0] != 0 {
		t.Fatal("direct block pointer should be cleared after truncate")
	}
	v1, _ := eng.imap.CurrentVersion(ip.Ino)
	if v1 == v0 {
		t.Fatal("version should be bumped by truncate")
	}
}
