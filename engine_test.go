package lfs

import "testing"

func TestIAllocAssignsDistinctInodes(t *testing.T) {
	eng := newTestEngine(t)
	a, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc a: %v", err)
	}
	b, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc b: %v", err)
	}
	if a.Ino == b.Ino {
		t.Fatalf("IAlloc returned the same inode twice: %d", a.Ino)
	}
}

func TestIPutFreesInodeOnLastUnlink(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	ip.NLink = 0
	if err := eng.IPut(ip); err != nil {
		t.Fatalf("IPut: %v", err)
	}
	if _, err := eng.ILock(ip.Ino); err != ErrInodeNotFound {
		t.Fatalf("ILock after IPut: got %v, want ErrInodeNotFound", err)
	}
}

func TestIPutKeepsInodeWhileLinksRemain(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	ip.NLink = 1
	if err := eng.IPut(ip); err != nil {
		t.Fatalf("IPut: %v", err)
	}
	if _, err := eng.ILock(ip.Ino); err != nil {
		t.Fatalf("ILock after IPut with remaining links: %v", err)
	}
}

func TestSyncIsIdempotentWhenClean(t *testing.T) {
	eng := newTestEngine(t)
	if err := eng.Sync(); err != nil {
		t.Fatalf("first Sync: %v", err)
	}
	if err := eng.Sync(); err != nil {
		t.Fatalf("second Sync on a clean engine: %v", err)
	}
}

func TestRedirectUpdatesLiveCacheEntry(t *testing.T) {
	eng := newTestEngine(t)
	ip, err := eng.IAlloc(TFile)
	if err != nil {
		t.Fatalf("IAlloc: %v", err)
	}
	ip.Addrs[0] = 10
	eng.cache[ip.Ino] = ip
	eng.Redirect(ip.Ino, 0, 99)
	if ip.Addrs[0] != 99 {
		t.Fatalf("Redirect did not update the cached inode: got %d, want 99", ip.Addrs[0])
	}
}
