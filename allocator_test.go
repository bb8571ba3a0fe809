package lfs

import "testing"

func newTestAllocator(t *testing.T, nsegs, segSize uint32) (*Allocator, BlockDevice, *Superblock, *SUT) {
	t.Helper()
	dev := NewMemDevice(nsegs * segSize)
	sb := &Superblock{SegStart: 0, SegSize: segSize, NSegs: nsegs, Size: nsegs * segSize}
	sut := NewSUT(nsegs)
	sut.MarkUsed(0, 1)
	var freeRing []uint32
	for s := uint32(1); s < nsegs; s++ {
		freeRing = append(freeRing, s)
	}
	a := NewAllocator(dev, sb, sut, newSSBBuffer(), &TickClock{}, 0, 0, freeRing)
	return a, dev, sb, sut
}

func TestAllocatorReservesLastTwoBlocksForOrdinaryAllocs(t *testing.T) {
	a, _, _, _ := newTestAllocator(t, 2, 8)
	// Segment 0 has 8 blocks; allocate ordinary data blocks until the
	// reservation kicks in and forces a segment switch.
	var addrs []uint32
	for i := 0; i < 6; i++ {
		addr, err := a.Alloc(SSBData, 1, uint32(i), 0)
		if err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
		addrs = append(addrs, addr)
	}
	for _, addr := range addrs {
		if addr >= 6 {
			t.Fatalf("ordinary alloc used reserved block %d (segment has 8 blocks, last 2 reserved)", addr)
		}
	}
	// The 7th ordinary allocation should trigger a segment switch, since
	// only 2 blocks (the reserved window) remain.
	addr, err := a.Alloc(SSBData, 1, 6, 0)
	if err != nil {
		t.Fatalf("Alloc triggering switch: %v", err)
	}
	if seg, _ := (&Superblock{SegStart: 0, SegSize: 8, NSegs: 2}).SegOf(addr); seg != 1 {
		t.Fatalf("expected the switch to land in segment 1, got block %d", addr)
	}
}

func TestAllocatorClosingSSBLandsOnLastBlock(t *testing.T) {
	a, dev, sb, _ := newTestAllocator(t, 2, 8)
	// Fill segment 0 up to its reserved window (6 of 8 blocks), then close
	// it explicitly to exercise closeCurrentSegment without also triggering
	// an implicit switch from the reservation check.
	for i := 0; i < 6; i++ {
		if _, err := a.Alloc(SSBData, 1, uint32(i), 0); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if err := a.switchSegment(); err != nil {
		t.Fatalf("switchSegment: %v", err)
	}
	start, _ := sb.SegBounds(0)
	lastBlock := start + sb.SegSize - 1
	buf, err := dev.ReadBlock(lastBlock)
	if err != nil {
		t.Fatalf("ReadBlock(lastBlock): %v", err)
	}
	if _, err := decodeSSBBlock(buf); err != nil {
		t.Fatalf("closing SSB did not decode: %v", err)
	}
}

func TestAllocatorOutOfSpaceWithoutCleaner(t *testing.T) {
	dev := NewMemDevice(8)
	sb := &Superblock{SegStart: 0, SegSize: 8, NSegs: 1, Size: 8}
	sut := NewSUT(1)
	sut.MarkUsed(0, 1)
	a := NewAllocator(dev, sb, sut, newSSBBuffer(), &TickClock{}, 0, 0, nil)

	for i := 0; i < 6; i++ {
		if _, err := a.Alloc(SSBData, 1, uint32(i), 0); err != nil {
			t.Fatalf("Alloc %d: %v", i, err)
		}
	}
	if _, err := a.Alloc(SSBData, 1, 6, 0); err != ErrOutOfSpace {
		t.Fatalf("got %v, want ErrOutOfSpace (no free segment, no cleaner)", err)
	}
	if !a.GCFailed() {
		t.Fatal("GCFailed should latch after exhausting the free ring with no cleaner")
	}
}

func TestAllocatorFlushPendingWritesMidSegmentSSB(t *testing.T) {
	a, dev, sb, _ := newTestAllocator(t, 2, 8)
	if _, err := a.Alloc(SSBData, 1, 0, 0); err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	before := a.SegOffset()
	if err := a.FlushPending(); err != nil {
		t.Fatalf("FlushPending: %v", err)
	}
	if a.SegOffset() != before+1 {
		t.Fatalf("FlushPending should consume one block, offset %d -> %d", before, a.SegOffset())
	}
	start, _ := sb.SegBounds(0)
	buf, err := dev.ReadBlock(start + before)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	entries, err := decodeSSBBlock(buf)
	if err != nil {
		t.Fatalf("decodeSSBBlock: %v", err)
	}
	if len(entries) != 1 || entries[0].Inum != 1 {
		t.Fatalf("unexpected flushed entries: %+v", entries)
	}
}
