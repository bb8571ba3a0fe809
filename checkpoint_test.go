package lfs

import "testing"

func TestCheckpointRoundTrip(t *testing.T) {
	cp := &Checkpoint{
		HeaderTimestamp: 3, FooterTimestamp: 3, Valid: 1,
		LogTail: 10, CurrentSegment: 1, SegOffset: 4,
	}
	cp.ImapAddrs[0] = 11
	cp.SutAddrs[0] = 12
	cp.ImapNBlocks = 1
	cp.SutNBlocks = 1

	buf, err := cp.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	var decoded Checkpoint
	if err := decoded.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if decoded != *cp {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, *cp)
	}
	if !decoded.consistent() {
		t.Fatal("round-tripped checkpoint should be consistent")
	}
}

func TestCheckpointInconsistentTimestampsRejected(t *testing.T) {
	cp := &Checkpoint{HeaderTimestamp: 1, FooterTimestamp: 2, Valid: 1}
	if cp.consistent() {
		t.Fatal("mismatched header/footer timestamps must not be consistent")
	}
}

func TestLoadCheckpointPrefersHigherTimestamp(t *testing.T) {
	dev := NewMemDevice(8)
	sb := &Superblock{Checkpoint0: 2, Checkpoint1: 3}

	older := &Checkpoint{HeaderTimestamp: 1, FooterTimestamp: 1, Valid: 1, LogTail: 4}
	newer := &Checkpoint{HeaderTimestamp: 2, FooterTimestamp: 2, Valid: 1, LogTail: 5}

	buf0, _ := older.MarshalBinary()
	buf1, _ := newer.MarshalBinary()
	if err := dev.WriteBlock(2, buf0); err != nil {
		t.Fatalf("write slot 0: %v", err)
	}
	if err := dev.WriteBlock(3, buf1); err != nil {
		t.Fatalf("write slot 1: %v", err)
	}

	cp, slot, err := loadCheckpoint(dev, sb)
	if err != nil {
		t.Fatalf("loadCheckpoint: %v", err)
	}
	if slot != 1 || cp.LogTail != 5 {
		t.Fatalf("loadCheckpoint picked slot %d (LogTail=%d), want slot 1 (LogTail=5)", slot, cp.LogTail)
	}
}

func TestLoadCheckpointNoValidSlots(t *testing.T) {
	dev := NewMemDevice(8)
	sb := &Superblock{Checkpoint0: 2, Checkpoint1: 3}
	if _, _, err := loadCheckpoint(dev, sb); err != ErrInvalidCheckpoint {
		t.Fatalf("got %v, want ErrInvalidCheckpoint", err)
	}
}

func TestWriteCheckpointAlternatesSlots(t *testing.T) {
	dev := NewMemDevice(8)
	sb := &Superblock{Checkpoint0: 2, Checkpoint1: 3}
	cp := &Checkpoint{HeaderTimestamp: 0, LogTail: 4}

	slot, err := writeCheckpoint(dev, sb, cp, -1)
	if err != nil {
		t.Fatalf("first writeCheckpoint: %v", err)
	}
	if slot != 0 {
		t.Fatalf("first write: got slot %d, want 0", slot)
	}

	slot2, err := writeCheckpoint(dev, sb, cp, slot)
	if err != nil {
		t.Fatalf("second writeCheckpoint: %v", err)
	}
	if slot2 != 1 {
		t.Fatalf("second write: got slot %d, want 1 (alternate)", slot2)
	}
}
