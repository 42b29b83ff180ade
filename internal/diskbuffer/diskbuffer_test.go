package diskbuffer

import (
	"bytes"
	"testing"
)

func fill(n int, b byte) []byte {
	buf := make([]byte, n*SectorSize)
	for i := range buf {
		buf[i] = b
	}
	return buf
}

func TestHasEmptyRangeOnEmptyBuffer(t *testing.T) {
	b := New()
	if !b.HasEmptyRange(0, 4) {
		t.Error("empty buffer must report every range as empty")
	}
}

func TestWriteThenHasEmptyRange(t *testing.T) {
	b := New()
	if err := b.Write(fill(4, 0xAA), 10, 4, true); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if b.HasEmptyRange(10, 4) {
		t.Error("fully covered range reported empty")
	}
	if !b.HasEmptyRange(8, 4) {
		t.Error("partially covered range (before) reported non-empty")
	}
	if !b.HasEmptyRange(12, 4) {
		t.Error("partially covered range (after) reported non-empty")
	}
}

func TestWriteNonOverlappingRegionsStayDistinct(t *testing.T) {
	b := New()
	_ = b.Write(fill(2, 0x01), 0, 2, true)
	_ = b.Write(fill(2, 0x02), 10, 2, true)
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (non-adjacent regions must not coalesce)", b.Len())
	}
}

func TestWriteFillsGapsOnly(t *testing.T) {
	b := New()
	_ = b.Write(fill(2, 0x01), 0, 2, true) // sectors [0,2)
	_ = b.Write(fill(2, 0x02), 4, 2, true) // sectors [4,6)

	// write [0,6) with overwrite=false: should only fill [2,4) gap,
	// must not touch already-buffered [0,2) or [4,6).
	probe := fill(6, 0xFF)
	if err := b.Write(probe, 0, 6, false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	out := make([]byte, 6*SectorSize)
	b.Read(out, 0, 6)

	want := append(append(fill(2, 0x01), fill(2, 0xFF)...), fill(2, 0x02)...)
	if !bytes.Equal(out, want) {
		t.Errorf("Read after gap-fill write = %x, want %x", out, want)
	}
}

func TestWriteOverwriteReplacesInPlace(t *testing.T) {
	b := New()
	_ = b.Write(fill(4, 0x01), 0, 4, true)
	_ = b.Write(fill(4, 0x02), 0, 4, true)

	out := make([]byte, 4*SectorSize)
	b.Read(out, 0, 4)
	if !bytes.Equal(out, fill(4, 0x02)) {
		t.Errorf("overwrite write did not replace staged bytes")
	}
}

func TestReadOverlaysOnlyBufferedSectors(t *testing.T) {
	b := New()
	_ = b.Write(fill(2, 0x77), 2, 2, true) // sectors [2,4)

	out := fill(6, 0x00) // pretend this came from the backing disk, all zero
	b.Read(out, 0, 6)

	want := fill(6, 0x00)
	copy(want[2*SectorSize:4*SectorSize], fill(2, 0x77))
	if !bytes.Equal(out, want) {
		t.Errorf("Read overlay = %x, want %x", out, want)
	}
}

func TestWriteRejectsMismatchedLength(t *testing.T) {
	b := New()
	if err := b.Write(make([]byte, 10), 0, 4, true); err == nil {
		t.Error("Write with mismatched iov length must return an error")
	}
}

type captureWriter struct {
	writes map[int64][]byte
}

func (c *captureWriter) WriteAt(p []byte, off int64) (int, error) {
	if c.writes == nil {
		c.writes = make(map[int64][]byte)
	}
	cp := make([]byte, len(p))
	copy(cp, p)
	c.writes[off] = cp
	return len(p), nil
}

func TestFlushAndClearWritesEveryRegionAndEmpties(t *testing.T) {
	b := New()
	_ = b.Write(fill(2, 0x01), 0, 2, true)
	_ = b.Write(fill(2, 0x02), 10, 2, true)

	cw := &captureWriter{}
	if err := b.FlushAndClear(cw); err != nil {
		t.Fatalf("FlushAndClear: %v", err)
	}
	if b.Len() != 0 {
		t.Errorf("FlushAndClear did not empty the buffer, Len() = %d", b.Len())
	}
	if len(cw.writes) != 2 {
		t.Fatalf("expected 2 flushed regions, got %d", len(cw.writes))
	}
	if !bytes.Equal(cw.writes[0], fill(2, 0x01)) {
		t.Errorf("region at offset 0 flushed wrong bytes")
	}
	if !bytes.Equal(cw.writes[10*SectorSize], fill(2, 0x02)) {
		t.Errorf("region at offset %d flushed wrong bytes", 10*SectorSize)
	}
}

func TestClearDiscardsWithoutWriting(t *testing.T) {
	b := New()
	_ = b.Write(fill(1, 0x09), 0, 1, true)
	b.Clear()
	if b.Len() != 0 {
		t.Errorf("Clear() left %d regions staged", b.Len())
	}
	if !b.HasEmptyRange(0, 1) {
		t.Error("Clear() did not actually discard staged data")
	}
}
