// Package diskbuffer implements the sector-addressed in-memory staging area
// that sits between a COLO secondary's backing disk and the writes forwarded
// from the primary. It is a direct port of QEMU's block/blkcolo-buffer.c,
// with the intrusive QSIMPLEQ replaced by an owned, ordered slice.
package diskbuffer

import (
	"fmt"
	"sort"
)

// SectorSize is the smallest addressable unit on the wire and in the buffer.
const SectorSize = 512

// BackingWriter is the subset of interfaces.Backend that FlushAndClear needs.
// Kept minimal so callers don't have to import the root package's Backend
// interface just to drain a buffer.
type BackingWriter interface {
	WriteAt(p []byte, off int64) (int, error)
}

// Region is a contiguous run of staged sectors. Regions never overlap and
// are kept sorted by StartSector; adjacent regions are deliberately not
// coalesced (cheaper invariants, no data-copy on merge).
type Region struct {
	StartSector uint64
	NSectors    uint32
	Data        []byte // len == NSectors*SectorSize
}

func (r *Region) endSector() uint64 {
	return r.StartSector + uint64(r.NSectors)
}

// DiskBuffer is the ordered, non-overlapping set of staged Regions for one
// replicated disk.
type DiskBuffer struct {
	regions []*Region
}

// New returns an empty DiskBuffer.
func New() *DiskBuffer {
	return &DiskBuffer{}
}

// search walks the ordered region list the way blkcolo-buffer.c's
// search_brs does: it returns the index of the region covering `sector`
// (-1 if none), and the index of the last region that lies entirely before
// `sector` (-1 if none). When no region covers `sector`, prev+1 is the
// insertion point / first region starting at or after sector.
func (b *DiskBuffer) search(sector uint64) (covering, prev int) {
	covering, prev = -1, -1
	for i, r := range b.regions {
		if sector < r.StartSector {
			return -1, prev
		}
		if sector < r.endSector() {
			return i, prev
		}
		prev = i
	}
	return -1, prev
}

// HasEmptyRange reports whether any sector in [start, start+n) is not
// covered by an existing region.
func (b *DiskBuffer) HasEmptyRange(start uint64, n uint32) bool {
	if n == 0 {
		return false
	}
	end := start + uint64(n)

	covering, _ := b.search(start)
	if covering == -1 {
		return true
	}

	cur := start
	idx := covering
	for idx < len(b.regions) && cur < end {
		r := b.regions[idx]
		if cur < r.StartSector {
			return true
		}
		if r.endSector() >= end {
			return false
		}
		cur = r.endSector()
		idx++
	}

	return cur < end
}

// Write merges iov's bytes into the buffer for [start, start+n). When
// overwrite is true, bytes already staged are replaced in place; when false,
// only sectors not yet covered are populated (the COW pre-image path, which
// must never clobber a newer forwarded write).
func (b *DiskBuffer) Write(iov []byte, start uint64, n uint32, overwrite bool) error {
	if n == 0 {
		return nil
	}
	if len(iov) != int(n)*SectorSize {
		return fmt.Errorf("diskbuffer: write iov len %d != %d sectors * %d", len(iov), n, SectorSize)
	}

	end := start + uint64(n)

	if len(b.regions) == 0 {
		b.insertAt(0, b.newRegion(iov, start, 0, n))
		return nil
	}

	_, prev := b.search(start)
	idx := prev + 1
	cur := start

	for idx < len(b.regions) && cur < end {
		r := b.regions[idx]

		if cur < r.StartSector {
			var gapN uint32
			if end <= r.StartSector {
				gapN = uint32(end - cur)
			} else {
				gapN = uint32(r.StartSector - cur)
			}
			b.insertAt(idx, b.newRegion(iov, start, cur-start, gapN))
			idx++
			cur = r.StartSector
		}

		if cur >= end {
			break
		}

		if overwrite {
			offset := cur - r.StartSector
			var cnt uint32
			if end <= r.endSector() {
				cnt = uint32(end - cur)
			} else {
				cnt = r.NSectors - uint32(offset)
			}
			copy(r.Data[offset*SectorSize:(offset+uint64(cnt))*SectorSize],
				iov[(cur-start)*SectorSize:(cur-start+uint64(cnt))*SectorSize])
		}

		cur = r.endSector()
		idx++
	}

	if cur < end {
		b.insertAt(idx, b.newRegion(iov, start, cur-start, uint32(end-cur)))
	}

	return nil
}

func (b *DiskBuffer) newRegion(iov []byte, iovStart, offsetSectors uint64, n uint32) *Region {
	data := make([]byte, int(n)*SectorSize)
	copy(data, iov[offsetSectors*SectorSize:(offsetSectors+uint64(n))*SectorSize])
	return &Region{
		StartSector: iovStart + offsetSectors,
		NSectors:    n,
		Data:        data,
	}
}

func (b *DiskBuffer) insertAt(idx int, r *Region) {
	b.regions = append(b.regions, nil)
	copy(b.regions[idx+1:], b.regions[idx:])
	b.regions[idx] = r
}

// Read overlays buffered bytes onto iov for every covered sector in
// [start, start+n); uncovered sectors are left untouched. Callers use this
// after reading the underlying disk into iov, producing a disk-or-buffer
// view. Never fails.
func (b *DiskBuffer) Read(iov []byte, start uint64, n uint32) {
	if n == 0 || len(b.regions) == 0 {
		return
	}
	end := start + uint64(n)

	_, prev := b.search(start)
	idx := prev + 1
	cur := start

	for idx < len(b.regions) && cur < end {
		r := b.regions[idx]
		if r.StartSector >= end {
			break
		}

		var offset uint64
		if r.StartSector < cur {
			offset = cur - r.StartSector
		} else {
			cur = r.StartSector
			offset = 0
		}

		var cnt uint64
		if r.endSector() >= end {
			cnt = end - cur
		} else {
			cnt = uint64(r.NSectors) - offset
		}

		copy(iov[(cur-start)*SectorSize:(cur-start+cnt)*SectorSize],
			r.Data[offset*SectorSize:(offset+cnt)*SectorSize])

		cur = r.endSector()
		idx++
	}
}

// FlushAndClear writes every region to target in StartSector order, then
// empties the buffer. A write failure aborts immediately and is fatal to the
// caller (see spec §7, BackingIO).
func (b *DiskBuffer) FlushAndClear(target BackingWriter) error {
	sort.Slice(b.regions, func(i, j int) bool { return b.regions[i].StartSector < b.regions[j].StartSector })
	for _, r := range b.regions {
		off := int64(r.StartSector) * SectorSize
		if _, err := target.WriteAt(r.Data, off); err != nil {
			return fmt.Errorf("diskbuffer: flush region at sector %d: %w", r.StartSector, err)
		}
	}
	b.regions = nil
	return nil
}

// Clear discards all staged regions without writing them anywhere. Used at
// checkpoint-ack time.
func (b *DiskBuffer) Clear() {
	b.regions = nil
}

// Len returns the number of staged regions, mostly useful for tests and
// metrics.
func (b *DiskBuffer) Len() int {
	return len(b.regions)
}
