// Package cow implements the copy-on-write interlock that protects a COLO
// secondary's pre-checkpoint disk image from the writes it replays locally
// while validating against the primary. It is grounded on QEMU's
// block/blockcow.c (the in-flight request list) and the colo_do_cow /
// colo_before_write_notify flow in block/blkcolo.c, generalized from a
// single qemu_blockalign bounce buffer to an arbitrary ClusterReader.
package cow

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/colohq/blkcolo/internal/diskbuffer"
)

// ClusterSize is the COW capture granularity: 64 KiB, matching
// COLO_CLUSTER_SIZE upstream.
const ClusterSize = 1 << 16

// ClusterSectors is ClusterSize expressed in diskbuffer sectors.
const ClusterSectors = ClusterSize / diskbuffer.SectorSize

// ClusterReader reads one full cluster's worth of bytes from the SVM's local
// disk, starting at the given byte offset. Implementations are expected to be
// the same backend that blkcolo.ReplicationDriver wraps.
type ClusterReader interface {
	ReadAt(p []byte, off int64) (int, error)
}

// Request tracks one in-flight COW capture so overlapping writes serialize
// against it instead of racing the bounce-buffer read. ID exists purely for
// log correlation.
type Request struct {
	ID         uuid.UUID
	StartIndex int64 // inclusive, cluster-indexed
	EndIndex   int64 // exclusive, cluster-indexed

	wait chan struct{}
}

func overlaps(a, b *Request) bool {
	return b.EndIndex > a.StartIndex && a.EndIndex > b.StartIndex
}

// Engine is the CowEngine: it serializes overlapping COW captures and drives
// the capture-then-stage flow described in spec §4.2.
type Engine struct {
	mu      sync.Mutex
	inflight *list.List // *Request, newest first
}

// New returns an Engine with no in-flight requests.
func New() *Engine {
	return &Engine{inflight: list.New()}
}

// WaitForOverlap blocks the caller until no in-flight request overlaps
// [startIndex, endIndex) in cluster-index space, the direct port of
// wait_for_overlapping_requests. It must be called with the engine
// otherwise idle with respect to this goroutine: callers hold no lock across
// the call.
func (e *Engine) WaitForOverlap(startIndex, endIndex int64) {
	probe := &Request{StartIndex: startIndex, EndIndex: endIndex}
	for {
		e.mu.Lock()
		var blocker *Request
		for el := e.inflight.Front(); el != nil; el = el.Next() {
			r := el.Value.(*Request)
			if overlaps(probe, r) {
				blocker = r
				break
			}
		}
		if blocker == nil {
			e.mu.Unlock()
			return
		}
		ch := blocker.wait
		e.mu.Unlock()
		<-ch
	}
}

// Begin registers a new in-flight request covering
// [startIndex, endIndex) and returns it. Callers must call End exactly once
// when the capture completes, successfully or not.
func (e *Engine) Begin(startIndex, endIndex int64) *Request {
	r := &Request{
		ID:         uuid.New(),
		StartIndex: startIndex,
		EndIndex:   endIndex,
		wait:       make(chan struct{}),
	}
	e.mu.Lock()
	e.inflight.PushFront(r)
	e.mu.Unlock()
	return r
}

// End forgets a completed request and wakes everyone blocked in
// WaitForOverlap on it.
func (e *Engine) End(r *Request) {
	e.mu.Lock()
	for el := e.inflight.Front(); el != nil; el = el.Next() {
		if el.Value.(*Request) == r {
			e.inflight.Remove(el)
			break
		}
	}
	e.mu.Unlock()
	close(r.wait)
}

// Intercept runs the full four-step COW flow from spec §4.2 for an incoming
// write to [sector, sector+nSectors) on the SVM-local disk: it waits out any
// overlapping in-flight capture, claims the cluster range, and for every
// cluster the buffer doesn't already cover, reads the pre-image off disk and
// stages it into buf with overwrite=false so a newer buffered write is never
// clobbered. Grounded on colo_do_cow. The returned byte count is one full
// cluster read from disk for each cluster that had any uncovered sector
// (0 if every cluster was already fully covered); sectors already in buf are
// left untouched, so fewer bytes than that may actually be added to buf.
// Callers can feed it to a metrics observer.
func (e *Engine) Intercept(disk ClusterReader, buf *diskbuffer.DiskBuffer, sector uint64, nSectors uint32) (int64, error) {
	startIdx := int64(sector) / ClusterSectors
	endIdx := (int64(sector) + int64(nSectors) + ClusterSectors - 1) / ClusterSectors

	e.WaitForOverlap(startIdx, endIdx)
	req := e.Begin(startIdx, endIdx)
	defer e.End(req)

	var captured int64
	bounce := make([]byte, ClusterSize)
	for idx := startIdx; idx < endIdx; idx++ {
		clusterSector := uint64(idx) * ClusterSectors
		if !buf.HasEmptyRange(clusterSector, ClusterSectors) {
			continue
		}

		off := int64(clusterSector) * diskbuffer.SectorSize
		if _, err := disk.ReadAt(bounce, off); err != nil {
			return captured, fmt.Errorf("cow: pre-image read at cluster %d: %w", idx, err)
		}

		if err := buf.Write(bounce, clusterSector, ClusterSectors, false); err != nil {
			return captured, fmt.Errorf("cow: stage pre-image at cluster %d: %w", idx, err)
		}
		captured += ClusterSize
	}

	return captured, nil
}
