package blkcolo

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/colohq/blkcolo/internal/diskbuffer"
	"github.com/colohq/blkcolo/internal/proxy"
)

// FailoverController is the one-shot promotion trigger shared between a
// ReplicationDriver and its CheckpointCoordinator. Grounded on
// migration/colo-failover.c's failover_request_set/_clear/_is_set (a single
// process-wide bool plus a scheduled bottom-half); the BH-dispatch becomes a
// plain atomic flag since there is no event loop to schedule onto here —
// RequestFailover's callers are expected to be polling it already (spec §5,
// "coordinator polls failover on every loop turn").
type FailoverController struct {
	requested atomic.Bool
	reason    atomic.Value // string
}

// NewFailoverController returns a controller with no failover requested.
func NewFailoverController() *FailoverController {
	return &FailoverController{}
}

// RequestFailover sets the one-shot flag. Subsequent calls are no-ops: the
// first reason recorded wins, matching "one-shot" in spec §4.6. Grounded on
// qmp_colo_lost_heartbeat -> failover_request_set.
func (f *FailoverController) RequestFailover(reason string) {
	if f.requested.CompareAndSwap(false, true) {
		f.reason.Store(reason)
	}
}

// Requested reports whether failover has been requested.
func (f *FailoverController) Requested() bool {
	return f.requested.Load()
}

// Reason returns the reason passed to the first RequestFailover call, or ""
// if none has been requested yet.
func (f *FailoverController) Reason() string {
	if r, ok := f.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Reset clears the flag. Only meaningful between full restarts of a
// coordinator pair; a live coordinator must never see Requested() flip back
// to false mid-run.
func (f *FailoverController) Reset() {
	f.requested.Store(false)
	f.reason.Store("")
}

// RunSecondaryFailover performs the secondary promotion path from spec
// §4.6: the proxy is told to fail over, the driver's staged DiskBuffer is
// flushed to the backing disk by transitioning SecondaryReplicating ->
// FailoverDone, and the proxy is torn down. Errors from every step are
// aggregated rather than one discarding another, since a failed flush and a
// failed proxy teardown are both actionable on their own.
func RunSecondaryFailover(driver *ReplicationDriver, p proxy.Proxy) error {
	var errs *multierror.Error

	if err := p.Failover(); err != nil {
		errs = multierror.Append(errs, WrapError("failover.proxy_failover", err))
	}
	if err := driver.StopReplication(true); err != nil {
		errs = multierror.Append(errs, WrapError("failover.stop_replication", err))
	}
	if err := p.Destroy(proxy.ModeSecondary); err != nil {
		errs = multierror.Append(errs, WrapError("failover.proxy_destroy", err))
	}

	return errs.ErrorOrNil()
}

// RunPrimaryFailover performs the primary promotion path from spec §4.6:
// force-stop the VM and destroy the proxy. vmStop models "force-stop VM" and
// "resume VM for standalone operation" as a single caller-supplied step
// since both are VM-serializer concerns outside this module's scope. This
// module holds no migration state, so nothing here marks a migration
// complete.
func RunPrimaryFailover(vmStop func() error, p proxy.Proxy) error {
	var errs *multierror.Error

	if err := vmStop(); err != nil {
		errs = multierror.Append(errs, WrapError("failover.vm_stop", err))
	}
	if err := p.Destroy(proxy.ModePrimary); err != nil {
		errs = multierror.Append(errs, WrapError("failover.proxy_destroy", err))
	}

	return errs.ErrorOrNil()
}

// ChainDisk is the narrow read/write/size contract CommitChain needs for
// each layer of a three-disk active/hidden/secondary backing chain.
type ChainDisk interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
}

// CommitChain is the supplemental failover path for deployments stacking
// the backing device as active/hidden/secondary-image layers instead of the
// flat DiskBuffer model (spec §4.6, "alternative path"). It copies src's
// full contents onto dst a cluster at a time. Grounded on
// original_source/block/replication.c's commit_data, with one deliberate
// simplification: commit_data only copies clusters bdrv_is_allocated
// reports as allocated on the source, an optimization that depends on a
// per-backend allocation map interfaces.Backend does not expose; this copies
// every cluster unconditionally, which is correct but does more I/O than
// the allocation-aware original on a sparse chain.
func CommitChain(src, dst ChainDisk) error {
	if src.Size() != dst.Size() {
		return NewReplicationError("commit_chain", ErrCodeInvalidParameters,
			fmt.Sprintf("chain layer size mismatch: src=%d dst=%d", src.Size(), dst.Size()))
	}

	const clusterSize = diskbuffer.SectorSize * 128 // 64 KiB, matches CowEngine's cluster
	buf := make([]byte, clusterSize)

	for off := int64(0); off < src.Size(); off += clusterSize {
		n := clusterSize
		if remaining := src.Size() - off; remaining < int64(clusterSize) {
			n = int(remaining)
		}
		chunk := buf[:n]

		if _, err := src.ReadAt(chunk, off); err != nil {
			return fmt.Errorf("commit_chain: read at %d: %w", off, err)
		}
		if _, err := dst.WriteAt(chunk, off); err != nil {
			return fmt.Errorf("commit_chain: write at %d: %w", off, err)
		}
	}

	return nil
}
