package blkcolo

import (
	"sync"

	"github.com/colohq/blkcolo/backend"
	"github.com/colohq/blkcolo/internal/cow"
	"github.com/colohq/blkcolo/internal/diskbuffer"
	"github.com/colohq/blkcolo/internal/interfaces"
	"github.com/colohq/blkcolo/internal/logging"
)

// DeviceMode is the per-disk replication state, mirroring blkcolo.c's
// mode field (COLO_UNPROTECTED_MODE / COLO_PRIMARY_MODE /
// COLO_SECONDARY_MODE) plus the terminal FailoverDone state this design
// adds.
type DeviceMode int

const (
	// Unprotected is the initial mode: reads and writes pass straight
	// through to the backing device.
	Unprotected DeviceMode = iota
	// PrimaryReplicating marks a disk whose writes are being forwarded to
	// an SVM by the checkpoint/export layer; ReplicationDriver itself
	// still passes reads/writes straight through.
	PrimaryReplicating
	// SecondaryReplicating stages forwarded writes in a DiskBuffer and
	// captures COW pre-images of SVM-local writes via CowEngine.
	SecondaryReplicating
	// FailoverDone is terminal: reached once a SecondaryReplicating
	// driver completes a failover stop.
	FailoverDone
)

func (m DeviceMode) String() string {
	switch m {
	case Unprotected:
		return "unprotected"
	case PrimaryReplicating:
		return "primary"
	case SecondaryReplicating:
		return "secondary"
	case FailoverDone:
		return "failover-done"
	default:
		return "unknown"
	}
}

// ReplicationDriver is the per-virtual-disk block device exposed to the
// export layer (see CreateAndServe). It owns a DeviceMode, a DiskBuffer, a
// CowEngine, and the before-write hook registration used while
// SecondaryReplicating. Grounded on BDRVBlkcoloState / blkcolo_co_readv /
// blkcolo_co_writev / switch_mode in block/blkcolo.c.
type ReplicationDriver struct {
	mu sync.Mutex

	disk         *backend.Hooked
	mode         DeviceMode
	errorLatched bool

	buf *diskbuffer.DiskBuffer
	cow *cow.Engine

	log      *logging.Logger
	observer ReplicationObserver
}

// NewReplicationDriver wraps disk (the SVM's real backing device) in a
// ReplicationDriver starting in Unprotected mode. disk must not already be
// shared with another ReplicationDriver; the before-write hook slot is
// exclusive.
func NewReplicationDriver(disk interfaces.Backend) *ReplicationDriver {
	return &ReplicationDriver{
		disk:     backend.NewHooked(disk),
		mode:     Unprotected,
		buf:      diskbuffer.New(),
		cow:      cow.New(),
		log:      logging.Default(),
		observer: NoOpObserver{},
	}
}

// SetObserver installs the observer used for staged-write, COW-capture, and
// checkpoint metrics. A nil observer restores the no-op default.
func (d *ReplicationDriver) SetObserver(o ReplicationObserver) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if o == nil {
		o = NoOpObserver{}
	}
	d.observer = o
}

// Mode returns the current DeviceMode.
func (d *ReplicationDriver) Mode() DeviceMode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// ErrorLatched reports whether a sub-operation has failed since the last
// mode transition. Sticky until StartReplication or StopReplication runs.
func (d *ReplicationDriver) ErrorLatched() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errorLatched
}

// StartReplication transitions Unprotected -> PrimaryReplicating or
// Unprotected -> SecondaryReplicating. Any other starting mode is an
// incompatible-mode error (spec §4.3, "any: start with incompatible
// mode/state -> no change, return error").
func (d *ReplicationDriver) StartReplication(mode DeviceMode) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode != Unprotected {
		return NewReplicationError("start_replication", ErrCodeInvalidParameters,
			"cannot start replication from mode "+d.mode.String())
	}
	if mode != PrimaryReplicating && mode != SecondaryReplicating {
		return NewReplicationError("start_replication", ErrCodeInvalidParameters,
			"start mode must be primary or secondary")
	}

	if mode == SecondaryReplicating {
		d.buf = diskbuffer.New()
		d.cow = cow.New()
		d.disk.SetHook(d.beforeWrite)
	}

	d.mode = mode
	d.errorLatched = false
	d.log.Info("replication started", "mode", mode.String())
	return nil
}

// beforeWrite is the Hooked before-write notifier installed while
// SecondaryReplicating: it runs the COW interception flow (spec §4.2) ahead
// of every SVM-local write. Grounded on colo_before_write_notify.
func (d *ReplicationDriver) beforeWrite(p []byte, off int64) error {
	sector := uint64(off) / diskbuffer.SectorSize
	n := uint32(len(p) / diskbuffer.SectorSize)

	d.mu.Lock()
	buf, engine, disk, obs := d.buf, d.cow, d.disk, d.observer
	d.mu.Unlock()

	captured, err := engine.Intercept(disk, buf, sector, n)
	if err != nil {
		d.mu.Lock()
		d.errorLatched = true
		d.mu.Unlock()
		return WrapError("before_write", err)
	}
	if captured > 0 {
		obs.ObserveCowCapture(uint64(captured))
	}
	return nil
}

// DoCheckpoint clears the DiskBuffer once a checkpoint has been
// acknowledged, the secondary half of the transition table's checkpoint_ack
// row. It fails if an error has latched since the last transition,
// mirroring svm_do_checkpoint's error check.
func (d *ReplicationDriver) DoCheckpoint() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode != SecondaryReplicating {
		d.observer.ObserveCheckpoint(0, false)
		return NewReplicationError("do_checkpoint", ErrCodeInvalidParameters,
			"do_checkpoint requires secondary mode, have "+d.mode.String())
	}
	if d.errorLatched {
		d.observer.ObserveCheckpoint(0, false)
		return NewReplicationError("do_checkpoint", ErrCodeBackingIO,
			"checkpoint rejected: error latched since last transition")
	}

	d.buf.Clear()
	d.observer.ObserveCheckpoint(0, true)
	return nil
}

// StopReplication transitions SecondaryReplicating back to Unprotected
// (graceful) or forward to FailoverDone (failover). Both paths unregister
// the before-write hook and flush the staged buffer to the backing device.
func (d *ReplicationDriver) StopReplication(failover bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.mode == PrimaryReplicating {
		d.mode = Unprotected
		d.errorLatched = false
		return nil
	}

	if d.mode != SecondaryReplicating {
		return NewReplicationError("stop_replication", ErrCodeInvalidParameters,
			"stop_replication requires secondary mode, have "+d.mode.String())
	}

	d.disk.ClearHook()

	if err := d.buf.FlushAndClear(d.disk); err != nil {
		d.errorLatched = true
		return WrapError("stop_replication", err)
	}

	if failover {
		d.mode = FailoverDone
		d.observer.ObserveFailover()
	} else {
		d.mode = Unprotected
	}
	d.errorLatched = false
	return nil
}

// ReadAt implements interfaces.Backend. In SecondaryReplicating mode it
// reads the backing device then overlays any staged bytes (blkcolo_co_readv
// / colo_svm_co_readv); in all other modes it passes straight through.
func (d *ReplicationDriver) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	mode, buf, disk := d.mode, d.buf, d.disk
	d.mu.Unlock()

	n, err := disk.ReadAt(p, off)
	if err != nil {
		return n, WrapError("read", err)
	}

	if mode == SecondaryReplicating {
		sector := uint64(off) / diskbuffer.SectorSize
		nSectors := uint32(len(p) / diskbuffer.SectorSize)
		buf.Read(p, sector, nSectors)
	}

	return n, nil
}

// WriteAt implements interfaces.Backend. In SecondaryReplicating mode this
// is the forwarded-write path: bytes are staged with overwrite=true and the
// backing device is never touched (colo_svm_co_writev). In all other modes
// it passes straight through to the backing device.
func (d *ReplicationDriver) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	mode, buf, disk, obs := d.mode, d.buf, d.disk, d.observer
	d.mu.Unlock()

	if mode == SecondaryReplicating {
		sector := uint64(off) / diskbuffer.SectorSize
		nSectors := uint32(len(p) / diskbuffer.SectorSize)
		if err := buf.Write(p, sector, nSectors, true); err != nil {
			return 0, WrapError("write", err)
		}
		obs.ObserveStagedWrite(uint64(len(p)))
		return len(p), nil
	}

	n, err := disk.WriteAt(p, off)
	if err != nil {
		return n, WrapError("write", err)
	}
	return n, nil
}

// Size implements interfaces.Backend.
func (d *ReplicationDriver) Size() int64 {
	d.mu.Lock()
	disk := d.disk
	d.mu.Unlock()
	return disk.Size()
}

// Flush implements interfaces.Backend, flushing the backing device. It does
// not flush staged-but-unacknowledged data; that only happens on
// StopReplication, per spec (forwarded writes are not durable on the SVM's
// own disk until failover or a graceful stop).
func (d *ReplicationDriver) Flush() error {
	d.mu.Lock()
	disk := d.disk
	d.mu.Unlock()
	if err := disk.Flush(); err != nil {
		return WrapError("flush", err)
	}
	return nil
}

// Close implements interfaces.Backend.
func (d *ReplicationDriver) Close() error {
	d.mu.Lock()
	disk := d.disk
	d.mu.Unlock()
	if err := disk.Close(); err != nil {
		return WrapError("close", err)
	}
	return nil
}

var _ interfaces.Backend = (*ReplicationDriver)(nil)
