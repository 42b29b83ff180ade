package blkcolo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colohq/blkcolo/internal/diskbuffer"
)

func TestStartReplicationRejectsWrongInitialMode(t *testing.T) {
	d := NewReplicationDriver(NewMockBackend(4096))
	require.NoError(t, d.StartReplication(SecondaryReplicating))
	err := d.StartReplication(SecondaryReplicating)
	require.Error(t, err, "starting replication twice must fail")
	require.Equal(t, SecondaryReplicating, d.Mode())
}

func TestSecondaryWriteStagesWithoutTouchingBackingDevice(t *testing.T) {
	disk := NewMockBackend(4096)
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(SecondaryReplicating))

	payload := make([]byte, 2*diskbuffer.SectorSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	n, err := d.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)

	raw := make([]byte, len(payload))
	_, err = disk.ReadAt(raw, 0)
	require.NoError(t, err)
	for _, b := range raw {
		require.Equal(t, byte(0), b, "forwarded write must not touch the backing device")
	}

	out := make([]byte, len(payload))
	_, err = d.ReadAt(out, 0)
	require.NoError(t, err)
	require.Equal(t, payload, out, "read must overlay staged bytes over the backing read")
}

func TestDoCheckpointClearsBufferAndRejectsLatchedError(t *testing.T) {
	disk := NewMockBackend(4096)
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(SecondaryReplicating))

	_, err := d.WriteAt(make([]byte, diskbuffer.SectorSize), 0)
	require.NoError(t, err)

	require.NoError(t, d.DoCheckpoint())

	out := make([]byte, diskbuffer.SectorSize)
	_, err = d.ReadAt(out, 0)
	require.NoError(t, err)
	for _, b := range out {
		require.Equal(t, byte(0), b, "DoCheckpoint must clear staged writes")
	}

	d.mu.Lock()
	d.errorLatched = true
	d.mu.Unlock()
	require.Error(t, d.DoCheckpoint(), "DoCheckpoint must fail while an error is latched")
}

func TestStopReplicationGracefulFlushesAndReturnsToUnprotected(t *testing.T) {
	disk := NewMockBackend(4096)
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(SecondaryReplicating))

	payload := make([]byte, diskbuffer.SectorSize)
	for i := range payload {
		payload[i] = 0xCD
	}
	_, err := d.WriteAt(payload, 0)
	require.NoError(t, err)

	require.NoError(t, d.StopReplication(false))
	require.Equal(t, Unprotected, d.Mode())

	raw := make([]byte, diskbuffer.SectorSize)
	_, err = disk.ReadAt(raw, 0)
	require.NoError(t, err)
	require.Equal(t, payload, raw, "graceful stop must flush staged writes to the backing device")
}

func TestStopReplicationFailoverReachesFailoverDone(t *testing.T) {
	disk := NewMockBackend(4096)
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(SecondaryReplicating))
	require.NoError(t, d.StopReplication(true))
	require.Equal(t, FailoverDone, d.Mode())
}

func TestBeforeWriteHookCapturesPreImageOnSVMLocalWrite(t *testing.T) {
	disk := NewMockBackend(int64(2 * cowClusterSizeForTest()))
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(SecondaryReplicating))

	pre := make([]byte, cowClusterSizeForTest())
	for i := range pre {
		pre[i] = 0x11
	}
	_, err := disk.WriteAt(pre, 0)
	require.NoError(t, err)

	n, err := d.disk.WriteAt(make([]byte, cowClusterSizeForTest()), 0)
	require.NoError(t, err)
	require.Equal(t, cowClusterSizeForTest(), n)

	require.False(t, d.buf.HasEmptyRange(0, uint32(cowClusterSizeForTest()/diskbuffer.SectorSize)))
}

func cowClusterSizeForTest() int {
	return 1 << 16
}

func TestSetObserverReceivesStagedWriteCowCaptureAndCheckpoint(t *testing.T) {
	disk := NewMockBackend(int64(2 * cowClusterSizeForTest()))
	d := NewReplicationDriver(disk)

	m := NewMetrics()
	d.SetObserver(NewMetricsObserver(m))

	require.NoError(t, d.StartReplication(SecondaryReplicating))

	payload := make([]byte, diskbuffer.SectorSize)
	_, err := d.WriteAt(payload, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(diskbuffer.SectorSize), m.StagedWriteBytes.Load())

	_, err = d.disk.WriteAt(make([]byte, cowClusterSizeForTest()), 0)
	require.NoError(t, err)
	require.Equal(t, uint64(cowClusterSizeForTest()), m.CowCaptureBytes.Load())
	require.Equal(t, uint64(1), m.CowCaptureCount.Load())

	require.NoError(t, d.DoCheckpoint())
	require.Equal(t, uint64(1), m.Checkpoints.Load())

	require.NoError(t, d.StopReplication(true))
	require.Equal(t, uint64(1), m.FailoverCount.Load())
}

func TestPrimaryModePassesThroughToBackingDevice(t *testing.T) {
	disk := NewMockBackend(4096)
	d := NewReplicationDriver(disk)
	require.NoError(t, d.StartReplication(PrimaryReplicating))

	payload := make([]byte, diskbuffer.SectorSize)
	for i := range payload {
		payload[i] = 0x5A
	}
	_, err := d.WriteAt(payload, 0)
	require.NoError(t, err)

	raw := make([]byte, diskbuffer.SectorSize)
	_, err = disk.ReadAt(raw, 0)
	require.NoError(t, err)
	require.Equal(t, payload, raw, "primary mode must pass writes straight through")
}
