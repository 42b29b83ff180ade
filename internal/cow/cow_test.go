package cow

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colohq/blkcolo/internal/diskbuffer"
)

type fakeDisk struct {
	data []byte
}

func newFakeDisk(size int, fill byte) *fakeDisk {
	d := make([]byte, size)
	for i := range d {
		d[i] = fill
	}
	return &fakeDisk{data: d}
}

func (f *fakeDisk) ReadAt(p []byte, off int64) (int, error) {
	return copy(p, f.data[off:]), nil
}

func TestInterceptStagesPreImageForUncoveredCluster(t *testing.T) {
	disk := newFakeDisk(4*ClusterSize, 0x42)
	buf := diskbuffer.New()
	engine := New()

	_, err := engine.Intercept(disk, buf, 0, ClusterSectors)
	require.NoError(t, err)
	require.False(t, buf.HasEmptyRange(0, ClusterSectors), "Intercept must stage the cluster's pre-image")

	out := make([]byte, ClusterSize)
	buf.Read(out, 0, ClusterSectors)
	for _, b := range out {
		require.Equal(t, byte(0x42), b)
	}
}

func TestInterceptNeverClobbersAlreadyStagedData(t *testing.T) {
	disk := newFakeDisk(ClusterSize, 0x42)
	buf := diskbuffer.New()
	engine := New()

	staged := make([]byte, ClusterSize)
	for i := range staged {
		staged[i] = 0x99
	}
	require.NoError(t, buf.Write(staged, 0, ClusterSectors, true))

	_, err := engine.Intercept(disk, buf, 0, ClusterSectors)
	require.NoError(t, err)

	out := make([]byte, ClusterSize)
	buf.Read(out, 0, ClusterSectors)
	for _, b := range out {
		require.Equal(t, byte(0x99), b, "Intercept must not overwrite an existing buffered region")
	}
}

func TestInterceptSpansMultipleClusters(t *testing.T) {
	disk := newFakeDisk(3*ClusterSize, 0x07)
	buf := diskbuffer.New()
	engine := New()

	capturedBytes, err := engine.Intercept(disk, buf, ClusterSectors-1, 2)
	require.NoError(t, err)
	require.Equal(t, int64(2*ClusterSize), capturedBytes)

	require.False(t, buf.HasEmptyRange(0, ClusterSectors))
	require.False(t, buf.HasEmptyRange(ClusterSectors, ClusterSectors))
}

func TestWaitForOverlapBlocksUntilEnd(t *testing.T) {
	engine := New()
	req := engine.Begin(0, 2)

	var unblocked atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		engine.WaitForOverlap(1, 3)
		unblocked.Store(true)
	}()

	time.Sleep(20 * time.Millisecond)
	require.False(t, unblocked.Load(), "WaitForOverlap returned before the overlapping request ended")

	engine.End(req)
	wg.Wait()
	require.True(t, unblocked.Load())
}

func TestWaitForOverlapIgnoresNonOverlappingRequests(t *testing.T) {
	engine := New()
	req := engine.Begin(10, 20)
	defer engine.End(req)

	done := make(chan struct{})
	go func() {
		engine.WaitForOverlap(0, 5)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForOverlap blocked on a non-overlapping request")
	}
}
