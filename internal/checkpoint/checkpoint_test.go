package checkpoint

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/colohq/blkcolo/internal/channel"
	"github.com/colohq/blkcolo/internal/proxy"
)

// loopback is one direction of an in-memory byte pipe, safe for the
// concurrent reader/writer pattern a Coordinator pair needs.
type loopback struct {
	mu   sync.Mutex
	cond *sync.Cond
	buf  bytes.Buffer
}

func newLoopback() *loopback {
	l := &loopback{}
	l.cond = sync.NewCond(&l.mu)
	return l
}

func (l *loopback) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.buf.Len() == 0 {
		l.cond.Wait()
	}
	return l.buf.Read(p)
}

func (l *loopback) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, err := l.buf.Write(p)
	l.cond.Broadcast()
	return n, err
}

// pair wires two Channels back to back: primary's writes are secondary's
// reads, and vice versa.
type pair struct {
	primaryToSecondary *loopback
	secondaryToPrimary *loopback
}

func newPair() (*channel.Channel, *channel.Channel) {
	p := &pair{primaryToSecondary: newLoopback(), secondaryToPrimary: newLoopback()}
	primary := channel.New(duplex{r: p.secondaryToPrimary, w: p.primaryToSecondary})
	secondary := channel.New(duplex{r: p.primaryToSecondary, w: p.secondaryToPrimary})
	return primary, secondary
}

type duplex struct {
	r *loopback
	w *loopback
}

func (d duplex) Read(p []byte) (int, error)  { return d.r.Read(p) }
func (d duplex) Write(p []byte) (int, error) { return d.w.Write(p) }

type fakeVM struct {
	mu        sync.Mutex
	suspended bool
	resumes   int
	lastState []byte
	serialize func() ([]byte, error)
}

func (f *fakeVM) Lock(context.Context) error { f.mu.Lock(); return nil }
func (f *fakeVM) Unlock() error              { f.mu.Unlock(); return nil }
func (f *fakeVM) Suspend(context.Context) error {
	f.suspended = true
	return nil
}
func (f *fakeVM) Resume(context.Context) error {
	f.suspended = false
	f.resumes++
	return nil
}
func (f *fakeVM) Serialize(context.Context) ([]byte, error) {
	if f.serialize != nil {
		return f.serialize()
	}
	return []byte("vmstate"), nil
}
func (f *fakeVM) Deserialize(_ context.Context, state []byte) error {
	f.lastState = append([]byte(nil), state...)
	return nil
}
func (f *fakeVM) ResetDevices(context.Context) error { return nil }
func (f *fakeVM) ForceStop(context.Context) error    { return nil }

type noFailover struct{}

func (noFailover) Requested() bool { return false }
func (noFailover) Reason() string  { return "" }

type alwaysFailover struct{}

func (alwaysFailover) Requested() bool { return true }
func (alwaysFailover) Reason() string  { return "operator requested" }

type fakeAcker struct{ calls int }

func (a *fakeAcker) DoCheckpoint() error { a.calls++; return nil }

func TestRunPrimaryAndSecondaryCompleteOneCheckpointThenShutdown(t *testing.T) {
	primaryCh, secondaryCh := newPair()

	primaryVM := &fakeVM{}
	secondaryVM := &fakeVM{}
	acker := &fakeAcker{}

	var shutdownNow bool
	var mu sync.Mutex
	primary := &Coordinator{
		Channel: primaryCh,
		VM:      primaryVM,
		Proxy:   proxy.NoOp{},
		Failover: noFailover{},
		Config: Config{
			MinPeriod:    time.Millisecond,
			MaxPeriod:    5 * time.Millisecond,
			PollInterval: time.Millisecond,
		},
		ShutdownRequested: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return shutdownNow
		},
	}
	secondary := &Coordinator{
		Channel:  secondaryCh,
		VM:       secondaryVM,
		Proxy:    proxy.NoOp{},
		Failover: noFailover{},
		Config:   DefaultConfig(),
	}

	var wg sync.WaitGroup
	var secondaryErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		secondaryErr = secondary.RunSecondary(context.Background(), acker)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	shutdownNow = true
	mu.Unlock()

	err := primary.RunPrimary(context.Background())
	require.NoError(t, err)

	wg.Wait()
	require.ErrorIs(t, secondaryErr, ErrShutdown)

	require.GreaterOrEqual(t, acker.calls, 1)
	require.Equal(t, []byte("vmstate"), secondaryVM.lastState)
	require.False(t, secondary.IsLoading())
	require.GreaterOrEqual(t, secondaryVM.resumes, 1)
}

func TestRunSecondaryRejectsUnexpectedTag(t *testing.T) {
	primaryCh, secondaryCh := newPair()

	secondary := &Coordinator{
		Channel:  secondaryCh,
		VM:       &fakeVM{},
		Proxy:    proxy.NoOp{},
		Failover: noFailover{},
	}

	done := make(chan error, 1)
	go func() { done <- secondary.RunSecondary(context.Background(), &fakeAcker{}) }()

	require.NoError(t, primaryCh.GetExpected(channel.TagREADY))
	require.NoError(t, primaryCh.Put(channel.TagRECEIVED)) // invalid in the loop-head position

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("secondary loop did not exit on unexpected tag")
	}
}

func TestRunPrimaryExitsImmediatelyWhenFailoverAlreadyRequested(t *testing.T) {
	primaryCh, secondaryCh := newPair()
	require.NoError(t, secondaryCh.Put(channel.TagREADY))

	primary := &Coordinator{
		Channel:  primaryCh,
		VM:       &fakeVM{},
		Proxy:    proxy.NoOp{},
		Failover: alwaysFailover{},
		Config:   DefaultConfig(),
	}

	err := primary.RunPrimary(context.Background())
	require.ErrorIs(t, err, ErrFailoverRequested)
}
