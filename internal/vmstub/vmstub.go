// Package vmstub provides a no-op checkpoint.VMController for use where no
// real hypervisor integration is wired in yet (the cmd/blkcolo-svm and
// cmd/blkcolo-pvm demo entry points), the same role proxy.NoOp plays for
// the NicProxyAdapter.
package vmstub

import (
	"context"
	"sync"
)

// NoOp is a VMController that tracks a VM-state blob in memory and performs
// no real suspend/resume/device-reset work. It is good enough to exercise
// the CheckpointCoordinator's protocol handshake end to end without a real
// VM attached.
type NoOp struct {
	mu    sync.Mutex
	state []byte
}

func (n *NoOp) Lock(context.Context) error   { n.mu.Lock(); return nil }
func (n *NoOp) Unlock() error                { n.mu.Unlock(); return nil }
func (n *NoOp) Suspend(context.Context) error { return nil }
func (n *NoOp) Resume(context.Context) error  { return nil }

func (n *NoOp) Serialize(context.Context) ([]byte, error) {
	return append([]byte(nil), n.state...), nil
}

func (n *NoOp) Deserialize(_ context.Context, state []byte) error {
	n.state = append([]byte(nil), state...)
	return nil
}

func (n *NoOp) ResetDevices(context.Context) error { return nil }
func (n *NoOp) ForceStop(context.Context) error    { return nil }
