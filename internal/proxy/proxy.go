// Package proxy defines the narrow external interface to the packet-compare
// kernel module used by COLO to decide when a checkpoint is needed, plus an
// in-memory stub for testing. Grounded on the interface shape implied by
// colo_compare's hooks referenced from block/blkcolo.c and migration/colo.c
// (the kernel module itself is out of scope per spec §4.7/§9).
package proxy

import "context"

// Mode names which side of the pair a Proxy instance serves.
type Mode string

const (
	ModePrimary   Mode = "primary"
	ModeSecondary Mode = "secondary"
)

// PollResult is the outcome of a ComparePoll call.
type PollResult int

const (
	NoChange PollResult = iota
	CheckpointNeeded
	PollError
)

func (r PollResult) String() string {
	switch r {
	case NoChange:
		return "no_change"
	case CheckpointNeeded:
		return "checkpoint_needed"
	case PollError:
		return "error"
	default:
		return "unknown"
	}
}

// Proxy is the NicProxyAdapter: five operations bridging to an external
// packet-comparison module over a transport the core does not assume.
type Proxy interface {
	Init(mode Mode) error
	Destroy(mode Mode) error
	CheckpointSignal(mode Mode) error
	Failover() error
	ComparePoll(ctx context.Context) (PollResult, error)
}

// NoOp is a Proxy that always reports NoChange and never fails; the
// acceptable in-memory implementation spec §4.7 calls out for testing and
// for single-box setups with no packet-compare module configured.
type NoOp struct{}

func (NoOp) Init(Mode) error                                 { return nil }
func (NoOp) Destroy(Mode) error                              { return nil }
func (NoOp) CheckpointSignal(Mode) error                     { return nil }
func (NoOp) Failover() error                                 { return nil }
func (NoOp) ComparePoll(context.Context) (PollResult, error) { return NoChange, nil }

var _ Proxy = NoOp{}
