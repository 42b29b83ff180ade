// Package checkpoint implements the CheckpointCoordinator: the two
// long-running tasks (primary and secondary) that drive the five-step
// checkpoint handshake over a channel.Channel. There is no surviving
// original_source implementation of this handshake (migration/colo.c is a
// 99-line pre-protocol stub with a literal "TODO: COLO checkpoint savevm
// loop"), so the control flow below follows spec.md §4.5 directly; the
// surrounding idioms (coarse VM lock around suspend/resume/serialize, the
// failover poll points, the shutdown tie-break) are grounded on
// migration/colo.c's structure and colo-comm.c's negotiation shape.
package checkpoint

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/colohq/blkcolo/internal/channel"
	"github.com/colohq/blkcolo/internal/logging"
	"github.com/colohq/blkcolo/internal/proxy"
)

// ErrFailoverRequested is returned by RunPrimary/RunSecondary when the loop
// exits because FailoverSignal.Requested() became true.
var ErrFailoverRequested = errors.New("checkpoint: failover requested")

// ErrShutdown is returned by RunSecondary when the primary's SHUTDOWN tag
// ends the session cleanly (not a failover).
var ErrShutdown = errors.New("checkpoint: shutdown requested")

// VMController is the coarse control surface the coordinator drives: VM
// suspend/resume, the lock that must be held across serialize/deserialize,
// and the two migration-restore steps (device reset, deserialize). Spec §5:
// "a separate OS thread hosts the CheckpointCoordinator task; it acquires a
// coarse VM lock around VM-suspend, VM-resume, VM-state serialization, and
// deserialization."
type VMController interface {
	Lock(ctx context.Context) error
	Unlock() error
	Suspend(ctx context.Context) error
	Resume(ctx context.Context) error
	Serialize(ctx context.Context) ([]byte, error)
	Deserialize(ctx context.Context, state []byte) error
	ResetDevices(ctx context.Context) error
	ForceStop(ctx context.Context) error
}

// ReplicationAcker is the narrow slice of ReplicationDriver the secondary
// loop needs: checkpoint_ack from spec §4.3/§4.5.
type ReplicationAcker interface {
	DoCheckpoint() error
}

// FailoverSignal is the narrow slice of FailoverController the coordinator
// polls.
type FailoverSignal interface {
	Requested() bool
	Reason() string
}

// Config bounds the primary loop's checkpoint cadence (spec §4.5/§5).
type Config struct {
	MinPeriod     time.Duration // enforced floor between checkpoints; spec default 100ms
	MaxPeriod     time.Duration // checkpoint forced once elapsed time reaches this
	PollInterval  time.Duration // sleep granularity while polling; spec: "≤100ms"
	ComparePollTO time.Duration // per-poll timeout passed to proxy.ComparePoll
}

// DefaultConfig matches the periods named in spec §4.5/§5.
func DefaultConfig() Config {
	return Config{
		MinPeriod:     100 * time.Millisecond,
		MaxPeriod:     5 * time.Second,
		PollInterval:  100 * time.Millisecond,
		ComparePollTO: 500 * time.Millisecond,
	}
}

// Coordinator drives one side of the checkpoint protocol.
type Coordinator struct {
	Channel  *channel.Channel
	VM       VMController
	Proxy    proxy.Proxy
	Failover FailoverSignal
	Config   Config
	Log      *logging.Logger

	// ShutdownRequested, if set, is polled by RunPrimary at the point
	// analogous to colo_shutdown_requested (step 4c in spec §4.5): a true
	// result lets the in-flight transaction finish, then sends SHUTDOWN
	// instead of looping again.
	ShutdownRequested func() bool

	loading atomic.Bool
}

func (c *Coordinator) logger() *logging.Logger {
	if c.Log != nil {
		return c.Log
	}
	return logging.Default()
}

// IsLoading reports whether a secondary coordinator is mid-deserialize,
// the vmstate_loading flag spec §4.5/§4.6 uses to coordinate with failover:
// a secondary failover must busy-wait for this to clear before promoting.
func (c *Coordinator) IsLoading() bool {
	return c.loading.Load()
}

// RunPrimary runs the primary task loop from spec §4.5 until ctx is
// canceled, failover is requested, or a fatal protocol/transport error
// occurs. It is entered after the initial VM migration completes.
func (c *Coordinator) RunPrimary(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runPrimaryLoop(ctx) })
	return g.Wait()
}

func (c *Coordinator) runPrimaryLoop(ctx context.Context) error {
	log := c.logger()

	if err := c.Channel.GetExpected(channel.TagREADY); err != nil {
		return err
	}
	if err := c.VM.Resume(ctx); err != nil {
		return err
	}

	lastCheckpoint := time.Now()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Failover.Requested() {
			log.Info("primary coordinator exiting for failover", "reason", c.Failover.Reason())
			return ErrFailoverRequested
		}

		needCheckpoint := time.Since(lastCheckpoint) >= c.Config.MaxPeriod

		if !needCheckpoint {
			pollCtx, cancelPoll := ctx, context.CancelFunc(func() {})
			if c.Config.ComparePollTO > 0 {
				pollCtx, cancelPoll = context.WithTimeout(ctx, c.Config.ComparePollTO)
			}
			result, err := c.Proxy.ComparePoll(pollCtx)
			cancelPoll()
			if err != nil {
				return err
			}
			if result == proxy.CheckpointNeeded {
				needCheckpoint = true
			}
		}

		if !needCheckpoint {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Config.PollInterval):
			}
			continue
		}

		if since := time.Since(lastCheckpoint); since < c.Config.MinPeriod {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.Config.MinPeriod - since):
			}
		}

		shutdown, err := c.runPrimaryTransaction(ctx)
		if err != nil {
			return err
		}
		lastCheckpoint = time.Now()
		if shutdown {
			return nil
		}
	}
}

// runPrimaryTransaction is step 4 of the primary loop: the five-step
// handshake plus the shutdown tie-break at step 4c.
func (c *Coordinator) runPrimaryTransaction(ctx context.Context) (shutdown bool, err error) {
	if err := c.Channel.Put(channel.TagNEW); err != nil {
		return false, err
	}
	if err := c.Channel.GetExpected(channel.TagSUSPENDED); err != nil {
		return false, err
	}

	if err := c.VM.Lock(ctx); err != nil {
		return false, err
	}
	state, serr := c.VM.Serialize(ctx)
	if uerr := c.VM.Unlock(); uerr != nil && serr == nil {
		serr = uerr
	}
	if serr != nil {
		return false, serr
	}

	wantShutdown := c.ShutdownRequested != nil && c.ShutdownRequested()

	if err := c.Proxy.CheckpointSignal(proxy.ModePrimary); err != nil {
		return false, err
	}
	if err := c.Channel.Put(channel.TagSEND); err != nil {
		return false, err
	}
	if err := c.Channel.PutU64(uint64(len(state))); err != nil {
		return false, err
	}
	if err := c.Channel.WritePayload(state); err != nil {
		return false, err
	}
	if err := c.Channel.GetExpected(channel.TagRECEIVED); err != nil {
		return false, err
	}
	if err := c.Channel.GetExpected(channel.TagLOADED); err != nil {
		return false, err
	}
	if err := c.VM.Resume(ctx); err != nil {
		return false, err
	}

	if wantShutdown {
		if err := c.Channel.Put(channel.TagSHUTDOWN); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// RunSecondary runs the secondary task loop from spec §4.5 until SHUTDOWN
// is received, failover is requested, or a fatal protocol/transport error
// occurs. It is entered after the initial migration restores VM state but
// before the VM resumes.
func (c *Coordinator) RunSecondary(ctx context.Context, acker ReplicationAcker) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.runSecondaryLoop(ctx, acker) })
	return g.Wait()
}

func (c *Coordinator) runSecondaryLoop(ctx context.Context, acker ReplicationAcker) error {
	log := c.logger()

	if err := c.Channel.Put(channel.TagREADY); err != nil {
		return err
	}
	if err := c.VM.Resume(ctx); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.Failover.Requested() {
			log.Info("secondary coordinator exiting for failover", "reason", c.Failover.Reason())
			return ErrFailoverRequested
		}

		tag, err := c.Channel.GetTag()
		if err != nil {
			return err
		}

		switch tag {
		case channel.TagNEW:
			if err := c.runSecondaryTransaction(ctx, acker); err != nil {
				return err
			}
		case channel.TagSHUTDOWN:
			return ErrShutdown
		default:
			return errors.New("checkpoint: protocol violation: unexpected tag " + tag.String())
		}
	}
}

func (c *Coordinator) runSecondaryTransaction(ctx context.Context, acker ReplicationAcker) error {
	if err := c.VM.Suspend(ctx); err != nil {
		return err
	}
	if err := c.Channel.Put(channel.TagSUSPENDED); err != nil {
		return err
	}

	if c.Failover.Requested() {
		return ErrFailoverRequested
	}

	if err := c.Proxy.CheckpointSignal(proxy.ModeSecondary); err != nil {
		return err
	}
	if err := c.Channel.GetExpected(channel.TagSEND); err != nil {
		return err
	}

	n, err := c.Channel.GetU64()
	if err != nil {
		return err
	}
	cache := make([]byte, n)
	if err := c.Channel.ReadExact(cache); err != nil {
		return err
	}
	if err := c.Channel.Put(channel.TagRECEIVED); err != nil {
		return err
	}

	if err := c.VM.ResetDevices(ctx); err != nil {
		return err
	}

	c.loading.Store(true)
	lockErr := c.VM.Lock(ctx)
	var deserErr error
	if lockErr == nil {
		deserErr = c.VM.Deserialize(ctx, cache)
		if uerr := c.VM.Unlock(); uerr != nil && deserErr == nil {
			deserErr = uerr
		}
	}
	c.loading.Store(false)
	if lockErr != nil {
		return lockErr
	}
	if deserErr != nil {
		return deserErr
	}

	if err := c.Channel.Put(channel.TagLOADED); err != nil {
		return err
	}
	if err := acker.DoCheckpoint(); err != nil {
		return err
	}
	return c.VM.Resume(ctx)
}
