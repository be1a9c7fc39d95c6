// Package epoch tracks slot and epoch progress of a cluster and blocks callers until a transition
// is observed.
package epoch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/core-bpf-migration/internal/metrics"
	"github.com/malbeclabs/core-bpf-migration/internal/poll"
)

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultSettleDelay  = 500 * time.Millisecond
)

type RPCClient interface {
	GetSlot(ctx context.Context, commitment solanarpc.CommitmentType) (uint64, error)
	GetEpochSchedule(ctx context.Context) (*solanarpc.GetEpochScheduleResult, error)
}

// Synchronizer waits for slot and epoch boundaries. Waits have no deadline; an unresponsive
// cluster blocks the caller until ctx is cancelled.
type Synchronizer struct {
	log          *slog.Logger
	rpc          RPCClient
	clock        clockwork.Clock
	pollInterval time.Duration
	settleDelay  time.Duration
	commitment   solanarpc.CommitmentType

	schedule *Schedule
}

type Option func(*Synchronizer)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Synchronizer) {
		s.clock = clock
	}
}

func WithPollInterval(interval time.Duration) Option {
	return func(s *Synchronizer) {
		s.pollInterval = interval
	}
}

func WithSettleDelay(delay time.Duration) Option {
	return func(s *Synchronizer) {
		s.settleDelay = delay
	}
}

// WithSchedule skips fetching the epoch schedule from the cluster.
func WithSchedule(schedule Schedule) Option {
	return func(s *Synchronizer) {
		s.schedule = &schedule
	}
}

func NewSynchronizer(log *slog.Logger, rpc RPCClient, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		log:          log,
		rpc:          rpc,
		clock:        clockwork.NewRealClock(),
		pollInterval: defaultPollInterval,
		settleDelay:  defaultSettleDelay,
		commitment:   solanarpc.CommitmentConfirmed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule returns the cluster's epoch schedule, fetching it on first use.
func (s *Synchronizer) Schedule(ctx context.Context) (Schedule, error) {
	if s.schedule != nil {
		return *s.schedule, nil
	}
	var res *solanarpc.GetEpochScheduleResult
	err := poll.Forever(ctx, s.clock, s.pollInterval, func() (bool, error) {
		r, err := s.rpc.GetEpochSchedule(ctx)
		if err != nil {
			s.log.Debug("--> Failed to get epoch schedule, retrying", "error", err)
			return false, nil
		}
		res = r
		return true, nil
	})
	if err != nil {
		return Schedule{}, fmt.Errorf("failed to get epoch schedule: %w", err)
	}
	schedule := ScheduleFromRPC(res)
	if schedule.SlotsPerEpoch == 0 {
		return Schedule{}, fmt.Errorf("cluster reported an epoch schedule with zero slots per epoch")
	}
	s.schedule = &schedule
	return schedule, nil
}

// Slot returns the current slot, retrying transient RPC failures at the poll interval.
func (s *Synchronizer) Slot(ctx context.Context) (uint64, error) {
	var slot uint64
	err := poll.Forever(ctx, s.clock, s.pollInterval, func() (bool, error) {
		v, err := s.rpc.GetSlot(ctx, s.commitment)
		if err != nil {
			metrics.Errors.WithLabelValues(metrics.ErrorTypeRPC).Inc()
			s.log.Debug("--> Failed to get slot, retrying", "error", err)
			return false, nil
		}
		slot = v
		return true, nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get slot: %w", err)
	}
	metrics.ObservedSlot.Set(float64(slot))
	return slot, nil
}

// Epoch returns the current epoch and slot.
func (s *Synchronizer) Epoch(ctx context.Context) (uint64, uint64, error) {
	schedule, err := s.Schedule(ctx)
	if err != nil {
		return 0, 0, err
	}
	slot, err := s.Slot(ctx)
	if err != nil {
		return 0, 0, err
	}
	return schedule.EpochForSlot(slot), slot, nil
}

// WaitForNextSlot blocks until the observed slot is greater than the slot at call time and
// returns it.
func (s *Synchronizer) WaitForNextSlot(ctx context.Context) (uint64, error) {
	start, err := s.Slot(ctx)
	if err != nil {
		return 0, err
	}
	s.log.Debug("==> Waiting for next slot", "slot", start)
	began := s.clock.Now()

	var slot uint64
	err = poll.Forever(ctx, s.clock, s.pollInterval, func() (bool, error) {
		v, err := s.Slot(ctx)
		if err != nil {
			return false, err
		}
		slot = v
		return slot > start, nil
	})
	if err != nil {
		return 0, err
	}
	metrics.WaitDuration.WithLabelValues(metrics.WaitSlot).Observe(s.clock.Since(began).Seconds())
	s.log.Debug("--> Reached next slot", "slot", slot)
	return slot, nil
}

// WaitForNextEpoch blocks until the observed epoch is greater than the epoch at call time and
// returns it. Polling follows the remaining slots in the current epoch down to the last slot,
// then waits one settle delay for propagation before confirming the new epoch.
func (s *Synchronizer) WaitForNextEpoch(ctx context.Context) (uint64, error) {
	schedule, err := s.Schedule(ctx)
	if err != nil {
		return 0, err
	}
	startSlot, err := s.Slot(ctx)
	if err != nil {
		return 0, err
	}
	startEpoch := schedule.EpochForSlot(startSlot)
	s.log.Info("==> Waiting for next epoch", "epoch", startEpoch, "slot", startSlot, "remainingSlots", schedule.SlotsRemaining(startSlot))
	began := s.clock.Now()

	lastRemaining := schedule.SlotsRemaining(startSlot)
	err = poll.Forever(ctx, s.clock, s.pollInterval, func() (bool, error) {
		slot, err := s.Slot(ctx)
		if err != nil {
			return false, err
		}
		if schedule.EpochForSlot(slot) > startEpoch {
			return true, nil
		}
		remaining := schedule.SlotsRemaining(slot)
		if remaining != lastRemaining {
			s.log.Debug("--> Slots remaining in epoch", "slot", slot, "remainingSlots", remaining)
			lastRemaining = remaining
		}
		return remaining == 1, nil
	})
	if err != nil {
		return 0, err
	}

	if err := poll.Sleep(ctx, s.clock, s.settleDelay); err != nil {
		return 0, err
	}

	var epoch uint64
	err = poll.Forever(ctx, s.clock, s.pollInterval, func() (bool, error) {
		slot, err := s.Slot(ctx)
		if err != nil {
			return false, err
		}
		epoch = schedule.EpochForSlot(slot)
		return epoch > startEpoch, nil
	})
	if err != nil {
		return 0, err
	}

	metrics.WaitDuration.WithLabelValues(metrics.WaitEpoch).Observe(s.clock.Since(began).Seconds())
	s.log.Info("--> Reached next epoch", "epoch", epoch)
	return epoch, nil
}
