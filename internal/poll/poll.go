package poll

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// Until polls condition every interval until it holds, fails, or timeout elapses.
func Until(ctx context.Context, condition func() (bool, error), timeout, interval time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("polling cancelled or timed out: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Forever polls condition every interval until it holds or fails. There is no timeout; only
// cancellation of ctx stops it early.
func Forever(ctx context.Context, clock clockwork.Clock, interval time.Duration, condition func() (bool, error)) error {
	for {
		ok, err := condition()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if err := Sleep(ctx, clock, interval); err != nil {
			return err
		}
	}
}

// Sleep waits for d on clock, returning early with an error if ctx is cancelled.
func Sleep(ctx context.Context, clock clockwork.Clock, d time.Duration) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("polling cancelled: %w", ctx.Err())
	case <-clock.After(d):
		return nil
	}
}
