package pseudonym

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
)

// Janitor prunes rate-limit ledger entries older than Retention on a cron schedule.
type Janitor struct {
	Ledger    RateLimitLedger
	Cron      string
	Retention time.Duration
	Logger    *slog.Logger
	Now       func() time.Time
}

// RunOnce prunes entries older than Retention and returns how many were removed.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	if j.Retention <= 0 {
		return 0, errors.New("janitor retention must be positive")
	}
	cutoff := j.now().Add(-j.Retention)
	n, err := j.Ledger.PruneBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune ledger: %w", err)
	}
	j.logger().Info("rate-limit ledger pruned", "removed", n, "cutoff", cutoff)
	return n, nil
}

// NextRun returns the first scheduled tick strictly after t.
func (j *Janitor) NextRun(t time.Time) (time.Time, error) {
	if !gronx.IsValid(j.Cron) {
		return time.Time{}, fmt.Errorf("invalid prune cron expression: %s", j.Cron)
	}
	return gronx.NextTickAfter(j.Cron, t, false)
}

// Run prunes on every tick until ctx is done. Prune failures are logged and
// the schedule continues.
func (j *Janitor) Run(ctx context.Context) error {
	if _, err := j.NextRun(j.now()); err != nil {
		return err
	}
	j.logger().Info("janitor started", "cron", j.Cron, "retention", j.Retention)
	for {
		next, err := j.NextRun(j.now())
		if err != nil {
			return err
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			j.logger().Info("janitor stopping")
			return ctx.Err()
		case <-timer.C:
		}
		if _, err := j.RunOnce(ctx); err != nil {
			j.logger().Error("janitor run failed", "error", err)
		}
	}
}

func (j *Janitor) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

func (j *Janitor) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}
