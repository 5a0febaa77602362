// Package reconcile periodically re-probes leases whose observed
// state was invalidated by a webhook or a failed apply.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sandmux/sandmux/internal/lease"
	"github.com/sandmux/sandmux/internal/store"
)

// Reconciler drives forced refreshes for stale needs_refresh leases.
type Reconciler struct {
	st       *store.Store
	machine  *lease.Machine
	interval time.Duration
	minAge   time.Duration
}

// New creates a reconciler. minAge is how long a refresh hint must sit
// before the lease is re-probed, keeping the loop from racing the
// in-band retry paths.
func New(st *store.Store, machine *lease.Machine, interval, minAge time.Duration) *Reconciler {
	return &Reconciler{st: st, machine: machine, interval: interval, minAge: minAge}
}

// Run ticks until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := r.Tick(ctx); err != nil {
				slog.Warn("reconcile tick", "error", err)
			} else if n > 0 {
				slog.Debug("reconcile tick", "refreshed", n)
			}
		}
	}
}

// Tick refreshes every stale lease once, retrying transient probe
// failures with exponential backoff. Returns how many leases were
// refreshed.
func (r *Reconciler) Tick(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-r.minAge)
	leases, err := r.st.ListLeasesNeedingRefresh(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	refreshed := 0
	for _, l := range leases {
		if ctx.Err() != nil {
			return refreshed, ctx.Err()
		}
		if err := r.refreshOne(ctx, l.LeaseID); err != nil {
			slog.Warn("reconcile lease", "lease_id", l.LeaseID, "error", err)
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

func (r *Reconciler) refreshOne(ctx context.Context, leaseID string) error {
	op := func() (struct{}, error) {
		if _, err := r.machine.RefreshInstanceStatus(ctx, leaseID, true); err != nil {
			if lease.IsNotFound(err) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	return err
}
