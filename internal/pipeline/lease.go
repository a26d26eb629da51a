package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// leaseKeeper holds the run lease for one invocation. A heartbeat renews it while a
// unit is blocked in a provider call, and unit work is cancelled once it is lost.
type leaseKeeper struct {
	runID  string
	locker runs.Locker
	ttl    time.Duration
	abort  context.CancelCauseFunc

	mu    sync.Mutex
	lease runs.Lease
	lost  bool
}

func newLeaseKeeper(locker runs.Locker, lease runs.Lease, ttl time.Duration, abort context.CancelCauseFunc) *leaseKeeper {
	return &leaseKeeper{runID: lease.RunID, locker: locker, lease: lease, ttl: ttl, abort: abort}
}

// ensure renews the lease once less than half of its TTL remains.
func (k *leaseKeeper) ensure(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.lost {
		return runs.ErrLeaseLost
	}
	if time.Until(k.lease.ExpiresAt) > k.ttl/2 {
		return nil
	}
	return k.renewLocked(ctx)
}

// heartbeat renews the lease every interval until ctx ends or the lease is lost.
// Transient renew failures are retried on the next tick.
func (k *leaseKeeper) heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		k.mu.Lock()
		err := k.renewLocked(ctx)
		k.mu.Unlock()
		switch {
		case err == nil:
		case errors.Is(err, runs.ErrLeaseLost):
			return
		case ctx.Err() != nil:
			return
		default:
			telemetry.Warn("run.lease.renew_failed", map[string]any{
				"run_id": k.runID,
				"error":  util.SanitizeError(err),
			})
		}
	}
}

func (k *leaseKeeper) renewLocked(ctx context.Context) error {
	if k.lost {
		return runs.ErrLeaseLost
	}
	next, err := k.locker.Renew(ctx, k.lease, k.ttl)
	if err != nil {
		if errors.Is(err, runs.ErrLeaseLost) {
			k.lost = true
			k.abort(runs.ErrLeaseLost)
			return runs.ErrLeaseLost
		}
		return persistence("renew lease", err)
	}
	k.lease = next
	return nil
}

func (k *leaseKeeper) isLost() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lost
}

func (k *leaseKeeper) current() runs.Lease {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.lease
}
