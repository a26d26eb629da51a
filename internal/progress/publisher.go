package progress

import (
	"context"
	"errors"
	"time"

	"adreel-backend/internal/runs"
	"adreel-backend/internal/shared/telemetry"
	"adreel-backend/internal/shared/util"
)

// DefaultInterval is how often a subscription polls the run store.
const DefaultInterval = time.Second

// Loader reads the current state of a run.
type Loader interface {
	Load(ctx context.Context, runID string) (runs.Run, error)
}

// Publisher turns stored run state into a stream of status snapshots.
type Publisher struct {
	Store    Loader
	Interval time.Duration
}

// New constructs a Publisher.
func New(store Loader, interval time.Duration) *Publisher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Publisher{Store: store, Interval: interval}
}

// Snapshot returns the current snapshot of a run.
func (p *Publisher) Snapshot(ctx context.Context, runID string) (runs.Snapshot, error) {
	run, err := p.Store.Load(ctx, runID)
	if err != nil {
		return runs.Snapshot{}, err
	}
	return runs.SnapshotOf(run), nil
}

// Subscribe emits the current snapshot immediately and then every observable
// change. Identical consecutive snapshots are never emitted. The channel closes
// after a terminal snapshot, when ctx is done, or when the run disappears.
func (p *Publisher) Subscribe(ctx context.Context, runID string) (<-chan runs.Snapshot, error) {
	first, err := p.Snapshot(ctx, runID)
	if err != nil {
		return nil, err
	}
	ch := make(chan runs.Snapshot, 1)
	go p.watch(ctx, runID, first, ch)
	return ch, nil
}

func (p *Publisher) watch(ctx context.Context, runID string, last runs.Snapshot, ch chan<- runs.Snapshot) {
	defer close(ch)
	if !send(ctx, ch, last) || last.Status.IsTerminal() {
		return
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		snap, err := p.Snapshot(ctx, runID)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, runs.ErrNotFound) {
				return
			}
			// A failed poll is retried on the next tick.
			telemetry.Warn("progress.poll_failed", map[string]any{
				"run_id": runID,
				"error":  util.SanitizeError(err),
			})
			continue
		}
		if snap.Equal(last) {
			continue
		}
		if !send(ctx, ch, snap) {
			return
		}
		last = snap
		if snap.Status.IsTerminal() {
			return
		}
	}
}

func send(ctx context.Context, ch chan<- runs.Snapshot, snap runs.Snapshot) bool {
	select {
	case ch <- snap:
		return true
	case <-ctx.Done():
		return false
	}
}
