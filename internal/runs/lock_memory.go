package runs

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseTTL bounds how long a crashed orchestrator can block a run.
const DefaultLeaseTTL = 2 * time.Minute

// OwnerID identifies the current process as a lease owner.
func OwnerID() string {
	host, err := os.Hostname()
	host = strings.TrimSpace(host)
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

// MemoryLocker grants leases within a single process.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

// NewMemoryLocker constructs a MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		leases: make(map[string]Lease),
		now:    time.Now,
	}
}

// Acquire takes the run's lease unless a live lease is held by someone else.
func (l *MemoryLocker) Acquire(ctx context.Context, runID, owner string, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if held, ok := l.leases[runID]; ok && held.ExpiresAt.After(now) {
		return Lease{}, ErrLocked
	}
	lease := Lease{
		RunID:     runID,
		Owner:     owner,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	l.leases[runID] = lease
	return lease, nil
}

// Renew extends a lease still held by its token.
func (l *MemoryLocker) Renew(ctx context.Context, lease Lease, ttl time.Duration) (Lease, error) {
	if err := ctx.Err(); err != nil {
		return Lease{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	held, ok := l.leases[lease.RunID]
	if !ok || held.Token != lease.Token {
		return Lease{}, ErrLeaseLost
	}
	held.ExpiresAt = l.now().Add(ttl)
	l.leases[lease.RunID] = held
	return held, nil
}

// Release drops a lease if it is still held by its token.
func (l *MemoryLocker) Release(ctx context.Context, lease Lease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held, ok := l.leases[lease.RunID]; ok && held.Token == lease.Token {
		delete(l.leases, lease.RunID)
	}
	return nil
}

var _ Locker = (*MemoryLocker)(nil)
