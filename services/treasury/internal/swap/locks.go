package swap

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// lockRegistry enforces single-writer-per-account inside one process. Leases
// carry a TTL so a crashed pipeline cannot wedge its account forever; the
// durable intent record covers correctness across restarts.
type lockRegistry struct {
	mu     sync.Mutex
	leases map[uuid.UUID]time.Time
	ttl    time.Duration
}

func newLockRegistry(ttl time.Duration) *lockRegistry {
	return &lockRegistry{
		leases: map[uuid.UUID]time.Time{},
		ttl:    ttl,
	}
}

// tryAcquire takes the lease if it is free or expired. It never blocks:
// a second pipeline on the same source fails fast at source_lock.
func (r *lockRegistry) tryAcquire(accountID uuid.UUID, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expiry, held := r.leases[accountID]; held && now.Before(expiry) {
		return false
	}
	r.leases[accountID] = now.Add(r.ttl)
	return true
}

func (r *lockRegistry) release(accountID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.leases, accountID)
}
