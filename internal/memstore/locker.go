package memstore

import (
	"context"
	"sync"
	"time"
)

type lease struct {
	owner   uint64
	expires time.Time
}

// Locker hands out expiring named locks within one process
type Locker struct {
	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
	now    func() time.Time
}

// NewLocker creates a new in-process locker
func NewLocker() *Locker {
	return &Locker{leases: make(map[string]lease), now: time.Now}
}

// TryLock takes key for ttl unless someone else holds it. The returned unlock
// only releases the lease it acquired.
func (l *Locker) TryLock(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.leases[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}

	l.seq++
	owner := l.seq
	l.leases[key] = lease{owner: owner, expires: now.Add(ttl)}

	unlock := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.leases[key]; ok && cur.owner == owner {
			delete(l.leases, key)
		}
	}
	return unlock, true, nil
}
