package job

import (
	"context"
	"sort"
	"sync"

	"github.com/diskforge/diskforge/internal/device"
)

// deviceLocks serializes jobs per physical device. Each lock key (the whole
// disk, per device.LockKey) admits one holder at a time; waiters are granted
// the lock in arrival order.
type deviceLocks struct {
	mu    sync.Mutex
	locks map[string]*fifoLock
}

func newDeviceLocks() *deviceLocks {
	return &deviceLocks{locks: make(map[string]*fifoLock)}
}

// fifoLock is a mutual-exclusion lock with strict FIFO handoff. Each waiter
// gets its own grant channel so a release wakes exactly the next in line.
type fifoLock struct {
	held    bool
	waiters []chan struct{}
}

// reservation holds the queue positions one job took on its lock keys.
// Positions are taken in Reserve and redeemed in Wait; a reservation that
// will never be waited on must still be waited on with a cancelled context
// so its positions are given back.
type reservation struct {
	d      *deviceLocks
	keys   []string
	grants []chan struct{} // nil entry: that lock is already held
}

// Reserve takes a queue position on every key under a single critical
// section. Reservations made one after another are therefore granted in
// that order on every key they share; the queue position is fixed the
// moment Reserve returns, not when the job's goroutine gets scheduled.
// Keys are deduplicated and sorted; free locks are taken immediately.
func (d *deviceLocks) Reserve(ids ...string) *reservation {
	keys := lockKeys(ids)
	r := &reservation{d: d, keys: keys, grants: make([]chan struct{}, len(keys))}

	d.mu.Lock()
	defer d.mu.Unlock()
	for i, key := range keys {
		l := d.locks[key]
		if l == nil {
			l = &fifoLock{}
			d.locks[key] = l
		}
		if !l.held {
			l.held = true
			continue
		}
		grant := make(chan struct{})
		l.waiters = append(l.waiters, grant)
		r.grants[i] = grant
	}
	return r
}

// Wait blocks until every reserved lock is held. Because all reservations
// enqueue on all their keys atomically, a waiter can only be blocked by
// reservations made before it, so waits never cycle. On cancellation the
// locks already held are released and the pending positions withdrawn.
func (r *reservation) Wait(ctx context.Context) (release func(), err error) {
	for i, grant := range r.grants {
		if grant == nil {
			continue
		}
		select {
		case <-grant:
			r.grants[i] = nil
		case <-ctx.Done():
			r.abort()
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			for i := len(r.keys) - 1; i >= 0; i-- {
				r.d.release(r.keys[i])
			}
		})
	}, nil
}

// abort gives back every position: held locks are released, queued grants
// abandoned.
func (r *reservation) abort() {
	for i := len(r.keys) - 1; i >= 0; i-- {
		if g := r.grants[i]; g != nil {
			r.d.abandon(r.keys[i], g)
		} else {
			r.d.release(r.keys[i])
		}
	}
}

// AcquireAll reserves and waits in one call, for callers with no admission
// ordering to preserve.
func (d *deviceLocks) AcquireAll(ctx context.Context, ids ...string) (release func(), err error) {
	return d.Reserve(ids...).Wait(ctx)
}

// abandon removes a waiter that gave up. The grant may have already been
// handed over in a race with release; if so, pass it on.
func (d *deviceLocks) abandon(key string, grant chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()

	l := d.locks[key]
	if l == nil {
		return
	}
	for i, w := range l.waiters {
		if w == grant {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			return
		}
	}

	// Not in the queue: the lock was granted concurrently. Hand it to the
	// next waiter or drop it.
	d.releaseLocked(l)
}

func (d *deviceLocks) release(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l := d.locks[key]; l != nil {
		d.releaseLocked(l)
	}
}

func (d *deviceLocks) releaseLocked(l *fifoLock) {
	if len(l.waiters) > 0 {
		next := l.waiters[0]
		l.waiters[0] = nil
		l.waiters = l.waiters[1:]
		close(next) // lock stays held, ownership transfers
		return
	}
	l.held = false
}

// lockKeys maps device identifiers to their whole-disk lock keys, sorted and
// deduplicated.
func lockKeys(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var keys []string
	for _, id := range ids {
		if id == "" {
			continue
		}
		key := device.LockKey(id)
		if !seen[key] {
			seen[key] = true
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
