// Package locks coordinates exclusive access to per-component state.
// Keys are advisory: holders are trusted to pair Lock with Unlock, and
// an optional lease bounds how long a crashed or stuck holder can keep
// a key.
package locks

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/glowbound/fleetcore/pkg/gberr"
)

// Locker grants at most one outstanding holder per key.
type Locker interface {
	// Lock blocks until key is free or ctx is done. A positive lease
	// arms an auto-release: on expiry the key becomes available to
	// other waiters regardless of the holder.
	Lock(ctx context.Context, key string, lease time.Duration) error
	// Unlock cancels any pending auto-release and frees key. Unlocking
	// a key that already expired is a no-op.
	Unlock(ctx context.Context, key string) error
}

// Key derives the coordinator key for one source record of one
// component.
func Key(source, componentID string) string {
	return source + "/" + componentID
}

// WithLocks acquires every key (sorted, deduplicated), runs fn, and
// releases all held keys on the way out. A failed acquisition releases
// the keys already held and reports LOCK_FAILED. Callers bound the
// acquisition wait through ctx.
func WithLocks(ctx context.Context, l Locker, keys []string, fn func() error) error {
	keys = slices.Clone(keys)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]string, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = l.Unlock(ctx, held[i])
		}
	}

	for _, key := range keys {
		if err := l.Lock(ctx, key, 0); err != nil {
			release()
			return gberr.Wrap(gberr.LockFailed, err, "acquire "+key)
		}
		held = append(held, key)
	}

	err := fn()
	release()
	return err
}

// ── In-memory coordinator ────────────────────────────────────

type slot struct {
	sem   chan struct{} // full while held
	gen   uint64
	timer *time.Timer
}

// Keyed is the in-process Locker. Each key is a one-slot semaphore;
// waiters park on the channel, so release order is handled by the
// runtime rather than a poll loop.
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

var _ Locker = (*Keyed)(nil)

func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

func (k *Keyed) slot(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		k.slots[key] = s
	}
	return s
}

func (k *Keyed) Lock(ctx context.Context, key string, lease time.Duration) error {
	s := k.slot(key)
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if lease > 0 {
		gen := s.gen
		s.timer = time.AfterFunc(lease, func() { k.expire(s, gen) })
	}
	return nil
}

// expire releases the slot only if the holder that armed the lease is
// still the one in place.
func (k *Keyed) expire(s *slot, gen uint64) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if s.gen != gen {
		return
	}
	s.gen++
	s.timer = nil
	select {
	case <-s.sem:
	default:
	}
}

func (k *Keyed) Unlock(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		return nil
	}
	s.gen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	select {
	case <-s.sem:
	default:
	}
	return nil
}
