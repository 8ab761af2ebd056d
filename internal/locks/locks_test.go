package locks_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glowbound/fleetcore/internal/locks"
	"github.com/glowbound/fleetcore/pkg/gberr"
)

func lockWithin(t *testing.T, l locks.Locker, key string, timeout time.Duration) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Lock(ctx, key, 0)
}

// ─── Keyed ──────────────────────────────────────────────────

func TestLockSerializesHolders(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()
	key := locks.Key("system", "comp-1")

	var inside int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := l.Lock(ctx, key, 0); err != nil {
				t.Errorf("Lock() error = %v", err)
				return
			}
			if n := atomic.AddInt32(&inside, 1); n != 1 {
				t.Errorf("critical section holders = %d, want 1", n)
			}
			time.Sleep(2 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			if err := l.Unlock(ctx, key); err != nil {
				t.Errorf("Unlock() error = %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestLockIndependentKeysDoNotBlock(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()

	if err := l.Lock(ctx, locks.Key("system", "comp-1"), 0); err != nil {
		t.Fatalf("Lock(system) error = %v", err)
	}
	defer l.Unlock(ctx, locks.Key("system", "comp-1"))

	// Same component, other source; other component, same source.
	if err := lockWithin(t, l, locks.Key("app", "comp-1"), 100*time.Millisecond); err != nil {
		t.Errorf("Lock(app/comp-1) error = %v, want immediate grant", err)
	}
	if err := lockWithin(t, l, locks.Key("system", "comp-2"), 100*time.Millisecond); err != nil {
		t.Errorf("Lock(system/comp-2) error = %v, want immediate grant", err)
	}
}

func TestLockWaitsForUnlock(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()

	if err := l.Lock(ctx, "k", 0); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		if err := l.Lock(ctx, "k", 0); err != nil {
			t.Errorf("waiter Lock() error = %v", err)
			return
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("waiter acquired a held key")
	case <-time.After(30 * time.Millisecond):
	}

	if err := l.Unlock(ctx, "k"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired after unlock")
	}
}

func TestLockContextCancel(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()

	if err := l.Lock(ctx, "k", 0); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer l.Unlock(ctx, "k")

	err := lockWithin(t, l, "k", 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock() error = %v, want deadline exceeded", err)
	}
}

func TestLeaseExpiryFreesWaiters(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()

	if err := l.Lock(ctx, "k", 30*time.Millisecond); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	// The holder never unlocks; the lease must free the key.
	if err := lockWithin(t, l, "k", 2*time.Second); err != nil {
		t.Fatalf("Lock() after lease expiry error = %v", err)
	}
}

func TestUnlockCancelsLease(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()

	if err := l.Lock(ctx, "k", 30*time.Millisecond); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	if err := l.Unlock(ctx, "k"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	// Re-acquire without a lease, then outlive the first lease. The
	// stale timer must not free the second hold.
	if err := l.Lock(ctx, "k", 0); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)

	err := lockWithin(t, l, "k", 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock() error = %v, want deadline exceeded (key still held)", err)
	}
}

func TestUnlockUnheldKeyIsNoop(t *testing.T) {
	l := locks.NewKeyed()
	if err := l.Unlock(context.Background(), "never-locked"); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
}

// ─── WithLocks ──────────────────────────────────────────────

func TestWithLocksHoldsEveryKey(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()
	keys := []string{locks.Key("system", "c"), locks.Key("app", "c")}

	err := locks.WithLocks(ctx, l, keys, func() error {
		for _, k := range keys {
			if err := lockWithin(t, l, k, 20*time.Millisecond); err == nil {
				t.Errorf("key %s acquirable inside WithLocks", k)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithLocks() error = %v", err)
	}

	for _, k := range keys {
		if err := lockWithin(t, l, k, 100*time.Millisecond); err != nil {
			t.Errorf("key %s not released after WithLocks: %v", k, err)
		}
	}
}

func TestWithLocksPartialFailureRollsBack(t *testing.T) {
	l := locks.NewKeyed()
	ctx := context.Background()
	sys, app := locks.Key("system", "c"), locks.Key("app", "c")

	if err := l.Lock(ctx, sys, 0); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	defer l.Unlock(ctx, sys)

	bounded, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
	defer cancel()
	ran := false
	err := locks.WithLocks(bounded, l, []string{app, sys}, func() error {
		ran = true
		return nil
	})
	if !gberr.IsKind(err, gberr.LockFailed) {
		t.Fatalf("WithLocks() error = %v, want LOCK_FAILED", err)
	}
	if ran {
		t.Fatal("fn ran despite partial acquisition")
	}

	// The key that was acquired must have been released again.
	if err := lockWithin(t, l, app, 100*time.Millisecond); err != nil {
		t.Fatalf("rollback left %s held: %v", app, err)
	}
}

func TestWithLocksDeduplicatesKeys(t *testing.T) {
	l := locks.NewKeyed()
	err := locks.WithLocks(context.Background(), l,
		[]string{"k", "k"}, func() error { return nil })
	if err != nil {
		t.Fatalf("WithLocks() error = %v", err)
	}
}

func TestWithLocksPropagatesActionError(t *testing.T) {
	l := locks.NewKeyed()
	want := errors.New("action failed")
	err := locks.WithLocks(context.Background(), l, []string{"k"}, func() error { return want })
	if !errors.Is(err, want) {
		t.Fatalf("WithLocks() error = %v, want %v", err, want)
	}
	if err := lockWithin(t, l, "k", 100*time.Millisecond); err != nil {
		t.Fatalf("key held after failed action: %v", err)
	}
}
