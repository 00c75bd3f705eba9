// Package lock provides named, TTL-based mutual exclusion across process
// instances. Exclusivity hinges on an opaque ownership token: release and
// extend only succeed while the stored token still matches, so a holder
// whose lock expired and was reacquired elsewhere can never disturb the new
// holder. Correctness depends on the Locker store's compare-and-set /
// compare-and-delete being atomic.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrNotAcquired is returned by WithLock when acquisition fails after all
// retries. Acquire itself reports failure with a nil lock, not an error.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker is the atomic store primitive set the lock is built on.
type Locker interface {
	// AcquireToken stores token under key with ttl iff key is absent.
	AcquireToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	// ReleaseToken deletes key iff it still holds token.
	ReleaseToken(ctx context.Context, key, token string) (bool, error)
	// RefreshToken resets key's ttl iff it still holds token.
	RefreshToken(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
}

// Options tune one acquisition. Zero values get defaults.
type Options struct {
	TTL        time.Duration
	RetryCount int
	RetryDelay time.Duration
	// AutoExtend refreshes the TTL at roughly two-thirds of its interval
	// until the lock is released.
	AutoExtend bool
}

func (o *Options) defaults() {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.RetryCount < 0 {
		o.RetryCount = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 100 * time.Millisecond
	}
}

// Manager acquires locks against a Locker store.
type Manager struct {
	locker Locker
}

// NewManager wraps a Locker store.
func NewManager(locker Locker) *Manager {
	return &Manager{locker: locker}
}

// Lock is one successful acquisition. It is owned by the token minted for
// it, not by the goroutine or process that holds the struct.
type Lock struct {
	manager     *Manager
	key         string
	token       string
	ttl         time.Duration
	acquiredAt  time.Time
	mu          sync.Mutex
	expiresAt   time.Time
	extendCount int
	released    bool
	stopExtend  chan struct{}
}

// Acquire attempts an atomic set-if-absent of a fresh token under key,
// retrying up to RetryCount times. It returns nil, nil when the lock is
// held elsewhere after all retries; an error only means the store failed.
func (m *Manager) Acquire(ctx context.Context, key string, opts Options) (*Lock, error) {
	opts.defaults()
	token := uuid.New().String()

	for attempt := 0; ; attempt++ {
		ok, err := m.locker.AcquireToken(ctx, key, token, opts.TTL)
		if err != nil {
			return nil, err
		}
		if ok {
			now := time.Now()
			l := &Lock{
				manager:    m,
				key:        key,
				token:      token,
				ttl:        opts.TTL,
				acquiredAt: now,
				expiresAt:  now.Add(opts.TTL),
				stopExtend: make(chan struct{}),
			}
			if opts.AutoExtend {
				go l.autoExtend()
			}
			return l, nil
		}
		if attempt >= opts.RetryCount {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(opts.RetryDelay):
		}
	}
}

// WithLock acquires key, runs fn, and releases on every exit path. It is
// the only lock operation that fails with an error on contention.
func (m *Manager) WithLock(ctx context.Context, key string, opts Options, fn func(ctx context.Context) error) error {
	l, err := m.Acquire(ctx, key, opts)
	if err != nil {
		return err
	}
	if l == nil {
		return ErrNotAcquired
	}
	defer l.Release(context.WithoutCancel(ctx))
	return fn(ctx)
}

// Key returns the lock's name.
func (l *Lock) Key() string { return l.key }

// Token returns the ownership token.
func (l *Lock) Token() string { return l.token }

// Release deletes the lock iff this token still owns it. Returns false when
// the lock already expired and was taken by someone else, or was released
// before.
func (l *Lock) Release(ctx context.Context) bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false
	}
	l.released = true
	close(l.stopExtend)
	l.mu.Unlock()

	ok, err := l.manager.locker.ReleaseToken(ctx, l.key, l.token)
	if err != nil {
		log.Error().Err(err).Str("lock_key", l.key).Msg("lock release failed")
		return false
	}
	return ok
}

// Extend refreshes the TTL iff this token still owns the lock. A non-zero
// additionalTTL replaces the lock's TTL for this and later refreshes.
func (l *Lock) Extend(ctx context.Context, additionalTTL time.Duration) bool {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return false
	}
	ttl := l.ttl
	if additionalTTL > 0 {
		ttl = additionalTTL
		l.ttl = additionalTTL
	}
	l.mu.Unlock()

	ok, err := l.manager.locker.RefreshToken(ctx, l.key, l.token, ttl)
	if err != nil {
		log.Error().Err(err).Str("lock_key", l.key).Msg("lock extend failed")
		return false
	}
	if ok {
		l.mu.Lock()
		l.expiresAt = time.Now().Add(ttl)
		l.extendCount++
		l.mu.Unlock()
	}
	return ok
}

// IsValid reports whether the lock looks unexpired from local bookkeeping.
// It does not consult the store, so it is advisory only.
func (l *Lock) IsValid() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.released && time.Now().Before(l.expiresAt)
}

// ExtendCount returns how many refreshes have succeeded.
func (l *Lock) ExtendCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.extendCount
}

// autoExtend refreshes at two-thirds of the TTL until release or a failed
// refresh (the lock is gone; keeping the timer would leak it). The TTL is
// re-read under the lock's mutex each round so a manual Extend with a new
// TTL also reshapes the refresh cadence.
func (l *Lock) autoExtend() {
	interval := l.refreshInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stopExtend:
			return
		case <-ticker.C:
			if !l.Extend(context.Background(), 0) {
				return
			}
			if next := l.refreshInterval(); next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

func (l *Lock) refreshInterval() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ttl * 2 / 3
}
