// Package keylock provides per-key mutual exclusion with create-on-demand,
// delete-on-release lock entries.
package keylock

import (
	"errors"
	"strings"
	"sync"
	"time"
	"unicode"
)

// ErrAlreadyLocked is returned when a key's lock cannot be acquired within
// the bounded wait, meaning another worker already owns the key.
var ErrAlreadyLocked = errors.New("key already locked")

// DefaultTimeout is the bounded wait applied when no timeout is configured.
const DefaultTimeout = 3 * time.Second

// entry is a single per-key lock. The semaphore channel carries the lock
// state so acquisition can race against a timer.
type entry struct {
	sem  chan struct{}
	refs int
}

// Registry maps string keys to dedicated locks. The registry mutex only
// guards the map; the per-key lock is held outside it so unrelated keys
// never block each other.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	timeout time.Duration
}

// Option is a functional option for configuring the registry.
type Option func(*Registry)

// WithTimeout sets the bounded wait for Acquire.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		r.timeout = d
	}
}

// NewRegistry creates a new keyed-lock registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Acquire takes the lock for key, waiting up to the configured timeout.
// It returns ErrAlreadyLocked if the lock is held past the timeout; the
// caller is expected to drop the work, not retry.
func (r *Registry) Acquire(key string) error {
	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[key] = e
	}
	e.refs++
	r.mu.Unlock()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return nil
	case <-timer.C:
		r.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		return ErrAlreadyLocked
	}
}

// Release releases the lock for key and removes the map entry once no other
// waiter references it, so the registry does not grow over the process
// lifetime. Releasing an unheld key is a no-op.
func (r *Registry) Release(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	if ok {
		e.refs--
		if e.refs <= 0 {
			delete(r.entries, key)
		}
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	select {
	case <-e.sem:
	default:
	}
}

// Len returns the number of keys currently in the registry.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sanitize derives a lock key from an archive base filename: trailing
// whitespace is stripped and every rune outside [a-zA-Z0-9._] becomes '_'.
func Sanitize(name string) string {
	name = strings.TrimRightFunc(name, unicode.IsSpace)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
