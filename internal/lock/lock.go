// Package lock provides per-key mutual exclusion for task state transitions.
//
// Two backends are available:
//
//   - KeyedMutex: in-process, for single-instance deployments and tests
//   - RedisLocker: SET NX PX with a token-checked release, for several
//     processes sharing one ledger store
//
// Locks only serialize concurrent work on the same task. Correctness does not
// depend on them: every store write is additionally version-checked.
package lock

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired before the context ended
	ErrLockTimeout = errors.New("lock: acquire timed out")
)

// Locker acquires an exclusive lock on key. The returned unlock function
// must be called exactly once.
type Locker interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// KeyedMutex is an in-process Locker holding one mutex per active key
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{} // buffered(1); holding the token means holding the lock
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Acquire blocks until key is free or ctx is done
func (k *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e, false)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() { k.release(key, e, true) })
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry, held bool) {
	if held {
		<-e.ch
	}
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

// Len returns the number of keys currently locked or awaited
func (k *KeyedMutex) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
