package engine

import (
	"context"
	"sync"
)

// keyedLocks serializes executions per lock key (normally one key per
// account). Waiters queue on a buffered-channel semaphore so acquisition is
// context-bounded: a fire that cannot get its account inside its runtime
// budget gives up instead of piling up behind a stuck session.
type keyedLocks struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

func newKeyedLocks() *keyedLocks {
	return &keyedLocks{locks: make(map[string]*keyedLock)}
}

// Acquire blocks until the key is free or ctx ends. On success the returned
// release func must be called exactly once.
func (k *keyedLocks) Acquire(ctx context.Context, key string) (release func(), err error) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.put(key, l)
		}, nil
	case <-ctx.Done():
		k.put(key, l)
		return nil, ctx.Err()
	}
}

// TryAcquire is the non-blocking variant.
func (k *keyedLocks) TryAcquire(key string) (release func(), ok bool) {
	k.mu.Lock()
	l := k.locks[key]
	if l == nil {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	select {
	case l.sem <- struct{}{}:
		return func() {
			<-l.sem
			k.put(key, l)
		}, true
	default:
		k.put(key, l)
		return nil, false
	}
}

func (k *keyedLocks) put(key string, l *keyedLock) {
	k.mu.Lock()
	l.refs--
	if l.refs <= 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
