package async

import (
	"context"
	"sync"
)

// KeyedMutex hands out one lock per key. Operations on different keys run in
// parallel, operations on the same key are serialized.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

func (k *KeyedMutex) acquireEntry(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry, ok := k.locks[key]
	if !ok {
		entry = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = entry
	}
	entry.refs++
	return entry
}

func (k *KeyedMutex) releaseEntry(key string, entry *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock blocks until the lock for key is held or ctx is done. The returned
// function releases the lock.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	entry := k.acquireEntry(key)
	select {
	case entry.ch <- struct{}{}:
		return k.unlocker(key, entry), nil
	case <-ctx.Done():
		k.releaseEntry(key, entry)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key if it's free. The returned function is
// nil if the lock is held by someone else.
func (k *KeyedMutex) TryLock(key string) (func(), bool) {
	entry := k.acquireEntry(key)
	select {
	case entry.ch <- struct{}{}:
		return k.unlocker(key, entry), true
	default:
		k.releaseEntry(key, entry)
		return nil, false
	}
}

func (k *KeyedMutex) unlocker(key string, entry *keyedEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			k.releaseEntry(key, entry)
		})
	}
}
