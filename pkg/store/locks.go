package store

import (
	"context"
	"sort"
	"sync"
)

// keyedMutex hands out one lock per key. Multi-key acquisition takes keys
// in sorted order so overlapping callers cannot deadlock.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyLock)}
}

func (k *keyedMutex) ref(key string) *keyLock {
	k.mu.Lock()
	defer k.mu.Unlock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		k.locks[key] = l
	}
	l.refs++
	return l
}

func (k *keyedMutex) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	l := k.locks[key]
	l.refs--
	if l.refs == 0 {
		delete(k.locks, key)
	}
}

// Lock acquires every key or none. The returned func releases them.
func (k *keyedMutex) Lock(ctx context.Context, keys ...string) (func(), error) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)
	uniq := sorted[:0]
	for i, key := range sorted {
		if i == 0 || key != sorted[i-1] {
			uniq = append(uniq, key)
		}
	}

	type heldLock struct {
		key string
		l   *keyLock
	}
	held := make([]heldLock, 0, len(uniq))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i].l.ch
			k.unref(held[i].key)
		}
	}

	for _, key := range uniq {
		l := k.ref(key)
		select {
		case l.ch <- struct{}{}:
			held = append(held, heldLock{key: key, l: l})
		case <-ctx.Done():
			k.unref(key)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
