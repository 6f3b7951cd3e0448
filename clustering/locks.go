package clustering

import (
	"context"
	"sort"
	"sync"
)

// Locker hands out exclusive locks on string keys. Multi-key calls take the
// keys in sorted order, so callers that only ever block on one batch of keys
// cannot deadlock each other.
type Locker interface {
	// Lock blocks until every key is held or ctx is done.
	Lock(ctx context.Context, keys ...string) (unlock func(), err error)
	// TryLock takes every key or none without waiting.
	TryLock(ctx context.Context, keys ...string) (unlock func(), ok bool, err error)
}

// LocalLocker serialises callers inside one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*slot)}
}

func (l *LocalLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key, false)
			l.releaseAll(held)
			return nil, ctx.Err()
		}
	}
	return l.unlocker(held), nil
}

func (l *LocalLocker) TryLock(_ context.Context, keys ...string) (func(), bool, error) {
	keys = normalizeKeys(keys)
	held := make([]string, 0, len(keys))
	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		default:
			l.unref(key, false)
			l.releaseAll(held)
			return nil, false, nil
		}
	}
	return l.unlocker(held), true, nil
}

func (l *LocalLocker) unlocker(held []string) func() {
	var once sync.Once
	return func() {
		once.Do(func() { l.releaseAll(held) })
	}
}

func (l *LocalLocker) releaseAll(held []string) {
	for i := len(held) - 1; i >= 0; i-- {
		l.unref(held[i], true)
	}
}

func (l *LocalLocker) ref(key string) *slot {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	return s
}

func (l *LocalLocker) unref(key string, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	if held {
		<-s.ch
	}
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func normalizeKeys(keys []string) []string {
	out := append([]string(nil), keys...)
	sort.Strings(out)
	n := 0
	for i, k := range out {
		if i > 0 && k == out[n-1] {
			continue
		}
		out[n] = k
		n++
	}
	return out[:n]
}
