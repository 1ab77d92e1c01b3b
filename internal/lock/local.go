package lock

import (
	"context"
	"sync"
)

// Local is a process-wide keyed mutex. It is enough for a single instance and
// is layered under the store transaction in every deployment.
type Local struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates an empty keyed lock table.
func NewLocal() *Local {
	return &Local{slots: make(map[string]*slot)}
}

// Lock acquires keys in order. If ctx ends first, keys already taken are
// released and ctx's error is returned.
func (l *Local) Lock(ctx context.Context, keys []string) (Unlock, error) {
	keys = normalize(keys)
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		s := l.ref(key)
		select {
		case s.ch <- struct{}{}:
			held = append(held, key)
		case <-ctx.Done():
			l.unref(key)
			l.release(held)
			return nil, ctx.Err()
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(held) })
	}, nil
}

func (l *Local) ref(key string) *slot {
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

func (l *Local) unref(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.slots[key]
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

func (l *Local) release(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		<-s.ch
		l.unref(keys[i])
	}
}

// Chain acquires keys from each locker in turn and releases them in reverse.
type Chain []Locker

// Lock implements Locker.
func (c Chain) Lock(ctx context.Context, keys []string) (Unlock, error) {
	unlocks := make([]Unlock, 0, len(c))
	releaseAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, l := range c {
		u, err := l.Lock(ctx, keys)
		if err != nil {
			releaseAll()
			return nil, err
		}
		unlocks = append(unlocks, u)
	}
	return releaseAll, nil
}
