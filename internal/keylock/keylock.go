// Package keylock provides per-key mutual exclusion with reference-counted
// entries, so locks for idle keys do not accumulate.
package keylock

import (
	"context"
	"sort"
	"sync"
)

// Set hands out one lock per key.
type Set struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	ch   chan struct{}
	refs int
}

// New returns an empty Set.
func New() *Set {
	return &Set{locks: make(map[string]*entry)}
}

// Lock acquires every key in keys, in sorted order so that overlapping
// multi-key callers cannot deadlock. Duplicate keys are locked once. It
// returns the release function, or ctx's error if ctx ends first, in which
// case nothing remains held.
func (s *Set) Lock(ctx context.Context, keys ...string) (func(), error) {
	ordered := dedupe(keys)
	held := make([]string, 0, len(ordered))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.unlock(held[i])
		}
	}
	for _, key := range ordered {
		if err := s.lock(ctx, key); err != nil {
			release()
			return nil, err
		}
		held = append(held, key)
	}
	var once sync.Once
	return func() { once.Do(release) }, nil
}

func (s *Set) lock(ctx context.Context, key string) error {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		s.drop(key, e)
		return ctx.Err()
	}
}

func (s *Set) unlock(key string) {
	s.mu.Lock()
	e := s.locks[key]
	s.mu.Unlock()
	<-e.ch
	s.drop(key, e)
}

func (s *Set) drop(key string, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}

// Len reports how many keys currently have holders or waiters.
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.locks)
}

func dedupe(keys []string) []string {
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
