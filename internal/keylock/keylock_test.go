package keylock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestLockSerializesSameKey(t *testing.T) {
	s := New()
	var inside, maxInside int32
	g, ctx := errgroup.WithContext(context.Background())
	for i := 0; i < 16; i++ {
		g.Go(func() error {
			release, err := s.Lock(ctx, "room:R1")
			if err != nil {
				return err
			}
			defer release()
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("lock: %v", err)
	}
	if maxInside != 1 {
		t.Fatalf("expected exclusive access, saw %d concurrent holders", maxInside)
	}
	if s.Len() != 0 {
		t.Fatalf("expected lock entries to be released, %d remain", s.Len())
	}
}

func TestLockDistinctKeysDoNotBlock(t *testing.T) {
	s := New()
	release, err := s.Lock(context.Background(), "room:R1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := s.Lock(ctx, "room:R2")
	if err != nil {
		t.Fatalf("expected distinct key to lock immediately: %v", err)
	}
	other()
}

func TestLockHonoursContext(t *testing.T) {
	s := New()
	release, err := s.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Lock(ctx, "b", "a"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	release()
	// "b" must have been released when the multi-key lock gave up.
	again, err := s.Lock(context.Background(), "b")
	if err != nil {
		t.Fatalf("relock b: %v", err)
	}
	again()
	if s.Len() != 0 {
		t.Fatalf("expected no leaked entries, got %d", s.Len())
	}
}

func TestMultiKeyLockNoDeadlock(t *testing.T) {
	s := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			release, _ := s.Lock(context.Background(), "x", "y")
			release()
		}()
		go func() {
			defer wg.Done()
			release, _ := s.Lock(context.Background(), "y", "x", "y")
			release()
		}()
	}
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("multi-key locking deadlocked")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	s := New()
	release, err := s.Lock(context.Background(), "k")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	release()
	release()
	if s.Len() != 0 {
		t.Fatalf("expected clean set, got %d", s.Len())
	}
}
