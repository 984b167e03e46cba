package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	m := NewKeyedMutex()

	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		counter sync.Mutex
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := m.Lock(context.Background(), "invoice-1")
			if err != nil {
				t.Errorf("Lock returned error: %v", err)
				return
			}
			defer release()

			counter.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			counter.Unlock()

			time.Sleep(time.Millisecond)

			counter.Lock()
			inside--
			counter.Unlock()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Fatalf("expected at most one holder at a time, saw %d", maxSeen)
	}
	if got := m.Len(); got != 0 {
		t.Fatalf("expected entries to be cleaned up, got %d", got)
	}
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	m := NewKeyedMutex()

	releaseA, err := m.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("Lock(a) returned error: %v", err)
	}
	defer releaseA()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := m.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("Lock(b) should not wait on a: %v", err)
	}
	releaseB()
}

func TestKeyedMutex_HonorsContext(t *testing.T) {
	m := NewKeyedMutex()

	release, err := m.Lock(context.Background(), "busy")
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := m.Lock(ctx, "busy"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}

	release()
	release()
	if got := m.Len(); got != 0 {
		t.Fatalf("expected entries to be cleaned up, got %d", got)
	}
}

type failingLocker struct{}

func (failingLocker) Lock(ctx context.Context, key string) (func(), error) {
	return nil, ErrNotAcquired
}

func TestStack_ReleasesAcquiredOnFailure(t *testing.T) {
	local := NewKeyedMutex()
	stack := Stack{local, failingLocker{}}

	if _, err := stack.Lock(context.Background(), "inv"); !errors.Is(err, ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired, got %v", err)
	}
	if got := local.Len(); got != 0 {
		t.Fatalf("expected the local lock to be released, got %d entries", got)
	}
}

func TestStack_HoldsAllUntilRelease(t *testing.T) {
	first, second := NewKeyedMutex(), NewKeyedMutex()
	stack := Stack{first, nil, second}

	release, err := stack.Lock(context.Background(), "inv")
	if err != nil {
		t.Fatalf("Lock returned error: %v", err)
	}
	if first.Len() != 1 || second.Len() != 1 {
		t.Fatal("expected both lockers to be held")
	}
	release()
	if first.Len() != 0 || second.Len() != 0 {
		t.Fatal("expected both lockers to be released")
	}
}
