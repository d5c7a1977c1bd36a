package mls

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

type nopEngine struct{ Engine }

func TestDeferredInitializesOnce(t *testing.T) {
	var calls atomic.Int32
	d := NewDeferred(func(ctx context.Context) (Engine, error) {
		calls.Add(1)
		return nopEngine{}, nil
	})

	if d.State() != Uninitialized {
		t.Fatalf("state: got %v, want uninitialized", d.State())
	}
	if _, err := d.Engine(); !errors.Is(err, ErrNotReady) {
		t.Fatalf("engine before ready: got %v, want ErrNotReady", err)
	}

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Ready(context.Background()); err != nil {
				t.Errorf("ready: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Fatalf("init calls: got %d, want 1", n)
	}
	if d.State() != Ready {
		t.Fatalf("state: got %v, want ready", d.State())
	}
	if _, err := d.Engine(); err != nil {
		t.Fatalf("engine after ready: %v", err)
	}
}

func TestDeferredFailureIsSticky(t *testing.T) {
	boom := errors.New("keystore locked")
	d := NewDeferred(func(ctx context.Context) (Engine, error) {
		return nil, boom
	})

	if _, err := d.Ready(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("ready: got %v, want %v", err, boom)
	}
	if d.State() != Failed {
		t.Fatalf("state: got %v, want failed", d.State())
	}
	if _, err := d.Ready(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("second ready: got %v, want %v", err, boom)
	}
	if _, err := d.Engine(); !errors.Is(err, boom) {
		t.Fatalf("engine: got %v, want %v", err, boom)
	}
}

func TestOrphanWelcomeErrorMatchesSentinel(t *testing.T) {
	var err error = &OrphanWelcomeError{Reason: "key package consumed"}
	if !errors.Is(err, ErrOrphanWelcome) {
		t.Fatal("OrphanWelcomeError should match ErrOrphanWelcome")
	}
}
