package session

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAdmitsUpToMax(t *testing.T) {
	l := NewLimiter(2)
	ctx := context.Background()

	if err := l.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := l.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if l.Active() != 2 {
		t.Fatalf("active = %d, want 2", l.Active())
	}
}

func TestLimiterBlocksWhenFull(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()
	if err := l.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	err := l.Acquire(ctx, 100*time.Millisecond)
	if err == nil {
		t.Fatal("expected timeout error when limiter is full")
	}
}

func TestLimiterReleaseWakesWaiter(t *testing.T) {
	l := NewLimiter(1)
	ctx := context.Background()
	if err := l.Acquire(ctx, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- l.Acquire(ctx, 2*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	l.Release()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter acquire failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after release")
	}
}

func TestLimiterUnlimitedWhenZero(t *testing.T) {
	l := NewLimiter(0)
	ctx := context.Background()
	for i := 0; i < 100; i++ {
		if err := l.Acquire(ctx, time.Second); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
}

func TestLimiterContextCancellation(t *testing.T) {
	l := NewLimiter(1)
	bg := context.Background()
	if err := l.Acquire(bg, time.Second); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := l.Acquire(ctx, time.Second); err == nil {
		t.Fatal("expected error for canceled context")
	}
}
