package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestBreaker_tripsAfterThreshold(t *testing.T) {
	b := New(5, 60*time.Second)
	for i := 0; i < 4; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("call %d: unexpected %v", i, err)
		}
		b.Failure()
	}
	if b.State() != Closed {
		t.Fatalf("want closed after 4 failures, got %v", b.State())
	}
	if err := b.Allow(); err != nil {
		t.Fatal("5th call should still be allowed before failing")
	}
	b.Failure()
	if b.State() != Open {
		t.Fatalf("want open after 5th failure, got %v", b.State())
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatalf("want ErrOpen, got %v", err)
	}
}

func TestBreaker_halfOpenAfterDuration(t *testing.T) {
	b := New(1, 20*time.Millisecond)
	_ = b.Allow()
	b.Failure()
	if b.State() != Open {
		t.Fatal("want open")
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("want fast-fail while still within open duration")
	}
	time.Sleep(30 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatalf("want probe allowed after open duration, got %v", err)
	}
	if b.State() != HalfOpen {
		t.Fatalf("want half_open, got %v", b.State())
	}
}

func TestBreaker_halfOpenSuccessCloses(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	_ = b.Allow()
	b.Failure()
	time.Sleep(15 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatal(err)
	}
	b.Success()
	if b.State() != Closed {
		t.Fatalf("want closed, got %v", b.State())
	}
}

func TestBreaker_halfOpenFailureReopens(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	_ = b.Allow()
	b.Failure()
	time.Sleep(15 * time.Millisecond)
	_ = b.Allow()
	b.Failure()
	if b.State() != Open {
		t.Fatalf("want re-opened, got %v", b.State())
	}
}

func TestBreaker_onlyOneProbeAtATime(t *testing.T) {
	b := New(1, 10*time.Millisecond)
	_ = b.Allow()
	b.Failure()
	time.Sleep(15 * time.Millisecond)
	if err := b.Allow(); err != nil {
		t.Fatal("first probe should be allowed")
	}
	if err := b.Allow(); !errors.Is(err, ErrOpen) {
		t.Fatal("second concurrent probe should be rejected")
	}
}
