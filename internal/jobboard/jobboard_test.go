package jobboard

import (
	"context"
	"errors"
	"testing"

	"github.com/agentbus/agentbus/internal/store"
)

func newBoard(t *testing.T) *Board {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestCreate_requiresTitle(t *testing.T) {
	b := newBoard(t)
	if _, err := b.Create(context.Background(), CreateParams{Actor: "a"}); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("want ErrInvalidTask, got %v", err)
	}
}

// TestDependencyGating checks that a task with an open dependency is
// neither available nor claimable until the dependency is done.
func TestDependencyGating(t *testing.T) {
	ctx := context.Background()
	b := newBoard(t)

	t1, err := b.Create(ctx, CreateParams{Title: "t1", Actor: "a"})
	if err != nil {
		t.Fatalf("create t1: %v", err)
	}
	t2, err := b.Create(ctx, CreateParams{Title: "t2", Dependencies: []string{t1}, Actor: "a"})
	if err != nil {
		t.Fatalf("create t2: %v", err)
	}

	avail, err := b.Available(ctx, nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(avail) != 1 || avail[0].TaskID != t1 {
		t.Fatalf("want only t1 available, got %+v", avail)
	}

	if err := b.Claim(ctx, "b", t2); !errors.Is(err, ErrDependenciesUnmet) {
		t.Fatalf("want ErrDependenciesUnmet, got %v", err)
	}

	if err := b.Claim(ctx, "a", t1); err != nil {
		t.Fatalf("claim t1: %v", err)
	}
	if err := b.Update(ctx, "a", t1, "in-progress"); err != nil {
		t.Fatalf("update t1: %v", err)
	}
	if err := b.Complete(ctx, "a", t1, "ok", ""); err != nil {
		t.Fatalf("complete t1: %v", err)
	}

	avail, err = b.Available(ctx, nil)
	if err != nil {
		t.Fatalf("available after completion: %v", err)
	}
	if len(avail) != 1 || avail[0].TaskID != t2 {
		t.Fatalf("want only t2 available, got %+v", avail)
	}

	if err := b.Claim(ctx, "b", t2); err != nil {
		t.Fatalf("claim t2 should now succeed: %v", err)
	}
}

func TestClaim_alreadyClaimed(t *testing.T) {
	ctx := context.Background()
	b := newBoard(t)
	id, _ := b.Create(ctx, CreateParams{Title: "t", Actor: "a"})
	if err := b.Claim(ctx, "a", id); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := b.Claim(ctx, "b", id); !errors.Is(err, ErrAlreadyClaimed) {
		t.Fatalf("want ErrAlreadyClaimed, got %v", err)
	}
}

func TestUpdate_invalidTransition(t *testing.T) {
	ctx := context.Background()
	b := newBoard(t)
	id, _ := b.Create(ctx, CreateParams{Title: "t", Actor: "a"})
	if err := b.Update(ctx, "a", id, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition from open->done, got %v", err)
	}
}

// TestUpdate_cannotBypassComplete checks that Update refuses to drive a
// task straight from in-progress to done or failed — only Complete is
// allowed to set those statuses, since it also records the result/error
// and the completion audit kind.
func TestUpdate_cannotBypassComplete(t *testing.T) {
	ctx := context.Background()
	b := newBoard(t)
	id, _ := b.Create(ctx, CreateParams{Title: "t", Actor: "a"})
	if err := b.Claim(ctx, "a", id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Update(ctx, "a", id, "in-progress"); err != nil {
		t.Fatalf("assigned->in-progress: %v", err)
	}
	if err := b.Update(ctx, "a", id, "done"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition from in-progress->done, got %v", err)
	}
	if err := b.Update(ctx, "a", id, "failed"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition from in-progress->failed, got %v", err)
	}
}

func TestBlockedTasksHiddenFromAvailable(t *testing.T) {
	ctx := context.Background()
	b := newBoard(t)
	id, _ := b.Create(ctx, CreateParams{Title: "t", Actor: "a"})
	if err := b.Claim(ctx, "a", id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := b.Update(ctx, "a", id, "in-progress"); err != nil {
		t.Fatalf("to in-progress: %v", err)
	}
	if err := b.Update(ctx, "a", id, "blocked"); err != nil {
		t.Fatalf("to blocked: %v", err)
	}
	avail, err := b.Available(ctx, nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if len(avail) != 0 {
		t.Fatalf("want no available tasks while blocked, got %+v", avail)
	}
}
