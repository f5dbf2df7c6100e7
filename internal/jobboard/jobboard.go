package jobboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentbus/agentbus/internal/clockid"
	"github.com/agentbus/agentbus/internal/store"
)

// Board is the job board, a thin validated layer over the store's
// transactional task primitives.
type Board struct {
	store *store.Store
}

// New wires a Board over s.
func New(s *store.Store) *Board {
	return &Board{store: s}
}

// CreateParams are the caller-supplied fields of Create.
type CreateParams struct {
	Title        string
	Description  string
	Priority     int
	Dependencies []string
	Actor        string
}

// Create inserts a new open task. Fails with ErrInvalidTask on a missing
// title or a self-dependency.
func (b *Board) Create(ctx context.Context, p CreateParams) (string, error) {
	if p.Title == "" {
		return "", fmt.Errorf("%w: title required", ErrInvalidTask)
	}
	if p.Priority == 0 {
		p.Priority = 5
	}
	if p.Priority < 1 || p.Priority > 10 {
		return "", fmt.Errorf("%w: priority must be 1-10", ErrInvalidTask)
	}

	id := clockid.NewID()
	for _, dep := range p.Dependencies {
		if dep == id {
			return "", fmt.Errorf("%w: task cannot depend on itself", ErrInvalidTask)
		}
	}

	in := store.TaskInput{
		TaskID:       id,
		Title:        p.Title,
		Description:  p.Description,
		Priority:     p.Priority,
		Dependencies: p.Dependencies,
		CreatedAt:    clockid.Now(),
		Actor:        p.Actor,
	}
	if err := b.store.CreateTask(ctx, in); err != nil {
		return "", err
	}
	return id, nil
}

// Get fetches one task by ID.
func (b *Board) Get(ctx context.Context, taskID string) (*store.Task, error) {
	t, err := b.store.GetTask(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return t, err
}

// Available returns open tasks whose dependencies are all done, sorted by
// priority descending then creation time ascending. A task in 'blocked'
// never appears here: it stays hidden until moved back to in-progress.
func (b *Board) Available(ctx context.Context, agent *string) ([]store.Task, error) {
	return b.store.AvailableTasks(ctx, agent)
}

// Claim atomically assigns an open, dependency-satisfied task to agent.
func (b *Board) Claim(ctx context.Context, agent, taskID string) error {
	err := b.store.ClaimTask(ctx, agent, agent, taskID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrAlreadyClaimed):
		return ErrAlreadyClaimed
	case errors.Is(err, store.ErrDependenciesUnmet):
		return fmt.Errorf("%w%s", ErrDependenciesUnmet, unmetSuffix(err))
	default:
		return err
	}
}

func unmetSuffix(err error) string {
	msg := err.Error()
	// store wraps as "task dependencies unmet: [a b]"; keep the list tail.
	for i := 0; i < len(msg); i++ {
		if msg[i] == ':' {
			return msg[i:]
		}
	}
	return ""
}

// Update applies a permitted transition (assigned->in-progress,
// in-progress->blocked, blocked->in-progress).
func (b *Board) Update(ctx context.Context, actor, taskID, newStatus string) error {
	err := b.store.UpdateTask(ctx, actor, taskID, newStatus)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrInvalidTransition
	default:
		return err
	}
}

// Complete transitions an in-progress task to done (errMsg == "") or
// failed.
func (b *Board) Complete(ctx context.Context, actor, taskID string, result, errMsg string) error {
	var resultPtr, errPtr *string
	if result != "" {
		resultPtr = &result
	}
	if errMsg != "" {
		errPtr = &errMsg
	}
	err := b.store.CompleteTask(ctx, actor, taskID, resultPtr, errPtr)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return ErrInvalidTransition
	default:
		return err
	}
}

// ReassignStale scans assigned/in-progress tasks whose start time exceeds
// staleThreshold and resets them to open, clearing their assignee. This is
// an explicit operator/orchestrator invocation, never automatic: the caller
// (the `task reassign-stale` CLI command) decides when to run it; the
// daemon's maintenance loop does not call it.
func (b *Board) ReassignStale(ctx context.Context, actor string, staleThreshold time.Duration) ([]string, error) {
	return b.store.ReassignStaleTasks(ctx, actor, staleThreshold)
}
