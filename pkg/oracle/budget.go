package oracle

import (
	"errors"
	"sync"
	"time"
)

// ErrBudgetExhausted is returned by PollBudget.Acquire when no requests are
// left in the current window.
var ErrBudgetExhausted = errors.New("poll budget exhausted")

// BudgetSnapshot is a point-in-time view of a PollBudget.
type BudgetSnapshot struct {
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
	Unlimited bool      `json:"unlimited,omitempty"`
}

// PollBudget is the shared allowance of upstream queries. It is the only
// mutable state shared between applications during a cycle.
//
// The budget refills to Limit every Window. When the upstream host reports
// its own rate limit, Observe replaces the local view with the host's.
type PollBudget struct {
	mu        sync.Mutex
	limit     int
	remaining int
	window    time.Duration
	resetAt   time.Time
	now       func() time.Time
}

// NewPollBudget creates a budget of limit requests per window. A
// non-positive limit disables the budget.
func NewPollBudget(limit int, window time.Duration) *PollBudget {
	return newPollBudget(limit, window, time.Now)
}

func newPollBudget(limit int, window time.Duration, now func() time.Time) *PollBudget {
	if window <= 0 {
		window = time.Hour
	}
	return &PollBudget{
		limit:     limit,
		remaining: limit,
		window:    window,
		resetAt:   now().Add(window),
		now:       now,
	}
}

// Acquire takes one request from the budget. It fails with
// ErrBudgetExhausted when the current window is spent.
func (b *PollBudget) Acquire() error {
	if b == nil {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return nil
	}

	b.rollover()
	if b.remaining <= 0 {
		return ErrBudgetExhausted
	}
	b.remaining--
	return nil
}

// Observe synchronizes the budget with rate-limit information reported by
// the upstream host.
func (b *PollBudget) Observe(limit, remaining int, reset time.Time) {
	if b == nil || limit <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.limit = limit
	b.remaining = remaining
	if !reset.IsZero() {
		b.resetAt = reset
	}
}

// Snapshot returns the current state of the budget.
func (b *PollBudget) Snapshot() BudgetSnapshot {
	if b == nil {
		return BudgetSnapshot{Unlimited: true}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.limit <= 0 {
		return BudgetSnapshot{Unlimited: true}
	}
	b.rollover()
	return BudgetSnapshot{
		Limit:     b.limit,
		Remaining: b.remaining,
		ResetAt:   b.resetAt,
	}
}

// rollover refills the budget once the window has elapsed. Callers hold mu.
func (b *PollBudget) rollover() {
	now := b.now()
	if now.Before(b.resetAt) {
		return
	}
	b.remaining = b.limit
	elapsed := now.Sub(b.resetAt)/b.window + 1
	b.resetAt = b.resetAt.Add(elapsed * b.window)
}
