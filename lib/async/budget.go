// Package async provides small scheduling primitives shared by the connector loops.
package async

import (
	"context"
	"time"

	"github.com/coachpo/ordersync/errs"
	"github.com/coachpo/ordersync/internal/clock"
)

// Budget bounds a polling wait to Attempts cycles of Interval each.
type Budget struct {
	Attempts int
	Interval time.Duration
}

// Outcome reports how a budgeted wait ended.
type Outcome struct {
	// Satisfied is true when the predicate held before the budget ran out.
	Satisfied bool
	// Cycles is the number of intervals slept.
	Cycles int
}

// Validate rejects budgets that could never terminate or never wait.
func (b Budget) Validate() error {
	if b.Attempts < 0 {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("budget attempts must be >= 0"))
	}
	if b.Interval < 0 {
		return errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("budget interval must be >= 0"))
	}
	return nil
}

// Wait evaluates done, then sleeps one interval at a time until done reports true or the attempts are
// spent. It never sleeps more than Attempts times. Only context cancellation is returned as an error.
func (b Budget) Wait(ctx context.Context, clk clock.Clock, done func() bool) (Outcome, error) {
	if err := b.Validate(); err != nil {
		return Outcome{}, err
	}
	if clk == nil {
		clk = clock.System()
	}
	if done() {
		return Outcome{Satisfied: true}, nil
	}
	for cycle := 1; cycle <= b.Attempts; cycle++ {
		if err := clk.Sleep(ctx, b.Interval); err != nil {
			return Outcome{Cycles: cycle - 1}, err
		}
		if done() {
			return Outcome{Satisfied: true, Cycles: cycle}, nil
		}
	}
	return Outcome{Cycles: b.Attempts}, nil
}
