// Package retry re-runs a lookup-and-apply operation while its target
// element has not appeared yet.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// Policy bounds a retry schedule.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts" validate:"gte=1"`
	Delay       time.Duration `yaml:"delay" validate:"gte=0"`
}

// DefaultPolicy matches what the page usually needs to finish a re-render.
var DefaultPolicy = Policy{MaxAttempts: 5, Delay: 500 * time.Millisecond}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Outcome is the terminal state of a schedule.
type Outcome int

const (
	Succeeded Outcome = iota
	Exhausted
	Failed
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Succeeded:
		return "succeeded"
	case Exhausted:
		return "exhausted"
	case Failed:
		return "failed"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Result describes how a schedule ended. Err is the last error seen.
type Result struct {
	Outcome  Outcome
	Attempts int
	Err      error
}

// Op is one lookup-and-apply attempt. Returning an error wrapping
// dom.ErrNotFound asks for another attempt.
type Op func(ctx context.Context) error

// Scheduler runs operations under a Policy.
type Scheduler struct {
	clock  clockz.Clock
	logger zerolog.Logger
}

func New(clock clockz.Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Scheduler{clock: clock, logger: logger}
}

// Do attempts op immediately and again after each policy delay while it
// reports dom.ErrNotFound, never exceeding policy.MaxAttempts. Exhaustion
// is a terminal result, not an error.
func (s *Scheduler) Do(ctx context.Context, name string, op Op, policy Policy) Result {
	limit := policy.attempts()
	for attempt := 1; ; attempt++ {
		err := op(ctx)
		if err == nil {
			if attempt > 1 {
				s.logger.Debug().Str("op", name).Int("attempt", attempt).Msg("succeeded after retry")
			}
			return Result{Outcome: Succeeded, Attempts: attempt}
		}
		if !errors.Is(err, dom.ErrNotFound) {
			s.logger.Warn().Err(err).Str("op", name).Int("attempt", attempt).Msg("attempt failed")
			return Result{Outcome: Failed, Attempts: attempt, Err: err}
		}
		if attempt >= limit {
			s.logger.Debug().Str("op", name).Int("attempts", attempt).Msg("target never appeared")
			return Result{Outcome: Exhausted, Attempts: attempt, Err: err}
		}
		if err := s.sleep(ctx, policy.Delay); err != nil {
			return Result{Outcome: Canceled, Attempts: attempt, Err: err}
		}
	}
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := s.clock.NewTimer(d)
	select {
	case <-ctx.Done():
		timer.Stop()
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}
