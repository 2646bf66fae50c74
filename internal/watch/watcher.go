// Package watch turns bursts of document mutations into single reconcile
// signals.
package watch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// DefaultDebounce is the quiet period that closes a burst.
const DefaultDebounce = 200 * time.Millisecond

// Watcher creates debounced subscriptions.
type Watcher struct {
	clock  clockz.Clock
	logger zerolog.Logger
}

func New(clock clockz.Clock, logger zerolog.Logger) *Watcher {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Watcher{clock: clock, logger: logger}
}

// Subscription is a live debounced registration.
type Subscription struct {
	done  chan struct{}
	wake  chan struct{} // coalesced qualifying batches, cap 1
	fired atomic.Int64
}

// Done is closed once the subscription has released its observer.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Fired reports how many times the callback ran.
func (s *Subscription) Fired() int64 { return s.fired.Load() }

// Observe calls onChange once after every burst of mutations accepted by
// filter, when debounce has elapsed with no further qualifying mutation.
// A panicking callback is logged and the subscription keeps running. The
// subscription ends when ctx is cancelled.
func (w *Watcher) Observe(ctx context.Context, obs dom.Observer, filter dom.Filter, debounce time.Duration, onChange func(context.Context)) *Subscription {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	sub := &Subscription{done: make(chan struct{}), wake: make(chan struct{}, 1)}
	cancel := obs.Observe(func(batch []dom.Mutation) {
		if !filter.Any(batch) {
			return
		}
		select {
		case sub.wake <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(sub.done)
		defer cancel()

		var timer clockz.Timer
		for {
			var timerC <-chan time.Time
			if timer != nil {
				timerC = timer.C()
			}

			select {
			case <-ctx.Done():
				if timer != nil {
					timer.Stop()
				}
				return

			case <-sub.wake:
				// A fresh timer per signal: a stale fire on the old channel
				// is never selected again.
				if timer != nil {
					timer.Stop()
				}
				timer = w.clock.NewTimer(debounce)

			case <-timerC:
				timer = nil
				sub.fired.Add(1)
				w.invoke(ctx, onChange)
			}
		}
	}()
	return sub
}

func (w *Watcher) invoke(ctx context.Context, onChange func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error().Err(fmt.Errorf("panic: %v", r)).Msg("change callback failed")
		}
	}()
	onChange(ctx)
}
