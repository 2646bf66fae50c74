// Package wait suspends until an element appears or a deadline passes.
package wait

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// DefaultTimeout bounds a wait when the caller passes none.
const DefaultTimeout = 10 * time.Second

// Waiter resolves lookups against a document, waiting for late elements.
type Waiter struct {
	doc    dom.Document
	clock  clockz.Clock
	logger zerolog.Logger
}

func New(doc dom.Document, clock clockz.Clock, logger zerolog.Logger) *Waiter {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Waiter{doc: doc, clock: clock, logger: logger}
}

// WaitFor returns the element matching lookup. An element that already
// exists is returned without touching the observer. Otherwise exactly one
// temporary registration is installed and released again on every exit
// path: found, dom.ErrTimeout after timeout, or dom.ErrCanceled when ctx
// ends first.
func (w *Waiter) WaitFor(ctx context.Context, lookup dom.Lookup, timeout time.Duration) (dom.Element, error) {
	el, err := lookup.Find(w.doc)
	if err == nil {
		return el, nil
	}
	if !errors.Is(err, dom.ErrNotFound) {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	timer := w.clock.NewTimer(timeout)
	defer timer.Stop()

	changed := make(chan struct{}, 1)
	release := w.doc.Observe(func([]dom.Mutation) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer release()

	for {
		// the element may have landed between the first lookup and Observe
		el, err := lookup.Find(w.doc)
		if err == nil {
			w.logger.Debug().Str("lookup", lookup.String()).Msg("element appeared")
			return el, nil
		}
		if !errors.Is(err, dom.ErrNotFound) {
			return nil, err
		}

		select {
		case <-changed:
		case <-timer.C():
			w.logger.Warn().Str("lookup", lookup.String()).Dur("timeout", timeout).Msg("element not found within timeout")
			return nil, fmt.Errorf("%s after %s: %w", lookup.String(), timeout, dom.ErrTimeout)
		case <-ctx.Done():
			return nil, fmt.Errorf("%s: %w", lookup.String(), dom.ErrCanceled)
		}
	}
}
