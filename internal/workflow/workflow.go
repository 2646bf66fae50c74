// Package workflow runs multi-step interactions whose later steps depend on
// elements that only appear after earlier ones.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// ErrInFlight rejects a second run of an exclusive workflow.
var ErrInFlight = errors.New("workflow already running")

// Interaction is what a step does to its target.
type Interaction string

const (
	None          Interaction = ""
	Click         Interaction = "click"
	Hover         Interaction = "hover"
	MouseSequence Interaction = "mouse_sequence"
)

// mouseSequence mirrors what a pointer produces when a user clicks.
var mouseSequence = []string{"mouseover", "mousedown", "mouseup", "click"}

// Valid reports whether i is a known interaction.
func (i Interaction) Valid() bool {
	switch i {
	case None, Click, Hover, MouseSequence:
		return true
	}
	return false
}

// Perform simulates i on el.
func Perform(el dom.Element, i Interaction) error {
	switch i {
	case None:
		return nil
	case Click:
		return el.Click()
	case Hover:
		return el.Hover()
	case MouseSequence:
		for _, ev := range mouseSequence {
			if err := el.Dispatch(ev); err != nil {
				return fmt.Errorf("%s: %w", ev, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown interaction %q", i)
	}
}

// Step locates Target (waiting up to Timeout when Wait is set), performs
// Interaction on it, then waits for WaitFor and pauses for Delay. Each part
// is skipped when left empty.
type Step struct {
	Name        string        `yaml:"name"`
	Interaction Interaction   `yaml:"interaction,omitempty"`
	Target      dom.Lookup    `yaml:"target,omitempty"`
	Wait        bool          `yaml:"wait,omitempty"`
	WaitFor     dom.Lookup    `yaml:"wait_for,omitempty"`
	Timeout     time.Duration `yaml:"timeout,omitempty"`
	Delay       time.Duration `yaml:"delay,omitempty"`
	Optional    bool          `yaml:"optional,omitempty"`
}

func (s Step) label(i int) string {
	if s.Name != "" {
		return s.Name
	}
	return fmt.Sprintf("step %d", i+1)
}

func (s Step) validate() error {
	if !s.Interaction.Valid() {
		return fmt.Errorf("unknown interaction %q", s.Interaction)
	}
	if s.Interaction != None && s.Target.IsZero() {
		return fmt.Errorf("%s needs a target", s.Interaction)
	}
	if s.Wait && s.Target.IsZero() {
		return fmt.Errorf("wait needs a target")
	}
	if s.Target.IsZero() && s.WaitFor.IsZero() && s.Delay <= 0 {
		return fmt.Errorf("step does nothing")
	}
	if s.Timeout < 0 || s.Delay < 0 {
		return fmt.Errorf("negative duration")
	}
	return nil
}

// Workflow is an ordered list of steps. Exclusive workflows never run
// twice at the same time.
type Workflow struct {
	Name      string `yaml:"name"`
	Steps     []Step `yaml:"steps"`
	Exclusive bool   `yaml:"exclusive,omitempty"`
}

// Validate reports configuration mistakes.
func (wf Workflow) Validate() error {
	if strings.TrimSpace(wf.Name) == "" {
		return fmt.Errorf("workflow without name")
	}
	if len(wf.Steps) == 0 {
		return fmt.Errorf("workflow %s: no steps", wf.Name)
	}
	for i, s := range wf.Steps {
		if err := s.validate(); err != nil {
			return fmt.Errorf("workflow %s: %s: %w", wf.Name, s.label(i), err)
		}
	}
	return nil
}

// Waiter is the part of wait.Waiter the engine needs.
type Waiter interface {
	WaitFor(ctx context.Context, lookup dom.Lookup, timeout time.Duration) (dom.Element, error)
}

// Engine executes workflows against a document.
type Engine struct {
	doc    dom.Scope
	waiter Waiter
	clock  clockz.Clock
	logger zerolog.Logger

	// used by steps that leave Timeout unset; zero defers to the waiter
	timeout atomic.Int64

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func New(doc dom.Scope, waiter Waiter, clock clockz.Clock, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Engine{
		doc:      doc,
		waiter:   waiter,
		clock:    clock,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// SetDefaultTimeout bounds waits of steps without their own timeout.
func (e *Engine) SetDefaultTimeout(d time.Duration) {
	e.timeout.Store(int64(d))
}

func (e *Engine) timeoutFor(s Step) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return time.Duration(e.timeout.Load())
}

// Running reports whether an exclusive workflow called name is in flight.
func (e *Engine) Running(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.inFlight[name]
	return ok
}

// Run executes wf's steps in order. The first required step whose element
// cannot be found, or whose wait times out, is logged and aborts the rest;
// whatever earlier steps did stays done. No step starts once ctx is done.
func (e *Engine) Run(ctx context.Context, wf Workflow) error {
	if wf.Exclusive {
		if !e.acquire(wf.Name) {
			e.logger.Debug().Str("workflow", wf.Name).Msg("already running, ignored")
			return fmt.Errorf("%s: %w", wf.Name, ErrInFlight)
		}
		defer e.release(wf.Name)
	}

	log := e.logger.With().Str("workflow", wf.Name).Str("run", uuid.NewString()).Logger()
	log.Debug().Int("steps", len(wf.Steps)).Msg("start")

	for i, step := range wf.Steps {
		if err := ctx.Err(); err != nil {
			log.Warn().Str("step", step.label(i)).Msg("canceled before step")
			return fmt.Errorf("%s: %w", wf.Name, dom.ErrCanceled)
		}
		if err := e.runStep(ctx, step); err != nil {
			if step.Optional {
				log.Info().Err(err).Str("step", step.label(i)).Msg("optional step failed, continuing")
				continue
			}
			log.Warn().Err(err).Str("step", step.label(i)).Int("remaining", len(wf.Steps)-i-1).Msg("aborted")
			return fmt.Errorf("%s: %s: %w", wf.Name, step.label(i), err)
		}
		log.Debug().Str("step", step.label(i)).Msg("done")
	}
	log.Info().Msg("completed")
	return nil
}

func (e *Engine) runStep(ctx context.Context, s Step) error {
	if !s.Target.IsZero() {
		el, err := e.locate(ctx, s)
		if err != nil {
			return err
		}
		if err := Perform(el, s.Interaction); err != nil {
			return fmt.Errorf("%s %s: %w", s.Interaction, s.Target.String(), err)
		}
	}
	if !s.WaitFor.IsZero() {
		if _, err := e.waiter.WaitFor(ctx, s.WaitFor, e.timeoutFor(s)); err != nil {
			return err
		}
	}
	if s.Delay > 0 {
		return e.pause(ctx, s.Delay)
	}
	return nil
}

func (e *Engine) locate(ctx context.Context, s Step) (dom.Element, error) {
	if s.Wait {
		return e.waiter.WaitFor(ctx, s.Target, e.timeoutFor(s))
	}
	return s.Target.Find(e.doc)
}

func (e *Engine) pause(ctx context.Context, d time.Duration) error {
	timer := e.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return dom.ErrCanceled
	}
}

func (e *Engine) acquire(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[name]; busy {
		return false
	}
	e.inFlight[name] = struct{}{}
	return true
}

func (e *Engine) release(name string) {
	e.mu.Lock()
	delete(e.inFlight, name)
	e.mu.Unlock()
}
