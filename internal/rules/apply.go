package rules

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// Outcome is what Apply did to one element.
type Outcome int

const (
	Applied Outcome = iota
	AlreadyApplied
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case AlreadyApplied:
		return "already applied"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Report aggregates the outcomes of one ApplyAll pass.
type Report struct {
	Matched int
	Applied int
	Already int
	Skipped int
}

// Applier reconciles elements against rules.
type Applier struct {
	logger zerolog.Logger
}

func NewApplier(logger zerolog.Logger) *Applier {
	return &Applier{logger: logger}
}

// Apply mutates el only when the rule predicate does not hold yet. An
// element whose state cannot be evaluated is left untouched and reported as
// Skipped together with the dom.ErrConflict explaining why; Skipped is
// never escalated further.
func (a *Applier) Apply(el dom.Element, rule Rule) (Outcome, error) {
	ok, err := rule.Patch.Satisfied(el)
	if err != nil {
		if !errors.Is(err, dom.ErrConflict) {
			err = fmt.Errorf("%v: %w", err, dom.ErrConflict)
		}
		a.logger.Debug().Err(err).Str("rule", rule.Name).Msg("skipped")
		return Skipped, err
	}
	if ok {
		return AlreadyApplied, nil
	}
	if err := rule.Patch.Mutate(el); err != nil {
		return Skipped, fmt.Errorf("rule %s: %w", rule.Name, err)
	}
	a.logger.Info().Str("rule", rule.Name).Str("patch", rule.Patch.String()).Msg("applied")
	return Applied, nil
}

// ApplyAll resolves the rule's lookup in scope and applies it to the first
// match, or to every match when rule.All is set. It returns dom.ErrNotFound
// when nothing matches so the caller can retry.
func (a *Applier) ApplyAll(scope dom.Scope, rule Rule) (Report, error) {
	var (
		targets []dom.Element
		err     error
	)
	if rule.All {
		targets, err = rule.Lookup.FindAll(scope)
	} else {
		var el dom.Element
		el, err = rule.Lookup.Find(scope)
		if err == nil {
			targets = []dom.Element{el}
		}
	}
	if err != nil {
		return Report{}, err
	}

	rep := Report{Matched: len(targets)}
	var firstErr error
	for _, el := range targets {
		outcome, err := a.Apply(el, rule)
		switch outcome {
		case Applied:
			rep.Applied++
		case AlreadyApplied:
			rep.Already++
		case Skipped:
			rep.Skipped++
			if err != nil && !errors.Is(err, dom.ErrConflict) && firstErr == nil {
				firstErr = err
			}
		}
	}
	return rep, firstErr
}
