// Package snapshot summarizes how far the current document is from the
// state the rule registry asks for.
package snapshot

import (
	"errors"
	"fmt"
	"strings"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/rules"
)

// RuleState describes one rule against the current document.
type RuleState struct {
	Name      string `json:"name"`
	Lookup    string `json:"lookup"`
	Matched   int    `json:"matched"`
	Satisfied int    `json:"satisfied"`
	Conflicts int    `json:"conflicts"`
	Err       string `json:"error,omitempty"`
}

// Done reports whether every targeted element already has the patch.
func (s RuleState) Done() bool {
	return s.Matched > 0 && s.Satisfied == s.Matched
}

// Summary is a compact view of the document.
type Summary struct {
	Source string
	Rules  []RuleState
}

// ToMap returns summary as a JSON-friendly map.
func (s Summary) ToMap() map[string]any {
	return map[string]any{
		"source": s.Source,
		"rules":  s.Rules,
	}
}

// Pending lists rules that are missing their element or not yet applied.
func (s Summary) Pending() []string {
	var out []string
	for _, r := range s.Rules {
		if !r.Done() {
			out = append(out, r.Name)
		}
	}
	return out
}

// Collect evaluates every rule's lookup and predicate without mutating
// anything.
func Collect(scope dom.Scope, source string, list []rules.Rule) Summary {
	sum := Summary{Source: source, Rules: make([]RuleState, 0, len(list))}
	for _, rule := range list {
		sum.Rules = append(sum.Rules, inspect(scope, rule))
	}
	return sum
}

func inspect(scope dom.Scope, rule rules.Rule) RuleState {
	st := RuleState{Name: rule.Name, Lookup: rule.Lookup.String()}
	var (
		targets []dom.Element
		err     error
	)
	if rule.All {
		targets, err = rule.Lookup.FindAll(scope)
	} else {
		var el dom.Element
		if el, err = rule.Lookup.Find(scope); err == nil {
			targets = []dom.Element{el}
		}
	}
	if err != nil {
		if !errors.Is(err, dom.ErrNotFound) {
			st.Err = err.Error()
		}
		return st
	}
	st.Matched = len(targets)
	for _, el := range targets {
		ok, err := rule.Patch.Satisfied(el)
		switch {
		case err != nil:
			st.Conflicts++
		case ok:
			st.Satisfied++
		}
	}
	return st
}

func (s Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "SOURCE: %s\nRULES:\n", s.Source)
	for i, r := range s.Rules {
		fmt.Fprintf(&b, "%d) %s matched=%d satisfied=%d", i+1, r.Name, r.Matched, r.Satisfied)
		if r.Conflicts > 0 {
			fmt.Fprintf(&b, " conflicts=%d", r.Conflicts)
		}
		if r.Err != "" {
			fmt.Fprintf(&b, " error=%s", r.Err)
		}
		fmt.Fprintf(&b, " lookup=%s\n", r.Lookup)
	}
	return b.String()
}
