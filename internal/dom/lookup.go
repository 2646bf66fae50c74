package dom

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
)

// Lookup is a declarative query for one element (or all of them). Selector
// and Fallbacks are tried in order and the first selector yielding a match
// after filtering wins.
type Lookup struct {
	Selector     string   `yaml:"selector"`
	Fallbacks    []string `yaml:"fallbacks,omitempty"`
	Within       string   `yaml:"within,omitempty"`
	Text         string   `yaml:"text,omitempty"`
	TextContains string   `yaml:"text_contains,omitempty"`
	IgnoreCase   bool     `yaml:"ignore_case,omitempty"`
	TextSelector string   `yaml:"text_selector,omitempty"`
	TextFrom     *Lookup  `yaml:"text_from,omitempty"`
	ExcludeClass string   `yaml:"exclude_class,omitempty"`
	Visible      bool     `yaml:"visible,omitempty"`
	Last         bool     `yaml:"last,omitempty"`
	Pick         string   `yaml:"pick,omitempty"`
}

// IsZero reports whether the lookup names nothing.
func (l Lookup) IsZero() bool {
	return strings.TrimSpace(l.Selector) == "" && len(l.Fallbacks) == 0
}

func (l Lookup) String() string {
	var b strings.Builder
	b.WriteString(l.Selector)
	for _, f := range l.Fallbacks {
		b.WriteString(" | ")
		b.WriteString(f)
	}
	if l.Within != "" {
		fmt.Fprintf(&b, " within %s", l.Within)
	}
	if l.Text != "" {
		fmt.Fprintf(&b, " text=%q", l.Text)
	}
	if l.TextContains != "" {
		fmt.Fprintf(&b, " text~=%q", l.TextContains)
	}
	if l.TextFrom != nil {
		fmt.Fprintf(&b, " text=(%s)", l.TextFrom.String())
	}
	if l.Last {
		b.WriteString(" last")
	}
	if l.Pick != "" {
		fmt.Fprintf(&b, " > %s", l.Pick)
	}
	return b.String()
}

// Find resolves the lookup to a single element or ErrNotFound.
func (l Lookup) Find(scope Scope) (Element, error) {
	all, err := l.FindAll(scope)
	if err != nil {
		return nil, err
	}
	if l.Last {
		return all[len(all)-1], nil
	}
	return all[0], nil
}

// FindAll resolves every element the lookup matches, in document order.
// An empty result is reported as ErrNotFound.
func (l Lookup) FindAll(scope Scope) ([]Element, error) {
	if l.IsZero() {
		return nil, fmt.Errorf("empty lookup: %w", ErrNotFound)
	}
	root := scope
	if l.Within != "" {
		containers, err := scope.QueryAll(l.Within)
		if err != nil {
			return nil, err
		}
		if len(containers) == 0 {
			return nil, fmt.Errorf("%s: container %s: %w", l.Selector, l.Within, ErrNotFound)
		}
		root = containers[0]
	}

	want := l.Text
	if l.TextFrom != nil {
		src, err := l.TextFrom.Find(scope)
		if err != nil {
			return nil, fmt.Errorf("%s: text source: %w", l.Selector, err)
		}
		text, err := src.Text()
		if err != nil {
			return nil, err
		}
		want = strings.TrimSpace(text)
		if want == "" {
			return nil, fmt.Errorf("%s: text source is empty: %w", l.Selector, ErrNotFound)
		}
	}

	selectors := make([]string, 0, 1+len(l.Fallbacks))
	if s := strings.TrimSpace(l.Selector); s != "" {
		selectors = append(selectors, s)
	}
	selectors = append(selectors, l.Fallbacks...)

	for _, sel := range selectors {
		candidates, err := root.QueryAll(sel)
		if err != nil {
			return nil, fmt.Errorf("query %s: %w", sel, err)
		}
		matched, err := l.filter(candidates, want)
		if err != nil {
			return nil, err
		}
		if len(matched) == 0 {
			continue
		}
		if l.Pick == "" {
			return matched, nil
		}
		picked := make([]Element, 0, len(matched))
		for _, el := range matched {
			inner, err := el.QueryAll(l.Pick)
			if err != nil {
				return nil, fmt.Errorf("query %s: %w", l.Pick, err)
			}
			if len(inner) > 0 {
				picked = append(picked, inner[0])
			}
		}
		if len(picked) > 0 {
			return picked, nil
		}
	}
	return nil, fmt.Errorf("%s: %w", l.String(), ErrNotFound)
}

func (l Lookup) filter(candidates []Element, want string) ([]Element, error) {
	out := candidates[:0:0]
	for _, el := range candidates {
		ok, err := l.accepts(el, want)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, el)
		}
	}
	return out, nil
}

func (l Lookup) accepts(el Element, want string) (bool, error) {
	if l.ExcludeClass != "" {
		has, err := HasClass(el, l.ExcludeClass)
		if err != nil {
			return false, err
		}
		if has {
			return false, nil
		}
	}
	if want != "" || l.TextContains != "" {
		text, err := l.textOf(el)
		if err != nil {
			return false, err
		}
		if want != "" && !l.equal(text, want) {
			return false, nil
		}
		if l.TextContains != "" && !l.contains(text, l.TextContains) {
			return false, nil
		}
	}
	if l.Visible {
		vis, err := el.Visible()
		if err != nil {
			return false, err
		}
		if !vis {
			return false, nil
		}
	}
	return true, nil
}

func (l Lookup) textOf(el Element) (string, error) {
	target := el
	if l.TextSelector != "" {
		inner, err := el.QueryAll(l.TextSelector)
		if err != nil {
			return "", err
		}
		if len(inner) == 0 {
			return "", nil
		}
		target = inner[0]
	}
	text, err := target.Text()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (l Lookup) equal(have, want string) bool {
	if !l.IgnoreCase {
		return have == want
	}
	return cases.Fold().String(have) == cases.Fold().String(want)
}

func (l Lookup) contains(have, sub string) bool {
	if !l.IgnoreCase {
		return strings.Contains(have, sub)
	}
	return strings.Contains(cases.Fold().String(have), cases.Fold().String(sub))
}
