// Package rules holds the selector/rule registry and the idempotent patch
// applier that reconciles a matched element against its rule.
package rules

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/retry"
)

// Patch is the desired state of an element. Require names attributes that
// must exist before the element's state is considered readable.
type Patch struct {
	SetAttrs      map[string]string `yaml:"set_attrs,omitempty"`
	AddClasses    []string          `yaml:"add_classes,omitempty"`
	RemoveClasses []string          `yaml:"remove_classes,omitempty"`
	Styles        map[string]string `yaml:"styles,omitempty"`
	Require       []string          `yaml:"require,omitempty"`
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return len(p.SetAttrs) == 0 && len(p.AddClasses) == 0 && len(p.RemoveClasses) == 0 && len(p.Styles) == 0
}

// Satisfied is the rule predicate: true when el already has the desired
// state. A missing required attribute yields dom.ErrConflict.
func (p Patch) Satisfied(el dom.Element) (bool, error) {
	for _, name := range p.Require {
		_, ok, err := el.Attr(name)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", name, dom.ErrConflict)
		}
		if !ok {
			return false, fmt.Errorf("attribute %s absent: %w", name, dom.ErrConflict)
		}
	}
	for _, name := range sortedKeys(p.SetAttrs) {
		v, ok, err := el.Attr(name)
		if err != nil {
			return false, fmt.Errorf("read %s: %w", name, dom.ErrConflict)
		}
		if !ok || v != p.SetAttrs[name] {
			return false, nil
		}
	}
	if len(p.AddClasses) > 0 || len(p.RemoveClasses) > 0 {
		classes, err := el.Classes()
		if err != nil {
			return false, fmt.Errorf("read class: %w", dom.ErrConflict)
		}
		have := make(map[string]struct{}, len(classes))
		for _, c := range classes {
			have[c] = struct{}{}
		}
		for _, c := range p.AddClasses {
			if _, ok := have[c]; !ok {
				return false, nil
			}
		}
		for _, c := range p.RemoveClasses {
			if _, ok := have[c]; ok {
				return false, nil
			}
		}
	}
	for _, prop := range sortedKeys(p.Styles) {
		v, err := el.Style(prop)
		if err != nil {
			return false, fmt.Errorf("read style %s: %w", prop, dom.ErrConflict)
		}
		if v != p.Styles[prop] {
			return false, nil
		}
	}
	return true, nil
}

// Mutate writes only the parts of the patch el does not satisfy yet.
func (p Patch) Mutate(el dom.Element) error {
	for _, name := range sortedKeys(p.SetAttrs) {
		v, ok, err := el.Attr(name)
		if err != nil {
			return err
		}
		if ok && v == p.SetAttrs[name] {
			continue
		}
		if err := el.SetAttr(name, p.SetAttrs[name]); err != nil {
			return fmt.Errorf("set %s: %w", name, err)
		}
	}
	if len(p.RemoveClasses) > 0 {
		if err := el.RemoveClass(p.RemoveClasses...); err != nil {
			return fmt.Errorf("remove class: %w", err)
		}
	}
	if len(p.AddClasses) > 0 {
		if err := el.AddClass(p.AddClasses...); err != nil {
			return fmt.Errorf("add class: %w", err)
		}
	}
	for _, prop := range sortedKeys(p.Styles) {
		v, err := el.Style(prop)
		if err != nil {
			return err
		}
		if v == p.Styles[prop] {
			continue
		}
		if err := el.SetStyle(prop, p.Styles[prop]); err != nil {
			return fmt.Errorf("set style %s: %w", prop, err)
		}
	}
	return nil
}

func (p Patch) String() string {
	var parts []string
	for _, k := range sortedKeys(p.SetAttrs) {
		parts = append(parts, fmt.Sprintf("@%s=%s", k, p.SetAttrs[k]))
	}
	for _, c := range p.RemoveClasses {
		parts = append(parts, "-."+c)
	}
	for _, c := range p.AddClasses {
		parts = append(parts, "+."+c)
	}
	for _, k := range sortedKeys(p.Styles) {
		parts = append(parts, fmt.Sprintf("%s:%s", k, p.Styles[k]))
	}
	return strings.Join(parts, " ")
}

// Rule binds a logical target to its lookup and desired patch. All applies
// the patch to every match instead of the first one. Retry overrides the
// registry-wide policy for this rule.
type Rule struct {
	Name   string        `yaml:"name"`
	Lookup dom.Lookup    `yaml:"lookup"`
	Patch  Patch         `yaml:"patch"`
	All    bool          `yaml:"all,omitempty"`
	Retry  *retry.Policy `yaml:"retry,omitempty"`
}

// Validate reports configuration mistakes.
func (r Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("rule without name")
	}
	if r.Lookup.IsZero() {
		return fmt.Errorf("rule %s: empty lookup", r.Name)
	}
	if r.Patch.IsZero() {
		return fmt.Errorf("rule %s: empty patch", r.Name)
	}
	if r.Retry != nil && r.Retry.MaxAttempts < 1 {
		return fmt.Errorf("rule %s: retry.max_attempts must be positive", r.Name)
	}
	if err := r.Patch.validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return nil
}

// validate rejects patches that can never be satisfied: every Mutate would
// write again and the rule would not converge.
func (p Patch) validate() error {
	for name := range p.SetAttrs {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "":
			return fmt.Errorf("set_attrs with empty name")
		case "class":
			return fmt.Errorf("set_attrs cannot write class; use add_classes/remove_classes")
		case "style":
			return fmt.Errorf("set_attrs cannot write style; use styles")
		}
	}
	removed := make(map[string]struct{}, len(p.RemoveClasses))
	for _, c := range p.RemoveClasses {
		if c == "" || strings.ContainsAny(c, " \t\n") {
			return fmt.Errorf("remove_classes: invalid class %q", c)
		}
		removed[c] = struct{}{}
	}
	for _, c := range p.AddClasses {
		if c == "" || strings.ContainsAny(c, " \t\n") {
			return fmt.Errorf("add_classes: invalid class %q", c)
		}
		if _, ok := removed[c]; ok {
			return fmt.Errorf("class %s both added and removed", c)
		}
	}
	seen := make(map[string]string, len(p.Styles))
	for prop := range p.Styles {
		key := strings.ToLower(strings.TrimSpace(prop))
		if key == "" {
			return fmt.Errorf("styles with empty property")
		}
		if other, ok := seen[key]; ok {
			return fmt.Errorf("style %s given twice (%s)", prop, other)
		}
		seen[key] = prop
	}
	return nil
}

// Registry is the ordered set of rules the enhancer keeps applied. It is
// safe for concurrent use; Replace swaps the whole set at once.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
}

func NewRegistry(rules ...Rule) (*Registry, error) {
	r := &Registry{}
	if err := r.Replace(rules); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace validates and installs a new rule set.
func (r *Registry) Replace(rules []Rule) error {
	seen := make(map[string]struct{}, len(rules))
	for _, rule := range rules {
		if err := rule.Validate(); err != nil {
			return err
		}
		if _, dup := seen[rule.Name]; dup {
			return fmt.Errorf("duplicate rule %s", rule.Name)
		}
		seen[rule.Name] = struct{}{}
	}
	cp := append([]Rule(nil), rules...)
	r.mu.Lock()
	r.rules = cp
	r.mu.Unlock()
	return nil
}

// Rules returns a copy of the current rules in registration order.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Rule(nil), r.rules...)
}

// Get returns the rule called name.
func (r *Registry) Get(name string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if rule.Name == name {
			return rule, true
		}
	}
	return Rule{}, false
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
