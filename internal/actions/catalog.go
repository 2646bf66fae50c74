// Package actions holds the named actions key bindings refer to.
package actions

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
	"github.com/polzovatel/tm-enhancer/internal/workflow"
)

// Descriptor describes one action: a single interaction on Target, or a
// workflow when Steps is set.
type Descriptor struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Interaction workflow.Interaction `yaml:"interaction,omitempty"`
	Target      dom.Lookup           `yaml:"target,omitempty"`
	Steps       []workflow.Step      `yaml:"steps,omitempty"`
	Exclusive   bool                 `yaml:"exclusive,omitempty"`
}

// IsWorkflow reports whether d runs through the workflow engine.
func (d Descriptor) IsWorkflow() bool { return len(d.Steps) > 0 }

// Workflow converts a multi-step descriptor.
func (d Descriptor) Workflow() workflow.Workflow {
	return workflow.Workflow{Name: d.Name, Steps: d.Steps, Exclusive: d.Exclusive}
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("action without name")
	}
	if d.IsWorkflow() {
		if !d.Target.IsZero() || d.Interaction != workflow.None {
			return fmt.Errorf("action %s: steps and a single interaction are exclusive", d.Name)
		}
		return d.Workflow().Validate()
	}
	if d.Exclusive {
		return fmt.Errorf("action %s: exclusive needs steps", d.Name)
	}
	if d.Target.IsZero() {
		return fmt.Errorf("action %s: no target", d.Name)
	}
	if d.Interaction == workflow.None || !d.Interaction.Valid() {
		return fmt.Errorf("action %s: bad interaction %q", d.Name, d.Interaction)
	}
	return nil
}

// Runner executes workflows.
type Runner interface {
	Run(ctx context.Context, wf workflow.Workflow) error
}

// Catalog resolves action names for the shortcut dispatcher.
type Catalog struct {
	doc    dom.Scope
	runner Runner
	logger zerolog.Logger

	mu      sync.RWMutex
	entries map[string]Descriptor
}

func New(doc dom.Scope, runner Runner, logger zerolog.Logger, descs []Descriptor) (*Catalog, error) {
	c := &Catalog{doc: doc, runner: runner, logger: logger}
	if err := c.Replace(descs); err != nil {
		return nil, err
	}
	return c, nil
}

// Replace validates and installs a new set of descriptors.
func (c *Catalog) Replace(descs []Descriptor) error {
	entries := make(map[string]Descriptor, len(descs))
	for _, d := range descs {
		d = normalize(d)
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := entries[d.Name]; dup {
			return fmt.Errorf("duplicate action %s", d.Name)
		}
		entries[d.Name] = d
	}
	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()
	return nil
}

// Describe lists the descriptors sorted by name.
func (c *Catalog) Describe() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, 0, len(c.entries))
	for _, d := range c.entries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Has reports whether name is defined.
func (c *Catalog) Has(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[name]
	return ok
}

// Resolve implements shortcut.Resolver.
func (c *Catalog) Resolve(name string) (shortcut.Action, bool) {
	c.mu.RLock()
	d, ok := c.entries[name]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return shortcut.ActionFunc(func(ctx context.Context) error {
		return c.invoke(ctx, d)
	}), true
}

// Invoke runs the action called name.
func (c *Catalog) Invoke(ctx context.Context, name string) error {
	a, ok := c.Resolve(name)
	if !ok {
		return fmt.Errorf("unknown action %s", name)
	}
	return a.Run(ctx)
}

func (c *Catalog) invoke(ctx context.Context, d Descriptor) error {
	if d.IsWorkflow() {
		return c.runner.Run(ctx, d.Workflow())
	}
	el, err := d.Target.Find(c.doc)
	if err != nil {
		c.logger.Warn().Str("action", d.Name).Str("lookup", d.Target.String()).Msg("target not found")
		return fmt.Errorf("action %s: %w", d.Name, err)
	}
	if err := workflow.Perform(el, d.Interaction); err != nil {
		return fmt.Errorf("action %s: %w", d.Name, err)
	}
	c.logger.Info().Str("action", d.Name).Msg(string(d.Interaction))
	return nil
}

func normalize(d Descriptor) Descriptor {
	d.Name = strings.TrimSpace(d.Name)
	d.Target = NormalizeLookup(d.Target)
	if len(d.Steps) > 0 {
		steps := make([]workflow.Step, len(d.Steps))
		for i, s := range d.Steps {
			s.Target = NormalizeLookup(s.Target)
			s.WaitFor = NormalizeLookup(s.WaitFor)
			steps[i] = s
		}
		d.Steps = steps
	}
	return d
}

// NormalizeLookup cleans every selector a lookup carries, including nested
// text sources.
func NormalizeLookup(l dom.Lookup) dom.Lookup {
	l.Selector = sanitizeSelector(l.Selector)
	l.Within = sanitizeSelector(l.Within)
	l.TextSelector = sanitizeSelector(l.TextSelector)
	l.Pick = sanitizeSelector(l.Pick)
	if len(l.Fallbacks) > 0 {
		fb := make([]string, 0, len(l.Fallbacks))
		for _, f := range l.Fallbacks {
			if f = sanitizeSelector(f); f != "" {
				fb = append(fb, f)
			}
		}
		l.Fallbacks = fb
	}
	if l.TextFrom != nil {
		src := NormalizeLookup(*l.TextFrom)
		l.TextFrom = &src
	}
	return l
}

// sanitizeSelector collapses the whitespace YAML block scalars leave in
// long selectors.
func sanitizeSelector(sel string) string {
	if sel == "" {
		return ""
	}
	sel = strings.ReplaceAll(sel, "\n", " ")
	sel = strings.ReplaceAll(sel, "\r", " ")
	sel = strings.ReplaceAll(sel, "\t", " ")
	return strings.Join(strings.Fields(sel), " ")
}
