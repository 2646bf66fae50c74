package shortcut

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Action is what a binding runs.
type Action interface {
	Run(ctx context.Context) error
}

// ActionFunc adapts a function to Action.
type ActionFunc func(ctx context.Context) error

func (f ActionFunc) Run(ctx context.Context) error { return f(ctx) }

// Resolver looks up actions by the name a binding references.
type Resolver interface {
	Resolve(name string) (Action, bool)
}

// Escaper decides whether Escape is consumed.
type Escaper interface {
	HandleEscape(ctx context.Context) (bool, error)
}

// Binding maps a canonical combination to an action name.
type Binding struct {
	Combo  string `yaml:"combo"`
	Action string `yaml:"action"`
}

// HandlerFault wraps an action that failed or panicked during dispatch.
type HandlerFault struct {
	Action string
	Panic  any
	Err    error
}

func (f *HandlerFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("action %s panicked: %v", f.Action, f.Panic)
	}
	return fmt.Sprintf("action %s: %v", f.Action, f.Err)
}

func (f *HandlerFault) Unwrap() error { return f.Err }

// Dispatcher matches key events against the binding table.
type Dispatcher struct {
	platform Platform
	actions  Resolver
	escape   Escaper
	logger   zerolog.Logger

	mu    sync.RWMutex
	table map[string]string

	running sync.WaitGroup
}

// Options configures a Dispatcher. Escape may be nil, in which case Escape
// is matched like any other key.
type Options struct {
	Platform Platform
	Actions  Resolver
	Escape   Escaper
	Logger   zerolog.Logger
}

func NewDispatcher(opts Options, bindings []Binding) (*Dispatcher, error) {
	d := &Dispatcher{
		platform: opts.Platform,
		actions:  opts.Actions,
		escape:   opts.Escape,
		logger:   opts.Logger,
	}
	if err := d.Replace(bindings); err != nil {
		return nil, err
	}
	return d, nil
}

// Compile canonicalizes bindings into a lookup table, rejecting
// combinations that collide after normalization.
func Compile(bindings []Binding) (map[string]string, error) {
	table := make(map[string]string, len(bindings))
	for _, b := range bindings {
		c, err := ParseCombo(b.Combo)
		if err != nil {
			return nil, err
		}
		if b.Action == "" {
			return nil, fmt.Errorf("binding %s: empty action", b.Combo)
		}
		key := c.String()
		if prev, dup := table[key]; dup {
			return nil, fmt.Errorf("binding %s: %s already bound to %s", b.Combo, key, prev)
		}
		table[key] = b.Action
	}
	return table, nil
}

// Replace installs a new binding table.
func (d *Dispatcher) Replace(bindings []Binding) error {
	table, err := Compile(bindings)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.table = table
	d.mu.Unlock()
	return nil
}

// Platform returns the platform detected at construction.
func (d *Dispatcher) Platform() Platform { return d.platform }

// Bindings returns the canonical table sorted by combination.
func (d *Dispatcher) Bindings() []Binding {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]Binding, 0, len(d.table))
	for combo, action := range d.table {
		out = append(out, Binding{Combo: combo, Action: action})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Combo < out[j].Combo })
	return out
}

// HandleKey dispatches ev and reports whether it was consumed, in which
// case the host must suppress the default handling. Bound actions run in
// their own goroutine; failures are logged, never returned.
func (d *Dispatcher) HandleKey(ctx context.Context, ev KeyEvent) bool {
	combo := Normalize(ev, d.platform)
	if combo.Key == "escape" && d.escape != nil {
		return d.handleEscape(ctx)
	}

	key := combo.String()
	d.mu.RLock()
	name, ok := d.table[key]
	d.mu.RUnlock()
	if !ok {
		return false
	}

	var action Action
	if d.actions != nil {
		action, ok = d.actions.Resolve(name)
	}
	if !ok || action == nil {
		d.logger.Warn().Str("combo", key).Str("action", name).Msg("no handler for binding")
		return true
	}

	d.logger.Debug().Str("combo", key).Str("action", name).Msg("dispatch")
	d.running.Add(1)
	go func() {
		defer d.running.Done()
		if fault := run(ctx, name, action); fault != nil {
			d.logger.Error().Err(fault).Str("combo", key).Msg("action failed")
		}
	}()
	return true
}

func (d *Dispatcher) handleEscape(ctx context.Context) (consumed bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Err(&HandlerFault{Action: "escape", Panic: r}).Msg("escape failed")
			consumed = false
		}
	}()
	var err error
	consumed, err = d.escape.HandleEscape(ctx)
	if err != nil {
		d.logger.Error().Err(&HandlerFault{Action: "escape", Err: err}).Msg("escape failed")
		return false
	}
	return consumed
}

// Wait blocks until every dispatched action has returned.
func (d *Dispatcher) Wait() {
	d.running.Wait()
}

func run(ctx context.Context, name string, action Action) (fault *HandlerFault) {
	defer func() {
		if r := recover(); r != nil {
			fault = &HandlerFault{Action: name, Panic: r}
		}
	}()
	if err := action.Run(ctx); err != nil {
		return &HandlerFault{Action: name, Err: err}
	}
	return nil
}
