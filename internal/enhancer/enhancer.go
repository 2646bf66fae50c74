// Package enhancer wires the rule registry, the mutation watcher, the retry
// scheduler and the shortcut dispatcher around one document.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/actions"
	"github.com/polzovatel/tm-enhancer/internal/config"
	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/retry"
	"github.com/polzovatel/tm-enhancer/internal/rules"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
	"github.com/polzovatel/tm-enhancer/internal/snapshot"
	"github.com/polzovatel/tm-enhancer/internal/wait"
	"github.com/polzovatel/tm-enhancer/internal/watch"
	"github.com/polzovatel/tm-enhancer/internal/workflow"
)

// ErrInitialized is returned by a second Init.
var ErrInitialized = errors.New("enhancer already initialized")

// Deps is everything New needs. Platform is the host's own description of
// its platform (navigator.platform, a user agent, runtime.GOOS); the
// configured platform is used when it says nothing useful.
type Deps struct {
	Doc      dom.Document
	Config   *config.Config
	Clock    clockz.Clock
	Logger   zerolog.Logger
	Platform string
}

// RuleResult is how one rule's schedule ended.
type RuleResult struct {
	Rule   string
	Result retry.Result
	Report rules.Report
}

// Enhancer is the explicit context object. All state lives here; nothing is
// global.
type Enhancer struct {
	doc    dom.Document
	logger zerolog.Logger

	registry   *rules.Registry
	applier    *rules.Applier
	scheduler  *retry.Scheduler
	watcher    *watch.Watcher
	engine     *workflow.Engine
	catalog    *actions.Catalog
	escape     *escapeSwitch
	dispatcher *shortcut.Dispatcher
	host       string // host platform hint, kept for Reload

	cfg atomic.Pointer[config.Config]

	mu      sync.Mutex
	ctx     context.Context
	stopSub context.CancelFunc
	sub     *watch.Subscription

	flightMu sync.Mutex
	inFlight map[string]bool // rule name -> requested again while running

	background sync.WaitGroup
}

func New(deps Deps) (*Enhancer, error) {
	if deps.Doc == nil {
		return nil, fmt.Errorf("enhancer: no document")
	}
	cfg := deps.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Default(); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("enhancer: %w", err)
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockz.RealClock
	}
	logger := deps.Logger

	registry, err := rules.NewRegistry(cfg.Rules...)
	if err != nil {
		return nil, err
	}
	waiter := wait.New(deps.Doc, clock, logger.With().Str("comp", "wait").Logger())
	engine := workflow.New(deps.Doc, waiter, clock, logger.With().Str("comp", "workflow").Logger())
	engine.SetDefaultTimeout(cfg.WaitTimeout)
	catalog, err := actions.New(deps.Doc, engine, logger.With().Str("comp", "actions").Logger(), cfg.Actions)
	if err != nil {
		return nil, err
	}

	e := &Enhancer{
		doc:       deps.Doc,
		logger:    logger,
		registry:  registry,
		applier:   rules.NewApplier(logger.With().Str("comp", "apply").Logger()),
		scheduler: retry.New(clock, logger.With().Str("comp", "retry").Logger()),
		watcher:   watch.New(clock, logger.With().Str("comp", "watch").Logger()),
		engine:    engine,
		catalog:   catalog,
		escape:    &escapeSwitch{},
		host:      deps.Platform,
		ctx:       context.Background(),
		inFlight:  make(map[string]bool),
	}
	e.escape.set(shortcut.NewEscapeHandler(deps.Doc, cfg.Escape, logger.With().Str("comp", "escape").Logger()))

	platform := shortcut.DetectPlatform(deps.Platform, cfg.DefaultPlatform())
	e.dispatcher, err = shortcut.NewDispatcher(shortcut.Options{
		Platform: platform,
		Actions:  catalog,
		Escape:   e.escape,
		Logger:   logger.With().Str("comp", "shortcut").Logger(),
	}, cfg.Bindings)
	if err != nil {
		return nil, err
	}
	e.cfg.Store(cfg)
	return e, nil
}

// Init subscribes to document mutations and starts the first reconcile
// pass. Everything Init starts stops when ctx is cancelled.
func (e *Enhancer) Init(ctx context.Context) error {
	e.mu.Lock()
	if e.stopSub != nil {
		e.mu.Unlock()
		return ErrInitialized
	}
	e.ctx = ctx
	e.subscribeLocked(e.cfg.Load())
	e.mu.Unlock()

	e.logger.Info().
		Int("rules", e.registry.Len()).
		Int("bindings", len(e.dispatcher.Bindings())).
		Str("platform", e.dispatcher.Platform().String()).
		Msg("enhancer started")
	e.trigger(ctx)
	return nil
}

func (e *Enhancer) subscribeLocked(cfg *config.Config) {
	if e.stopSub != nil {
		e.stopSub()
	}
	subCtx, cancel := context.WithCancel(e.ctx)
	e.stopSub = cancel
	e.sub = e.watcher.Observe(subCtx, e.doc, cfg.Filter, cfg.Debounce, e.trigger)
}

// Done is closed once the mutation subscription has been released.
func (e *Enhancer) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.sub == nil {
		done := make(chan struct{})
		close(done)
		return done
	}
	return e.sub.Done()
}

// trigger runs a reconcile pass without blocking the caller.
func (e *Enhancer) trigger(ctx context.Context) {
	e.background.Add(1)
	go func() {
		defer e.background.Done()
		e.Reconcile(ctx)
	}()
}

// Reconcile brings every registry rule up to date and waits until each
// schedule it started has ended. A rule whose schedule is still running
// from an earlier pass is not started again; it is re-run once that
// schedule ends instead.
func (e *Enhancer) Reconcile(ctx context.Context) []RuleResult {
	list := e.registry.Rules()
	results := make([]RuleResult, len(list))
	started := make([]bool, len(list))

	var wg sync.WaitGroup
	for i, rule := range list {
		if !e.acquire(rule.Name) {
			continue
		}
		started[i] = true
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				results[i] = e.reconcileRule(ctx, rule)
				if ctx.Err() != nil {
					e.drop(rule.Name)
					return
				}
				if !e.release(rule.Name) {
					return
				}
				// requested again meanwhile; pick up a reloaded definition
				next, ok := e.registry.Get(rule.Name)
				if !ok {
					e.drop(rule.Name)
					return
				}
				rule = next
			}
		}()
	}
	wg.Wait()

	out := make([]RuleResult, 0, len(list))
	for i, r := range results {
		if started[i] {
			out = append(out, r)
		}
	}
	return out
}

func (e *Enhancer) reconcileRule(ctx context.Context, rule rules.Rule) RuleResult {
	var rep rules.Report
	res := e.scheduler.Do(ctx, rule.Name, func(context.Context) error {
		var err error
		rep, err = e.applier.ApplyAll(e.doc, rule)
		return err
	}, e.policyFor(rule))

	switch res.Outcome {
	case retry.Exhausted:
		e.logger.Debug().Str("rule", rule.Name).Int("attempts", res.Attempts).Msg("element not present")
	case retry.Failed:
		e.logger.Warn().Err(res.Err).Str("rule", rule.Name).Msg("rule failed")
	}
	return RuleResult{Rule: rule.Name, Result: res, Report: rep}
}

func (e *Enhancer) policyFor(rule rules.Rule) retry.Policy {
	if rule.Retry != nil {
		return *rule.Retry
	}
	return e.cfg.Load().Retry
}

func (e *Enhancer) acquire(name string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if _, busy := e.inFlight[name]; busy {
		e.inFlight[name] = true
		return false
	}
	e.inFlight[name] = false
	return true
}

// release ends a schedule and reports whether another pass was requested
// meanwhile, in which case the rule stays in flight.
func (e *Enhancer) release(name string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	if e.inFlight[name] {
		e.inFlight[name] = false
		return true
	}
	delete(e.inFlight, name)
	return false
}

func (e *Enhancer) drop(name string) {
	e.flightMu.Lock()
	delete(e.inFlight, name)
	e.flightMu.Unlock()
}

// HandleKey dispatches a keydown from the host and reports whether the
// host must suppress its default handling.
func (e *Enhancer) HandleKey(ev shortcut.KeyEvent) bool {
	e.mu.Lock()
	ctx := e.ctx
	e.mu.Unlock()
	return e.dispatcher.HandleKey(ctx, ev)
}

// Reload validates cfg and swaps rules, actions, bindings and watch
// settings, then reconciles against the new rules.
func (e *Enhancer) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	// Bindings are normalized once for the platform; a switch needs New.
	if p := shortcut.DetectPlatform(e.host, cfg.DefaultPlatform()); p != e.dispatcher.Platform() {
		return fmt.Errorf("platform cannot change on reload (%s -> %s)", e.dispatcher.Platform(), p)
	}
	if err := e.catalog.Replace(cfg.Actions); err != nil {
		return err
	}
	if err := e.dispatcher.Replace(cfg.Bindings); err != nil {
		return err
	}
	if err := e.registry.Replace(cfg.Rules); err != nil {
		return err
	}
	e.engine.SetDefaultTimeout(cfg.WaitTimeout)
	e.escape.set(shortcut.NewEscapeHandler(e.doc, cfg.Escape, e.logger.With().Str("comp", "escape").Logger()))
	prev := e.cfg.Swap(cfg)

	e.mu.Lock()
	running := e.stopSub != nil
	if running && (prev.Filter != cfg.Filter || prev.Debounce != cfg.Debounce) {
		e.subscribeLocked(cfg)
	}
	ctx := e.ctx
	e.mu.Unlock()

	e.logger.Info().Int("rules", e.registry.Len()).Int("actions", len(e.catalog.Describe())).Msg("configuration reloaded")
	if running {
		e.trigger(ctx)
	}
	return nil
}

// Wait blocks until background reconcile passes and dispatched actions
// have returned. Call it once the document is quiet or after the Init
// context ended.
func (e *Enhancer) Wait() {
	e.background.Wait()
	e.dispatcher.Wait()
}

// Registry exposes the live rule set.
func (e *Enhancer) Registry() *rules.Registry { return e.registry }

// Bindings returns the canonical binding table.
func (e *Enhancer) Bindings() []shortcut.Binding { return e.dispatcher.Bindings() }

// Actions lists the action catalog.
func (e *Enhancer) Actions() []actions.Descriptor { return e.catalog.Describe() }

// Platform is the platform key combinations are normalized for.
func (e *Enhancer) Platform() shortcut.Platform { return e.dispatcher.Platform() }

// Config returns the configuration currently in effect.
func (e *Enhancer) Config() *config.Config { return e.cfg.Load() }

// Snapshot summarizes the document against the current rules.
func (e *Enhancer) Snapshot(source string) snapshot.Summary {
	return snapshot.Collect(e.doc, source, e.registry.Rules())
}

// escapeSwitch lets Reload replace the Escape handler the dispatcher holds.
type escapeSwitch struct {
	h atomic.Pointer[shortcut.EscapeHandler]
}

func (s *escapeSwitch) set(h *shortcut.EscapeHandler) { s.h.Store(h) }

func (s *escapeSwitch) HandleEscape(ctx context.Context) (bool, error) {
	h := s.h.Load()
	if h == nil {
		return false, nil
	}
	return h.HandleEscape(ctx)
}
