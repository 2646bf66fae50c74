package browser

import (
	_ "embed"
	"fmt"
	"strings"
	"unicode"

	"github.com/playwright-community/playwright-go"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
)

//go:embed runtime.js
var runtimeJS string

const (
	mutationBinding = "__tmEnhancerMutations"
	keyBinding      = "__tmEnhancerKey"
)

// KeyHandler receives forwarded keydowns. Its result is informational: the
// page has already suppressed the default for bound combinations and for an
// Escape that will click a stop or cancel button.
type KeyHandler func(ev shortcut.KeyEvent) bool

// BridgeOptions configures what the page forwards.
type BridgeOptions struct {
	// Attributes also forwards attribute mutations.
	Attributes bool
	OnKey      KeyHandler
	Logger     zerolog.Logger
}

// Bridge connects a page's mutations and keydowns to a Document.
type Bridge struct {
	page     playwright.Page
	doc      *Document
	opts     BridgeOptions
	platform shortcut.Platform
	table    string
	escape   string
}

// Install exposes the callbacks, registers the runtime for every future
// document and injects it into the current one.
func Install(page playwright.Page, doc *Document, opts BridgeOptions) (*Bridge, error) {
	b := &Bridge{page: page, doc: doc, opts: opts, table: "{}", escape: "{}"}
	if err := page.ExposeFunction(mutationBinding, b.onMutations); err != nil {
		return nil, wrap(err)
	}
	if err := page.ExposeFunction(keyBinding, b.onKey); err != nil {
		return nil, wrap(err)
	}
	script := runtimeJS
	if opts.Attributes {
		script = "window.__tmEnhancerAttributes = true;\n" + script
	}
	if err := page.AddInitScript(playwright.Script{Content: playwright.String(script)}); err != nil {
		return nil, wrap(err)
	}
	if _, err := page.Evaluate(script); err != nil {
		return nil, wrap(err)
	}
	page.OnDOMContentLoaded(func(playwright.Page) {
		go func() {
			if err := b.push(); err != nil {
				b.opts.Logger.Warn().Err(err).Msg("restore bindings after navigation")
			}
		}()
	})
	return b, nil
}

// Platform asks the page which platform it runs on.
func (b *Bridge) Platform() (string, error) {
	val, err := b.page.Evaluate(`() => window.__tmEnhancer ? window.__tmEnhancer.platform() : navigator.platform`)
	if err != nil {
		return "", wrap(err)
	}
	s, _ := val.(string)
	return s, nil
}

// SetBindings tells the page which physical key combinations to suppress.
func (b *Bridge) SetBindings(bindings []shortcut.Binding, p shortcut.Platform) error {
	table, err := physicalTable(bindings, p)
	if err != nil {
		return err
	}
	b.platform = p
	b.table = table
	return b.push()
}

// SetEscape gives the page the Escape lookups so it can suppress the
// default synchronously when a stop or cancel button will be clicked.
func (b *Bridge) SetEscape(cfg shortcut.EscapeConfig) error {
	state, err := escapeState(cfg)
	if err != nil {
		return err
	}
	b.escape = state
	return b.push()
}

func (b *Bridge) push() error {
	_, err := b.page.Evaluate(`(s) => {
		if (!window.__tmEnhancer) return;
		window.__tmEnhancer.bound = JSON.parse(s.bound);
		window.__tmEnhancer.escape = JSON.parse(s.escape);
	}`, map[string]string{"bound": b.table, "escape": b.escape})
	return wrap(err)
}

func (b *Bridge) onMutations(args ...interface{}) interface{} {
	payload, ok := firstString(args)
	if !ok {
		return nil
	}
	b.doc.notify(parseMutations(payload))
	return nil
}

func (b *Bridge) onKey(args ...interface{}) interface{} {
	payload, ok := firstString(args)
	if !ok || b.opts.OnKey == nil {
		return nil
	}
	ev, err := parseKey(payload)
	if err != nil {
		b.opts.Logger.Warn().Err(err).Msg("bad key payload")
		return nil
	}
	// handlers talk to the page again; never block the binding call
	go b.opts.OnKey(ev)
	return nil
}

func firstString(args []interface{}) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	s, ok := args[0].(string)
	return s, ok
}

func parseMutations(payload string) []dom.Mutation {
	records := gjson.Parse(payload).Array()
	out := make([]dom.Mutation, 0, len(records))
	for _, r := range records {
		m := dom.Mutation{Direct: r.Get("direct").Bool(), Attribute: r.Get("attr").String()}
		switch r.Get("type").String() {
		case "childList":
			m.Kind = dom.ChildList
		case "attributes":
			m.Kind = dom.Attributes
		default:
			continue
		}
		out = append(out, m)
	}
	return out
}

func parseKey(payload string) (shortcut.KeyEvent, error) {
	if !gjson.Valid(payload) {
		return shortcut.KeyEvent{}, fmt.Errorf("invalid key payload")
	}
	r := gjson.Parse(payload)
	ev := shortcut.KeyEvent{
		Key:   r.Get("key").String(),
		Alt:   r.Get("altKey").Bool(),
		Ctrl:  r.Get("ctrlKey").Bool(),
		Meta:  r.Get("metaKey").Bool(),
		Shift: r.Get("shiftKey").Bool(),
	}
	if ev.Key == "" {
		return shortcut.KeyEvent{}, fmt.Errorf("key payload without key")
	}
	return ev, nil
}

// physical renders a canonical combination the way the page runtime spells
// raw keydowns: alt, ctrl, meta, shift, key.
func physical(c shortcut.Combo, p shortcut.Platform) string {
	meta, ctrl := c.Primary, c.Secondary
	if p != shortcut.PlatformMac {
		meta, ctrl = c.Secondary, c.Primary
	}
	var b strings.Builder
	if c.Alt {
		b.WriteString("alt+")
	}
	if ctrl {
		b.WriteString("ctrl+")
	}
	if meta {
		b.WriteString("meta+")
	}
	if c.Shift {
		b.WriteString("shift+")
	}
	b.WriteString(c.Key)
	return b.String()
}

func physicalTable(bindings []shortcut.Binding, p shortcut.Platform) (string, error) {
	table := "{}"
	for _, bnd := range bindings {
		c, err := shortcut.ParseCombo(bnd.Combo)
		if err != nil {
			return "", err
		}
		table, err = sjson.Set(table, escapeKey(physical(c, p)), true)
		if err != nil {
			return "", fmt.Errorf("binding %s: %w", bnd.Combo, err)
		}
	}
	return table, nil
}

// escapeKey makes a combo usable as a single sjson path component.
func escapeKey(k string) string {
	var b strings.Builder
	for _, r := range k {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// escapeState renders the Escape lookups for the page runtime. Blockers
// only count when rendered, as in shortcut.NewEscapeHandler.
func escapeState(cfg shortcut.EscapeConfig) (string, error) {
	cfg.Modal.Visible = true
	cfg.Panel.Visible = true
	state := "{}"
	for _, part := range []struct {
		name string
		l    dom.Lookup
	}{{"modal", cfg.Modal}, {"panel", cfg.Panel}, {"stop", cfg.Stop}, {"cancel", cfg.Cancel}} {
		if part.l.IsZero() {
			continue
		}
		raw, err := lookupJSON(part.l)
		if err != nil {
			return "", fmt.Errorf("escape %s: %w", part.name, err)
		}
		if state, err = sjson.SetRaw(state, part.name, raw); err != nil {
			return "", fmt.Errorf("escape %s: %w", part.name, err)
		}
	}
	return state, nil
}

func lookupJSON(l dom.Lookup) (string, error) {
	out := "{}"
	var err error
	set := func(path string, v interface{}) {
		if err == nil {
			out, err = sjson.Set(out, path, v)
		}
	}
	set("selector", strings.TrimSpace(l.Selector))
	if len(l.Fallbacks) > 0 {
		set("fallbacks", l.Fallbacks)
	}
	for path, v := range map[string]string{
		"within":        l.Within,
		"text":          l.Text,
		"text_contains": l.TextContains,
		"text_selector": l.TextSelector,
		"exclude_class": l.ExcludeClass,
		"pick":          l.Pick,
	} {
		if v != "" {
			set(path, v)
		}
	}
	for path, v := range map[string]bool{"ignore_case": l.IgnoreCase, "visible": l.Visible, "last": l.Last} {
		if v {
			set(path, true)
		}
	}
	if err != nil {
		return "", err
	}
	if l.TextFrom != nil {
		inner, err := lookupJSON(*l.TextFrom)
		if err != nil {
			return "", err
		}
		return sjson.SetRaw(out, "text_from", inner)
	}
	return out, nil
}
