// Package memdom is an in-memory dom.Document backed by golang.org/x/net/html
// nodes and cascadia selectors. It reports mutations the way a browser
// MutationObserver would and records simulated interactions so callers can
// script how the page reacts to them.
package memdom

import (
	"bytes"
	"fmt"
	"strings"
	"sync"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// Event is one simulated interaction delivered to an element.
type Event struct {
	Type    string
	Element *Element
}

// Handler reacts to an interaction, e.g. by inserting the menu a click opens.
type Handler func(ev Event)

// Document is a goroutine-safe in-memory tree.
type Document struct {
	mu   sync.Mutex
	root *html.Node
	body *html.Node

	obsMu     sync.Mutex
	observers map[int]func([]dom.Mutation)
	nextObs   int

	evMu     sync.Mutex
	events   []Event
	handlers []Handler

	selMu     sync.Mutex
	selectors map[string]cascadia.Selector
}

// New returns an empty document.
func New() *Document {
	doc, err := Parse("<html><head></head><body></body></html>")
	if err != nil {
		panic(err)
	}
	return doc
}

// Parse builds a document from HTML source.
func Parse(src string) (*Document, error) {
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	body := findBody(root)
	if body == nil {
		return nil, fmt.Errorf("parse html: no body element")
	}
	return &Document{
		root:      root,
		body:      body,
		observers: make(map[int]func([]dom.Mutation)),
		selectors: make(map[string]cascadia.Selector),
	}, nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.Data == "body" {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}

// QueryAll returns every element matching selector in document order.
func (d *Document) QueryAll(selector string) ([]dom.Element, error) {
	return d.query(d.root, selector)
}

// First returns the first element matching selector.
func (d *Document) First(selector string) (*Element, error) {
	els, err := d.query(d.root, selector)
	if err != nil {
		return nil, err
	}
	if len(els) == 0 {
		return nil, fmt.Errorf("%s: %w", selector, dom.ErrNotFound)
	}
	return els[0].(*Element), nil
}

func (d *Document) compile(selector string) (cascadia.Selector, error) {
	d.selMu.Lock()
	defer d.selMu.Unlock()
	if sel, ok := d.selectors[selector]; ok {
		return sel, nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("compile selector %q: %w", selector, err)
	}
	d.selectors[selector] = sel
	return sel, nil
}

func (d *Document) query(scope *html.Node, selector string) ([]dom.Element, error) {
	sel, err := d.compile(selector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !attached(d.root, scope) {
		return nil, nil
	}
	var out []dom.Element
	for _, n := range sel.MatchAll(scope) {
		if n == scope {
			continue
		}
		out = append(out, &Element{doc: d, node: n})
	}
	return out, nil
}

func attached(root, n *html.Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == root {
			return true
		}
	}
	return false
}

// Observe registers fn for mutation batches below body.
func (d *Document) Observe(fn func([]dom.Mutation)) func() {
	d.obsMu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.obsMu.Lock()
			delete(d.observers, id)
			d.obsMu.Unlock()
		})
	}
}

// ObserverCount reports how many registrations are live.
func (d *Document) ObserverCount() int {
	d.obsMu.Lock()
	defer d.obsMu.Unlock()
	return len(d.observers)
}

func (d *Document) notify(batch ...dom.Mutation) {
	if len(batch) == 0 {
		return
	}
	d.obsMu.Lock()
	fns := make([]func([]dom.Mutation), 0, len(d.observers))
	for _, fn := range d.observers {
		fns = append(fns, fn)
	}
	d.obsMu.Unlock()
	for _, fn := range fns {
		fn(batch)
	}
}

// Append parses fragment and appends the resulting nodes to the first
// element matching parentSelector ("body" for the document body).
func (d *Document) Append(parentSelector, fragment string) error {
	parent, err := d.First(parentSelector)
	if err != nil {
		return err
	}
	nodes, err := html.ParseFragment(strings.NewReader(fragment), parent.node)
	if err != nil {
		return fmt.Errorf("parse fragment: %w", err)
	}
	d.mu.Lock()
	for _, n := range nodes {
		parent.node.AppendChild(n)
	}
	direct := parent.node == d.body
	d.mu.Unlock()
	d.notify(dom.Mutation{Kind: dom.ChildList, Direct: direct})
	return nil
}

// Remove detaches every element matching selector.
func (d *Document) Remove(selector string) (int, error) {
	els, err := d.QueryAll(selector)
	if err != nil {
		return 0, err
	}
	var batch []dom.Mutation
	d.mu.Lock()
	for _, el := range els {
		n := el.(*Element).node
		if n.Parent == nil {
			continue
		}
		direct := n.Parent == d.body
		n.Parent.RemoveChild(n)
		batch = append(batch, dom.Mutation{Kind: dom.ChildList, Direct: direct})
	}
	d.mu.Unlock()
	d.notify(batch...)
	return len(batch), nil
}

// Render serialises the document.
func (d *Document) Render() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var buf bytes.Buffer
	if err := html.Render(&buf, d.root); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// OnEvent installs a handler called after every simulated interaction.
func (d *Document) OnEvent(h Handler) {
	d.evMu.Lock()
	d.handlers = append(d.handlers, h)
	d.evMu.Unlock()
}

// Events returns the interactions recorded so far.
func (d *Document) Events() []Event {
	d.evMu.Lock()
	defer d.evMu.Unlock()
	return append([]Event(nil), d.events...)
}

// Clicked reports whether a click was delivered to an element matching
// selector.
func (d *Document) Clicked(selector string) bool {
	for _, ev := range d.Events() {
		if ev.Type != "click" {
			continue
		}
		if ev.Element.Matches(selector) {
			return true
		}
	}
	return false
}

func (d *Document) record(ev Event) {
	d.evMu.Lock()
	d.events = append(d.events, ev)
	handlers := append([]Handler(nil), d.handlers...)
	d.evMu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// Element wraps one html node of a Document.
type Element struct {
	doc  *Document
	node *html.Node
}

var _ dom.Element = (*Element)(nil)

// Matches reports whether the element matches selector.
func (e *Element) Matches(selector string) bool {
	sel, err := e.doc.compile(selector)
	if err != nil {
		return false
	}
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	return sel.Match(e.node)
}

func (e *Element) QueryAll(selector string) ([]dom.Element, error) {
	return e.doc.query(e.node, selector)
}

func (e *Element) Tag() string {
	return e.node.Data
}

func (e *Element) Attr(name string) (string, bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, ok := getAttr(e.node, name)
	return v, ok, nil
}

func (e *Element) SetAttr(name, value string) error {
	e.doc.mu.Lock()
	setAttr(e.node, name, value)
	e.doc.mu.Unlock()
	e.doc.notify(e.attrMutation(name))
	return nil
}

func (e *Element) Classes() ([]string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, _ := getAttr(e.node, "class")
	return strings.Fields(v), nil
}

func (e *Element) AddClass(names ...string) error {
	e.doc.mu.Lock()
	v, _ := getAttr(e.node, "class")
	classes := strings.Fields(v)
	changed := false
	for _, name := range names {
		if !contains(classes, name) {
			classes = append(classes, name)
			changed = true
		}
	}
	if changed {
		setAttr(e.node, "class", strings.Join(classes, " "))
	}
	e.doc.mu.Unlock()
	if changed {
		e.doc.notify(e.attrMutation("class"))
	}
	return nil
}

func (e *Element) RemoveClass(names ...string) error {
	e.doc.mu.Lock()
	v, _ := getAttr(e.node, "class")
	classes := strings.Fields(v)
	kept := classes[:0]
	for _, c := range classes {
		if !contains(names, c) {
			kept = append(kept, c)
		}
	}
	changed := len(kept) != len(strings.Fields(v))
	if changed {
		setAttr(e.node, "class", strings.Join(kept, " "))
	}
	e.doc.mu.Unlock()
	if changed {
		e.doc.notify(e.attrMutation("class"))
	}
	return nil
}

func (e *Element) Style(property string) (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	v, _ := getAttr(e.node, "style")
	return parseStyle(v).get(property), nil
}

func (e *Element) SetStyle(property, value string) error {
	e.doc.mu.Lock()
	v, _ := getAttr(e.node, "style")
	decl := parseStyle(v)
	decl.set(property, value)
	setAttr(e.node, "style", decl.String())
	e.doc.mu.Unlock()
	e.doc.notify(e.attrMutation("style"))
	return nil
}

func (e *Element) Text() (string, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	var b strings.Builder
	collectText(&b, e.node)
	return b.String(), nil
}

// Visible mirrors offsetParent semantics: an element is hidden when it or
// an ancestor carries the hidden attribute or display:none, or when it is
// detached from the document.
func (e *Element) Visible() (bool, error) {
	e.doc.mu.Lock()
	defer e.doc.mu.Unlock()
	if !attached(e.doc.root, e.node) {
		return false, nil
	}
	for n := e.node; n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if _, ok := getAttr(n, "hidden"); ok {
			return false, nil
		}
		style, _ := getAttr(n, "style")
		if parseStyle(style).get("display") == "none" {
			return false, nil
		}
	}
	return true, nil
}

func (e *Element) Click() error {
	e.doc.record(Event{Type: "click", Element: e})
	return nil
}

func (e *Element) Hover() error {
	e.doc.record(Event{Type: "mouseover", Element: e})
	return nil
}

func (e *Element) Dispatch(event string) error {
	e.doc.record(Event{Type: event, Element: e})
	return nil
}

func (e *Element) attrMutation(name string) dom.Mutation {
	return dom.Mutation{Kind: dom.Attributes, Direct: e.node == e.doc.body, Attribute: name}
}

func getAttr(n *html.Node, name string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			return a.Val, true
		}
	}
	return "", false
}

func setAttr(n *html.Node, name, value string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == name {
			n.Attr[i].Val = value
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: name, Val: value})
}

func collectText(b *strings.Builder, n *html.Node) {
	if n.Type == html.TextNode {
		b.WriteString(n.Data)
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(b, c)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
