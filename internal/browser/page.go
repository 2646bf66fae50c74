package browser

import (
	"fmt"
	"sort"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/polzovatel/tm-enhancer/internal/dom"
)

// Evaluator runs a script in the page. playwright.Page satisfies it.
type Evaluator interface {
	Evaluate(expression string, arg ...interface{}) (interface{}, error)
}

const (
	queryScript = `([scope, selector]) => window.__tmEnhancer ? window.__tmEnhancer.query(scope, selector) : JSON.stringify({missing: true})`
	callScript  = `([id, op, a, b]) => window.__tmEnhancer ? window.__tmEnhancer.call(id, op, a, b) : JSON.stringify({missing: true})`
)

// Document is the live page seen through the runtime the bridge installs.
// Elements are addressed by ids the page keeps in a weak registry, so
// nothing needs disposing.
type Document struct {
	eval Evaluator

	mu        sync.Mutex
	observers map[int]func([]dom.Mutation)
	nextObs   int
}

func NewDocument(eval Evaluator) *Document {
	return &Document{eval: eval, observers: make(map[int]func([]dom.Mutation))}
}

func (d *Document) QueryAll(selector string) ([]dom.Element, error) {
	return d.query(0, selector)
}

func (d *Document) query(scope int64, selector string) ([]dom.Element, error) {
	res, err := d.run(queryScript, scope, selector)
	if err != nil {
		return nil, err
	}
	if res.Get("detached").Bool() {
		return nil, nil
	}
	ids := res.Get("ids").Array()
	out := make([]dom.Element, 0, len(ids))
	for _, id := range ids {
		out = append(out, &element{doc: d, id: id.Int()})
	}
	return out, nil
}

func (d *Document) run(script string, args ...interface{}) (gjson.Result, error) {
	val, err := d.eval.Evaluate(script, args)
	if err != nil {
		return gjson.Result{}, wrap(err)
	}
	payload, ok := val.(string)
	if !ok {
		return gjson.Result{}, fmt.Errorf("page runtime returned %T", val)
	}
	res := gjson.Parse(payload)
	if res.Get("missing").Bool() {
		return gjson.Result{}, fmt.Errorf("page runtime not installed")
	}
	if msg := res.Get("error"); msg.Exists() {
		return gjson.Result{}, fmt.Errorf("page: %s", msg.String())
	}
	return res, nil
}

// Observe registers fn for every mutation batch the bridge forwards.
func (d *Document) Observe(fn func([]dom.Mutation)) func() {
	d.mu.Lock()
	id := d.nextObs
	d.nextObs++
	d.observers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.observers, id)
			d.mu.Unlock()
		})
	}
}

// ObserverCount reports live registrations.
func (d *Document) ObserverCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.observers)
}

func (d *Document) notify(batch []dom.Mutation) {
	if len(batch) == 0 {
		return
	}
	d.mu.Lock()
	ids := make([]int, 0, len(d.observers))
	for id := range d.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func([]dom.Mutation), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, d.observers[id])
	}
	d.mu.Unlock()
	for _, fn := range fns {
		fn(batch)
	}
}

type element struct {
	doc *Document
	id  int64
}

func (e *element) call(op string, args ...interface{}) (gjson.Result, error) {
	full := []interface{}{e.id, op, nil, nil}
	copy(full[2:], args)
	res, err := e.doc.run(callScript, full...)
	if err != nil {
		return gjson.Result{}, err
	}
	if res.Get("detached").Bool() {
		return gjson.Result{}, fmt.Errorf("element detached: %w", dom.ErrConflict)
	}
	return res.Get("value"), nil
}

func (e *element) QueryAll(selector string) ([]dom.Element, error) {
	return e.doc.query(e.id, selector)
}

func (e *element) Tag() string {
	v, err := e.call("tag")
	if err != nil {
		return ""
	}
	return v.String()
}

func (e *element) Attr(name string) (string, bool, error) {
	v, err := e.call("attr", name)
	if err != nil {
		return "", false, err
	}
	return v.Get("v").String(), v.Get("ok").Bool(), nil
}

func (e *element) SetAttr(name, value string) error {
	_, err := e.call("setAttr", name, value)
	return err
}

func (e *element) Classes() ([]string, error) {
	v, err := e.call("classes")
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range v.Array() {
		out = append(out, c.String())
	}
	return out, nil
}

func (e *element) AddClass(names ...string) error {
	_, err := e.call("addClass", names)
	return err
}

func (e *element) RemoveClass(names ...string) error {
	_, err := e.call("removeClass", names)
	return err
}

func (e *element) Style(property string) (string, error) {
	v, err := e.call("style", property)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (e *element) SetStyle(property, value string) error {
	_, err := e.call("setStyle", property, value)
	return err
}

func (e *element) Text() (string, error) {
	v, err := e.call("text")
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

func (e *element) Visible() (bool, error) {
	v, err := e.call("visible")
	if err != nil {
		return false, err
	}
	return v.Bool(), nil
}

func (e *element) Click() error {
	_, err := e.call("click")
	return err
}

// Hover simulates the pointer entering the element, which is what reveals
// hover-only controls.
func (e *element) Hover() error {
	for _, ev := range []string{"mouseover", "mouseenter"} {
		if err := e.Dispatch(ev); err != nil {
			return err
		}
	}
	return nil
}

func (e *element) Dispatch(event string) error {
	_, err := e.call("dispatch", event)
	return err
}
