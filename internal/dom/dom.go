// Package dom defines the document contract the enhancer reconciles
// against. Hosts (a playwright page, the in-memory memdom tree) implement
// Document and Element; everything above this package is host-agnostic.
package dom

import "errors"

var (
	// ErrNotFound reports that a lookup matched no element.
	ErrNotFound = errors.New("element not found")
	// ErrTimeout reports that a wait exceeded its bound.
	ErrTimeout = errors.New("timed out waiting for element")
	// ErrCanceled reports that a wait was abandoned before its bound.
	ErrCanceled = errors.New("wait canceled")
	// ErrConflict reports that an element's state could not be evaluated.
	ErrConflict = errors.New("element state cannot be evaluated")
)

// MutationKind classifies a structural change.
type MutationKind uint8

const (
	// ChildList marks nodes added to or removed from an element.
	ChildList MutationKind = iota + 1
	// Attributes marks an attribute change (class and style included).
	Attributes
)

func (k MutationKind) String() string {
	switch k {
	case ChildList:
		return "childList"
	case Attributes:
		return "attributes"
	default:
		return "unknown"
	}
}

// Mutation is one observed change. Direct is true when the changed node is
// the observed root itself rather than one of its descendants.
type Mutation struct {
	Kind      MutationKind
	Direct    bool
	Attribute string
}

// Filter selects which mutations an observer cares about.
type Filter struct {
	ChildList  bool `yaml:"child_list"`
	Subtree    bool `yaml:"subtree"`
	Attributes bool `yaml:"attributes"`
}

// DefaultFilter watches node insertions and removals anywhere below the root.
var DefaultFilter = Filter{ChildList: true, Subtree: true}

// Accepts reports whether m qualifies under f.
func (f Filter) Accepts(m Mutation) bool {
	switch m.Kind {
	case ChildList:
		if !f.ChildList {
			return false
		}
	case Attributes:
		if !f.Attributes {
			return false
		}
	default:
		return false
	}
	return f.Subtree || m.Direct
}

// Any reports whether at least one mutation in batch qualifies.
func (f Filter) Any(batch []Mutation) bool {
	for _, m := range batch {
		if f.Accepts(m) {
			return true
		}
	}
	return false
}

// Scope is anything that can run a selector query.
type Scope interface {
	QueryAll(selector string) ([]Element, error)
}

// Observer delivers mutation batches of a document root. The returned
// cancel func releases the registration; calling it more than once is safe.
type Observer interface {
	Observe(fn func([]Mutation)) (cancel func())
}

// Document is a live tree the enhancer reads and patches.
type Document interface {
	Scope
	Observer
}

// Element is one node of a Document. Attribute reads distinguish an absent
// attribute (ok=false) from an empty one.
type Element interface {
	Scope
	Tag() string
	Attr(name string) (value string, ok bool, err error)
	SetAttr(name, value string) error
	Classes() ([]string, error)
	AddClass(names ...string) error
	RemoveClass(names ...string) error
	Style(property string) (string, error)
	SetStyle(property, value string) error
	Text() (string, error)
	Visible() (bool, error)
	Click() error
	Hover() error
	Dispatch(event string) error
}

// HasClass reports whether el carries class name.
func HasClass(el Element, name string) (bool, error) {
	classes, err := el.Classes()
	if err != nil {
		return false, err
	}
	for _, c := range classes {
		if c == name {
			return true, nil
		}
	}
	return false, nil
}
