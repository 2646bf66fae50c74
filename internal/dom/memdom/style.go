package memdom

import (
	"strings"

	"github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// declarations is an ordered inline style block.
type declarations [][2]string

// parseStyle tokenizes an inline style attribute. Malformed declarations are
// skipped the way a browser drops them.
func parseStyle(src string) declarations {
	var out declarations
	p := css.NewParser(parse.NewInputString(src), true)
	for {
		gt, tt, data := p.Next()
		switch gt {
		case css.ErrorGrammar:
			if tt == css.ErrorToken {
				return out
			}
		case css.DeclarationGrammar:
			var b strings.Builder
			for _, v := range p.Values() {
				b.Write(v.Data)
			}
			out = append(out, [2]string{string(data), strings.TrimSpace(b.String())})
		case css.CustomPropertyGrammar:
			var b strings.Builder
			for _, v := range p.Values() {
				b.Write(v.Data)
			}
			out = append(out, [2]string{string(data), strings.TrimSpace(b.String())})
		}
	}
}

// get returns the winning (last) value of prop.
func (d declarations) get(prop string) string {
	prop = normalizeProp(prop)
	for i := len(d) - 1; i >= 0; i-- {
		if d[i][0] == prop {
			return d[i][1]
		}
	}
	return ""
}

// set overwrites the winning declaration of prop and drops the shadowed ones.
func (d *declarations) set(prop, value string) {
	prop = normalizeProp(prop)
	last := -1
	for i := range *d {
		if (*d)[i][0] == prop {
			last = i
		}
	}
	if last < 0 {
		*d = append(*d, [2]string{prop, value})
		return
	}
	kept := (*d)[:0]
	for i, kv := range *d {
		switch {
		case i == last:
			kept = append(kept, [2]string{prop, value})
		case kv[0] != prop:
			kept = append(kept, kv)
		}
	}
	*d = kept
}

func normalizeProp(prop string) string {
	prop = strings.TrimSpace(prop)
	if strings.HasPrefix(prop, "--") {
		return prop
	}
	return strings.ToLower(prop)
}

func (d declarations) String() string {
	parts := make([]string, 0, len(d))
	for _, kv := range d {
		parts = append(parts, kv[0]+": "+kv[1])
	}
	return strings.Join(parts, "; ")
}
