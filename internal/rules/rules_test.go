package rules

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
	"github.com/polzovatel/tm-enhancer/internal/retry"
)

func avatarRule() Rule {
	return Rule{
		Name:   "avatar",
		Lookup: dom.Lookup{Selector: "#avatar"},
		Patch: Patch{
			RemoveClasses: []string{"w-9", "h-9"},
			AddClasses:    []string{"w-41", "h-41"},
			SetAttrs:      map[string]string{"rows": "15"},
			Styles:        map[string]string{"max-height": "700px"},
		},
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><div id="avatar" class="w-9 h-9 round"></div></body></html>`)
	require.NoError(t, err)
	el, err := doc.First("#avatar")
	require.NoError(t, err)
	a := NewApplier(zerolog.Nop())

	out, err := a.Apply(el, avatarRule())
	require.NoError(t, err)
	assert.Equal(t, Applied, out)
	first, err := doc.Render()
	require.NoError(t, err)

	var mutations int
	doc.Observe(func(batch []dom.Mutation) { mutations += len(batch) })

	out, err = a.Apply(el, avatarRule())
	require.NoError(t, err)
	assert.Equal(t, AlreadyApplied, out)
	second, err := doc.Render()
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Zero(t, mutations)

	classes, _ := el.Classes()
	assert.ElementsMatch(t, []string{"round", "w-41", "h-41"}, classes)
}

func TestApplySkipsWhenRequiredAttributeMissing(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><textarea id="t"></textarea></body></html>`)
	require.NoError(t, err)
	el, err := doc.First("#t")
	require.NoError(t, err)

	rule := Rule{
		Name:   "rows",
		Lookup: dom.Lookup{Selector: "#t"},
		Patch:  Patch{SetAttrs: map[string]string{"rows": "15"}, Require: []string{"data-element-id"}},
	}
	out, err := NewApplier(zerolog.Nop()).Apply(el, rule)
	assert.Equal(t, Skipped, out)
	assert.True(t, errors.Is(err, dom.ErrConflict))
	_, ok, _ := el.Attr("rows")
	assert.False(t, ok, "skipped element must not be mutated")
}

func TestApplyAllReportsNotFound(t *testing.T) {
	doc := memdom.New()
	_, err := NewApplier(zerolog.Nop()).ApplyAll(doc, avatarRule())
	assert.True(t, errors.Is(err, dom.ErrNotFound))
}

func TestApplyAllEveryMatch(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><textarea class="t"></textarea><textarea class="t" rows="15"></textarea></body></html>`)
	require.NoError(t, err)
	rule := Rule{
		Name:   "rows",
		Lookup: dom.Lookup{Selector: "textarea.t"},
		Patch:  Patch{SetAttrs: map[string]string{"rows": "15"}},
		All:    true,
	}
	rep, err := NewApplier(zerolog.Nop()).ApplyAll(doc, rule)
	require.NoError(t, err)
	assert.Equal(t, Report{Matched: 2, Applied: 1, Already: 1}, rep)

	rule.All = false
	rep, err = NewApplier(zerolog.Nop()).ApplyAll(doc, rule)
	require.NoError(t, err)
	assert.Equal(t, Report{Matched: 1, Already: 1}, rep)
}

func TestRegistry(t *testing.T) {
	reg, err := NewRegistry(avatarRule())
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	got, ok := reg.Get("avatar")
	require.True(t, ok)
	assert.Equal(t, "#avatar", got.Lookup.Selector)

	rules := reg.Rules()
	rules[0].Name = "mutated"
	_, ok = reg.Get("avatar")
	assert.True(t, ok, "Rules must return a copy")

	err = reg.Replace([]Rule{avatarRule(), avatarRule()})
	assert.ErrorContains(t, err, "duplicate")
	assert.Equal(t, 1, reg.Len())

	bad := avatarRule()
	bad.Retry = &retry.Policy{}
	assert.Error(t, reg.Replace([]Rule{bad}))

	empty := avatarRule()
	empty.Patch = Patch{}
	assert.ErrorContains(t, reg.Replace([]Rule{empty}), "empty patch")
}

func TestRegistryRejectsContradictoryPatch(t *testing.T) {
	cases := []struct {
		name  string
		patch Patch
		want  string
	}{
		{"add and remove", Patch{AddClasses: []string{"w-41"}, RemoveClasses: []string{"w-9", "w-41"}}, "class w-41 both added and removed"},
		{"class attribute", Patch{SetAttrs: map[string]string{"Class": "x"}}, "set_attrs cannot write class"},
		{"style attribute", Patch{SetAttrs: map[string]string{"style": "color: red"}}, "set_attrs cannot write style"},
		{"class with spaces", Patch{AddClasses: []string{"w-41 h-41"}}, "invalid class"},
		{"style case clash", Patch{Styles: map[string]string{"max-height": "1px", "Max-Height": "2px"}}, "given twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg, err := NewRegistry(avatarRule())
			require.NoError(t, err)
			r := avatarRule()
			r.Patch = tc.patch
			assert.ErrorContains(t, reg.Replace([]Rule{r}), tc.want)
			assert.Equal(t, 1, reg.Len())
			_, ok := reg.Get("avatar")
			assert.True(t, ok, "failed replace keeps the old set")
		})
	}
}

func TestPatchString(t *testing.T) {
	assert.Equal(t, "@rows=15 -.w-9 -.h-9 +.w-41 +.h-41 max-height:700px", avatarRule().Patch.String())
}
