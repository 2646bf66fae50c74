package actions

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
	"github.com/polzovatel/tm-enhancer/internal/workflow"
)

type recordingRunner struct {
	runs []workflow.Workflow
}

func (r *recordingRunner) Run(_ context.Context, wf workflow.Workflow) error {
	r.runs = append(r.runs, wf)
	return nil
}

func TestResolveSingleInteraction(t *testing.T) {
	doc, err := memdom.Parse(`<html><body>
		<button data-element-id="workspace-tab-chat">a</button>
		<button class="play">1</button><button class="play" id="latest">2</button>
	</body></html>`)
	require.NoError(t, err)

	c, err := New(doc, &recordingRunner{}, zerolog.Nop(), []Descriptor{
		{Name: "chat", Interaction: workflow.Click, Target: dom.Lookup{Selector: `[data-element-id="workspace-tab-chat"]`}},
		{Name: "play", Interaction: workflow.Click, Target: dom.Lookup{Selector: "button.play", Last: true}},
	})
	require.NoError(t, err)

	require.NoError(t, c.Invoke(context.Background(), "chat"))
	assert.True(t, doc.Clicked(`[data-element-id="workspace-tab-chat"]`))

	a, ok := c.Resolve("play")
	require.True(t, ok)
	require.NoError(t, a.Run(context.Background()))
	assert.True(t, doc.Clicked("#latest"))

	_, ok = c.Resolve("nope")
	assert.False(t, ok)
}

func TestMissingTargetReportsNotFound(t *testing.T) {
	c, err := New(memdom.New(), &recordingRunner{}, zerolog.Nop(), []Descriptor{
		{Name: "chat", Interaction: workflow.Click, Target: dom.Lookup{Selector: "#tab"}},
	})
	require.NoError(t, err)
	err = c.Invoke(context.Background(), "chat")
	assert.True(t, errors.Is(err, dom.ErrNotFound))
}

func TestWorkflowActionsGoThroughRunner(t *testing.T) {
	runner := &recordingRunner{}
	c, err := New(memdom.New(), runner, zerolog.Nop(), []Descriptor{{
		Name:      "autoplay",
		Exclusive: true,
		Steps: []workflow.Step{
			{Interaction: workflow.Hover, Target: dom.Lookup{Selector: "div.group"}},
			{Interaction: workflow.Click, Target: dom.Lookup{Selector: "button.settings"}},
		},
	}})
	require.NoError(t, err)
	require.NoError(t, c.Invoke(context.Background(), "autoplay"))
	require.Len(t, runner.runs, 1)
	assert.Equal(t, "autoplay", runner.runs[0].Name)
	assert.True(t, runner.runs[0].Exclusive)
	assert.Len(t, runner.runs[0].Steps, 2)
}

func TestReplaceValidates(t *testing.T) {
	c, err := New(memdom.New(), &recordingRunner{}, zerolog.Nop(), nil)
	require.NoError(t, err)

	tests := []struct {
		name string
		desc Descriptor
		want string
	}{
		{"no name", Descriptor{Interaction: workflow.Click, Target: dom.Lookup{Selector: "a"}}, "without name"},
		{"no target", Descriptor{Name: "x", Interaction: workflow.Click}, "no target"},
		{"no interaction", Descriptor{Name: "x", Target: dom.Lookup{Selector: "a"}}, "bad interaction"},
		{"exclusive single", Descriptor{Name: "x", Interaction: workflow.Click, Target: dom.Lookup{Selector: "a"}, Exclusive: true}, "exclusive needs steps"},
		{"mixed", Descriptor{Name: "x", Interaction: workflow.Click, Target: dom.Lookup{Selector: "a"}, Steps: []workflow.Step{{Delay: 1}}}, "exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorContains(t, c.Replace([]Descriptor{tt.desc}), tt.want)
		})
	}

	ok := Descriptor{Name: "x", Interaction: workflow.Click, Target: dom.Lookup{Selector: "a"}}
	assert.ErrorContains(t, c.Replace([]Descriptor{ok, ok}), "duplicate")
	require.NoError(t, c.Replace([]Descriptor{ok}))
	assert.True(t, c.Has("x"))
	assert.Len(t, c.Describe(), 1)
}

func TestNormalizeLookupCollapsesWhitespace(t *testing.T) {
	l := NormalizeLookup(dom.Lookup{
		Selector:  "div.group\n  > button[type=\"submit\"]",
		Fallbacks: []string{"  ", "a\tb"},
		TextFrom:  &dom.Lookup{Selector: " span.name \n"},
	})
	assert.Equal(t, `div.group > button[type="submit"]`, l.Selector)
	assert.Equal(t, []string{"a b"}, l.Fallbacks)
	assert.Equal(t, "span.name", l.TextFrom.Selector)
}
