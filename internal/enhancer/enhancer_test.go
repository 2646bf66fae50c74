package enhancer

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/tm-enhancer/internal/config"
	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
	"github.com/polzovatel/tm-enhancer/internal/retry"
	"github.com/polzovatel/tm-enhancer/internal/shortcut"
)

const testYAML = `
debounce: 100ms
rules:
  - name: panel-open
    lookup: {selector: "#panel"}
    patch: {add_classes: [open]}
    retry: {max_attempts: 1}
actions:
  - {name: go, interaction: click, target: {selector: "#go"}}
bindings:
  - {combo: cmd+1, action: go}
`

func testConfig(t *testing.T, extra string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(testYAML + extra))
	require.NoError(t, err)
	return cfg
}

func newEnhancer(t *testing.T, doc dom.Document, cfg *config.Config, platform string) *Enhancer {
	t.Helper()
	e, err := New(Deps{Doc: doc, Config: cfg, Logger: zerolog.Nop(), Platform: platform})
	require.NoError(t, err)
	return e
}

func (e *Enhancer) running(name string) bool {
	e.flightMu.Lock()
	defer e.flightMu.Unlock()
	_, ok := e.inFlight[name]
	return ok
}

func TestLateElementIsPatchedOnceAfterDebounce(t *testing.T) {
	doc := memdom.New()
	e := newEnhancer(t, doc, testConfig(t, ""), "MacIntel")

	var classWrites atomic.Int32
	doc.Observe(func(batch []dom.Mutation) {
		for _, m := range batch {
			if m.Kind == dom.Attributes && m.Attribute == "class" {
				classWrites.Add(1)
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	e.Wait()

	require.NoError(t, doc.Append("body", `<div id="panel"></div>`))
	panel, err := doc.First("#panel")
	require.NoError(t, err)
	has, err := dom.HasClass(panel, "open")
	require.NoError(t, err)
	assert.False(t, has, "patched before the debounce window closed")

	require.Eventually(t, func() bool {
		ok, _ := dom.HasClass(panel, "open")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	// an unrelated burst re-runs reconciliation but must not write again
	require.NoError(t, doc.Append("body", `<p>later</p>`))
	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, classWrites.Load())

	cancel()
	<-e.Done()
	e.Wait()
	assert.Equal(t, 1, doc.ObserverCount(), "only the test's own observer remains")
}

func TestInitialPassPatchesExistingElements(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><div id="panel"></div></body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, ""), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, e.Init(ctx))
	e.Wait()

	panel, err := doc.First("#panel")
	require.NoError(t, err)
	has, _ := dom.HasClass(panel, "open")
	assert.True(t, has)
	assert.ErrorIs(t, e.Init(ctx), ErrInitialized)
}

func TestReconcileDoesNotStackSchedules(t *testing.T) {
	doc := memdom.New()
	cfg := testConfig(t, "")
	cfg.Rules[0].Retry = &retry.Policy{MaxAttempts: 50, Delay: 10 * time.Millisecond}
	e := newEnhancer(t, doc, cfg, "")
	ctx := context.Background()

	first := make(chan []RuleResult, 1)
	go func() { first <- e.Reconcile(ctx) }()
	require.Eventually(t, func() bool { return e.running("panel-open") }, time.Second, time.Millisecond)

	assert.Empty(t, e.Reconcile(ctx), "a second pass must not start another schedule")

	require.NoError(t, doc.Append("body", `<div id="panel"></div>`))
	var res []RuleResult
	select {
	case res = <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("schedule never finished")
	}
	require.Len(t, res, 1)
	assert.Equal(t, retry.Succeeded, res[0].Result.Outcome)
	// the rerun requested by the second pass found the rule already applied
	assert.Equal(t, 1, res[0].Report.Already)
	assert.False(t, e.running("panel-open"))
}

func TestReconcileReportsExhaustion(t *testing.T) {
	e := newEnhancer(t, memdom.New(), testConfig(t, ""), "")
	res := e.Reconcile(context.Background())
	require.Len(t, res, 1)
	assert.Equal(t, retry.Exhausted, res[0].Result.Outcome)
	assert.True(t, errors.Is(res[0].Result.Err, dom.ErrNotFound))
}

func TestHandleKeyUsesHostPlatform(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><button id="go"></button></body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, ""), "Win32")
	assert.Equal(t, shortcut.PlatformOther, e.Platform())

	assert.False(t, e.HandleKey(shortcut.KeyEvent{Key: "1", Meta: true}))
	assert.True(t, e.HandleKey(shortcut.KeyEvent{Key: "1", Ctrl: true}))
	e.Wait()
	assert.True(t, doc.Clicked("#go"))
}

func TestEscapeWithOpenModalPassesThrough(t *testing.T) {
	doc, err := memdom.Parse(`<html><body>
		<div data-element-id="pop-up-modal"><button>Cancel</button></div>
		<button>Stop</button>
	</body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, ""), "MacIntel")

	assert.False(t, e.HandleKey(shortcut.KeyEvent{Key: "Escape"}))
	assert.Empty(t, doc.Events())

	_, err = doc.Remove(`div[data-element-id="pop-up-modal"]`)
	require.NoError(t, err)
	assert.True(t, e.HandleKey(shortcut.KeyEvent{Key: "Escape"}))
	assert.True(t, doc.Clicked("button"))
}

func TestReload(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><button id="go"></button><div id="panel"></div></body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, ""), "MacIntel")

	next := testConfig(t, "")
	next.Bindings = []shortcut.Binding{{Combo: "cmd+2", Action: "go"}}
	next.Rules[0].Patch.AddClasses = []string{"wide"}
	require.NoError(t, e.Reload(next))

	assert.Equal(t, []shortcut.Binding{{Combo: "cmd+2", Action: "go"}}, e.Bindings())
	assert.False(t, e.HandleKey(shortcut.KeyEvent{Key: "1", Meta: true}))
	assert.True(t, e.HandleKey(shortcut.KeyEvent{Key: "2", Meta: true}))
	e.Wait()

	res := e.Reconcile(context.Background())
	require.Len(t, res, 1)
	assert.Equal(t, 1, res[0].Report.Applied)
	panel, _ := doc.First("#panel")
	has, _ := dom.HasClass(panel, "wide")
	assert.True(t, has)

	bad := testConfig(t, "")
	bad.Bindings = []shortcut.Binding{{Combo: "cmd+3", Action: "missing"}}
	assert.Error(t, e.Reload(bad))
	assert.Equal(t, []shortcut.Binding{{Combo: "cmd+2", Action: "go"}}, e.Bindings())
}

func TestReloadRejectsPlatformSwitch(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><button id="go"></button><div id="panel"></div></body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, "platform: mac\n"), "")
	require.Equal(t, shortcut.PlatformMac, e.Platform())

	next := testConfig(t, "platform: windows\n")
	next.Bindings = []shortcut.Binding{{Combo: "cmd+2", Action: "go"}}
	assert.ErrorContains(t, e.Reload(next), "platform cannot change")
	assert.Equal(t, shortcut.PlatformMac, e.Platform())
	assert.Equal(t, []shortcut.Binding{{Combo: "cmd+1", Action: "go"}}, e.Bindings())
	assert.Equal(t, "mac", e.Config().Platform)

	// a host that reports its platform wins over the configured one
	hosted := newEnhancer(t, doc, testConfig(t, ""), "MacIntel")
	require.NoError(t, hosted.Reload(testConfig(t, "platform: windows\n")))
	assert.Equal(t, shortcut.PlatformMac, hosted.Platform())
}

func TestSnapshotAndAccessors(t *testing.T) {
	doc, err := memdom.Parse(`<html><body><div id="panel" class="open"></div></body></html>`)
	require.NoError(t, err)
	e := newEnhancer(t, doc, testConfig(t, ""), "")

	sum := e.Snapshot("test")
	require.Len(t, sum.Rules, 1)
	assert.True(t, sum.Rules[0].Done())
	assert.Equal(t, 1, e.Registry().Len())
	require.Len(t, e.Actions(), 1)
	assert.Equal(t, "go", e.Actions()[0].Name)
	assert.Equal(t, 100*time.Millisecond, e.Config().Debounce)
}

func TestNewRejectsMissingDocument(t *testing.T) {
	_, err := New(Deps{Logger: zerolog.Nop()})
	assert.Error(t, err)
}
