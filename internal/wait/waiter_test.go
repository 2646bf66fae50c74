package wait

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/polzovatel/tm-enhancer/internal/dom"
	"github.com/polzovatel/tm-enhancer/internal/dom/memdom"
)

// countingDoc records observer installs and releases.
type countingDoc struct {
	*memdom.Document
	installs atomic.Int32
	releases atomic.Int32
}

func (c *countingDoc) Observe(fn func([]dom.Mutation)) func() {
	c.installs.Add(1)
	release := c.Document.Observe(fn)
	return func() {
		c.releases.Add(1)
		release()
	}
}

type result struct {
	el  dom.Element
	err error
}

func start(w *Waiter, ctx context.Context, l dom.Lookup, timeout time.Duration) <-chan result {
	out := make(chan result, 1)
	go func() {
		el, err := w.WaitFor(ctx, l, timeout)
		out <- result{el, err}
	}()
	return out
}

func TestWaitForExistingInstallsNothing(t *testing.T) {
	doc := &countingDoc{Document: memdom.New()}
	require.NoError(t, doc.Append("body", `<div id="x"></div>`))
	w := New(doc, clockz.NewFakeClock(), zerolog.Nop())

	el, err := w.WaitFor(context.Background(), dom.Lookup{Selector: "#x"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "div", el.Tag())
	assert.Zero(t, doc.installs.Load())
}

func TestWaitForLateElement(t *testing.T) {
	doc := &countingDoc{Document: memdom.New()}
	w := New(doc, clockz.NewFakeClock(), zerolog.Nop())

	res := start(w, context.Background(), dom.Lookup{Selector: "#menu"}, time.Second)
	require.Eventually(t, func() bool { return doc.ObserverCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, doc.Append("body", `<ul id="menu"></ul>`))

	select {
	case r := <-res:
		require.NoError(t, r.err)
		assert.Equal(t, "ul", r.el.Tag())
	case <-time.After(time.Second):
		t.Fatal("waiter did not resolve")
	}
	assert.Zero(t, doc.ObserverCount())
	assert.EqualValues(t, 1, doc.installs.Load())
	assert.EqualValues(t, 1, doc.releases.Load())
}

func TestWaitForTimeoutBoundary(t *testing.T) {
	clock := clockz.NewFakeClock()
	doc := &countingDoc{Document: memdom.New()}
	w := New(doc, clock, zerolog.Nop())

	res := start(w, context.Background(), dom.Lookup{Selector: "#never"}, 500*time.Millisecond)
	require.Eventually(t, func() bool { return doc.ObserverCount() == 1 }, time.Second, time.Millisecond)

	clock.Advance(499 * time.Millisecond)
	clock.BlockUntilReady()
	select {
	case r := <-res:
		t.Fatalf("resolved before the timeout: %v", r.err)
	case <-time.After(20 * time.Millisecond):
	}

	clock.Advance(2 * time.Millisecond)
	clock.BlockUntilReady()
	select {
	case r := <-res:
		assert.True(t, errors.Is(r.err, dom.ErrTimeout))
		assert.Nil(t, r.el)
	case <-time.After(time.Second):
		t.Fatal("waiter did not time out")
	}
	assert.Zero(t, doc.ObserverCount())
	assert.EqualValues(t, 1, doc.installs.Load())
	assert.EqualValues(t, 1, doc.releases.Load())
}

func TestWaitForCancel(t *testing.T) {
	doc := &countingDoc{Document: memdom.New()}
	w := New(doc, clockz.NewFakeClock(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	res := start(w, ctx, dom.Lookup{Selector: "#never"}, time.Hour)
	require.Eventually(t, func() bool { return doc.ObserverCount() == 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case r := <-res:
		assert.True(t, errors.Is(r.err, dom.ErrCanceled))
	case <-time.After(time.Second):
		t.Fatal("waiter ignored cancellation")
	}
	assert.Zero(t, doc.ObserverCount())
}

func TestConcurrentWaitersAreIndependent(t *testing.T) {
	doc := memdom.New()
	w := New(doc, clockz.NewFakeClock(), zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := start(w, ctx, dom.Lookup{Selector: "#a"}, time.Hour)
	b := start(w, ctx, dom.Lookup{Selector: "#b"}, time.Hour)
	require.Eventually(t, func() bool { return doc.ObserverCount() == 2 }, time.Second, time.Millisecond)

	require.NoError(t, doc.Append("body", `<i id="a"></i>`))
	select {
	case r := <-a:
		require.NoError(t, r.err)
	case <-time.After(time.Second):
		t.Fatal("waiter a did not resolve")
	}
	assert.Equal(t, 1, doc.ObserverCount())

	select {
	case <-b:
		t.Fatal("waiter b resolved without its element")
	default:
	}
	cancel()
	<-b
	assert.Zero(t, doc.ObserverCount())
}
