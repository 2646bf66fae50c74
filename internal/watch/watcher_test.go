package watch

import (
	"context"
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

const window = 200 * time.Millisecond

// settle waits until the loop has consumed every signal and armed its timer.
func settle(t *testing.T, clock *clockz.FakeClock, sub *Subscription) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(sub.wake) == 0 && clock.HasWaiters()
	}, time.Second, time.Millisecond)
}

// fireUntil advances the clock one window at a time until sub has fired n times.
func fireUntil(t *testing.T, clock *clockz.FakeClock, sub *Subscription, n int64) {
	t.Helper()
	require.Eventually(t, func() bool {
		clock.Advance(window)
		clock.BlockUntilReady()
		return sub.Fired() >= n
	}, time.Second, time.Millisecond)
}

func TestBurstCoalescesIntoOneCall(t *testing.T) {
	doc := memdom.New()
	clock := clockz.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	sub := New(clock, zerolog.Nop()).Observe(ctx, doc, dom.DefaultFilter, window, func(context.Context) {
		calls.Add(1)
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, doc.Append("body", "<p></p>"))
		settle(t, clock, sub)
		clock.Advance(window / 2)
		clock.BlockUntilReady()
	}
	assert.Zero(t, sub.Fired(), "each mutation inside the window restarts it")

	fireUntil(t, clock, sub, 1)
	clock.Advance(3 * window)
	clock.BlockUntilReady()
	assert.EqualValues(t, 1, sub.Fired())
	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestSpacedMutationsFireEach(t *testing.T) {
	doc := memdom.New()
	clock := clockz.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := New(clock, zerolog.Nop()).Observe(ctx, doc, dom.DefaultFilter, window, func(context.Context) {})

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, doc.Append("body", "<p></p>"))
		settle(t, clock, sub)
		fireUntil(t, clock, sub, i)
		assert.Equal(t, i, sub.Fired())
	}
}

func TestFilteredMutationsAreIgnored(t *testing.T) {
	doc := memdom.New()
	require.NoError(t, doc.Append("body", `<div id="a"></div>`))
	el, err := doc.First("#a")
	require.NoError(t, err)

	clock := clockz.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := New(clock, zerolog.Nop()).Observe(ctx, doc, dom.DefaultFilter, window, func(context.Context) {})

	require.NoError(t, el.AddClass("open"))
	assert.Empty(t, sub.wake)
	assert.False(t, clock.HasWaiters())
	clock.Advance(3 * window)
	clock.BlockUntilReady()
	assert.Zero(t, sub.Fired())
}

func TestPanickingCallbackKeepsSubscription(t *testing.T) {
	doc := memdom.New()
	clock := clockz.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	sub := New(clock, zerolog.Nop()).Observe(ctx, doc, dom.DefaultFilter, window, func(context.Context) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	require.NoError(t, doc.Append("body", "<p></p>"))
	settle(t, clock, sub)
	fireUntil(t, clock, sub, 1)

	require.NoError(t, doc.Append("body", "<p></p>"))
	settle(t, clock, sub)
	fireUntil(t, clock, sub, 2)
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, doc.ObserverCount())
}

func TestCancelReleasesObserver(t *testing.T) {
	doc := memdom.New()
	clock := clockz.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	sub := New(clock, zerolog.Nop()).Observe(ctx, doc, dom.DefaultFilter, window, func(context.Context) {})
	assert.Equal(t, 1, doc.ObserverCount())

	require.NoError(t, doc.Append("body", "<p></p>"))
	settle(t, clock, sub)
	cancel()
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
	assert.Zero(t, doc.ObserverCount())
	assert.False(t, clock.HasWaiters(), "pending debounce timer is stopped")
	assert.Zero(t, sub.Fired())
}
