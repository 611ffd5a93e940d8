package chrome

import (
	"context"
	"errors"
	"testing"

	"github.com/LouYuanbo1/apicapture/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionStopsDelivery(t *testing.T) {
	stops := 0
	sub := newSubscription(func() { stops++ })

	calls := 0
	assert.True(t, sub.deliver(func() { calls++ }))

	sub.unsubscribe()
	sub.unsubscribe()

	assert.False(t, sub.deliver(func() { calls++ }))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stops)
}

func TestSubscriptionNilStop(t *testing.T) {
	sub := newSubscription(nil)
	require.NotPanics(t, sub.unsubscribe)
	assert.False(t, sub.deliver(func() {}))
}

func TestLifecycleSignalsOnce(t *testing.T) {
	l := newLifecycle()
	first := errors.New("first")
	l.signalDisconnect(first)
	l.signalDisconnect(errors.New("second"))

	select {
	case err := <-l.Disconnected():
		assert.Same(t, first, err)
	default:
		t.Fatal("expected a disconnect signal")
	}
	select {
	case err := <-l.Disconnected():
		t.Fatalf("unexpected second signal: %v", err)
	default:
	}
}

func TestLifecycleIgnoresDisconnectAfterClose(t *testing.T) {
	l := newLifecycle()
	l.closed.Store(true)
	l.signalDisconnect(errors.New("closed by us"))

	select {
	case err := <-l.Disconnected():
		t.Fatalf("unexpected signal after close: %v", err)
	default:
	}
}

func TestWatchEventsSignalsWhenStreamEnds(t *testing.T) {
	l := newLifecycle()
	l.watchEvents(context.Background(), func() {})

	select {
	case err := <-l.Disconnected():
		assert.ErrorIs(t, err, model.ErrDisconnected)
	default:
		t.Fatal("expected a disconnect signal")
	}
}

func TestWatchEventsQuietAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := newLifecycle()
	l.watchEvents(ctx, cancel)

	select {
	case err := <-l.Disconnected():
		t.Fatalf("unexpected signal after cancel: %v", err)
	default:
	}
}

func TestWatchEventsQuietAfterClose(t *testing.T) {
	l := newLifecycle()
	require.NoError(t, l.closeWith(func() error { return nil }))
	l.watchEvents(context.Background(), func() {})

	select {
	case err := <-l.Disconnected():
		t.Fatalf("unexpected signal after close: %v", err)
	default:
	}
}

func TestCloseWithRunsOnce(t *testing.T) {
	l := newLifecycle()
	calls := 0
	boom := errors.New("boom")
	fn := func() error {
		calls++
		return boom
	}

	assert.ErrorIs(t, l.closeWith(fn), boom)
	assert.NoError(t, l.closeWith(fn))
	assert.Equal(t, 1, calls)
	assert.True(t, l.closed.Load())
}
