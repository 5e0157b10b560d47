package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/procgraph/agent/internal/api"
)

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	b := New(4)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	ev := api.Event{Kind: api.EventKindProcessExec}
	b.Publish(ev)

	select {
	case got := <-sub1.Events:
		require.Equal(t, ev.Kind, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sub1")
	}

	select {
	case got := <-sub2.Events:
		require.Equal(t, ev.Kind, got.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sub2")
	}
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	b := New(1)
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	b.Publish(api.Event{Kind: api.EventKindProcessExec})
	b.Publish(api.Event{Kind: api.EventKindProcessExit}) // must be dropped, not block

	require.Equal(t, uint64(1), b.Dropped())

	got := <-sub.Events
	require.Equal(t, api.EventKindProcessExec, got.Kind)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(4)
	sub := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())

	sub.Unsubscribe()
	require.Equal(t, 0, b.Subscribers())

	// Publishing with no subscribers must not panic.
	b.Publish(api.Event{})
}
