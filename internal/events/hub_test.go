package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/shellcall/internal/shell"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(4)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(shell.EventLaunched, shell.Transition{InvocationID: "abc", Command: "ping", State: shell.StateLaunched})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, shell.EventLaunched, ev.Type)
		var tr shell.Transition
		require.NoError(t, ev.Decode(&tr))
		assert.Equal(t, "abc", tr.InvocationID)
		assert.Equal(t, shell.StateLaunched, tr.State)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestHubNilPayload(t *testing.T) {
	h := NewHub(1)
	h.Publish("ping", nil)
	snap := h.SnapshotSince(0)
	require.Len(t, snap, 1)
	assert.JSONEq(t, `{}`, string(snap[0].Data))
}

func TestHubRingOverwritesOldest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", map[string]int{"n": i})
	}

	snap := h.SnapshotSince(0)
	require.Len(t, snap, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{snap[0].ID, snap[1].ID, snap[2].ID})

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(0)
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			h.Publish("tick", nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHubCancelAndClose(t *testing.T) {
	h := NewHub(0)
	ch1, cancel1 := h.Subscribe()
	ch2, _ := h.Subscribe()
	assert.Equal(t, 2, h.Subscribers())

	cancel1()
	cancel1()
	_, open := <-ch1
	assert.False(t, open)
	assert.Equal(t, 1, h.Subscribers())

	h.Close()
	_, open = <-ch2
	assert.False(t, open)
	assert.Zero(t, h.Subscribers())

	h.Publish("late", nil)
	assert.Empty(t, h.SnapshotSince(0))

	ch3, cancel3 := h.Subscribe()
	cancel3()
	_, open = <-ch3
	assert.False(t, open, "subscribing after Close yields a closed channel")
}

func TestHubAsShellPublisher(t *testing.T) {
	var _ shell.Publisher = NewHub(0)
}
