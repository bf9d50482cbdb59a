// ABOUTME: Tests for the message Broadcaster
// ABOUTME: Covers fan-out, isolation, slow watchers, and cleanup

package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/switchboard/internal/store"
)

func makeMessage(id, convID string) *store.Message {
	return &store.Message{
		ID:             id,
		ConversationID: convID,
		Role:           store.RoleAssistant,
		Content:        "hello from " + id,
		CreatedAt:      time.Now(),
	}
}

func receive(t *testing.T, ch <-chan *store.Message) *store.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish("conv-1", makeMessage("m1", "conv-1"), "")

	assert.Equal(t, "m1", receive(t, ch1).ID)
	assert.Equal(t, "m1", receive(t, ch2).ID)
}

func TestBroadcaster_ConversationsAreIsolated(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch1, _ := b.Subscribe(t.Context(), "conv-1")
	ch2, _ := b.Subscribe(t.Context(), "conv-2")

	b.Publish("conv-1", makeMessage("m1", "conv-1"), "")

	assert.Equal(t, "m1", receive(t, ch1).ID)
	select {
	case msg := <-ch2:
		t.Fatalf("conv-2 should not receive conv-1 messages, got %s", msg.ID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcaster_ExcludeID(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	origin, originID := b.Subscribe(t.Context(), "conv-1")
	other, _ := b.Subscribe(t.Context(), "conv-1")

	b.Publish("conv-1", makeMessage("m1", "conv-1"), originID)

	assert.Equal(t, "m1", receive(t, other).ID)
	assert.Len(t, origin, 0)
}

func TestBroadcaster_SlowWatcherDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "conv-1")

	done := make(chan struct{})
	go func() {
		for i := 0; i < watcherBufferSize*2; i++ {
			b.Publish("conv-1", makeMessage("m", "conv-1"), "")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a full watcher")
	}
	assert.Len(t, ch, watcherBufferSize)
}

func TestBroadcaster_ContextCancelUnsubscribes(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "conv-1")
	require.Equal(t, 1, b.Watchers("conv-1"))

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
	assert.Eventually(t, func() bool { return b.Watchers("conv-1") == 0 }, time.Second, 10*time.Millisecond)
}

func TestBroadcaster_UnsubscribeTwiceIsSafe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), "conv-1")
	b.Unsubscribe("conv-1", id)
	b.Unsubscribe("conv-1", id)
	assert.Equal(t, 0, b.Watchers("conv-1"))
}

func TestBroadcaster_ConcurrentPublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			ch, _ := b.Subscribe(ctx, "conv-1")
			select {
			case <-ch:
			case <-time.After(20 * time.Millisecond):
			}
		}()
		go func() {
			defer wg.Done()
			b.Publish("conv-1", makeMessage("m", "conv-1"), "")
		}()
	}
	wg.Wait()
}
