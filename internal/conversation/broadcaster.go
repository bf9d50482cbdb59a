// ABOUTME: In-memory fan-out of recorded messages to live conversation watchers
// ABOUTME: Lets the widget and operator streams see replies without polling the ledger

package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/store"
)

// watcherBufferSize is the channel buffer for each watcher
const watcherBufferSize = 32

// Broadcaster delivers each appended message to everyone watching its
// conversation. Delivery is best effort; the ledger stays the source of truth.
type Broadcaster struct {
	mu       sync.RWMutex
	watchers map[string]map[string]chan *store.Message // conversationID -> watchID -> ch
	logger   *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		watchers: make(map[string]map[string]chan *store.Message),
		logger:   logger.With("component", "broadcaster"),
	}
}

// Subscribe starts watching a conversation. The returned channel is closed
// when ctx is cancelled, Unsubscribe is called, or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, conversationID string) (<-chan *store.Message, string) {
	watchID := uuid.New().String()
	ch := make(chan *store.Message, watcherBufferSize)

	b.mu.Lock()
	if b.watchers[conversationID] == nil {
		b.watchers[conversationID] = make(map[string]chan *store.Message)
	}
	b.watchers[conversationID][watchID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "conversation_id", conversationID, "watch_id", watchID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(conversationID, watchID)
	}()

	return ch, watchID
}

// Publish sends msg to the conversation's watchers, skipping excludeID if set.
// Watchers with a full buffer miss the message rather than block the publisher.
func (b *Broadcaster) Publish(conversationID string, msg *store.Message, excludeID string) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.watchers[conversationID] {
		if id == excludeID {
			continue
		}
		select {
		case ch <- msg:
		default:
			b.logger.Debug("dropped message for slow watcher",
				"conversation_id", conversationID,
				"message_id", msg.ID)
		}
	}
}

// Unsubscribe stops a watcher and closes its channel
func (b *Broadcaster) Unsubscribe(conversationID, watchID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.watchers[conversationID]
	ch, ok := subs[watchID]
	if !ok {
		return
	}
	delete(subs, watchID)
	close(ch)
	if len(subs) == 0 {
		delete(b.watchers, conversationID)
	}

	b.logger.Debug("watcher removed", "conversation_id", conversationID, "watch_id", watchID)
}

// Watchers returns how many watchers a conversation has
func (b *Broadcaster) Watchers(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.watchers[conversationID])
}

// Close closes every watcher channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for convID, subs := range b.watchers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.watchers, convID)
	}
}
