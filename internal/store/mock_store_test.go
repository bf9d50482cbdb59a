// ABOUTME: Tests for MockStore
// ABOUTME: Ensures the mock honours the same constraints as SQLiteStore

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockStore_OneActivePerIdentity(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	require.NoError(t, m.CreateConversation(ctx, newConversation("first", "+15551234567")))
	assert.ErrorIs(t, m.CreateConversation(ctx, newConversation("second", "+15551234567")), ErrDuplicateConversation)

	require.NoError(t, m.UpdateConversationStatus(ctx, "first", StatusOpen, StatusClosed, time.Now()))
	require.NoError(t, m.CreateConversation(ctx, newConversation("second", "+15551234567")))

	active, err := m.FindActiveConversation(ctx, "acme", ChannelSMS, "+15551234567")
	require.NoError(t, err)
	assert.Equal(t, "second", active.ID)
}

func TestMockStore_StatusCompareAndSet(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()
	require.NoError(t, m.CreateConversation(ctx, newConversation("c1", "+15551234567")))

	require.NoError(t, m.UpdateConversationStatus(ctx, "c1", StatusOpen, StatusHandoffRequested, time.Now()))
	assert.ErrorIs(t, m.UpdateConversationStatus(ctx, "c1", StatusOpen, StatusHandoffRequested, time.Now()), ErrStatusConflict)
	assert.ErrorIs(t, m.UpdateConversationStatus(ctx, "nope", StatusOpen, StatusClosed, time.Now()), ErrNotFound)
}

func TestMockStore_MessagesAndAppendErr(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	for _, content := range []string{"a", "b", "c"} {
		require.NoError(t, m.AppendMessage(ctx, &Message{ConversationID: "c1", Content: content}))
	}

	msgs, err := m.ListMessages(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "b", msgs[0].Content)
	assert.Equal(t, "c", msgs[1].Content)

	m.AppendErr = errors.New("disk full")
	assert.Error(t, m.AppendMessage(ctx, &Message{ConversationID: "c1", Content: "d"}))
}

func TestMockStore_Tenants(t *testing.T) {
	ctx := context.Background()
	m := NewMockStore()

	require.NoError(t, m.UpsertTenant(ctx, &Tenant{ID: "acme", Name: "Acme"}))
	got, err := m.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Name)

	_, err = m.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
