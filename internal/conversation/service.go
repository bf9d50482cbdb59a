// ABOUTME: Conversation Service resolves identities to conversations and owns the handoff state machine
// ABOUTME: Every message is recorded to the ledger before anything acts on it

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/store"
)

// ErrInvalidTransition is returned when the requested status change is not
// allowed from the conversation's current status
var ErrInvalidTransition = errors.New("invalid status transition")

// maxTransitionAttempts bounds compare-and-set retries when another writer
// changes the status between read and update
const maxTransitionAttempts = 3

// transitions lists the legal target statuses for each source status
var transitions = map[store.ConversationStatus][]store.ConversationStatus{
	store.StatusOpen:             {store.StatusHandoffRequested, store.StatusHumanJoined, store.StatusClosed},
	store.StatusHandoffRequested: {store.StatusHumanJoined, store.StatusClosed},
	store.StatusHumanJoined:      {store.StatusOpen, store.StatusClosed},
}

// CanTransition reports whether from → to is a legal status change
func CanTransition(from, to store.ConversationStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Store defines what the service needs from storage
type Store interface {
	store.ConversationStore
	store.MessageStore
}

// Service is the conversation layer: identity → conversation resolution,
// the append-only ledger, and status transitions.
type Service struct {
	store       Store
	broadcaster *Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// New creates a conversation Service. broadcaster may be nil.
func New(st Store, broadcaster *Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       st,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversation"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the active conversation for id, creating an open one if none exists.
// created reports whether this call created it. Two concurrent first-contact
// calls for the same identity converge on a single conversation.
func (s *Service) Resolve(ctx context.Context, tenantID string, id identity.Identity) (conv *store.Conversation, created bool, err error) {
	conv, err = s.store.FindActiveConversation(ctx, tenantID, id.Channel, id.ExternalUserID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("looking up active conversation: %w", err)
	}

	now := s.now()
	conv = &store.Conversation{
		ID:             uuid.New().String(),
		TenantID:       tenantID,
		Channel:        id.Channel,
		ExternalUserID: id.ExternalUserID,
		ScopedUserID:   id.ScopedUserID,
		Status:         store.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		// Another request created it between our lookup and insert
		if errors.Is(err, store.ErrDuplicateConversation) {
			s.logger.Debug("conversation creation hit duplicate, retrying lookup",
				"tenant_id", tenantID,
				"scoped_user_id", id.ScopedUserID)
			existing, lookupErr := s.store.FindActiveConversation(ctx, tenantID, id.Channel, id.ExternalUserID)
			if lookupErr == nil {
				return existing, false, nil
			}
			s.logger.Error("retry lookup failed after duplicate error", "lookup_error", lookupErr)
		}
		return nil, false, fmt.Errorf("creating conversation: %w", err)
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"tenant_id", tenantID,
		"channel", id.Channel)
	return conv, true, nil
}

// Get returns a conversation by ID
func (s *Service) Get(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.store.GetConversation(ctx, conversationID)
}

// List returns a tenant's conversations, optionally filtered by status
func (s *Service) List(ctx context.Context, tenantID string, status store.ConversationStatus, limit int) ([]*store.Conversation, error) {
	return s.store.ListConversations(ctx, tenantID, status, limit)
}

// Append records a message on the conversation and bumps its UpdatedAt.
// The message is persisted before Append returns; subscribers are notified after.
func (s *Service) Append(ctx context.Context, conv *store.Conversation, role store.Role, content string, mediaURLs []string) (*store.Message, error) {
	now := s.now()
	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		TenantID:       conv.TenantID,
		Role:           role,
		Content:        content,
		Channel:        conv.Channel,
		MediaURLs:      mediaURLs,
		CreatedAt:      now,
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("recording %s message: %w", role, err)
	}

	if err := s.store.TouchConversation(ctx, conv.ID, now); err != nil {
		s.logger.Warn("failed to touch conversation", "error", err, "conversation_id", conv.ID)
	}

	s.logger.Debug("message recorded",
		"conversation_id", conv.ID,
		"message_id", msg.ID,
		"role", role)

	if s.broadcaster != nil {
		s.broadcaster.Publish(conv.ID, msg, "")
	}
	return msg, nil
}

// AppendDetached is Append on a fresh context so the ledger write survives
// cancellation of the caller's context.
func (s *Service) AppendDetached(conv *store.Conversation, role store.Role, content string, mediaURLs []string) (*store.Message, error) {
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.Append(saveCtx, conv, role, content, mediaURLs)
}

// History returns the most recent limit messages in chronological order
func (s *Service) History(ctx context.Context, conversationID string, limit int) ([]*store.Message, error) {
	return s.store.ListMessages(ctx, conversationID, limit)
}

// Touch bumps UpdatedAt without changing status
func (s *Service) Touch(ctx context.Context, conversationID string) error {
	return s.store.TouchConversation(ctx, conversationID, s.now())
}

// RequestHandoff moves an open conversation to handoff_requested.
// It reports false without error when a handoff was already requested or an
// operator has already joined, so concurrent callers notify the customer once.
func (s *Service) RequestHandoff(ctx context.Context, conversationID string) (bool, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return false, err
		}

		switch conv.Status {
		case store.StatusHandoffRequested, store.StatusHumanJoined:
			return false, nil
		case store.StatusOpen:
		default:
			return false, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, conv.Status, store.StatusHandoffRequested)
		}

		err = s.store.UpdateConversationStatus(ctx, conversationID, store.StatusOpen, store.StatusHandoffRequested, s.now())
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("requesting handoff: %w", err)
		}

		s.logger.Info("handoff requested", "conversation_id", conversationID)
		return true, nil
	}
	return false, fmt.Errorf("requesting handoff: %w", store.ErrStatusConflict)
}

// Join records that an operator has taken over the conversation
func (s *Service) Join(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.transition(ctx, conversationID, store.StatusHumanJoined)
}

// ReturnToAgent hands a human_joined conversation back to the agent
func (s *Service) ReturnToAgent(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.transition(ctx, conversationID, store.StatusOpen)
}

// Close moves an active conversation to closed; the identity's next message opens a new one
func (s *Service) Close(ctx context.Context, conversationID string) (*store.Conversation, error) {
	return s.transition(ctx, conversationID, store.StatusClosed)
}

// transition applies a compare-and-set status change, retrying when the status
// moved underneath us. Reaching the target status already is not an error.
func (s *Service) transition(ctx context.Context, conversationID string, to store.ConversationStatus) (*store.Conversation, error) {
	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		conv, err := s.store.GetConversation(ctx, conversationID)
		if err != nil {
			return nil, err
		}
		if conv.Status == to {
			return conv, nil
		}
		if !CanTransition(conv.Status, to) {
			return nil, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, conv.Status, to)
		}

		now := s.now()
		err = s.store.UpdateConversationStatus(ctx, conversationID, conv.Status, to, now)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("updating status to %s: %w", to, err)
		}

		s.logger.Info("conversation status changed",
			"conversation_id", conversationID,
			"from", conv.Status,
			"to", to)

		conv.Status = to
		conv.UpdatedAt = now
		return conv, nil
	}
	return nil, fmt.Errorf("updating status to %s: %w", to, store.ErrStatusConflict)
}
