// ABOUTME: Store interface and data types for switchboard persistence
// ABOUTME: Defines Conversation, Message, Tenant and the interfaces the relay depends on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when creating a conversation would give
// an identity a second active conversation
var ErrDuplicateConversation = errors.New("active conversation already exists")

// ErrStatusConflict is returned by a conditional status update when the
// conversation is no longer in the expected status
var ErrStatusConflict = errors.New("conversation status changed concurrently")

// Channel identifies the messaging surface a conversation arrived on
type Channel string

const (
	ChannelWeb Channel = "web" // Embedded web widget
	ChannelSMS Channel = "sms" // Phone-messaging provider webhook
)

// Valid reports whether c is a known channel
func (c Channel) Valid() bool {
	return c == ChannelWeb || c == ChannelSMS
}

// ConversationStatus is the handoff lifecycle state of a conversation
type ConversationStatus string

const (
	StatusOpen             ConversationStatus = "open"              // Served by the agent
	StatusHandoffRequested ConversationStatus = "handoff_requested" // Waiting for an operator
	StatusHumanJoined      ConversationStatus = "human_joined"      // Operator is active
	StatusClosed           ConversationStatus = "closed"            // Superseded history
)

// ActiveStatuses are the statuses that count toward the one-active-conversation invariant
var ActiveStatuses = []ConversationStatus{StatusOpen, StatusHandoffRequested, StatusHumanJoined}

// Active reports whether the status belongs to the active set
func (s ConversationStatus) Active() bool {
	switch s {
	case StatusOpen, StatusHandoffRequested, StatusHumanJoined:
		return true
	}
	return false
}

// Conversation is the canonical thread for one identity on one channel of one tenant
type Conversation struct {
	ID             string
	TenantID       string
	Channel        Channel
	ExternalUserID string
	ScopedUserID   string
	Status         ConversationStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Role identifies who authored a message
type Role string

const (
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleHumanAgent Role = "human_agent"
)

// Message is an append-only ledger entry
type Message struct {
	ID             string
	ConversationID string
	TenantID       string
	Role           Role
	Content        string
	Channel        Channel
	MediaURLs      []string
	CreatedAt      time.Time
}

// Tenant holds a business's channel credentials and reply texts.
// It is read-only to the relay.
type Tenant struct {
	ID                  string
	Name                string
	WebhookSecretHash   string // bcrypt; empty means no secret is configured
	RequireSecret       bool   // answer secret mismatches with 403 instead of 200
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	FromNumber          string
	Messages            TenantMessages
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TenantMessages are the canned texts a tenant replies with.
// Empty fields fall back to the package defaults via WithDefaults.
type TenantMessages struct {
	Handoff         string
	AlreadyNotified string
	Placeholder     string
	Fallback        string
	UnreadableMedia string
	Error           string
}

// Default reply texts
const (
	DefaultHandoffMessage         = "I've notified our care team. A team member will join this conversation shortly."
	DefaultAlreadyNotifiedMessage = "Our care team has already been notified and will be with you shortly."
	DefaultPlaceholderMessage     = "Let me check on that for you. I'll reply shortly."
	DefaultFallbackMessage        = "Sorry, I'm having trouble answering right now. Please try again in a moment."
	DefaultUnreadableMediaMessage = "Sorry, I couldn't read that voice message. Could you type your question or send it again?"
	DefaultErrorMessage           = "Sorry, something went wrong. Please try again."
)

// WithDefaults returns a copy with every empty text replaced by its default
func (m TenantMessages) WithDefaults() TenantMessages {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return TenantMessages{
		Handoff:         pick(m.Handoff, DefaultHandoffMessage),
		AlreadyNotified: pick(m.AlreadyNotified, DefaultAlreadyNotifiedMessage),
		Placeholder:     pick(m.Placeholder, DefaultPlaceholderMessage),
		Fallback:        pick(m.Fallback, DefaultFallbackMessage),
		UnreadableMedia: pick(m.UnreadableMedia, DefaultUnreadableMediaMessage),
		Error:           pick(m.Error, DefaultErrorMessage),
	}
}

// ConversationStore persists conversations and their lifecycle status
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	FindActiveConversation(ctx context.Context, tenantID string, channel Channel, externalUserID string) (*Conversation, error)
	// UpdateConversationStatus moves a conversation from one status to another.
	// It returns ErrStatusConflict when the stored status is not from.
	UpdateConversationStatus(ctx context.Context, id string, from, to ConversationStatus, at time.Time) error
	TouchConversation(ctx context.Context, id string, at time.Time) error
	ListConversations(ctx context.Context, tenantID string, status ConversationStatus, limit int) ([]*Conversation, error)
}

// MessageStore is the append-only message ledger
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *Message) error
	// ListMessages returns the most recent limit messages in chronological order.
	// A limit of 0 or less returns the whole conversation.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)
}

// TenantStore resolves per-tenant configuration
type TenantStore interface {
	UpsertTenant(ctx context.Context, tenant *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	ListTenants(ctx context.Context) ([]*Tenant, error)
}

// Store combines every persistence concern of the relay
type Store interface {
	ConversationStore
	MessageStore
	TenantStore

	// Ping checks the database is reachable
	Ping(ctx context.Context) error

	// Close releases any resources held by the store
	Close() error
}
