// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while keeping the active-conversation constraint

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation // keyed by conversation ID
	active        map[string]string        // keyed by "tenant:channel:externalUserID" -> conversation ID
	messages      map[string][]*Message    // keyed by conversation ID
	tenants       map[string]*Tenant       // keyed by tenant ID

	// AppendErr, when set, is returned by AppendMessage
	AppendErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		conversations: make(map[string]*Conversation),
		active:        make(map[string]string),
		messages:      make(map[string][]*Message),
		tenants:       make(map[string]*Tenant),
	}
}

func identityKey(tenantID string, channel Channel, externalUserID string) string {
	return tenantID + ":" + string(channel) + ":" + externalUserID
}

// CreateConversation stores a new conversation.
func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := identityKey(conv.TenantID, conv.Channel, conv.ExternalUserID)
	if conv.Status.Active() {
		if _, exists := m.active[key]; exists {
			return ErrDuplicateConversation
		}
	}

	// Make a copy to avoid external modification
	c := *conv
	m.conversations[c.ID] = &c
	if c.Status.Active() {
		m.active[key] = c.ID
	}

	return nil
}

// GetConversation retrieves a conversation by ID.
func (m *MockStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.conversations[id]
	if !ok {
		return nil, ErrNotFound
	}

	result := *c
	return &result, nil
}

// FindActiveConversation retrieves the active conversation for an identity.
func (m *MockStore) FindActiveConversation(ctx context.Context, tenantID string, channel Channel, externalUserID string) (*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[identityKey(tenantID, channel, externalUserID)]
	if !ok {
		return nil, ErrNotFound
	}

	result := *m.conversations[id]
	return &result, nil
}

// UpdateConversationStatus moves a conversation between statuses if it is still in from.
func (m *MockStore) UpdateConversationStatus(ctx context.Context, id string, from, to ConversationStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}

	key := identityKey(c.TenantID, c.Channel, c.ExternalUserID)
	if to.Active() && !from.Active() {
		if _, exists := m.active[key]; exists {
			return ErrDuplicateConversation
		}
	}

	c.Status = to
	c.UpdatedAt = at
	if to.Active() {
		m.active[key] = c.ID
	} else if m.active[key] == c.ID {
		delete(m.active, key)
	}

	return nil
}

// TouchConversation bumps updated_at.
func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	return nil
}

// ListConversations returns a tenant's conversations, most recently updated first.
func (m *MockStore) ListConversations(ctx context.Context, tenantID string, status ConversationStatus, limit int) ([]*Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}

	var convs []*Conversation
	for _, c := range m.conversations {
		if c.TenantID != tenantID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		cp := *c
		convs = append(convs, &cp)
	}

	sort.Slice(convs, func(i, j int) bool {
		return convs[i].UpdatedAt.After(convs[j].UpdatedAt)
	})

	if len(convs) > limit {
		convs = convs[:limit]
	}
	return convs, nil
}

// AppendMessage stores a message.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.AppendErr != nil {
		return m.AppendErr
	}

	cp := *msg
	if msg.MediaURLs != nil {
		cp.MediaURLs = append([]string(nil), msg.MediaURLs...)
	}
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], &cp)
	return nil
}

// ListMessages retrieves messages for a conversation in insertion order.
func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		cp := *msg
		result[i] = &cp
	}
	return result, nil
}

// UpsertTenant stores or replaces a tenant.
func (m *MockStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := m.tenants[tenant.ID]; ok {
		tenant.CreatedAt = existing.CreatedAt
	} else if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	cp := *tenant
	m.tenants[tenant.ID] = &cp
	return nil
}

// GetTenant retrieves a tenant by ID.
func (m *MockStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

// ListTenants returns all tenants ordered by ID.
func (m *MockStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tenants := make([]*Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		cp := *t
		tenants = append(tenants, &cp)
	}
	sort.Slice(tenants, func(i, j int) bool { return tenants[i].ID < tenants[j].ID })
	return tenants, nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op for MockStore.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
