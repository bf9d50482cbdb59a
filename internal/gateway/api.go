// ABOUTME: JSON HTTP handlers for the process endpoint, the web widget, and operators
// ABOUTME: Operator and process calls are authenticated with the tenant shared secret

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/relay"
	"github.com/2389/switchboard/internal/store"
)

// ProcessRequest is the JSON body for POST /process/{tenantID}/{conversationID}.
type ProcessRequest struct {
	From string `json:"from"`
}

// WidgetMessageRequest is the JSON body for POST /widget/{tenantID}/messages.
type WidgetMessageRequest struct {
	VisitorID string `json:"visitor_id"`
	Text      string `json:"text"`
}

// WidgetMessageResponse tells the widget what to show now and whether more is coming.
type WidgetMessageResponse struct {
	ConversationID string `json:"conversation_id"`
	Reply          string `json:"reply"`
	Pending        bool   `json:"pending"`
}

// HumanReplyRequest is the JSON body for POST /api/conversations/{id}/reply.
type HumanReplyRequest struct {
	Text string `json:"text"`
}

// MessageResponse is one ledger entry.
type MessageResponse struct {
	ID        string   `json:"id"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	MediaURLs []string `json:"media_urls,omitempty"`
	CreatedAt string   `json:"created_at"`
}

// MessagesResponse is the JSON response for conversation history.
type MessagesResponse struct {
	ConversationID string            `json:"conversation_id"`
	Status         string            `json:"status"`
	Messages       []MessageResponse `json:"messages"`
}

// ConversationResponse summarizes a conversation for operators.
type ConversationResponse struct {
	ID           string `json:"id"`
	Channel      string `json:"channel"`
	ScopedUserID string `json:"user_id"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		ID:        m.ID,
		Role:      string(m.Role),
		Content:   m.Content,
		MediaURLs: m.MediaURLs,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

func toConversationResponse(c *store.Conversation) ConversationResponse {
	return ConversationResponse{
		ID:           c.ID,
		Channel:      string(c.Channel),
		ScopedUserID: c.ScopedUserID,
		Status:       string(c.Status),
		CreatedAt:    c.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:    c.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// writeJSON writes v with the given status
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// decodeJSON reads a bounded JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFormBytes))
	if err != nil {
		return fmt.Errorf("reading body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// statusFor maps relay and store errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrTenantMismatch),
		errors.Is(err, relay.ErrNotAgentServed),
		errors.Is(err, conversation.ErrInvalidTransition),
		errors.Is(err, store.ErrStatusConflict):
		return http.StatusConflict
	case errors.Is(err, relay.ErrNothingToAnswer),
		errors.Is(err, identity.ErrInvalidIdentity):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendError writes err with its mapped status, hiding internal details
func (g *Gateway) sendError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		g.logger.Error("request failed", "error", err)
		g.sendJSONError(w, status, "internal error")
		return
	}
	g.sendJSONError(w, status, err.Error())
}

// authorizedTenant loads the tenant and checks the shared secret. It writes
// the error response itself and returns nil when the caller should stop.
func (g *Gateway) authorizedTenant(w http.ResponseWriter, r *http.Request, tenantID string) *store.Tenant {
	tenant, err := g.store.GetTenant(r.Context(), tenantID)
	if errors.Is(err, store.ErrNotFound) {
		metrics.RejectedRequests.WithLabelValues("unknown_tenant").Inc()
		g.sendJSONError(w, http.StatusNotFound, "unknown tenant")
		return nil
	}
	if err != nil {
		g.sendError(w, err)
		return nil
	}
	if err := verifySecret(tenant, r.Header.Get(secretHeader)); err != nil {
		metrics.RejectedRequests.WithLabelValues("secret_mismatch").Inc()
		g.sendJSONError(w, http.StatusUnauthorized, err.Error())
		return nil
	}
	return tenant
}

// handleProcess handles POST /process/{tenantID}/{conversationID}.
// It answers the conversation's latest customer message synchronously.
func (g *Gateway) handleProcess(w http.ResponseWriter, r *http.Request) {
	tenant := g.authorizedTenant(w, r, r.PathValue("tenantID"))
	if tenant == nil {
		return
	}

	var req ProcessRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.dispatcher.Process(r.Context(), tenant, r.PathValue("conversationID"), req.From); err != nil {
		g.sendError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleWidgetMessage handles POST /widget/{tenantID}/messages.
func (g *Gateway) handleWidgetMessage(w http.ResponseWriter, r *http.Request) {
	tenant, err := g.store.GetTenant(r.Context(), r.PathValue("tenantID"))
	if err != nil {
		g.sendError(w, err)
		return
	}

	var req WidgetMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := identity.Resolve(store.ChannelWeb, req.VisitorID)
	if err != nil {
		metrics.RejectedRequests.WithLabelValues("invalid_identity").Inc()
		g.sendJSONError(w, http.StatusBadRequest, "visitor_id is required")
		return
	}
	if !g.limiter.Allow(tenant.ID + "|" + id.ScopedUserID) {
		metrics.RateLimitHits.WithLabelValues(string(store.ChannelWeb)).Inc()
		g.sendJSONError(w, http.StatusTooManyRequests, "slow down")
		return
	}

	out, err := g.dispatcher.Handle(context.WithoutCancel(r.Context()), tenant, &relay.Inbound{
		TenantID: tenant.ID,
		Channel:  store.ChannelWeb,
		From:     req.VisitorID,
		Text:     req.Text,
	})
	if err != nil {
		g.logger.Error("failed to handle widget message", "error", err, "tenant_id", tenant.ID)
		g.writeJSON(w, http.StatusOK, WidgetMessageResponse{Reply: tenant.Messages.WithDefaults().Error})
		return
	}

	g.writeJSON(w, http.StatusOK, WidgetMessageResponse{
		ConversationID: out.ConversationID,
		Reply:          out.Reply,
		Pending:        out.Pending,
	})
}

// widgetConversation loads a conversation and checks it belongs to the
// visitor named in ?visitor_id=. Mismatches look like a missing conversation.
func (g *Gateway) widgetConversation(w http.ResponseWriter, r *http.Request) *store.Conversation {
	conv, err := g.conversations.Get(r.Context(), r.PathValue("conversationID"))
	if err != nil {
		g.sendError(w, err)
		return nil
	}
	id, err := identity.Resolve(store.ChannelWeb, r.URL.Query().Get("visitor_id"))
	if err != nil || conv.TenantID != r.PathValue("tenantID") || conv.ScopedUserID != id.ScopedUserID {
		g.sendJSONError(w, http.StatusNotFound, store.ErrNotFound.Error())
		return nil
	}
	return conv
}

// handleWidgetHistory handles GET /widget/{tenantID}/conversations/{conversationID}/messages.
// The widget polls it for answers that arrived after a placeholder.
func (g *Gateway) handleWidgetHistory(w http.ResponseWriter, r *http.Request) {
	conv := g.widgetConversation(w, r)
	if conv == nil {
		return
	}
	g.writeHistory(w, r, conv)
}

// handleWidgetStream handles GET /widget/{tenantID}/conversations/{conversationID}/stream
// as Server-Sent Events, one "message" event per ledger append.
func (g *Gateway) handleWidgetStream(w http.ResponseWriter, r *http.Request) {
	conv := g.widgetConversation(w, r)
	if conv == nil {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ch, _ := g.broadcaster.Subscribe(r.Context(), conv.ID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(30 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			_, _ = fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case msg, ok := <-ch:
			if !ok {
				return
			}
			g.writeSSEEvent(w, "message", toMessageResponse(msg))
			flusher.Flush()
		}
	}
}

func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", event)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}

// writeHistory answers with the conversation's ledger, honoring ?limit=
func (g *Gateway) writeHistory(w http.ResponseWriter, r *http.Request, conv *store.Conversation) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := g.conversations.History(r.Context(), conv.ID, limit)
	if err != nil {
		g.sendError(w, err)
		return
	}

	resp := MessagesResponse{
		ConversationID: conv.ID,
		Status:         string(conv.Status),
		Messages:       make([]MessageResponse, 0, len(msgs)),
	}
	for _, m := range msgs {
		resp.Messages = append(resp.Messages, toMessageResponse(m))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// operatorConversation loads the path conversation and authorizes the
// caller against its tenant's secret. Tenants without a secret cannot be
// operated over HTTP.
func (g *Gateway) operatorConversation(w http.ResponseWriter, r *http.Request) (*store.Tenant, *store.Conversation) {
	conv, err := g.conversations.Get(r.Context(), r.PathValue("conversationID"))
	if err != nil {
		g.sendError(w, err)
		return nil, nil
	}
	tenant := g.authorizedOperator(w, r, conv.TenantID)
	if tenant == nil {
		return nil, nil
	}
	return tenant, conv
}

func (g *Gateway) authorizedOperator(w http.ResponseWriter, r *http.Request, tenantID string) *store.Tenant {
	tenant := g.authorizedTenant(w, r, tenantID)
	if tenant == nil {
		return nil
	}
	if tenant.WebhookSecretHash == "" {
		g.sendJSONError(w, http.StatusForbidden, "operator API needs a tenant secret")
		return nil
	}
	return tenant
}

// handleListConversations handles GET /api/tenants/{tenantID}/conversations?status=&limit=
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	tenant := g.authorizedOperator(w, r, r.PathValue("tenantID"))
	if tenant == nil {
		return
	}

	status := store.ConversationStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Active() && status != store.StatusClosed {
		g.sendJSONError(w, http.StatusBadRequest, "unknown status")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	convs, err := g.conversations.List(r.Context(), tenant.ID, status, limit)
	if err != nil {
		g.sendError(w, err)
		return
	}
	resp := make([]ConversationResponse, 0, len(convs))
	for _, c := range convs {
		resp = append(resp, toConversationResponse(c))
	}
	g.writeJSON(w, http.StatusOK, resp)
}

// handleOperatorHistory handles GET /api/conversations/{conversationID}/messages
func (g *Gateway) handleOperatorHistory(w http.ResponseWriter, r *http.Request) {
	_, conv := g.operatorConversation(w, r)
	if conv == nil {
		return
	}
	g.writeHistory(w, r, conv)
}

// operatorTransition runs one state-machine action for the path conversation
func (g *Gateway) operatorTransition(w http.ResponseWriter, r *http.Request, action string, fn func(context.Context, string) (*store.Conversation, error)) {
	tenant, conv := g.operatorConversation(w, r)
	if conv == nil {
		return
	}

	updated, err := fn(r.Context(), conv.ID)
	if err != nil {
		g.sendError(w, err)
		return
	}
	metrics.HandoffTransitions.WithLabelValues("operator_" + action).Inc()
	g.logger.Info("operator action", "action", action, "tenant_id", tenant.ID, "conversation_id", conv.ID, "status", updated.Status)
	g.writeJSON(w, http.StatusOK, toConversationResponse(updated))
}

// handleJoin handles POST /api/conversations/{conversationID}/join
func (g *Gateway) handleJoin(w http.ResponseWriter, r *http.Request) {
	g.operatorTransition(w, r, "join", g.conversations.Join)
}

// handleReturn handles POST /api/conversations/{conversationID}/return
func (g *Gateway) handleReturn(w http.ResponseWriter, r *http.Request) {
	g.operatorTransition(w, r, "return", g.conversations.ReturnToAgent)
}

// handleClose handles POST /api/conversations/{conversationID}/close
func (g *Gateway) handleClose(w http.ResponseWriter, r *http.Request) {
	g.operatorTransition(w, r, "close", g.conversations.Close)
}

// handleHumanReply handles POST /api/conversations/{conversationID}/reply
func (g *Gateway) handleHumanReply(w http.ResponseWriter, r *http.Request) {
	tenant, conv := g.operatorConversation(w, r)
	if conv == nil {
		return
	}

	var req HumanReplyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		g.sendJSONError(w, http.StatusBadRequest, "text is required")
		return
	}

	msg, err := g.dispatcher.HumanReply(r.Context(), tenant, conv.ID, req.Text)
	if err != nil && msg == nil {
		g.sendError(w, err)
		return
	}
	if err != nil {
		// Recorded but not delivered
		g.logger.Warn("operator reply recorded but not delivered", "error", err, "conversation_id", conv.ID)
		g.writeJSON(w, http.StatusAccepted, toMessageResponse(msg))
		return
	}
	g.writeJSON(w, http.StatusOK, toMessageResponse(msg))
}
