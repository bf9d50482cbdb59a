// ABOUTME: Inbound phone-messaging webhook answered with a TwiML envelope
// ABOUTME: Always replies 200 unless the tenant demands a hard secret rejection

package gateway

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/relay"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transcribe"
)

// maxInboundMedia caps how many MediaUrlN fields are read
const maxInboundMedia = 10

// twimlResponse is the provider's synchronous reply envelope
type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Message *string  `xml:"Message,omitempty"`
}

// writeTwiML writes an envelope; empty text means no immediate reply
func writeTwiML(w http.ResponseWriter, status int, text string) {
	resp := twimlResponse{}
	if text != "" {
		resp.Message = &text
	}
	body, err := xml.Marshal(resp)
	if err != nil {
		body = []byte("<Response></Response>")
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

// parseInbound reads the provider's form fields
func parseInbound(r *http.Request, tenantID string) (*relay.Inbound, string) {
	in := &relay.Inbound{
		TenantID: tenantID,
		Channel:  store.ChannelSMS,
		From:     r.PostFormValue("From"),
		Text:     r.PostFormValue("Body"),
	}

	numMedia, _ := strconv.Atoi(r.PostFormValue("NumMedia"))
	numMedia = min(numMedia, maxInboundMedia)
	for i := 0; i < numMedia; i++ {
		u := strings.TrimSpace(r.PostFormValue(fmt.Sprintf("MediaUrl%d", i)))
		if u == "" {
			continue
		}
		in.Media = append(in.Media, transcribe.Media{
			URL:         u,
			ContentType: r.PostFormValue(fmt.Sprintf("MediaContentType%d", i)),
		})
	}

	return in, r.PostFormValue("MessageSid")
}

// handleWebhook handles POST /webhook/{tenantID}
func (g *Gateway) handleWebhook(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	logger := g.logger.With("tenant_id", tenantID)

	r.Body = http.MaxBytesReader(w, r.Body, maxFormBytes)
	if err := r.ParseForm(); err != nil {
		logger.Warn("unparseable webhook body", "error", err)
		writeTwiML(w, http.StatusOK, store.DefaultErrorMessage)
		return
	}

	tenant, err := g.store.GetTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			metrics.RejectedRequests.WithLabelValues("unknown_tenant").Inc()
			logger.Warn("webhook for unknown tenant")
		} else {
			logger.Error("failed to load tenant", "error", err)
		}
		writeTwiML(w, http.StatusOK, store.DefaultErrorMessage)
		return
	}
	msgs := tenant.Messages.WithDefaults()

	if err := verifySecret(tenant, providedSecret(r)); err != nil {
		metrics.RejectedRequests.WithLabelValues("secret_mismatch").Inc()
		logger.Warn("webhook secret mismatch", "remote_addr", r.RemoteAddr)
		if tenant.RequireSecret {
			writeTwiML(w, http.StatusForbidden, "")
			return
		}
		writeTwiML(w, http.StatusOK, msgs.Error)
		return
	}

	in, messageSID := parseInbound(r, tenant.ID)

	id, err := identity.Resolve(in.Channel, in.From)
	if err != nil {
		metrics.RejectedRequests.WithLabelValues("invalid_identity").Inc()
		logger.Warn("webhook with invalid sender", "error", err)
		writeTwiML(w, http.StatusOK, msgs.Error)
		return
	}

	if !g.dedupe.Claim(tenant.ID, messageSID) {
		metrics.DuplicateDeliveries.Inc()
		logger.Info("ignoring redelivered message", "message_sid", messageSID)
		writeTwiML(w, http.StatusOK, "")
		return
	}

	if !g.limiter.Allow(tenant.ID + "|" + id.ScopedUserID) {
		metrics.RateLimitHits.WithLabelValues(string(in.Channel)).Inc()
		logger.Warn("sender rate limited", "user_id", id.ScopedUserID)
		writeTwiML(w, http.StatusOK, "")
		return
	}

	// Ledger writes must not be abandoned if the provider hangs up
	out, err := g.dispatcher.Handle(context.WithoutCancel(r.Context()), tenant, in)
	if err != nil {
		g.dedupe.Release(tenant.ID, messageSID)
		logger.Error("failed to handle inbound message", "error", err, "message_sid", messageSID)
		writeTwiML(w, http.StatusOK, msgs.Error)
		return
	}

	logger.Debug("inbound message handled",
		"conversation_id", out.ConversationID,
		"path", out.Path,
		"pending", out.Pending)
	writeTwiML(w, http.StatusOK, out.Reply)
}
