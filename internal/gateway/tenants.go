// ABOUTME: Tenant seeding from config and shared-secret verification
// ABOUTME: Secrets are stored as bcrypt hashes and checked per request

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/store"
)

// ErrSecretMismatch is returned when a request's shared secret does not match the tenant's
var ErrSecretMismatch = errors.New("webhook secret mismatch")

// secretHeader carries the tenant shared secret on every authenticated endpoint
const secretHeader = "X-Webhook-Secret"

// seedTenants upserts each configured tenant. Plaintext secrets are hashed
// before they reach the store.
func seedTenants(ctx context.Context, st store.TenantStore, tenants []config.TenantConfig, logger *slog.Logger) error {
	for _, tc := range tenants {
		hash := tc.WebhookSecretHash
		if hash == "" && tc.WebhookSecret != "" {
			b, err := bcrypt.GenerateFromPassword([]byte(tc.WebhookSecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("hashing secret for tenant %s: %w", tc.ID, err)
			}
			hash = string(b)
		}

		t := &store.Tenant{
			ID:                  tc.ID,
			Name:                tc.Name,
			WebhookSecretHash:   hash,
			RequireSecret:       tc.RequireSecret,
			AccountSID:          tc.AccountSID,
			AuthToken:           tc.AuthToken,
			MessagingServiceSID: tc.MessagingServiceSID,
			FromNumber:          tc.FromNumber,
			Messages: store.TenantMessages{
				Handoff:         tc.Messages.Handoff,
				AlreadyNotified: tc.Messages.AlreadyNotified,
				Placeholder:     tc.Messages.Placeholder,
				Fallback:        tc.Messages.Fallback,
				UnreadableMedia: tc.Messages.UnreadableMedia,
				Error:           tc.Messages.Error,
			},
		}
		if err := st.UpsertTenant(ctx, t); err != nil {
			return fmt.Errorf("seeding tenant %s: %w", tc.ID, err)
		}
		logger.Info("tenant loaded",
			"tenant_id", tc.ID,
			"secret", hash != "",
			"require_secret", tc.RequireSecret,
			"messaging_service", tc.MessagingServiceSID != "")
	}
	return nil
}

// providedSecret reads the secret from the header, falling back to ?secret=
func providedSecret(r *http.Request) string {
	if s := r.Header.Get(secretHeader); s != "" {
		return s
	}
	return r.URL.Query().Get("secret")
}

// verifySecret checks provided against the tenant's hash. A tenant without a
// secret accepts everything.
func verifySecret(t *store.Tenant, provided string) error {
	if t.WebhookSecretHash == "" {
		return nil
	}
	if provided == "" {
		return ErrSecretMismatch
	}
	if err := bcrypt.CompareHashAndPassword([]byte(t.WebhookSecretHash), []byte(provided)); err != nil {
		return ErrSecretMismatch
	}
	return nil
}
