// ABOUTME: Tenant store implementation for per-business channel credentials and reply texts
// ABOUTME: Tenants are seeded from config at startup and read by the relay on every request

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// UpsertTenant inserts a tenant or replaces its mutable fields if it already exists.
// CreatedAt is preserved across upserts.
func (s *SQLiteStore) UpsertTenant(ctx context.Context, tenant *Tenant) error {
	now := time.Now().UTC()
	if tenant.CreatedAt.IsZero() {
		tenant.CreatedAt = now
	}
	tenant.UpdatedAt = now

	messagesJSON, err := json.Marshal(tenant.Messages)
	if err != nil {
		return fmt.Errorf("encoding tenant messages: %w", err)
	}

	query := `
		INSERT INTO tenants (id, name, webhook_secret_hash, require_secret, account_sid, auth_token,
			messaging_service_sid, from_number, messages_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			webhook_secret_hash = excluded.webhook_secret_hash,
			require_secret = excluded.require_secret,
			account_sid = excluded.account_sid,
			auth_token = excluded.auth_token,
			messaging_service_sid = excluded.messaging_service_sid,
			from_number = excluded.from_number,
			messages_json = excluded.messages_json,
			updated_at = excluded.updated_at
	`

	_, err = s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		nullString(tenant.WebhookSecretHash),
		boolToInt(tenant.RequireSecret),
		nullString(tenant.AccountSID),
		nullString(tenant.AuthToken),
		nullString(tenant.MessagingServiceSID),
		nullString(tenant.FromNumber),
		string(messagesJSON),
		formatTime(tenant.CreatedAt),
		formatTime(tenant.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting tenant: %w", err)
	}

	s.logger.Debug("upserted tenant", "id", tenant.ID)
	return nil
}

const tenantColumns = `id, name, webhook_secret_hash, require_secret, account_sid, auth_token,
	messaging_service_sid, from_number, messages_json, created_at, updated_at`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	var secretHash, accountSID, authToken, serviceSID, fromNumber, messagesJSON sql.NullString
	var requireSecret int
	var createdAtStr, updatedAtStr string

	err := row.Scan(
		&t.ID,
		&t.Name,
		&secretHash,
		&requireSecret,
		&accountSID,
		&authToken,
		&serviceSID,
		&fromNumber,
		&messagesJSON,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	t.WebhookSecretHash = secretHash.String
	t.RequireSecret = requireSecret != 0
	t.AccountSID = accountSID.String
	t.AuthToken = authToken.String
	t.MessagingServiceSID = serviceSID.String
	t.FromNumber = fromNumber.String

	if messagesJSON.Valid && messagesJSON.String != "" {
		if err := json.Unmarshal([]byte(messagesJSON.String), &t.Messages); err != nil {
			return nil, fmt.Errorf("decoding tenant messages: %w", err)
		}
	}

	t.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	t.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &t, nil
}

// GetTenant retrieves a tenant by ID.
// Returns ErrNotFound if the tenant doesn't exist.
func (s *SQLiteStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = ?`

	t, err := scanTenant(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant: %w", err)
	}
	return t, nil
}

// ListTenants returns all tenants ordered by ID
func (s *SQLiteStore) ListTenants(ctx context.Context) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tenantColumns+` FROM tenants ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("querying tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tenant rows: %w", err)
	}

	return tenants, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
