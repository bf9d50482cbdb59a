// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so timestamps sort lexicographically in SQL
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	// PRAGMAs go in the DSN so every pooled connection gets them
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// :memory: databases are per-connection, and SQLite has a single writer anyway
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tenants (
			id                    TEXT PRIMARY KEY,
			name                  TEXT NOT NULL DEFAULT '',
			webhook_secret_hash   TEXT,
			require_secret        INTEGER NOT NULL DEFAULT 0,
			account_sid           TEXT,
			auth_token            TEXT,
			messaging_service_sid TEXT,
			from_number           TEXT,
			messages_json         TEXT,
			created_at            TEXT NOT NULL,
			updated_at            TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			channel          TEXT NOT NULL,
			external_user_id TEXT NOT NULL,
			scoped_user_id   TEXT NOT NULL,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (channel IN ('web', 'sms')),
			CHECK (status IN ('open', 'handoff_requested', 'human_joined', 'closed'))
		);

		-- At most one active conversation per identity. Closed rows are history
		-- and fall outside the index.
		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active
			ON conversations(tenant_id, channel, external_user_id)
			WHERE status IN ('open', 'handoff_requested', 'human_joined');

		CREATE INDEX IF NOT EXISTS idx_conversations_identity
			ON conversations(tenant_id, channel, external_user_id, updated_at);

		CREATE INDEX IF NOT EXISTS idx_conversations_tenant_status
			ON conversations(tenant_id, status, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			tenant_id       TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			channel         TEXT NOT NULL,
			media_urls      TEXT,
			created_at      TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),

			CHECK (role IN ('user', 'assistant', 'human_agent'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "tenants",
			column: "require_secret",
			apply:  `ALTER TABLE tenants ADD COLUMN require_secret INTEGER NOT NULL DEFAULT 0`,
		},
		{
			table:  "messages",
			column: "media_urls",
			apply:  `ALTER TABLE messages ADD COLUMN media_urls TEXT`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Ping checks the database connection
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateConversation inserts a new conversation.
// If the identity already has an active conversation it returns ErrDuplicateConversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	query := `
		INSERT INTO conversations (id, tenant_id, channel, external_user_id, scoped_user_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		conv.ID,
		conv.TenantID,
		string(conv.Channel),
		conv.ExternalUserID,
		conv.ScopedUserID,
		string(conv.Status),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "id", conv.ID, "tenant_id", conv.TenantID, "channel", conv.Channel)
	return nil
}

const conversationColumns = `id, tenant_id, channel, external_user_id, scoped_user_id, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var channel, status, createdAtStr, updatedAtStr string

	err := row.Scan(
		&conv.ID,
		&conv.TenantID,
		&channel,
		&conv.ExternalUserID,
		&conv.ScopedUserID,
		&status,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	conv.Channel = Channel(channel)
	conv.Status = ConversationStatus(status)

	conv.CreatedAt, err = parseTime(createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	conv.UpdatedAt, err = parseTime(updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &conv, nil
}

// GetConversation retrieves a conversation by ID.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id = ?`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// FindActiveConversation returns the most recently updated active conversation
// for an identity. Returns ErrNotFound if there is none.
func (s *SQLiteStore) FindActiveConversation(ctx context.Context, tenantID string, channel Channel, externalUserID string) (*Conversation, error) {
	query := `
		SELECT ` + conversationColumns + `
		FROM conversations
		WHERE tenant_id = ? AND channel = ? AND external_user_id = ?
		  AND status IN ('open', 'handoff_requested', 'human_joined')
		ORDER BY updated_at DESC
		LIMIT 1
	`

	conv, err := scanConversation(s.db.QueryRowContext(ctx, query, tenantID, string(channel), externalUserID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying active conversation: %w", err)
	}
	return conv, nil
}

// UpdateConversationStatus performs a compare-and-set on the status column.
// Returns ErrNotFound if the conversation doesn't exist and ErrStatusConflict
// if its status is no longer from.
func (s *SQLiteStore) UpdateConversationStatus(ctx context.Context, id string, from, to ConversationStatus, at time.Time) error {
	query := `
		UPDATE conversations
		SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.ExecContext(ctx, query, string(to), formatTime(at), id, string(from))
	if err != nil {
		if isConstraintViolation(err) {
			// Reopening would collide with a newer active conversation
			return ErrDuplicateConversation
		}
		return fmt.Errorf("updating conversation status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}

	if rowsAffected == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return err
		}
		return ErrStatusConflict
	}

	s.logger.Debug("updated conversation status", "id", id, "from", from, "to", to)
	return nil
}

// TouchConversation bumps updated_at without changing status.
// Returns ErrNotFound if the conversation doesn't exist.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns a tenant's conversations, most recently updated first.
// An empty status lists every status. If limit is 0 or negative, a default of 100 is used.
func (s *SQLiteStore) ListConversations(ctx context.Context, tenantID string, status ConversationStatus, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		convs = append(convs, conv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}

	return convs, nil
}

// AppendMessage saves a message to the ledger
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *Message) error {
	var mediaJSON any
	if len(msg.MediaURLs) > 0 {
		b, err := json.Marshal(msg.MediaURLs)
		if err != nil {
			return fmt.Errorf("encoding media urls: %w", err)
		}
		mediaJSON = string(b)
	}

	query := `
		INSERT INTO messages (id, conversation_id, tenant_id, role, content, channel, media_urls, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.TenantID,
		string(msg.Role),
		msg.Content,
		string(msg.Channel),
		mediaJSON,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("appended message", "id", msg.ID, "conversation_id", msg.ConversationID, "role", msg.Role)
	return nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first); rowid breaks timestamp ties
// so insertion order wins.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT id, conversation_id, tenant_id, role, content, channel, media_urls, created_at
			FROM (
				SELECT rowid AS seq, id, conversation_id, tenant_id, role, content, channel, media_urls, created_at
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, seq ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT id, conversation_id, tenant_id, role, content, channel, media_urls, created_at
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var role, channel, createdAtStr string
		var mediaJSON sql.NullString

		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.TenantID, &role, &msg.Content, &channel, &mediaJSON, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}

		msg.Role = Role(role)
		msg.Channel = Channel(channel)
		msg.CreatedAt, err = parseTime(createdAtStr)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if mediaJSON.Valid && mediaJSON.String != "" {
			if err := json.Unmarshal([]byte(mediaJSON.String), &msg.MediaURLs); err != nil {
				return nil, fmt.Errorf("decoding media urls: %w", err)
			}
		}

		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
