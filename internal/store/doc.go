// Package store provides persistent storage for switchboard using SQLite.
//
// # Architecture
//
// The store package splits persistence into three interfaces:
//
//   - ConversationStore: conversations and their handoff status
//   - MessageStore: the append-only message ledger
//   - TenantStore: per-business channel credentials and reply texts
//
// Store combines them with Ping and Close. SQLiteStore implements all of
// them in a single struct, and MockStore is an in-memory stand-in for tests.
//
// # Data Models
//
//   - Conversation: one identity on one channel of one tenant, with a status
//     of open, handoff_requested, human_joined or closed
//   - Message: a ledger entry authored by the user, the assistant or a human agent
//   - Tenant: provider credentials, webhook secret hash and canned replies
//
// # Invariants
//
// At most one conversation per (tenant, channel, external user) is active
// at a time. SQLite enforces this with a partial unique index over the
// active statuses; CreateConversation reports a collision as
// ErrDuplicateConversation so callers can re-read the winner.
//
// Status changes are compare-and-set. UpdateConversationStatus takes the
// expected current status and returns ErrStatusConflict when another writer
// got there first.
//
// Messages are never updated or deleted. ListMessages orders by creation
// time and falls back to insertion order for identical timestamps.
//
// # SQLite Configuration
//
// PRAGMAs are set on every connection through the DSN:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//	PRAGMA busy_timeout=5000;
//
// The pool is capped at one connection so :memory: databases work and
// writes serialize inside the process.
//
// # Testing
//
// Use NewMockStore() for unit tests and NewSQLiteStore with a path under
// t.TempDir() for integration tests against real SQLite.
package store
