// Package conversation owns conversation resolution, the message ledger and
// the handoff state machine.
//
// # Service
//
//	svc := conversation.New(store, broadcaster, logger)
//
// Key operations:
//
//   - Resolve(ctx, tenantID, identity): find the active conversation or open a new one
//   - Append(ctx, conv, role, content, media): record a message and bump UpdatedAt
//   - History(ctx, id, limit): read the ledger in chronological order
//   - RequestHandoff / Join / ReturnToAgent / Close: status transitions
//
// # State Machine
//
//	open ──────────────► handoff_requested ──► human_joined
//	  ▲  └──────────────────────────────────────►  │
//	  └────────────────────────────────────────────┘
//
// Every active status may also move to closed. A closed conversation is
// history; the identity's next message opens a fresh one.
//
// Transitions are compare-and-set against the stored status, so two
// requests racing on the same conversation cannot both apply a change.
// RequestHandoff reports whether this caller performed the transition,
// which lets the relay send "care team notified" exactly once and
// "already notified" to everyone after.
//
// # Broadcaster
//
// Broadcaster fans appended messages out to live watchers (the widget
// stream and operator consoles). It is best effort: a slow watcher misses
// messages and can catch up from History.
package conversation
