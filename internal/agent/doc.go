// Package agent calls the AI agent that answers customers.
//
// The agent is an external HTTP collaborator. Client posts the inbound text
// with recent conversation history and receives a reply text plus an
// optional request to hand the conversation to a human:
//
//	POST {agent.url}
//	Authorization: Bearer {agent.api_key}
//
//	{"tenant_id": "...", "conversation_id": "...", "channel": "sms",
//	 "user_id": "sms:+1555...", "text": "...",
//	 "history": [{"role": "user", "content": "..."}]}
//
//	200 {"text": "...", "request_handoff": false}
//
// Every call is bounded by the configured timeout. Exceeding it yields
// ErrTimeout so the relay can send its fallback apology instead.
package agent
