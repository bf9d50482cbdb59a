// Package relay decides what an inbound message gets back and when.
//
// Handle walks the handoff state machine first. A conversation with an
// operator only records the message. A conversation already waiting for a
// human gets the "already notified" reply. A message that asks for a human
// moves the conversation to handoff_requested and gets the handoff notice.
//
// Everything else goes to the agent. The agent call runs as a background
// task that races the reply deadline:
//
//	task first:  empty acknowledgement, answer already sent out of band
//	timer first: placeholder reply, answer sent when the task finishes
//
// The deadline starts when Handle is entered. Voice notes with no text are
// transcribed inside the background task, so a slow media download cannot
// hold the handler past the deadline; the transcript then goes through the
// same handoff checks as typed text. A task that delivers an answer it could
// not record reports task_failed instead of agent.
//
// The task is never cancelled when the timer wins. Wait drains running
// tasks during shutdown.
package relay
