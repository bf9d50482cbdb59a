// ABOUTME: The background process task: agent call, ledger append, handoff transition, outbound send
// ABOUTME: Also serves the synchronous process endpoint and operator replies

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/outbound"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transcribe"
)

var (
	// ErrTenantMismatch is returned when a conversation belongs to a different tenant or sender
	ErrTenantMismatch = errors.New("conversation does not belong to this tenant")

	// ErrNotAgentServed is returned when the agent is asked to answer a conversation it does not own
	ErrNotAgentServed = errors.New("conversation is not served by the agent")

	// ErrNothingToAnswer is returned when a conversation has no customer message to reply to
	ErrNothingToAnswer = errors.New("no customer message to answer")
)

// process invokes the agent, records and delivers its answer, and applies
// any handoff it asked for. ctx must not be tied to the inbound request.
// The answer is delivered even when it cannot be recorded; the returned
// error reports that ledger failure. Send failures are logged only.
func (d *Dispatcher) process(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, inbound *store.Message, to string) (string, error) {
	reply := d.invoke(ctx, tenant, conv, inbound)

	text := reply.Text
	if conv.Channel == store.ChannelSMS {
		text = outbound.FormatSMS(text)
	}

	_, ledgerErr := d.conversations.Append(ctx, conv, store.RoleAssistant, text, nil)
	if ledgerErr != nil {
		d.logger.Error("failed to record agent reply, delivering anyway", "error", ledgerErr, "conversation_id", conv.ID)
	}

	if reply.RequestHandoff {
		moved, err := d.conversations.RequestHandoff(ctx, conv.ID)
		switch {
		case err != nil:
			d.logger.Error("agent handoff request failed", "error", err, "conversation_id", conv.ID)
		case moved:
			metrics.HandoffTransitions.WithLabelValues("agent").Inc()
			d.logger.Info("agent handed conversation to a human", "conversation_id", conv.ID)
		}
	}

	if conv.Channel == store.ChannelSMS {
		// Logged inside deliver; the customer may already have a placeholder
		_ = d.deliver(ctx, tenant, conv, to, text)
	}

	if ledgerErr != nil {
		return text, fmt.Errorf("recording agent reply: %w", ledgerErr)
	}
	return text, nil
}

// answerVoiceNote transcribes a voice note and then handles the transcript
// like a typed message. It runs as a background task because downloading
// and transcribing media can take longer than the reply deadline.
func (d *Dispatcher) answerVoiceNote(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, media transcribe.Media, mediaURLs []string, to string) taskResult {
	transcript, ok := d.transcriber.Transcribe(ctx, mediaCredentials(tenant), media)
	if !ok {
		metrics.Transcriptions.WithLabelValues("unreadable").Inc()
		if _, err := d.conversations.Append(ctx, conv, store.RoleUser, "", mediaURLs); err != nil {
			d.logger.Error("failed to record voice note", "error", err, "conversation_id", conv.ID)
		}
		return d.sendCanned(ctx, tenant, conv, to, tenant.Messages.WithDefaults().UnreadableMedia, PathUnreadableMedia)
	}
	metrics.Transcriptions.WithLabelValues("ok").Inc()
	d.logger.Debug("voice note transcribed", "conversation_id", conv.ID, "length", len(transcript))

	inbound, err := d.conversations.Append(ctx, conv, store.RoleUser, transcript, mediaURLs)
	if err != nil {
		d.logger.Error("failed to record transcribed voice note", "error", err, "conversation_id", conv.ID)
		res := d.sendCanned(ctx, tenant, conv, to, tenant.Messages.WithDefaults().Error, PathTaskFailed)
		res.err = err
		return res
	}

	canned, path, err := d.decide(ctx, tenant, conv, inbound)
	if err != nil {
		d.logger.Error("handoff check failed for voice note", "error", err, "conversation_id", conv.ID)
		res := d.sendCanned(ctx, tenant, conv, to, tenant.Messages.WithDefaults().Error, PathTaskFailed)
		res.err = err
		return res
	}
	if path != PathAgent {
		return d.sendCanned(ctx, tenant, conv, to, canned, path)
	}

	answer, err := d.process(ctx, tenant, conv, inbound, to)
	return taskResult{text: answer, path: PathAgent, err: err}
}

// sendCanned records a canned assistant reply and delivers it on SMS
func (d *Dispatcher) sendCanned(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, to, text string, path Path) taskResult {
	res := taskResult{text: text, path: path}
	if _, err := d.conversations.Append(ctx, conv, store.RoleAssistant, text, nil); err != nil {
		d.logger.Error("failed to record reply", "error", err, "conversation_id", conv.ID, "path", path)
		res.err = err
	}
	if conv.Channel == store.ChannelSMS {
		_ = d.deliver(ctx, tenant, conv, to, text)
	}
	return res
}

// invoke calls the agent with recent history. It never fails: timeouts and
// errors become the tenant's fallback apology.
func (d *Dispatcher) invoke(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, inbound *store.Message) *agent.Reply {
	fallback := &agent.Reply{Text: tenant.Messages.WithDefaults().Fallback}

	history, err := d.conversations.History(ctx, conv.ID, d.cfg.HistoryLimit+1)
	if err != nil {
		d.logger.Warn("failed to load history for agent", "error", err, "conversation_id", conv.ID)
	}
	turns := make([]agent.Turn, 0, len(history))
	for _, m := range history {
		if m.ID == inbound.ID {
			continue
		}
		turns = append(turns, agent.Turn{Role: string(m.Role), Content: m.Content})
	}
	if len(turns) > d.cfg.HistoryLimit {
		turns = turns[len(turns)-d.cfg.HistoryLimit:]
	}

	start := time.Now()
	reply, err := d.agent.Generate(ctx, &agent.Request{
		TenantID:       tenant.ID,
		ConversationID: conv.ID,
		Channel:        string(conv.Channel),
		UserID:         conv.ScopedUserID,
		Text:           inbound.Content,
		MediaURLs:      inbound.MediaURLs,
		History:        turns,
	})
	metrics.AgentDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		if errors.Is(err, agent.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			metrics.AgentCalls.WithLabelValues("timeout").Inc()
			d.logger.Warn("agent timed out, sending fallback", "conversation_id", conv.ID, "elapsed", time.Since(start))
		} else {
			metrics.AgentCalls.WithLabelValues("error").Inc()
			d.logger.Error("agent failed, sending fallback", "error", err, "conversation_id", conv.ID)
		}
		return fallback
	}
	metrics.AgentCalls.WithLabelValues("ok").Inc()

	if strings.TrimSpace(reply.Text) == "" {
		d.logger.Warn("agent returned an empty reply, sending fallback", "conversation_id", conv.ID)
		fallback.RequestHandoff = reply.RequestHandoff
		return fallback
	}
	return reply
}

// deliver sends text to the customer and logs any failure
func (d *Dispatcher) deliver(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, to, text string) error {
	if to == "" {
		to = conv.ExternalUserID
	}

	res, err := d.sender.Send(ctx, sendCredentials(tenant), to, text)
	switch {
	case err == nil:
		metrics.OutboundSends.WithLabelValues("ok").Inc()
		if res != nil {
			d.logger.Debug("reply delivered", "conversation_id", conv.ID, "sid", res.SID)
		}
	case errors.Is(err, outbound.ErrMisconfiguredChannel):
		metrics.OutboundSends.WithLabelValues("misconfigured").Inc()
		d.logger.Error("cannot deliver reply, tenant channel misconfigured",
			"error", err,
			"tenant_id", tenant.ID,
			"conversation_id", conv.ID)
	default:
		metrics.OutboundSends.WithLabelValues("failed").Inc()
		d.logger.Error("reply delivery failed", "error", err, "conversation_id", conv.ID)
	}
	return err
}

// Process answers the latest customer message of a conversation synchronously.
// from, when set, must identify the conversation's customer and is used as
// the delivery address.
func (d *Dispatcher) Process(ctx context.Context, tenant *store.Tenant, conversationID, from string) error {
	conv, err := d.conversations.Get(ctx, conversationID)
	if err != nil {
		return err
	}
	if conv.TenantID != tenant.ID {
		return ErrTenantMismatch
	}
	if from != "" {
		id, err := identity.Resolve(conv.Channel, from)
		if err != nil {
			return err
		}
		if id.ExternalUserID != conv.ExternalUserID {
			return fmt.Errorf("%w: sender %s", ErrTenantMismatch, id.ScopedUserID)
		}
	}
	if conv.Status != store.StatusOpen {
		return fmt.Errorf("%w: status is %s", ErrNotAgentServed, conv.Status)
	}

	history, err := d.conversations.History(ctx, conv.ID, d.cfg.HistoryLimit)
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	var inbound *store.Message
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == store.RoleUser {
			inbound = history[i]
			break
		}
	}
	if inbound == nil {
		return ErrNothingToAnswer
	}

	d.wg.Add(1)
	defer d.wg.Done()

	taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ProcessTimeout)
	defer cancel()
	_, err = d.process(taskCtx, tenant, conv, inbound, strings.TrimSpace(from))
	return err
}

// HumanReply records an operator's message and delivers it on SMS.
// The operator joins the conversation if they had not already.
func (d *Dispatcher) HumanReply(ctx context.Context, tenant *store.Tenant, conversationID, text string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("reply text is required")
	}

	conv, err := d.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.TenantID != tenant.ID {
		return nil, ErrTenantMismatch
	}

	conv, err = d.conversations.Join(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	if conv.Channel == store.ChannelSMS {
		text = outbound.FormatSMS(text)
	}
	msg, err := d.conversations.Append(ctx, conv, store.RoleHumanAgent, text, nil)
	if err != nil {
		return nil, err
	}

	if conv.Channel == store.ChannelSMS {
		if err := d.deliver(ctx, tenant, conv, "", text); err != nil {
			return msg, err
		}
	}
	return msg, nil
}
