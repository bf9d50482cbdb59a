// ABOUTME: Race Dispatcher answers inbound messages within the channel's reply deadline
// ABOUTME: Fast paths handle handoff states; otherwise a background task races a timer

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/identity"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/outbound"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transcribe"
)

// Defaults for Config fields left at zero
const (
	DefaultReplyDeadline  = 10 * time.Second
	DefaultProcessTimeout = 60 * time.Second
	DefaultHistoryLimit   = 20
)

// Path names the branch the dispatcher took for an inbound message
type Path string

const (
	PathHumanJoined      Path = "human_joined"      // operator active; recorded only
	PathHandoff          Path = "handoff"           // this message requested a human
	PathHandoffDuplicate Path = "handoff_duplicate" // a human was already requested
	PathUnreadableMedia  Path = "unreadable_media"  // voice note could not be transcribed
	PathEmpty            Path = "empty"             // nothing to record
	PathAgent            Path = "agent"             // agent answered before the deadline
	PathAgentLate        Path = "agent_late"        // placeholder sent; answer follows out of band
	PathTaskFailed       Path = "task_failed"       // answer delivered but not recorded
)

// Transcriber turns a voice note into text. *transcribe.Adapter implements it.
type Transcriber interface {
	Transcribe(ctx context.Context, creds transcribe.Credentials, media transcribe.Media) (string, bool)
}

// Inbound is a normalized inbound message from any channel
type Inbound struct {
	TenantID string
	Channel  store.Channel
	From     string // raw sender address as the channel delivered it
	Text     string
	Media    []transcribe.Media
}

func (in *Inbound) mediaURLs() []string {
	if len(in.Media) == 0 {
		return nil
	}
	urls := make([]string, 0, len(in.Media))
	for _, m := range in.Media {
		if m.URL != "" {
			urls = append(urls, m.URL)
		}
	}
	return urls
}

// Outcome is what the inbound handler should answer synchronously
type Outcome struct {
	ConversationID string
	// Reply is the synchronous reply text; empty means an empty acknowledgement
	Reply string
	// Pending is true when the real answer will arrive after this response
	Pending bool
	Path    Path
}

// Config controls deadlines
type Config struct {
	ReplyDeadline  time.Duration // how long the inbound handler waits for the agent
	ProcessTimeout time.Duration // bound on a whole background task
	HistoryLimit   int           // prior messages given to the agent
}

// Deps are the dispatcher's collaborators
type Deps struct {
	Conversations *conversation.Service
	Agent         agent.Generator
	Sender        outbound.Sender
	Transcriber   Transcriber
	Matcher       handoff.Matcher
	Logger        *slog.Logger
}

// Dispatcher routes inbound messages through the handoff state machine and the agent race
type Dispatcher struct {
	cfg           Config
	conversations *conversation.Service
	agent         agent.Generator
	sender        outbound.Sender
	transcriber   Transcriber
	matcher       handoff.Matcher
	logger        *slog.Logger

	wg sync.WaitGroup
}

// New creates a Dispatcher
func New(cfg Config, deps Deps) *Dispatcher {
	if cfg.ReplyDeadline <= 0 {
		cfg.ReplyDeadline = DefaultReplyDeadline
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultProcessTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:           cfg,
		conversations: deps.Conversations,
		agent:         deps.Agent,
		sender:        deps.Sender,
		transcriber:   deps.Transcriber,
		matcher:       deps.Matcher,
		logger:        logger.With("component", "relay"),
	}
}

// Handle records an inbound message and decides the synchronous reply.
// The reply deadline starts on entry and bounds the whole call, so slow
// agents and slow voice-note transcription both land in the background task.
// Errors are structural (invalid identity, storage failure); the caller turns
// them into a generic reply.
func (d *Dispatcher) Handle(ctx context.Context, tenant *store.Tenant, in *Inbound) (*Outcome, error) {
	deadline := time.NewTimer(d.cfg.ReplyDeadline)
	defer deadline.Stop()

	id, err := identity.Resolve(in.Channel, in.From)
	if err != nil {
		return nil, err
	}

	conv, created, err := d.conversations.Resolve(ctx, tenant.ID, id)
	if err != nil {
		return nil, fmt.Errorf("resolving conversation: %w", err)
	}
	out := &Outcome{ConversationID: conv.ID}
	text := strings.TrimSpace(in.Text)
	mediaURLs := in.mediaURLs()
	to := strings.TrimSpace(in.From)

	logger := d.logger.With("tenant_id", tenant.ID, "conversation_id", conv.ID, "channel", in.Channel)
	if created {
		logger.Info("new conversation from first contact")
	}

	if text == "" && len(mediaURLs) == 0 {
		return d.done(out, in.Channel, PathEmpty), nil
	}

	// Operator is active: record and stay silent
	if conv.Status == store.StatusHumanJoined {
		if _, err := d.conversations.Append(ctx, conv, store.RoleUser, text, mediaURLs); err != nil {
			return nil, err
		}
		return d.done(out, in.Channel, PathHumanJoined), nil
	}

	if text == "" && len(in.Media) > 0 && transcribe.IsVoiceNote(in.Media[0].ContentType, in.Media[0].URL) {
		media := in.Media[0]
		return d.race(tenant, conv, deadline.C, out, func(ctx context.Context) taskResult {
			return d.answerVoiceNote(ctx, tenant, conv, media, mediaURLs, to)
		}), nil
	}

	inbound, err := d.conversations.Append(ctx, conv, store.RoleUser, text, mediaURLs)
	if err != nil {
		return nil, err
	}

	canned, path, err := d.decide(ctx, tenant, conv, inbound)
	if err != nil {
		return nil, err
	}
	if path != PathAgent {
		return d.reply(ctx, conv, out, canned, path), nil
	}

	return d.race(tenant, conv, deadline.C, out, func(ctx context.Context) taskResult {
		answer, err := d.process(ctx, tenant, conv, inbound, to)
		return taskResult{text: answer, path: PathAgent, err: err}
	}), nil
}

// decide applies the handoff state machine to a recorded customer message.
// It returns the canned reply and its path, or PathAgent when the agent
// should answer.
func (d *Dispatcher) decide(ctx context.Context, tenant *store.Tenant, conv *store.Conversation, inbound *store.Message) (string, Path, error) {
	msgs := tenant.Messages.WithDefaults()

	switch conv.Status {
	case store.StatusHandoffRequested:
		return msgs.AlreadyNotified, PathHandoffDuplicate, nil

	case store.StatusOpen:
		if !d.matcher.WantsHuman(inbound.Content) {
			return "", PathAgent, nil
		}
		moved, err := d.conversations.RequestHandoff(ctx, conv.ID)
		if err != nil {
			return "", "", err
		}
		if !moved {
			// Lost the race to a concurrent message from the same customer
			return msgs.AlreadyNotified, PathHandoffDuplicate, nil
		}
		metrics.HandoffTransitions.WithLabelValues("matcher").Inc()
		d.logger.Info("customer asked for a human", "tenant_id", tenant.ID, "conversation_id", conv.ID)
		return msgs.Handoff, PathHandoff, nil
	}
	return "", PathAgent, nil
}

// taskResult is what a background task reports back to a handler still waiting on it
type taskResult struct {
	text string
	path Path
	err  error
}

// race runs task in the background and waits for it or the reply deadline,
// whichever comes first. The task is never cancelled.
func (d *Dispatcher) race(tenant *store.Tenant, conv *store.Conversation, deadline <-chan time.Time, out *Outcome, task func(context.Context) taskResult) *Outcome {
	done := make(chan struct{})
	var res taskResult

	d.spawn(func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ProcessTimeout)
		defer cancel()
		res = task(ctx)
	})

	select {
	case <-done:
		metrics.RaceOutcomes.WithLabelValues("task").Inc()
		// SMS answers already went out through the provider; web answers ride the response
		if conv.Channel == store.ChannelWeb {
			out.Reply = res.text
		}
		path := res.path
		if res.err != nil {
			path = PathTaskFailed
		}
		return d.done(out, conv.Channel, path)

	case <-deadline:
		metrics.RaceOutcomes.WithLabelValues("timer").Inc()
		d.logger.Info("reply deadline passed, sending placeholder",
			"conversation_id", conv.ID,
			"deadline", d.cfg.ReplyDeadline)
		out.Reply = tenant.Messages.WithDefaults().Placeholder
		out.Pending = true
		return d.done(out, conv.Channel, PathAgentLate)
	}
}

// spawn runs fn as a tracked background task
func (d *Dispatcher) spawn(fn func()) {
	d.wg.Add(1)
	metrics.InFlightTasks.Inc()
	go func() {
		defer d.wg.Done()
		defer metrics.InFlightTasks.Dec()
		fn()
	}()
}

// reply records a canned assistant message and returns it as the synchronous reply
func (d *Dispatcher) reply(ctx context.Context, conv *store.Conversation, out *Outcome, text string, path Path) *Outcome {
	if _, err := d.conversations.Append(ctx, conv, store.RoleAssistant, text, nil); err != nil {
		d.logger.Error("failed to record reply", "error", err, "conversation_id", conv.ID, "path", path)
	}
	out.Reply = text
	return d.done(out, conv.Channel, path)
}

func (d *Dispatcher) done(out *Outcome, channel store.Channel, path Path) *Outcome {
	out.Path = path
	metrics.InboundMessages.WithLabelValues(string(channel), string(path)).Inc()
	return out
}

// Wait blocks until every background task has finished or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for background tasks: %w", ctx.Err())
	}
}

func mediaCredentials(t *store.Tenant) transcribe.Credentials {
	return transcribe.Credentials{
		TenantID: t.ID,
		Username: t.AccountSID,
		Password: t.AuthToken,
	}
}

func sendCredentials(t *store.Tenant) outbound.Credentials {
	return outbound.Credentials{
		AccountSID:          t.AccountSID,
		AuthToken:           t.AuthToken,
		MessagingServiceSID: t.MessagingServiceSID,
		FromNumber:          t.FromNumber,
	}
}
