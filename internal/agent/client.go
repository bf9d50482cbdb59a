// ABOUTME: HTTP client for the external AI agent collaborator
// ABOUTME: Bounds every call with a timeout and maps deadline expiry to ErrTimeout

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrTimeout is returned when the agent does not answer within the configured timeout
var ErrTimeout = errors.New("agent timed out")

// maxReplyBytes caps how much of the agent's response body is read
const maxReplyBytes = 1 << 20

// Turn is one prior message given to the agent as context
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single agent invocation
type Request struct {
	TenantID       string   `json:"tenant_id"`
	ConversationID string   `json:"conversation_id"`
	Channel        string   `json:"channel"`
	UserID         string   `json:"user_id"`
	Text           string   `json:"text"`
	MediaURLs      []string `json:"media_urls,omitempty"`
	History        []Turn   `json:"history,omitempty"`
}

// Reply is the agent's answer
type Reply struct {
	Text string `json:"text"`
	// RequestHandoff asks the relay to move the conversation to handoff_requested
	RequestHandoff bool `json:"request_handoff"`
}

// Generator produces replies. Client is the production implementation.
type Generator interface {
	Generate(ctx context.Context, req *Request) (*Reply, error)
}

// Client calls the agent over HTTP
type Client struct {
	url     string
	apiKey  string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates an agent client. A zero timeout means 25s.
func NewClient(url, apiKey string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 25 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:     strings.TrimRight(url, "/"),
		apiKey:  apiKey,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger.With("component", "agent"),
	}
}

// Generate asks the agent for a reply
func (c *Client) Generate(ctx context.Context, req *Request) (*Reply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding agent request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating agent request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("calling agent: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
		}
		return nil, fmt.Errorf("reading agent response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent returned status %d: %s", resp.StatusCode, truncate(string(respBody), 200))
	}

	var reply Reply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("decoding agent response: %w", err)
	}
	reply.Text = strings.TrimSpace(reply.Text)

	c.logger.Debug("agent replied",
		"conversation_id", req.ConversationID,
		"duration", time.Since(start),
		"request_handoff", reply.RequestHandoff)

	return &reply, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Generator = (*Client)(nil)
