// ABOUTME: Sends SMS replies through the messaging provider's REST API
// ABOUTME: Form-encoded POST with Basic auth; no retries, failures are typed for the caller to log

package outbound

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrMisconfiguredChannel means the tenant has no way to address an outbound message
	ErrMisconfiguredChannel = errors.New("channel misconfigured: need a messaging service id or a from number")

	// ErrOutboundSendFailed wraps every provider rejection
	ErrOutboundSendFailed = errors.New("outbound send failed")
)

// DefaultAPIBase is the provider's production endpoint
const DefaultAPIBase = "https://api.twilio.com"

// maxErrorBody caps how much of a failed response is kept on SendError
const maxErrorBody = 512

// Credentials identify the tenant's provider account and sender
type Credentials struct {
	AccountSID          string
	AuthToken           string
	MessagingServiceSID string
	FromNumber          string
}

// Result describes an accepted message
type Result struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

// SendError is a non-2xx provider response
type SendError struct {
	Status int
	Body   string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("%s: provider returned %d: %s", ErrOutboundSendFailed, e.Status, e.Body)
}

func (e *SendError) Unwrap() error {
	return ErrOutboundSendFailed
}

// Sender delivers text to a phone number. Client is the production implementation.
type Sender interface {
	Send(ctx context.Context, creds Credentials, to, body string) (*Result, error)
}

// Client posts messages to the provider
type Client struct {
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewClient creates a client. An empty apiBase uses DefaultAPIBase.
func NewClient(apiBase string, logger *slog.Logger) *Client {
	if apiBase == "" {
		apiBase = DefaultAPIBase
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		apiBase: strings.TrimRight(apiBase, "/"),
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger.With("component", "outbound"),
	}
}

// Send delivers body to the given address. The body is truncated to the
// provider's length limit; callers format it with FormatSMS first.
func (c *Client) Send(ctx context.Context, creds Credentials, to, body string) (*Result, error) {
	if creds.MessagingServiceSID == "" && creds.FromNumber == "" {
		return nil, ErrMisconfiguredChannel
	}
	if creds.AccountSID == "" {
		return nil, fmt.Errorf("%w: missing account sid", ErrMisconfiguredChannel)
	}

	form := url.Values{}
	form.Set("To", to)
	form.Set("Body", Truncate(body, MaxSMSLength))
	if creds.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", creds.MessagingServiceSID)
	} else {
		form.Set("From", creds.FromNumber)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.apiBase, url.PathEscape(creds.AccountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("building send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(creds.AccountSID, creds.AuthToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOutboundSendFailed, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrOutboundSendFailed, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b := string(respBody)
		if len(b) > maxErrorBody {
			b = b[:maxErrorBody]
		}
		return nil, &SendError{Status: resp.StatusCode, Body: b}
	}

	var result Result
	if err := json.Unmarshal(respBody, &result); err != nil {
		// Accepted but unparseable; the message is still on its way
		c.logger.Warn("could not decode provider response", "error", err)
	}

	c.logger.Debug("message sent", "sid", result.SID, "status", result.Status)
	return &result, nil
}

var _ Sender = (*Client)(nil)
