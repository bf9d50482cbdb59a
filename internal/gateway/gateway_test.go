// ABOUTME: Tests for Gateway construction, lifecycle, health, and tenant seeding
// ABOUTME: Also holds the shared fakes and the test gateway builder

package gateway

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/outbound"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transcribe"
)

const testSecret = "s3cret"

type fakeAgent struct {
	mu    sync.Mutex
	delay time.Duration
	reply agent.Reply
	calls int
	texts []string
}

func (f *fakeAgent) Generate(ctx context.Context, req *agent.Request) (*agent.Reply, error) {
	f.mu.Lock()
	f.calls++
	f.texts = append(f.texts, req.Text)
	delay := f.delay
	reply := f.reply
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &reply, nil
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSender struct {
	mu   sync.Mutex
	sent []string
	to   []string
}

func (f *fakeSender) Send(ctx context.Context, creds outbound.Credentials, to, body string) (*outbound.Result, error) {
	if creds.MessagingServiceSID == "" && creds.FromNumber == "" {
		return nil, outbound.ErrMisconfiguredChannel
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, body)
	f.to = append(f.to, to)
	return &outbound.Result{SID: "SM-out", Status: "queued"}, nil
}

func (f *fakeSender) bodies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeTranscriber struct {
	mu         sync.Mutex
	transcript string
	media      []transcribe.Media
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, creds transcribe.Credentials, media transcribe.Media) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, media)
	return f.transcript, f.transcript != ""
}

type testEnv struct {
	gw          *Gateway
	store       *store.SQLiteStore
	agent       *fakeAgent
	sender      *fakeSender
	transcriber *fakeTranscriber
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func hashSecret(t *testing.T, secret string) string {
	t.Helper()
	b, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	require.NoError(t, err)
	return string(b)
}

// testConfig returns a config with two tenants: acme (secret, lenient) and
// strict (secret, require_secret), plus open (no secret).
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	hash := hashSecret(t, testSecret)
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: "127.0.0.1:0"},
		Relay: config.RelayConfig{
			ReplyDeadline:  2 * time.Second,
			ProcessTimeout: 5 * time.Second,
		},
		Dedupe:  config.DedupeConfig{TTL: time.Minute, MaxEntries: 100},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
		Tenants: []config.TenantConfig{
			{
				ID:                  "acme",
				Name:                "Acme Dental",
				WebhookSecretHash:   hash,
				AccountSID:          "AC1",
				AuthToken:           "tok",
				MessagingServiceSID: "MG1",
				Messages:            config.MessagesConfig{Handoff: "Care team notified."},
			},
			{
				ID:                "strict",
				WebhookSecretHash: hash,
				RequireSecret:     true,
				FromNumber:        "+15550001111",
			},
			{
				ID:         "open",
				FromNumber: "+15550002222",
			},
		},
	}
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "gateway.db"))
	require.NoError(t, err)

	env := &testEnv{
		store:       st,
		agent:       &fakeAgent{reply: agent.Reply{Text: "We open at 9."}},
		sender:      &fakeSender{},
		transcriber: &fakeTranscriber{},
	}
	gw, err := NewWithDeps(cfg, Deps{
		Store:       st,
		Agent:       env.agent,
		Sender:      env.sender,
		Transcriber: env.transcriber,
	}, testLogger())
	require.NoError(t, err)
	env.gw = gw

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = gw.Shutdown(ctx)
	})
	return env
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.gw.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewWithDeps_SeedsTenants(t *testing.T) {
	env := newTestEnv(t, nil)

	tenants, err := env.store.ListTenants(context.Background())
	require.NoError(t, err)
	require.Len(t, tenants, 3)

	acme, err := env.store.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Care team notified.", acme.Messages.Handoff)
	assert.Equal(t, "MG1", acme.MessagingServiceSID)
}

func TestSeedTenants_HashesPlaintextSecret(t *testing.T) {
	st := store.NewMockStore()
	err := seedTenants(context.Background(), st, []config.TenantConfig{
		{ID: "acme", WebhookSecret: "plain"},
	}, testLogger())
	require.NoError(t, err)

	tenant, err := st.GetTenant(context.Background(), "acme")
	require.NoError(t, err)
	assert.NotEqual(t, "plain", tenant.WebhookSecretHash)
	assert.NoError(t, verifySecret(tenant, "plain"))
	assert.ErrorIs(t, verifySecret(tenant, "wrong"), ErrSecretMismatch)
	assert.ErrorIs(t, verifySecret(tenant, ""), ErrSecretMismatch)
}

func TestVerifySecret_NoSecretConfigured(t *testing.T) {
	assert.NoError(t, verifySecret(&store.Tenant{ID: "open"}, ""))
	assert.NoError(t, verifySecret(&store.Tenant{ID: "open"}, "anything"))
}

func TestNewWithDeps_BadHandoffPattern(t *testing.T) {
	cfg := testConfig(t)
	cfg.Handoff.ExtraPatterns = []string{"("}

	_, err := NewWithDeps(cfg, Deps{Store: store.NewMockStore()}, testLogger())
	assert.Error(t, err)
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	rec = env.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	rec := env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "switchboard_http_requests_total"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- env.gw.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRun_BadAddress(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.HTTPAddr = "256.0.0.1:bad"
	})
	assert.Error(t, env.gw.Run(context.Background()))
}

func TestShutdown_DrainsBackgroundTasks(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Relay.ReplyDeadline = 20 * time.Millisecond
	})
	env.agent.delay = 200 * time.Millisecond

	rec := env.do(webhookRequest("acme", testSecret, "+15551234567", "when do you open?", "SM1"))
	require.Contains(t, rec.Body.String(), store.DefaultPlaceholderMessage)
	assert.Empty(t, env.sender.bodies())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, env.gw.Shutdown(ctx))

	assert.Equal(t, []string{"We open at 9."}, env.sender.bodies())
}
