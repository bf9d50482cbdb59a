// ABOUTME: Gateway orchestrator that wires the relay to its HTTP surface
// ABOUTME: Manages store, tenant seeding, listeners, and graceful shutdown with task drain

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/switchboard/internal/agent"
	"github.com/2389/switchboard/internal/config"
	"github.com/2389/switchboard/internal/conversation"
	"github.com/2389/switchboard/internal/dedupe"
	"github.com/2389/switchboard/internal/handoff"
	"github.com/2389/switchboard/internal/metrics"
	"github.com/2389/switchboard/internal/outbound"
	"github.com/2389/switchboard/internal/relay"
	"github.com/2389/switchboard/internal/store"
	"github.com/2389/switchboard/internal/transcribe"
)

// maxFormBytes bounds webhook and API request bodies
const maxFormBytes = 1 << 20

// Deps lets callers supply the gateway's collaborators. Nil fields are
// built from config.
type Deps struct {
	Store       store.Store
	Agent       agent.Generator
	Sender      outbound.Sender
	Transcriber relay.Transcriber
}

// Gateway serves the inbound webhook, process, widget and operator endpoints.
type Gateway struct {
	config        *config.Config
	store         store.Store
	conversations *conversation.Service
	broadcaster   *conversation.Broadcaster
	dispatcher    *relay.Dispatcher
	dedupe        *dedupe.Guard
	limiter       *senderLimiter
	handler       http.Handler
	httpServer    *http.Server
	tsnetServer   *tsnet.Server
	logger        *slog.Logger
}

// initStore opens the SQLite store, letting SWITCHBOARD_DB_PATH override the config.
func initStore(cfg *config.Config) (store.Store, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("SWITCHBOARD_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway with production collaborators built from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	return NewWithDeps(cfg, Deps{}, logger)
}

// NewWithDeps creates a Gateway, building any collaborator deps leaves nil.
func NewWithDeps(cfg *config.Config, deps Deps, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if deps.Store == nil {
		s, err := initStore(cfg)
		if err != nil {
			return nil, err
		}
		deps.Store = s
	}
	if deps.Agent == nil {
		deps.Agent = agent.NewClient(cfg.Agent.URL, cfg.Agent.APIKey, cfg.Agent.Timeout, logger)
	}
	if deps.Sender == nil {
		deps.Sender = outbound.NewClient(cfg.Provider.APIBase, logger)
	}
	if deps.Transcriber == nil {
		deps.Transcriber = transcribe.NewAdapter(transcribe.Config{
			ProxyURL:     cfg.Transcription.ProxyURL,
			APIKey:       cfg.Transcription.APIKey,
			MediaTimeout: cfg.Transcription.MediaTimeout,
			STTTimeout:   cfg.Transcription.STTTimeout,
		}, logger)
	}

	matcher, err := handoff.NewPatternMatcher(cfg.Handoff.ExtraPatterns...)
	if err != nil {
		_ = deps.Store.Close()
		return nil, fmt.Errorf("compiling handoff patterns: %w", err)
	}

	seedCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := seedTenants(seedCtx, deps.Store, cfg.Tenants, logger); err != nil {
		_ = deps.Store.Close()
		return nil, err
	}

	broadcaster := conversation.NewBroadcaster(logger)
	convService := conversation.New(deps.Store, broadcaster, logger)

	gw := &Gateway{
		config:        cfg,
		store:         deps.Store,
		conversations: convService,
		broadcaster:   broadcaster,
		dispatcher: relay.New(relay.Config{
			ReplyDeadline:  cfg.Relay.ReplyDeadline,
			ProcessTimeout: cfg.Relay.ProcessTimeout,
		}, relay.Deps{
			Conversations: convService,
			Agent:         deps.Agent,
			Sender:        deps.Sender,
			Transcriber:   deps.Transcriber,
			Matcher:       matcher,
			Logger:        logger,
		}),
		dedupe:  dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		limiter: newSenderLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.Burst),
		logger:  logger.With("component", "gateway"),
	}

	logger.Info("handoff matcher ready", "patterns_version", matcher.Version())

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", gw.handleHealth)
	mux.HandleFunc("GET /health/ready", gw.handleReady)
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	mux.HandleFunc("POST /webhook/{tenantID}", gw.handleWebhook)
	mux.HandleFunc("POST /process/{tenantID}/{conversationID}", gw.handleProcess)

	mux.HandleFunc("POST /widget/{tenantID}/messages", gw.handleWidgetMessage)
	mux.HandleFunc("GET /widget/{tenantID}/conversations/{conversationID}/messages", gw.handleWidgetHistory)
	mux.HandleFunc("GET /widget/{tenantID}/conversations/{conversationID}/stream", gw.handleWidgetStream)

	mux.HandleFunc("GET /api/tenants/{tenantID}/conversations", gw.handleListConversations)
	mux.HandleFunc("GET /api/conversations/{conversationID}/messages", gw.handleOperatorHistory)
	mux.HandleFunc("POST /api/conversations/{conversationID}/join", gw.handleJoin)
	mux.HandleFunc("POST /api/conversations/{conversationID}/return", gw.handleReturn)
	mux.HandleFunc("POST /api/conversations/{conversationID}/close", gw.handleClose)
	mux.HandleFunc("POST /api/conversations/{conversationID}/reply", gw.handleHumanReply)

	gw.handler = metrics.Middleware(mux)
	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the gateway's HTTP handler
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// setupListener creates the HTTP listener (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// Run serves until ctx is canceled, then shuts down gracefully.
// Returns nil on graceful shutdown or the first server error.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown uses a fresh context since the run context is already done.
// Background tasks get longer than the HTTP server since they may be mid agent call.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), g.config.Relay.ProcessTimeout+5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "switchboard", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node. With funnel enabled the
// webhook is reachable from the public internet, which the provider needs.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops accepting requests, drains background tasks, then releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	errs = appendCloseError(errs, "draining background tasks", g.dispatcher.Wait(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()
	g.broadcaster.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the database answers.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("database unavailable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
