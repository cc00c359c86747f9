package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"sentry-tunnel/internal/allowlist"
	"sentry-tunnel/internal/buildinfo"
	"sentry-tunnel/internal/config"
	"sentry-tunnel/internal/events"
	"sentry-tunnel/internal/health"
	"sentry-tunnel/internal/monitor"
	"sentry-tunnel/internal/runtime/supervisor"
	"sentry-tunnel/internal/tunnel"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
)

const (
	shutdownTimeout = 10 * time.Second
	flushTimeout    = 2 * time.Second
)

// GinServer wires the allowlist, forwarder and liveness tracker behind the
// public HTTP surface.
type GinServer struct {
	cfg       config.Config
	logger    *slog.Logger
	registry  *allowlist.Registry
	tracker   *health.Tracker
	forwarder *tunnel.Forwarder
	monitor   *monitor.Client
	buildInfo buildinfo.Info
	events    *events.Bus

	supervisor *supervisor.Supervisor
	router     *gin.Engine

	// Optional OpenAPI request validation
	apiValidator *openAPIValidator

	upstream    *http.Client
	heartbeater health.Heartbeater

	mu       sync.Mutex
	httpSrv  *http.Server
	addr     string
	serveErr chan error
}

// GinServerOption is a function that configures a GinServer.
type GinServerOption func(*GinServer)

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) GinServerOption {
	return func(s *GinServer) { s.logger = l }
}

// WithUpstreamClient replaces the HTTP client used to reach collectors.
func WithUpstreamClient(c *http.Client) GinServerOption {
	return func(s *GinServer) { s.upstream = c }
}

// WithHeartbeater replaces the monitoring client as heartbeat target.
func WithHeartbeater(h health.Heartbeater) GinServerOption {
	return func(s *GinServer) { s.heartbeater = h }
}

// NewGinServer builds the server and all of its components from cfg.
func NewGinServer(cfg config.Config, opts ...GinServerOption) (*GinServer, error) {
	s := &GinServer{cfg: cfg, serveErr: make(chan error, 1)}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	info, err := buildinfo.Parse(cfg.BuildInfoJSON)
	if err != nil {
		s.logger.Warn("ignoring build metadata", "error", err)
	}
	s.buildInfo = info

	release := cfg.Release
	if release == "" {
		release = info.Release()
	}
	mon, err := monitor.New(monitor.Options{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		Release:     release,
		Logger:      s.logger,
	})
	if err != nil {
		return nil, fmt.Errorf("monitor init: %w", err)
	}
	s.monitor = mon
	if s.heartbeater == nil && mon.Enabled() {
		s.heartbeater = mon
	}

	reg, err := allowlist.New(allowlist.Options{
		Hosts:       cfg.AllowedHosts,
		ProjectIDs:  cfg.AllowedProjectIDs,
		DSNs:        cfg.AllowedDSNs,
		StrictPairs: cfg.StrictDSNPairing,
	})
	if err != nil {
		return nil, fmt.Errorf("allowlist init: %w", err)
	}
	s.registry = reg
	hosts, projects := reg.Snapshot()
	s.logger.Info("allowlist loaded", "hosts", hosts, "project_ids", projects, "strict_pairs", reg.Strict())
	if len(hosts) == 0 || len(projects) == 0 {
		s.logger.Warn("allowlist is empty, every envelope will be rejected")
	}

	var trackerOpts []health.Option
	if s.heartbeater != nil {
		trackerOpts = append(trackerOpts, health.WithHeartbeat(s.heartbeater, health.DefaultHeartbeatInterval))
	}
	s.tracker = health.NewTracker(trackerOpts...)

	if s.upstream == nil {
		s.upstream = newUpstreamClient(cfg.UpstreamTimeout, s.logger)
	}
	fwd, err := tunnel.NewForwarder(tunnel.Options{
		Validator:        reg,
		Counter:          s.tracker,
		Client:           s.upstream,
		Logger:           s.logger,
		Timeout:          cfg.UpstreamTimeout,
		MaxEnvelopeBytes: cfg.MaxEnvelopeBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("forwarder init: %w", err)
	}
	s.forwarder = fwd

	s.events = events.NewBus()
	s.supervisor = supervisor.New(s.logger)
	// Stopped in reverse: in-flight requests drain, then the reporter, then
	// the monitor flushes what the reporter captured.
	s.supervisor.Register(supervisor.NewComponent("monitor", nil, func(ctx context.Context) error {
		if !s.monitor.Flush(flushTimeout) {
			s.logger.Warn("sentry flush timed out")
		}
		return nil
	}))
	s.supervisor.Register(newFailureReporter(s.events, s.monitor, s.logger))
	s.supervisor.Register(supervisor.NewComponent("http", s.startHTTP, s.stopHTTP))

	if cfg.APIValidate {
		v, err := newOpenAPIValidator()
		if err != nil {
			s.logger.Warn("OpenAPI validation disabled", "error", err)
		} else {
			s.apiValidator = v
		}
	}

	s.setupGinRoutes()
	return s, nil
}

// newUpstreamClient builds the collector client with HTTP/2 enabled.
func newUpstreamClient(timeout time.Duration, logger *slog.Logger) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   timeout,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(tr); err != nil {
		logger.Warn("http2 unavailable for upstream transport", "error", err)
	}
	return &http.Client{Transport: tr, Timeout: timeout}
}

// Run starts all components, notifies systemd and serves until ctx is done or
// the listener fails.
func (s *GinServer) Run(ctx context.Context) error {
	s.logger.Debug("starting components", "components", s.supervisor.Names())
	if err := s.supervisor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start runtime components: %w", err)
	}

	// Notify systemd that we're ready (for Type=notify services)
	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		s.logger.Warn("failed to notify systemd of readiness", "error", err)
	} else if sent {
		s.logger.Info("notified systemd that service is ready")
	}

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.serveErr:
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.supervisor.Stop(stopCtx); err != nil {
		s.logger.Warn("failed to stop components cleanly", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}

// Addr is the bound listen address, empty until the server is running.
func (s *GinServer) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Handler exposes the router, for embedding and tests.
func (s *GinServer) Handler() http.Handler { return s.router }

func (s *GinServer) startHTTP(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.addr = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server stopped", "error", err)
			select {
			case s.serveErr <- err:
			default:
			}
		}
	}()
	s.logger.Info("starting sentry tunnel", "addr", ln.Addr().String(), "environment", s.cfg.Environment)
	return nil
}

func (s *GinServer) stopHTTP(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.httpSrv = nil
	s.addr = ""
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// setupGinRoutes defines all endpoints.
func (s *GinServer) setupGinRoutes() {
	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{SkipPaths: []string{"/health"}}))
	r.Use(gin.Recovery())
	if mw := s.monitor.Middleware(); mw != nil {
		r.Use(mw)
	}
	r.Use(gzip.Gzip(gzip.DefaultCompression))
	r.Use(s.corsMiddleware())
	r.Use(s.securityHeadersMiddleware())
	if s.apiValidator != nil {
		r.Use(s.apiValidator.Middleware())
	}

	r.POST("/tunnel", s.handleTunnel)
	r.GET("/health", s.handleHealth)
	r.GET("/runtime-info", s.handleRuntimeInfo)
	r.GET("/build-info", s.handleBuildInfo)
	r.GET("/openapi.yaml", s.handleOpenAPISpec)

	s.router = r
}
