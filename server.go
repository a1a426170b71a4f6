package bapd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"pkt.systems/bapd/api"
	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/clock"
	"pkt.systems/bapd/internal/httpapi"
	"pkt.systems/bapd/internal/httpclient"
	"pkt.systems/bapd/internal/issuance"
	"pkt.systems/bapd/internal/registry"
	"pkt.systems/bapd/internal/relay"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/bapd/internal/txstore"
	"pkt.systems/bapd/internal/upstream"
	"pkt.systems/pslog"
)

// Server wraps the HTTP server, the session relay and the correlation store.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	store        *txstore.Store
	coord        *relay.Coordinator
	relay        *relay.Relay
	upstream     *upstream.Client
	handler      http.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	lastServeErr error

	coordCancel context.CancelFunc
	coordDone   chan struct{}

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger       pslog.Logger
	Clock        clock.Clock
	OTLPEndpoint string
	HTTPClient   *http.Client
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithOTLPEndpoint overrides the OTLP collector endpoint from Config.
func WithOTLPEndpoint(endpoint string) Option {
	return func(o *options) {
		o.OTLPEndpoint = endpoint
	}
}

// WithHTTPClient replaces the outbound client used for upstream forwards and
// registry calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.HTTPClient = c
	}
}

// NewServer validates cfg and wires every component. Nothing listens until
// Start is called, but the relay loop is already running.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := svcfields.Ensure(o.Logger)
	clk := clock.OrReal(o.Clock)
	if o.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = o.OTLPEndpoint
	}

	telemetry, err := setupTelemetry(context.Background(), telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, logger)
	if err != nil {
		return nil, err
	}
	tracing := cfg.OTLPEndpoint != ""
	fail := func(err error) (*Server, error) {
		_ = telemetry.Shutdown(context.Background())
		return nil, err
	}

	upstreamHTTP, registryHTTP := o.HTTPClient, o.HTTPClient
	if upstreamHTTP == nil {
		if upstreamHTTP, err = httpclient.New(httpclient.Config{
			Timeout:            cfg.UpstreamTimeout,
			TrustFile:          cfg.TrustFile,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Tracing:            tracing,
		}); err != nil {
			return fail(err)
		}
		if registryHTTP, err = httpclient.New(httpclient.Config{
			Timeout:            cfg.RegistryTimeout,
			TrustFile:          cfg.TrustFile,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Tracing:            tracing,
		}); err != nil {
			return fail(err)
		}
	}

	store := txstore.New(txstore.Config{TTL: cfg.StoreTTL, Clock: clk, Logger: logger})
	coord := relay.NewCoordinator(relay.CoordinatorConfig{QueueSize: cfg.CoordinatorQueue, Logger: logger})
	rel := relay.New(relay.Config{
		Coordinator: coord,
		Mode:        relay.Mode(cfg.RoutingMode),
		Router:      store,
		Clock:       clk,
		Logger:      logger,
	})
	reg, err := registry.New(registry.Config{
		BaseURL:      cfg.RegistryURL,
		HTTPClient:   registryHTTP,
		Timeout:      cfg.RegistryTimeout,
		TemplateKey:  cfg.RegistryTemplateKey,
		MaxBodyBytes: cfg.RegistryMaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return fail(err)
	}
	up := upstream.New(upstream.Config{HTTPClient: upstreamHTTP, Timeout: cfg.UpstreamTimeout, Logger: logger})
	trigger := issuance.New(issuance.Config{Store: store, Registry: reg, Publisher: rel, Logger: logger})

	apiHandler, err := httpapi.New(httpapi.Config{
		Store:       store,
		Coordinator: coord,
		Relay:       rel,
		Issuer:      trigger,
		Upstream:    up,
		Registry:    reg,
		Builder: beckn.Builder{
			Identity: beckn.Identity{ID: cfg.BapID, URI: cfg.BapURI},
			Clock:    clk,
		},
		GatewayURL:     cfg.GatewayURL,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		OutboxSize:     cfg.OutboxSize,
		PingInterval:   cfg.PingInterval,
		WriteTimeout:   cfg.WriteTimeout,
		OriginPatterns: cfg.AllowedOrigins,
		Tracing:        tracing,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return fail(err)
	}

	s := &Server{
		cfg:       cfg,
		logger:    svcfields.WithSubsystem(logger, svcfields.Server),
		store:     store,
		coord:     coord,
		relay:     rel,
		upstream:  up,
		clock:     clk,
		telemetry: telemetry,
		readyCh:   make(chan struct{}),
		coordDone: make(chan struct{}),
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	apiHandler.Register(router)
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	router.Get("/readyz", s.handleReady)
	s.handler = router
	s.httpSrv = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var coordCtx context.Context
	coordCtx, s.coordCancel = context.WithCancel(context.Background())
	go func() {
		defer close(s.coordDone)
		coord.Run(coordCtx)
	}()

	s.logger.Info("server.configured",
		"bap_id", cfg.BapID,
		"gateway", cfg.GatewayURL,
		"registry", cfg.RegistryURL,
		"routing_mode", cfg.RoutingMode,
		"store_ttl", cfg.StoreTTL,
	)
	return s, nil
}

// Handler returns the root HTTP handler so bapd can be mounted inside another
// server or driven by httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	resp := api.ReadyResponse{
		StoredTransactions: s.store.Len(),
		RoutingMode:        string(s.relay.Mode()),
	}
	status := http.StatusOK
	sessions, err := s.coord.Sessions(ctx)
	if err != nil {
		status = http.StatusServiceUnavailable
	} else {
		resp.Ready = true
		resp.Sessions = len(sessions)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	tlsEnabled := s.cfg.TLSCertFile != ""
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "tls", tlsEnabled)
	s.startSweeper()
	defer s.stopSweeper()
	var serveErr error
	if tlsEnabled {
		serveErr = s.httpSrv.ServeTLS(ln, s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	} else {
		serveErr = s.httpSrv.Serve(ln)
	}
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server. Open sessions are closed, in-flight
// upstream forwards are awaited until ctx ends and telemetry is flushed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	s.logger.Info("server.shutdown.begin")

	// Websocket handlers are hijacked and ignored by http.Server.Shutdown;
	// closing the coordinator retires their outboxes so they return.
	s.coord.Close()
	s.coordCancel()
	<-s.coordDone

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	if err := s.upstream.Wait(ctx); err != nil {
		s.logger.Warn("server.shutdown.upstream_pending", "error", err)
	}
	s.mu.Lock()
	telemetry := s.telemetry
	s.telemetry = nil
	s.mu.Unlock()
	if telemetry != nil {
		telemetryCtx := ctx
		if telemetryCtx.Err() != nil {
			var cancel context.CancelFunc
			telemetryCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := telemetry.Shutdown(telemetryCtx); err != nil {
			errs = append(errs, err)
		}
	}
	s.mu.Lock()
	socketPath := s.socketPath
	s.mu.Unlock()
	if socketPath != "" {
		if err := os.Remove(socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using the configured shutdown timeout.
func (s *Server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l := s.listener; l != nil {
		return l.Addr()
	}
	return nil
}

// MetricsAddr returns the bound Prometheus listener, or nil when metrics are
// disabled.
func (s *Server) MetricsAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.telemetry.metricsAddr()
}

// SetStoreTTL changes the correlation store TTL at runtime. Zero disables
// eviction.
func (s *Server) SetStoreTTL(ttl time.Duration) error {
	if ttl < 0 {
		return fmt.Errorf("store ttl must be >= 0")
	}
	prev := s.store.TTL()
	s.store.SetTTL(ttl)
	if prev != ttl {
		s.logger.Info("server.store_ttl.updated", "previous", prev, "ttl", ttl)
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case now := <-s.clock.After(interval):
				if n := s.store.Sweep(now); n > 0 {
					s.logger.Debug("server.sweeper.evicted", "entries", n)
				}
			}
		}
	}()
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying HTTP
// server. Shutdown already reports fatal serve errors to callers.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a server in the background, waits until it is ready and
// returns it together with an idempotent stop function. Cancelling ctx also
// stops the server.
//
//	srv, stop, err := bapd.StartServer(ctx, bapd.Config{Listen: "127.0.0.1:0"})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyErr := make(chan error, 1)
	go func() { readyErr <- srv.WaitUntilReady(waitCtx) }()
	select {
	case err := <-readyErr:
		if err != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-errCh
			return nil, nil, err
		}
	case err := <-errCh:
		// Start failed before the listener was ready.
		_ = srv.Shutdown(context.Background())
		if err == nil {
			err = errors.New("server exited before becoming ready")
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
