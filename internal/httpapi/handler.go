// Package httpapi exposes the browser-facing action endpoints, the protocol
// callback endpoints and the websocket session endpoint.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pkt.systems/bapd/api"
	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/clock"
	"pkt.systems/bapd/internal/correlation"
	"pkt.systems/bapd/internal/issuance"
	"pkt.systems/bapd/internal/relay"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/bapd/internal/txstore"
	"pkt.systems/pslog"
)

const (
	defaultMaxBodyBytes = 1 << 20
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 5 * time.Second
)

// Forwarder sends outbound protocol envelopes without waiting for them.
type Forwarder interface {
	Dispatch(ctx context.Context, target string, envelope any)
}

// Issuer runs credential issuance for an on_confirm callback.
type Issuer interface {
	Handle(ctx context.Context, env beckn.Envelope) (issuance.Credential, error)
}

// PDFSource renders issued certificates.
type PDFSource interface {
	FetchPDF(ctx context.Context, id string) ([]byte, string, error)
}

// Config wires a Handler.
type Config struct {
	Store       *txstore.Store
	Coordinator *relay.Coordinator
	Relay       *relay.Relay
	Issuer      Issuer
	Upstream    Forwarder
	Registry    PDFSource
	Builder     beckn.Builder
	// GatewayURL receives search broadcasts.
	GatewayURL string
	// MaxBodyBytes caps request bodies.
	MaxBodyBytes int64
	// OutboxSize bounds each session's pending frames.
	OutboxSize int
	// PingInterval is the websocket heartbeat period. Zero uses the default,
	// negative disables heartbeats.
	PingInterval time.Duration
	// WriteTimeout bounds a single websocket write.
	WriteTimeout time.Duration
	// OriginPatterns lists websocket origins accepted besides same-host.
	OriginPatterns []string
	// Tracing wraps every route with otelhttp and a server span.
	Tracing bool
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Handler serves the bapd HTTP API.
type Handler struct {
	store        *txstore.Store
	coord        *relay.Coordinator
	relay        *relay.Relay
	issuer       Issuer
	upstream     Forwarder
	registry     PDFSource
	builder      beckn.Builder
	gatewayURL   string
	maxBody      int64
	outboxSize   int
	pingInterval time.Duration
	writeTimeout time.Duration
	origins      []string
	tracing      bool
	tracer       trace.Tracer
	clock        clock.Clock
	logger       pslog.Logger
}

type handlerFunc func(http.ResponseWriter, *http.Request) error

// New validates cfg and returns a Handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Store == nil {
		return nil, errors.New("httpapi: store required")
	}
	if cfg.Coordinator == nil || cfg.Relay == nil {
		return nil, errors.New("httpapi: coordinator and relay required")
	}
	if cfg.Upstream == nil {
		return nil, errors.New("httpapi: upstream forwarder required")
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	ping := cfg.PingInterval
	if ping == 0 {
		ping = defaultPingInterval
	}
	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &Handler{
		store:        cfg.Store,
		coord:        cfg.Coordinator,
		relay:        cfg.Relay,
		issuer:       cfg.Issuer,
		upstream:     cfg.Upstream,
		registry:     cfg.Registry,
		builder:      cfg.Builder,
		gatewayURL:   strings.TrimSpace(cfg.GatewayURL),
		maxBody:      maxBody,
		outboxSize:   cfg.OutboxSize,
		pingInterval: ping,
		writeTimeout: writeTimeout,
		origins:      cfg.OriginPatterns,
		tracing:      cfg.Tracing,
		tracer:       otel.Tracer("pkt.systems/bapd/httpapi"),
		clock:        clock.OrReal(cfg.Clock),
		logger:       svcfields.Ensure(cfg.Logger),
	}, nil
}

// Register mounts every /api route on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		for _, action := range relayedCallbacks {
			r.Method(http.MethodPost, "/"+action, h.wrap(action, h.callback(action)))
		}
		r.Method(http.MethodPost, "/on_confirm", h.wrap("on_confirm", h.handleOnConfirm))
		r.Method(http.MethodPost, "/search", h.wrap("search", h.handleSearch))
		r.Method(http.MethodPost, "/select", h.wrap("select", h.handleSelect))
		r.Method(http.MethodPost, "/init", h.wrap("init", h.handleInit))
		r.Method(http.MethodPost, "/confirm", h.wrap("confirm", h.handleConfirm))
		r.Method(http.MethodGet, "/health", h.wrap("health", h.handleHealth))
		r.Method(http.MethodGet, "/pdf/{id}", h.wrap("pdf", h.handlePDF))
		r.Method(http.MethodGet, "/ws", h.wrap("ws", h.handleSession))
	})
}

func routerSys(operation string) string {
	switch {
	case operation == "ws":
		return svcfields.Session
	case strings.HasPrefix(operation, "on_"):
		return svcfields.Callback
	case operation == "health":
		return svcfields.HTTP
	default:
		return svcfields.Action
	}
}

func (h *Handler) wrap(operation string, fn handlerFunc) http.Handler {
	sys := routerSys(operation)
	spanName := "bapd.api." + operation

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		var span trace.Span
		if h.tracing {
			ctx, span = h.tracer.Start(ctx, spanName,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("bapd.sys", sys),
					attribute.String("bapd.operation", operation),
				),
			)
			defer span.End()
		}

		reqID, ok := correlation.Normalize(r.Header.Get(correlation.Header))
		if !ok {
			reqID = correlation.Generate()
		}
		ctx = correlation.WithRequest(ctx, reqID)
		w.Header().Set(correlation.Header, reqID)

		logger := svcfields.WithSubsystem(h.logger, sys).With(
			"req_id", reqID,
			"method", r.Method,
			"path", r.URL.Path,
		)
		ctx = pslog.ContextWithLogger(ctx, logger)
		r = r.WithContext(ctx)
		logger.Trace("http.request.start", "remote_addr", r.RemoteAddr)

		err := fn(w, r)
		if err != nil {
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, operation)
			}
			h.handleError(ctx, w, err)
		}
		logger.Trace("http.request.complete", "elapsed", time.Since(start), "error", err != nil)
	})
	if h.tracing {
		return otelhttp.NewHandler(handler, spanName)
	}
	return handler
}

type httpError struct {
	Status int
	Code   string
	Detail string
}

func (e httpError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Detail)
	}
	return e.Code
}

func invalidBody(detail string) httpError {
	return httpError{Status: http.StatusBadRequest, Code: "invalid_body", Detail: detail}
}

func (h *Handler) requestLogger(ctx context.Context) pslog.Logger {
	if logger := pslog.LoggerFromContext(ctx); logger != nil {
		return logger
	}
	return h.logger
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := h.requestLogger(ctx)
	var httpErr httpError
	if errors.As(err, &httpErr) {
		logger.Debug("http.request.failure",
			"status", httpErr.Status,
			"code", httpErr.Code,
			"detail", httpErr.Detail,
		)
		writeJSON(w, httpErr.Status, api.ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail})
		return
	}
	logger.Error("http.request.error", "error", err)
	writeJSON(w, http.StatusInternalServerError, api.ErrorResponse{ErrorCode: "internal_error", Detail: err.Error()})
}
