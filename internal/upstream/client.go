// Package upstream forwards outbound protocol actions to the gateway or a
// counterparty. Responses only acknowledge receipt; the real answer arrives
// later as a callback, so forwarding is fire-and-forget.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/bapd/internal/version"
	"pkt.systems/pslog"
)

// StatusError reports a non-2xx acknowledgement.
type StatusError struct {
	URL    string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream: %s returned %d", e.URL, e.Status)
}

// Config configures a Client.
type Config struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     pslog.Logger
}

// Client posts protocol envelopes.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  pslog.Logger
	wg      sync.WaitGroup
	sent    metric.Int64Counter
}

// New returns a Client.
func New(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Upstream)
	c := &Client{http: hc, timeout: cfg.Timeout, logger: logger}
	sent, err := otel.Meter("pkt.systems/bapd/upstream").Int64Counter(
		"bapd.upstream.forwards",
		metric.WithDescription("Outbound protocol forwards by result"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "bapd.upstream.forwards", "error", err)
	}
	c.sent = sent
	return c
}

// ActionURL joins a counterparty base URI and an action name.
func ActionURL(base, action string) (string, error) {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return "", errors.New("upstream: empty base uri")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("upstream: parse %q: %w", base, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("upstream: unsupported scheme in %q", base)
	}
	return base + "/" + action, nil
}

// Forward posts envelope to target and waits for the acknowledgement.
func (c *Client) Forward(ctx context.Context, target string, envelope any) error {
	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("upstream: encode: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(ctx, "error")
		return fmt.Errorf("upstream: post %s: %w", target, err)
	}
	defer resp.Body.Close()
	ack, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.record(ctx, "status")
		return &StatusError{URL: target, Status: resp.StatusCode, Body: string(ack)}
	}
	c.record(ctx, "ok")
	return nil
}

// Dispatch forwards envelope in the background. The request outlives ctx's
// cancellation but keeps its values; failures are logged.
func (c *Client) Dispatch(ctx context.Context, target string, envelope any) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = c.logger
	}
	detached := context.WithoutCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.Forward(detached, target, envelope); err != nil {
			logger.Warn("upstream.forward.failure", "target", target, "error", err)
			return
		}
		logger.Debug("upstream.forward.success", "target", target)
	}()
}

// Wait blocks until every dispatched forward has finished or ctx is done.
func (c *Client) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) record(ctx context.Context, result string) {
	if c.sent == nil {
		return
	}
	c.sent.Add(ctx, 1, metric.WithAttributes(attribute.String("bapd.upstream.result", result)))
}
