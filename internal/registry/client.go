// Package registry talks to the credential registry that issues and renders
// proof-of-association certificates.
package registry

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
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/bapd/internal/version"
	"pkt.systems/pslog"
)

// ResourcePath is the registry entity bapd writes.
const ResourcePath = "ProofOfAssociation"

// DefaultTemplateKey selects the certificate template for PDF rendering.
const DefaultTemplateKey = "mentor"

const defaultMaxBody = 4 << 20

// ErrUnavailable wraps transport failures and timeouts.
var ErrUnavailable = errors.New("registry: unavailable")

// StatusError reports a non-2xx registry response.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 256 {
		body = body[:256] + "..."
	}
	return fmt.Sprintf("registry: status %d: %s", e.Status, body)
}

// Config configures a Client.
type Config struct {
	// BaseURL is the registry API root, e.g. http://localhost:8081/api/v1.
	BaseURL     string
	HTTPClient  *http.Client
	Timeout     time.Duration
	TemplateKey string
	// MaxBodyBytes caps registry response bodies.
	MaxBodyBytes int64
	Logger       pslog.Logger
}

// Client is a registry API client.
type Client struct {
	base        string
	http        *http.Client
	timeout     time.Duration
	templateKey string
	maxBody     int64
	logger      pslog.Logger
}

// New validates cfg and returns a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("registry: base url required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("registry: parse base url: %w", err)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	key := cfg.TemplateKey
	if key == "" {
		key = DefaultTemplateKey
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	return &Client{
		base:        base,
		http:        hc,
		timeout:     cfg.Timeout,
		templateKey: key,
		maxBody:     maxBody,
		logger:      svcfields.WithSubsystem(cfg.Logger, svcfields.Registry),
	}, nil
}

// ResourceURL returns the collection URL, with id appended when non-empty.
func (c *Client) ResourceURL(id string) string {
	u := c.base + "/" + ResourcePath
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	return u
}

// Issue creates a credential from body and returns the registry's raw
// response.
func (c *Client) Issue(ctx context.Context, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("registry: encode body: %w", err)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.ResourceURL(""), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	data, _, err := c.do(req)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("registry.issue.success", "bytes", len(data))
	return data, nil
}

// FetchPDF retrieves the rendered certificate id and its content type.
func (c *Client) FetchPDF(ctx context.Context, id string) ([]byte, string, error) {
	if strings.TrimSpace(id) == "" {
		return nil, "", errors.New("registry: certificate id required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ResourceURL(id), nil)
	if err != nil {
		return nil, "", fmt.Errorf("registry: build request: %w", err)
	}
	req.Header.Set("Accept", "application/pdf")
	req.Header.Set("template-key", c.templateKey)
	req.Header.Set("User-Agent", version.UserAgent())
	data, contentType, err := c.do(req)
	if err != nil {
		return nil, "", err
	}
	if contentType == "" {
		contentType = "application/pdf"
	}
	return data, contentType, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

func (c *Client) do(req *http.Request) ([]byte, string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %s %s: %v", ErrUnavailable, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, "", fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	oversized := int64(len(data)) > c.maxBody
	if oversized {
		data = data[:c.maxBody]
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", &StatusError{Status: resp.StatusCode, Body: string(data)}
	}
	if oversized {
		return nil, "", fmt.Errorf("%w: %s %s: response exceeds %s", ErrUnavailable, req.Method, req.URL.Path, humanize.IBytes(uint64(c.maxBody)))
	}
	return data, resp.Header.Get("Content-Type"), nil
}
