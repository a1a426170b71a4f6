// Package httpclient builds the outbound HTTP clients used for protocol
// forwarding and registry calls.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// Config configures an outbound HTTP client.
type Config struct {
	// Timeout bounds a whole request including the body read.
	Timeout time.Duration
	// TrustFile optionally adds PEM roots to the system pool.
	TrustFile string
	// InsecureSkipVerify disables server certificate checks. Development only.
	InsecureSkipVerify bool
	// Tracing wraps the transport with otelhttp.
	Tracing bool
}

// New builds an HTTP client from cfg.
func New(cfg Config) (*http.Client, error) {
	transport, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return nil, errors.New("httpclient: http transport unexpected type")
	}
	tr := transport.Clone()
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12, InsecureSkipVerify: cfg.InsecureSkipVerify} //nolint:gosec // opt-in
	if cfg.TrustFile != "" {
		blob, err := os.ReadFile(cfg.TrustFile)
		if err != nil {
			return nil, fmt.Errorf("httpclient: read trust file: %w", err)
		}
		roots, err := x509.SystemCertPool()
		if err != nil || roots == nil {
			roots = x509.NewCertPool()
		}
		if !roots.AppendCertsFromPEM(blob) {
			return nil, fmt.Errorf("httpclient: no certificates in %s", cfg.TrustFile)
		}
		tlsCfg.RootCAs = roots
	}
	tr.TLSClientConfig = tlsCfg
	var rt http.RoundTripper = tr
	if cfg.Tracing {
		rt = otelhttp.NewTransport(tr)
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: rt,
	}, nil
}
