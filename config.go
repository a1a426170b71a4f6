package bapd

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/bapd/internal/relay"
)

const (
	// DefaultListen is the default TCP endpoint the server binds to.
	DefaultListen = ":8080"
	// DefaultListenProto controls the scheme used when no protocol is configured.
	DefaultListenProto = "tcp"
	// DefaultBapURI identifies this participant to the network.
	DefaultBapURI = "https://sahaay.xiv.in/bap"
	// DefaultGatewayURL receives search broadcasts.
	DefaultGatewayURL = "https://gateway.becknprotocol.io/bg/search"
	// DefaultRegistryURL is the credential registry API root.
	DefaultRegistryURL = "http://localhost:8081/api/v1"
	// DefaultRegistryTemplateKey selects the certificate rendering template.
	DefaultRegistryTemplateKey = "mentor"
	// DefaultUpstreamTimeout bounds a single outbound protocol forward.
	DefaultUpstreamTimeout = 10 * time.Second
	// DefaultRegistryTimeout bounds a single registry call.
	DefaultRegistryTimeout = 10 * time.Second
	// DefaultRoutingMode broadcasts every callback to every session.
	DefaultRoutingMode = string(relay.ModeBroadcast)
	// DefaultSweeperInterval controls how often expired correlation entries are evicted.
	DefaultSweeperInterval = time.Minute
	// DefaultMaxBodyBytes caps inbound request bodies.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultRegistryMaxBodyBytes caps registry response bodies (PDFs included).
	DefaultRegistryMaxBodyBytes int64 = 16 << 20
	// DefaultOutboxSize bounds pending frames per session.
	DefaultOutboxSize = 64
	// DefaultCoordinatorQueue bounds pending relay commands.
	DefaultCoordinatorQueue = 1024
	// DefaultPingInterval is the websocket heartbeat period.
	DefaultPingInterval = 30 * time.Second
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 5 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConfigFileName is the config file looked up under DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a bapd server.
type Config struct {
	Listen      string
	ListenProto string
	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string
	TLSKeyFile  string

	// BapID and BapURI are stamped on every outbound context. BapID
	// defaults to BapURI.
	BapID  string
	BapURI string

	GatewayURL           string
	RegistryURL          string
	RegistryTemplateKey  string
	RegistryMaxBodyBytes int64
	UpstreamTimeout      time.Duration
	RegistryTimeout      time.Duration
	// TrustFile adds PEM roots for outbound TLS.
	TrustFile string
	// InsecureSkipVerify disables outbound certificate checks.
	InsecureSkipVerify bool

	// RoutingMode is "broadcast" or "transaction".
	RoutingMode string
	// StoreTTL evicts correlation entries older than this; zero keeps them.
	StoreTTL        time.Duration
	SweeperInterval time.Duration

	MaxBodyBytes     int64
	OutboxSize       int
	CoordinatorQueue int
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	AllowedOrigins   []string
	ShutdownTimeout  time.Duration

	OTLPEndpoint           string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6", "unix":
	default:
		return fmt.Errorf("config: unsupported listen proto %q", c.ListenProto)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("config: tls cert and key must be set together")
	}
	if c.BapURI == "" {
		c.BapURI = DefaultBapURI
	}
	if c.BapID == "" {
		c.BapID = c.BapURI
	}
	if c.GatewayURL == "" {
		c.GatewayURL = DefaultGatewayURL
	}
	if c.RegistryURL == "" {
		c.RegistryURL = DefaultRegistryURL
	}
	for name, raw := range map[string]string{"bap uri": c.BapURI, "gateway url": c.GatewayURL, "registry url": c.RegistryURL} {
		if err := validateHTTPURL(raw); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	if c.RegistryTemplateKey == "" {
		c.RegistryTemplateKey = DefaultRegistryTemplateKey
	}
	if c.RegistryMaxBodyBytes <= 0 {
		c.RegistryMaxBodyBytes = DefaultRegistryMaxBodyBytes
	}
	if c.UpstreamTimeout <= 0 {
		c.UpstreamTimeout = DefaultUpstreamTimeout
	}
	if c.RegistryTimeout <= 0 {
		c.RegistryTimeout = DefaultRegistryTimeout
	}
	mode, err := relay.ParseMode(c.RoutingMode)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.RoutingMode = string(mode)
	if c.StoreTTL < 0 {
		return fmt.Errorf("config: store ttl must be >= 0")
	}
	if c.SweeperInterval <= 0 {
		c.SweeperInterval = DefaultSweeperInterval
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = DefaultOutboxSize
	}
	if c.CoordinatorQueue <= 0 {
		c.CoordinatorQueue = DefaultCoordinatorQueue
	}
	if c.PingInterval == 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.bapd).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("BAPD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".bapd"), nil
}
