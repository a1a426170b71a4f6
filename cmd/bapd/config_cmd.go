package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/bapd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage bapd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.bapd/" + bapd.DefaultConfigFileName
	if dir, err := bapd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, bapd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default bapd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				dir, err := bapd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, bapd.DefaultConfigFileName)
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the root command flags; keys match flag names so
// viper reads the generated file unchanged.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	ListenProto            string   `yaml:"listen-proto"`
	TLSCert                string   `yaml:"tls-cert"`
	TLSKey                 string   `yaml:"tls-key"`
	BapID                  string   `yaml:"bap-id"`
	BapURI                 string   `yaml:"bap-uri"`
	GatewayURL             string   `yaml:"gateway-url"`
	RegistryURL            string   `yaml:"registry-url"`
	RegistryTemplateKey    string   `yaml:"registry-template-key"`
	RegistryMaxBody        string   `yaml:"registry-max-body"`
	UpstreamTimeout        string   `yaml:"upstream-timeout"`
	RegistryTimeout        string   `yaml:"registry-timeout"`
	TrustFile              string   `yaml:"trust-file"`
	InsecureSkipVerify     bool     `yaml:"insecure-skip-verify"`
	RoutingMode            string   `yaml:"routing-mode"`
	StoreTTL               string   `yaml:"store-ttl"`
	SweeperInterval        string   `yaml:"sweeper-interval"`
	MaxBody                string   `yaml:"max-body"`
	OutboxSize             int      `yaml:"outbox-size"`
	CoordinatorQueue       int      `yaml:"coordinator-queue"`
	PingInterval           string   `yaml:"ping-interval"`
	WriteTimeout           string   `yaml:"write-timeout"`
	AllowedOrigins         []string `yaml:"allowed-origins"`
	ShutdownTimeout        string   `yaml:"shutdown-timeout"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	defaults := configDefaults{
		Listen:              bapd.DefaultListen,
		ListenProto:         bapd.DefaultListenProto,
		BapURI:              bapd.DefaultBapURI,
		GatewayURL:          bapd.DefaultGatewayURL,
		RegistryURL:         bapd.DefaultRegistryURL,
		RegistryTemplateKey: bapd.DefaultRegistryTemplateKey,
		RegistryMaxBody:     humanizeBytes(bapd.DefaultRegistryMaxBodyBytes),
		UpstreamTimeout:     bapd.DefaultUpstreamTimeout.String(),
		RegistryTimeout:     bapd.DefaultRegistryTimeout.String(),
		RoutingMode:         bapd.DefaultRoutingMode,
		StoreTTL:            "0s",
		SweeperInterval:     bapd.DefaultSweeperInterval.String(),
		MaxBody:             humanizeBytes(bapd.DefaultMaxBodyBytes),
		OutboxSize:          bapd.DefaultOutboxSize,
		CoordinatorQueue:    bapd.DefaultCoordinatorQueue,
		PingInterval:        bapd.DefaultPingInterval.String(),
		WriteTimeout:        bapd.DefaultWriteTimeout.String(),
		ShutdownTimeout:     bapd.DefaultShutdownTimeout.String(),
		LogLevel:            "info",
	}
	for _, fn := range overrides {
		if fn != nil {
			fn(&defaults)
		}
	}
	out, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return out, nil
}
