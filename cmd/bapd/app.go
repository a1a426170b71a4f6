package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/bapd"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("BAPD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "bapd")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand, so failures are logged instead of printed.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--":
			return true
		case strings.HasPrefix(arg, "-") && arg != "-":
			if strings.Contains(arg, "=") {
				continue
			}
			if f := lookup(arg); f != nil && f.NoOptDefVal == "" {
				i++
			}
		default:
			return !isSubcommandToken(root, arg)
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.IBytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := bapd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, bapd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

// reloadable is the part of the server that accepts live config changes.
type reloadable interface {
	SetStoreTTL(time.Duration) error
}

// watchConfig re-applies hot-reloadable settings whenever the config file is
// rewritten. Everything else requires a restart.
func watchConfig(target reloadable, logger pslog.Logger) {
	viper.OnConfigChange(func(ev fsnotify.Event) {
		applyConfigChange(target, ev, logger)
	})
	viper.WatchConfig()
}

func applyConfigChange(target reloadable, ev fsnotify.Event, logger pslog.Logger) {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	logger.Info("config.reload", "path", ev.Name, "op", ev.Op.String())
	if err := target.SetStoreTTL(viper.GetDuration("store-ttl")); err != nil {
		logger.Warn("config.reload.store_ttl_failed", "error", err)
	}
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg bapd.Config
	cmd := &cobra.Command{
		Use:           "bapd",
		Short:         "bapd is a buyer-side mentoring platform that relays protocol callbacks to websocket sessions and issues credentials on confirmation",
		SilenceErrors: true,
		Example: `
  # Local development against a registry on :8081
  bapd --registry-url http://localhost:8081/api/v1

  # Route callbacks to the session that confirmed the transaction
  bapd --routing-mode transaction --store-ttl 24h

  # Export traces and Prometheus metrics
  BAPD_OTLP_ENDPOINT=grpc://otel:4317 bapd --metrics-listen :9464
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to bapd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			server, err := bapd.NewServer(cfg, bapd.WithLogger(logger))
			if err != nil {
				return err
			}
			if configFile != "" {
				watchConfig(server, svcfields.WithSubsystem(logger, "cli.config"))
			}

			shutdown := func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}
			defer shutdown()
			go func() {
				<-ctx.Done()
				shutdown()
			}()

			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.bapd/"+bapd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", bapd.DefaultListen, "listen address")
	flags.String("listen-proto", bapd.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("tls-cert", "", "TLS certificate file (enables HTTPS together with --tls-key)")
	flags.String("tls-key", "", "TLS private key file")
	flags.String("bap-id", "", "participant id stamped on outbound envelopes (defaults to --bap-uri)")
	flags.String("bap-uri", bapd.DefaultBapURI, "callback base URI stamped on outbound envelopes")
	flags.String("gateway-url", bapd.DefaultGatewayURL, "gateway endpoint receiving search requests")
	flags.String("registry-url", bapd.DefaultRegistryURL, "credential registry API root")
	flags.String("registry-template-key", bapd.DefaultRegistryTemplateKey, "certificate template key for PDF rendering")
	flags.String("registry-max-body", humanizeBytes(bapd.DefaultRegistryMaxBodyBytes), "maximum registry response size")
	flags.Duration("upstream-timeout", bapd.DefaultUpstreamTimeout, "timeout for a single outbound protocol forward")
	flags.Duration("registry-timeout", bapd.DefaultRegistryTimeout, "timeout for a single registry call")
	flags.String("trust-file", "", "PEM file with extra CA roots for outbound TLS")
	flags.Bool("insecure-skip-verify", false, "skip outbound TLS verification (development only)")
	flags.String("routing-mode", bapd.DefaultRoutingMode, "callback routing (broadcast or transaction)")
	flags.Duration("store-ttl", 0, "evict stored confirmations older than this (0 keeps them; hot-reloadable)")
	flags.Duration("sweeper-interval", bapd.DefaultSweeperInterval, "interval between store eviction sweeps")
	flags.String("max-body", humanizeBytes(bapd.DefaultMaxBodyBytes), "maximum inbound request body size")
	flags.Int("outbox-size", bapd.DefaultOutboxSize, "pending frames per websocket session before frames are dropped")
	flags.Int("coordinator-queue", bapd.DefaultCoordinatorQueue, "pending relay commands before callers block")
	flags.Duration("ping-interval", bapd.DefaultPingInterval, "websocket heartbeat interval (negative disables)")
	flags.Duration("write-timeout", bapd.DefaultWriteTimeout, "timeout for a single websocket write")
	flags.StringSlice("allowed-origins", nil, "extra websocket origin patterns to accept (e.g. app.example.com)")
	flags.Duration("shutdown-timeout", bapd.DefaultShutdownTimeout, "graceful shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	viper.SetEnvPrefix("BAPD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	bind := func(fs *pflag.FlagSet) {
		fs.VisitAll(func(flag *pflag.Flag) {
			if err := viper.BindPFlag(flag.Name, flag); err != nil {
				panic(err)
			}
		})
	}
	bind(persistentFlags)
	bind(flags)

	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *bapd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.TLSCertFile = viper.GetString("tls-cert")
	cfg.TLSKeyFile = viper.GetString("tls-key")
	cfg.BapID = strings.TrimSpace(viper.GetString("bap-id"))
	cfg.BapURI = strings.TrimSpace(viper.GetString("bap-uri"))
	cfg.GatewayURL = strings.TrimSpace(viper.GetString("gateway-url"))
	cfg.RegistryURL = strings.TrimSpace(viper.GetString("registry-url"))
	cfg.RegistryTemplateKey = viper.GetString("registry-template-key")
	if raw := viper.GetString("registry-max-body"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse registry-max-body: %w", err)
		}
		cfg.RegistryMaxBodyBytes = int64(size)
	}
	cfg.UpstreamTimeout = viper.GetDuration("upstream-timeout")
	cfg.RegistryTimeout = viper.GetDuration("registry-timeout")
	cfg.TrustFile = viper.GetString("trust-file")
	cfg.InsecureSkipVerify = viper.GetBool("insecure-skip-verify")
	cfg.RoutingMode = viper.GetString("routing-mode")
	cfg.StoreTTL = viper.GetDuration("store-ttl")
	cfg.SweeperInterval = viper.GetDuration("sweeper-interval")
	if raw := viper.GetString("max-body"); raw != "" {
		size, err := humanize.ParseBytes(raw)
		if err != nil {
			return fmt.Errorf("parse max-body: %w", err)
		}
		cfg.MaxBodyBytes = int64(size)
	}
	cfg.OutboxSize = viper.GetInt("outbox-size")
	cfg.CoordinatorQueue = viper.GetInt("coordinator-queue")
	cfg.PingInterval = viper.GetDuration("ping-interval")
	cfg.WriteTimeout = viper.GetDuration("write-timeout")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed-origins")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return cfg.Validate()
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
