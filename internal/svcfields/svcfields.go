package svcfields

import (
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey is the log field carrying the dotted subsystem path.
const SubsystemKey = pslog.TrustedString("sys")

// Subsystem paths shared by bapd components.
const (
	Server      = "server.lifecycle"
	HTTP        = "api.http"
	Callback    = "api.callback"
	Action      = "api.action"
	Session     = "api.session"
	Coordinator = "relay.coordinator"
	Relay       = "relay.dispatch"
	Store       = "txstore"
	Issuance    = "issuance"
	Registry    = "client.registry"
	Upstream    = "client.upstream"
	Telemetry   = "telemetry"
)

// Join builds a dot-delimited subsystem path, skipping empty parts.
func Join(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.Trim(part, ". "); part != "" {
			out = append(out, part)
		}
	}
	return strings.Join(out, ".")
}

// WithSubsystem tags every entry written through the returned logger with
// subsystem. A nil logger yields a disabled one.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	logger = Ensure(logger)
	if subsystem = strings.Trim(subsystem, ". "); subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}

// Ensure returns logger, or a disabled logger when it is nil.
func Ensure(logger pslog.Logger) pslog.Logger {
	if logger == nil {
		return pslog.NoopLogger()
	}
	return logger
}
