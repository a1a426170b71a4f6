package relay

import (
	"context"
	"fmt"
	"strings"

	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/clock"
	"pkt.systems/bapd/internal/correlation"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/pslog"
)

// Mode selects how callbacks are routed to sessions.
type Mode string

const (
	// ModeBroadcast sends every callback to every session.
	ModeBroadcast Mode = "broadcast"
	// ModeTransaction sends a callback to the session bound to its
	// transaction, falling back to broadcast when no binding exists.
	ModeTransaction Mode = "transaction"
)

// ParseMode validates a routing mode name. Empty selects ModeBroadcast.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeBroadcast:
		return ModeBroadcast, nil
	case ModeTransaction:
		return ModeTransaction, nil
	default:
		return "", fmt.Errorf("relay: unknown routing mode %q", s)
	}
}

// Router resolves the session bound to a transaction.
type Router interface {
	SessionFor(transactionID string) (uint64, bool)
}

// Config configures a Relay.
type Config struct {
	Coordinator *Coordinator
	Mode        Mode
	Router      Router
	Clock       clock.Clock
	Logger      pslog.Logger
}

// Relay turns callback payloads into frames and hands them to the
// Coordinator. It never blocks on session I/O.
type Relay struct {
	coord  *Coordinator
	mode   Mode
	router Router
	clock  clock.Clock
	logger pslog.Logger
}

// New returns a Relay.
func New(cfg Config) *Relay {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeBroadcast
	}
	return &Relay{
		coord:  cfg.Coordinator,
		mode:   mode,
		router: cfg.Router,
		clock:  clock.OrReal(cfg.Clock),
		logger: svcfields.WithSubsystem(cfg.Logger, svcfields.Relay),
	}
}

// Mode reports the configured routing mode.
func (r *Relay) Mode() Mode { return r.mode }

// Relay forwards a raw protocol callback. The transaction id is read from
// the callback context for routing and logging; undecodable bodies are
// still relayed.
func (r *Relay) Relay(ctx context.Context, action string, raw []byte) {
	txn := correlation.Transaction(ctx)
	if txn == "" {
		if env, err := beckn.Decode(raw); err == nil {
			txn, _ = env.TransactionID()
		}
	}
	r.logger.Info("relay.callback", "action", action, "transaction_id", txn, "bytes", len(raw))
	r.logger.Trace("relay.callback.body", "action", action, "body", string(raw))
	r.dispatch(ctx, action, txn, raw)
}

// RelayRaw forwards an already serialized payload, such as a registry
// response, on behalf of transactionID.
func (r *Relay) RelayRaw(ctx context.Context, action, transactionID string, payload []byte) {
	r.logger.Info("relay.synthesized", "action", action, "transaction_id", transactionID, "bytes", len(payload))
	r.dispatch(ctx, action, transactionID, payload)
}

func (r *Relay) dispatch(ctx context.Context, action, txn string, payload []byte) {
	if r.coord == nil {
		return
	}
	now := r.clock.Now()
	if r.mode == ModeTransaction && txn != "" && r.router != nil {
		if id, ok := r.router.SessionFor(txn); ok && id != 0 {
			frame, err := NewFrame(action, RouteSession, txn, payload, now).Encode()
			if err != nil {
				r.logger.Error("relay.frame.encode_failed", "action", action, "error", err)
				return
			}
			r.coord.DeliverTo(ctx, id, frame)
			return
		}
	}
	frame, err := NewFrame(action, RouteBroadcast, txn, payload, now).Encode()
	if err != nil {
		r.logger.Error("relay.frame.encode_failed", "action", action, "error", err)
		return
	}
	r.coord.Broadcast(ctx, frame, 0)
}
