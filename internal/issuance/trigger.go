// Package issuance turns an on_confirm callback into a proof-of-association
// credential: it joins the callback with the user context stored at confirm
// time, asks the registry to issue the credential and relays the registry's
// answer to connected sessions.
package issuance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/registry"
	"pkt.systems/bapd/internal/svcfields"
	"pkt.systems/bapd/internal/txstore"
	"pkt.systems/pslog"
)

// ActionIssued tags relayed registry responses.
const ActionIssued = "on_issue"

var (
	// ErrLookupMiss means no user context was stored for the transaction.
	ErrLookupMiss = errors.New("issuance: no stored context for transaction")
	// ErrMalformedPayload means the callback lacks a field needed to
	// build the credential.
	ErrMalformedPayload = errors.New("issuance: malformed callback payload")
	// ErrRegistryUnavailable wraps registry transport failures and timeouts.
	ErrRegistryUnavailable = registry.ErrUnavailable
)

// RegistryError is a non-2xx registry response.
type RegistryError = registry.StatusError

// Lookup reads stored user context.
type Lookup interface {
	Get(transactionID string) (txstore.Entry, bool)
}

// Issuer creates credentials.
type Issuer interface {
	Issue(ctx context.Context, body any) ([]byte, error)
}

// Publisher relays an already serialized payload to sessions.
type Publisher interface {
	RelayRaw(ctx context.Context, action, transactionID string, payload []byte)
}

// Credential is the registry request body.
type Credential struct {
	Name          string `json:"name"`
	UserID        string `json:"userId"`
	EmailID       string `json:"emailId"`
	Type          string `json:"type"`
	AssociatedFor string `json:"associatedFor"`
	AgentName     string `json:"agentName"`
	StartDate     string `json:"startDate"`
	EndDate       string `json:"endDate"`
}

// Config wires a Trigger.
type Config struct {
	Store     Lookup
	Registry  Issuer
	Publisher Publisher
	Logger    pslog.Logger
}

// Trigger runs the issuance flow.
type Trigger struct {
	store     Lookup
	registry  Issuer
	publisher Publisher
	logger    pslog.Logger
	outcomes  metric.Int64Counter
	latency   metric.Int64Histogram
}

// New returns a Trigger.
func New(cfg Config) *Trigger {
	logger := svcfields.WithSubsystem(cfg.Logger, svcfields.Issuance)
	t := &Trigger{
		store:     cfg.Store,
		registry:  cfg.Registry,
		publisher: cfg.Publisher,
		logger:    logger,
	}
	meter := otel.Meter("pkt.systems/bapd/issuance")
	var err error
	t.outcomes, err = meter.Int64Counter(
		"bapd.issuance.outcomes",
		metric.WithDescription("Credential issuance attempts by outcome"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "bapd.issuance.outcomes", "error", err)
	}
	t.latency, err = meter.Int64Histogram(
		"bapd.issuance.registry.duration_ms",
		metric.WithDescription("Registry issue call latency"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", "bapd.issuance.registry.duration_ms", "error", err)
	}
	return t
}

// BuildCredential joins a callback with the stored entry. The callback
// supplies the credential type and the first fulfillment's agent and time
// range; the entry supplies the user.
func BuildCredential(env beckn.Envelope, entry txstore.Entry) (Credential, error) {
	txn, ok := env.TransactionID()
	if !ok {
		return Credential{}, fmt.Errorf("%w: missing context.transaction_id", ErrMalformedPayload)
	}
	domain, _ := env.Domain()
	order, ok := env.Order()
	if !ok {
		return Credential{}, fmt.Errorf("%w: missing message.order", ErrMalformedPayload)
	}
	if len(order.Fulfillments) == 0 {
		return Credential{}, fmt.Errorf("%w: order has no fulfillments", ErrMalformedPayload)
	}
	f := order.Fulfillments[0]
	if f.Agent == nil || f.Agent.Person == nil || f.Agent.Person.Name == "" {
		return Credential{}, fmt.Errorf("%w: missing fulfillment agent name", ErrMalformedPayload)
	}
	if f.Time == nil || f.Time.Range == nil || f.Time.Range.Start == "" || f.Time.Range.End == "" {
		return Credential{}, fmt.Errorf("%w: missing fulfillment time range", ErrMalformedPayload)
	}
	userID := entry.TransactionID
	if userID == "" {
		userID = txn
	}
	return Credential{
		Name:          entry.Name,
		UserID:        userID,
		EmailID:       entry.Email,
		Type:          domain,
		AssociatedFor: entry.Title,
		AgentName:     f.Agent.Person.Name,
		StartDate:     f.Time.Range.Start,
		EndDate:       f.Time.Range.End,
	}, nil
}

// Handle runs the flow for one on_confirm callback. On success the registry
// response has been handed to the publisher.
func (t *Trigger) Handle(ctx context.Context, env beckn.Envelope) (Credential, error) {
	cred, err := t.handle(ctx, env)
	t.record(ctx, outcome(err))
	return cred, err
}

func (t *Trigger) handle(ctx context.Context, env beckn.Envelope) (Credential, error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = t.logger
	}
	txn, ok := env.TransactionID()
	if !ok {
		return Credential{}, fmt.Errorf("%w: missing context.transaction_id", ErrMalformedPayload)
	}
	entry, ok := t.store.Get(txn)
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrLookupMiss, txn)
	}
	cred, err := BuildCredential(env, entry)
	if err != nil {
		return Credential{}, err
	}
	start := time.Now()
	resp, err := t.registry.Issue(ctx, cred)
	if t.latency != nil {
		t.latency.Record(ctx, time.Since(start).Milliseconds())
	}
	if err != nil {
		return cred, err
	}
	logger.Info("issuance.registry.success", "transaction_id", txn, "bytes", len(resp))
	if t.publisher != nil {
		t.publisher.RelayRaw(ctx, ActionIssued, txn, resp)
	}
	return cred, nil
}

func (t *Trigger) record(ctx context.Context, result string) {
	if t.outcomes == nil {
		return
	}
	t.outcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("bapd.issuance.outcome", result)))
}

func outcome(err error) string {
	var regErr *RegistryError
	switch {
	case err == nil:
		return "issued"
	case errors.Is(err, ErrLookupMiss):
		return "lookup_miss"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.As(err, &regErr):
		return "registry_rejected"
	case errors.Is(err, ErrRegistryUnavailable):
		return "registry_unavailable"
	default:
		return "error"
	}
}
