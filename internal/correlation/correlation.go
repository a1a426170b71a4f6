// Package correlation carries request and protocol identifiers through a
// request context so log lines from different layers can be joined.
package correlation

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// Header is the HTTP header used to propagate a caller-supplied request id.
const Header = "X-Correlation-Id"

// MaxIDLength bounds accepted identifiers.
const MaxIDLength = 128

type (
	requestKey     struct{}
	transactionKey struct{}
)

// WithRequest returns ctx carrying a normalized request id. Invalid ids are
// ignored.
func WithRequest(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id, ok := Normalize(id); ok {
		return context.WithValue(ctx, requestKey{}, id)
	}
	return ctx
}

// Request returns the request id stored on ctx.
func Request(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestKey{}).(string)
	return id
}

// WithTransaction returns ctx carrying the protocol transaction id.
func WithTransaction(ctx context.Context, txnID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if id, ok := Normalize(txnID); ok {
		return context.WithValue(ctx, transactionKey{}, id)
	}
	return ctx
}

// Transaction returns the transaction id stored on ctx.
func Transaction(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(transactionKey{}).(string)
	return id
}

// Normalize trims id and rejects empty, overlong or non-printable values.
func Normalize(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxIDLength {
		return "", false
	}
	for _, r := range id {
		if r < 0x20 || r > 0x7e {
			return "", false
		}
	}
	return id, true
}

// Generate returns a new time-ordered identifier. It is used for request
// ids as well as protocol message and transaction ids.
func Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
