package correlation

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNormalize(t *testing.T) {
	if got, ok := Normalize("  T1  "); !ok || got != "T1" {
		t.Fatalf("expected T1, got %q ok=%v", got, ok)
	}
	if _, ok := Normalize(""); ok {
		t.Fatal("empty id should be invalid")
	}
	if _, ok := Normalize(strings.Repeat("x", MaxIDLength+1)); ok {
		t.Fatal("overlong id should be invalid")
	}
	if _, ok := Normalize("bad\nid"); ok {
		t.Fatal("control characters should be invalid")
	}
}

func TestRequestAndTransaction(t *testing.T) {
	ctx := context.Background()
	if Request(ctx) != "" || Transaction(ctx) != "" {
		t.Fatal("expected empty ids on background context")
	}
	ctx = WithRequest(ctx, " req-1 ")
	ctx = WithTransaction(ctx, "T9")
	if got := Request(ctx); got != "req-1" {
		t.Fatalf("expected req-1, got %q", got)
	}
	if got := Transaction(ctx); got != "T9" {
		t.Fatalf("expected T9, got %q", got)
	}
	if got := Transaction(WithTransaction(ctx, "")); got != "T9" {
		t.Fatalf("invalid transaction id should be ignored, got %q", got)
	}
}

func TestGenerateIsUUIDv7(t *testing.T) {
	raw := Generate()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7, got %d", parsed.Version())
	}
	if raw == Generate() {
		t.Fatal("expected unique ids")
	}
}
