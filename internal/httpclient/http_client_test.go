package httpclient

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewAppliesTimeout(t *testing.T) {
	c, err := New(Config{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Timeout != 3*time.Second {
		t.Fatalf("unexpected timeout %v", c.Timeout)
	}
}

func TestNewRejectsEmptyTrustFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trust.pem")
	if err := os.WriteFile(path, []byte("not a cert"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(Config{TrustFile: path}); err == nil {
		t.Fatal("expected error for trust file without certificates")
	}
	if _, err := New(Config{TrustFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatal("expected error for missing trust file")
	}
}

func TestNewWithTracing(t *testing.T) {
	c, err := New(Config{Tracing: true})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if c.Transport == nil {
		t.Fatal("expected transport")
	}
}
