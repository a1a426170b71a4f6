package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestActionURL(t *testing.T) {
	cases := []struct {
		base, action, want string
		ok                 bool
	}{
		{"https://bpp.example/api/", "select", "https://bpp.example/api/select", true},
		{"http://bpp.example", "init", "http://bpp.example/init", true},
		{"", "init", "", false},
		{"ftp://bpp.example", "init", "", false},
	}
	for _, tc := range cases {
		got, err := ActionURL(tc.base, tc.action)
		if (err == nil) != tc.ok || got != tc.want {
			t.Fatalf("ActionURL(%q, %q) = %q, %v", tc.base, tc.action, got, err)
		}
	}
}

func TestForwardPostsEnvelope(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/confirm" {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"message":{"ack":{"status":"ACK"}}}`))
	}))
	defer srv.Close()
	c := New(Config{})
	if err := c.Forward(context.Background(), srv.URL+"/confirm", map[string]string{"k": "v"}); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if got["k"] != "v" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestForwardStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	err := New(Config{}).Forward(context.Background(), srv.URL, struct{}{})
	var se *StatusError
	if !errors.As(err, &se) || se.Status != http.StatusBadGateway {
		t.Fatalf("expected StatusError 502, got %v", err)
	}
}

func TestDispatchSurvivesCallerCancellation(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(20 * time.Millisecond)
		hits.Add(1)
	}))
	defer srv.Close()
	c := New(Config{Timeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	c.Dispatch(ctx, srv.URL, struct{}{})
	cancel()
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	if err := c.Wait(waitCtx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("expected one upstream hit, got %d", hits.Load())
	}
}
