package registry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestIssuePostsJSON(t *testing.T) {
	var gotPath, gotCT string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotCT = r.Header.Get("Content-Type")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"result":{"osid":"1-abc"}}`))
	}))
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL + "/api/v1/"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	resp, err := c.Issue(context.Background(), map[string]string{"name": "Ann"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if string(resp) != `{"result":{"osid":"1-abc"}}` {
		t.Fatalf("unexpected response %s", resp)
	}
	if gotPath != "/api/v1/ProofOfAssociation" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotCT != "application/json" || gotBody["name"] != "Ann" {
		t.Fatalf("unexpected request ct=%q body=%v", gotCT, gotBody)
	}
}

func TestIssueStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad schema", http.StatusBadRequest)
	}))
	defer srv.Close()
	c, _ := New(Config{BaseURL: srv.URL})
	_, err := c.Issue(context.Background(), map[string]string{})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Status != http.StatusBadRequest {
		t.Fatalf("unexpected status %d", se.Status)
	}
}

func TestIssueUnavailableOnTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)
	c, _ := New(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	_, err := c.Issue(context.Background(), map[string]string{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFetchPDFHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/pdf" || r.Header.Get("template-key") != "mentor" {
			http.Error(w, "wrong headers", http.StatusNotAcceptable)
			return
		}
		if r.URL.Path != "/ProofOfAssociation/cert-1" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	}))
	defer srv.Close()
	c, _ := New(Config{BaseURL: srv.URL})
	data, ct, err := c.FetchPDF(context.Background(), "cert-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(data) != "%PDF-1.4" || ct != "application/pdf" {
		t.Fatalf("unexpected pdf %q ct=%q", data, ct)
	}
	if _, _, err := c.FetchPDF(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestNewRequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestResponseBodyLimit(t *testing.T) {
	cases := []struct {
		name    string
		size    int
		wantErr bool
	}{
		{name: "at limit", size: 1024},
		{name: "over limit", size: 2048, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/pdf")
				_, _ = w.Write([]byte(strings.Repeat("x", tc.size)))
			}))
			defer srv.Close()
			c, err := New(Config{BaseURL: srv.URL, MaxBodyBytes: 1024})
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			data, _, err := c.FetchPDF(context.Background(), "big")
			if !tc.wantErr {
				if err != nil || len(data) != tc.size {
					t.Fatalf("expected %d bytes, got %d err=%v", tc.size, len(data), err)
				}
				return
			}
			if !errors.Is(err, ErrUnavailable) || data != nil {
				t.Fatalf("expected ErrUnavailable for oversized body, got %d bytes err=%v", len(data), err)
			}
			if _, err := c.Issue(context.Background(), map[string]string{"userId": "T1"}); !errors.Is(err, ErrUnavailable) {
				t.Fatalf("expected oversized issue response to fail, got %v", err)
			}
		})
	}
}
