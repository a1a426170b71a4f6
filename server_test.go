package bapd

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"pkt.systems/bapd/api"
	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/clock"
	"pkt.systems/bapd/internal/relay"
)

func waitFor(t *testing.T, timeout, interval time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		if fn() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within %s", timeout)
		}
		time.Sleep(interval)
	}
}

type testPeers struct {
	bpp      *httptest.Server
	registry *httptest.Server
	forwards chan beckn.Envelope
	issued   chan map[string]string
}

func newTestPeers(t *testing.T) *testPeers {
	t.Helper()
	p := &testPeers{
		forwards: make(chan beckn.Envelope, 8),
		issued:   make(chan map[string]string, 8),
	}
	p.bpp = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		if env, err := beckn.Decode(raw); err == nil {
			p.forwards <- env
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(beckn.NewAck())
	}))
	p.registry = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.issued <- body
		_, _ = w.Write([]byte(`{"osid":"cred-` + body["userId"] + `"}`))
	}))
	t.Cleanup(func() {
		p.bpp.Close()
		p.registry.Close()
	})
	return p
}

func startTestServer(t *testing.T, cfg Config, opts ...Option) (*Server, string) {
	t.Helper()
	cfg.Listen = "127.0.0.1:0"
	if cfg.PingInterval == 0 {
		cfg.PingInterval = -1
	}
	srv, stop, err := StartServer(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stop(ctx); err != nil {
			t.Errorf("stop: %v", err)
		}
	})
	return srv, "http://" + srv.ListenerAddr().String()
}

func readyz(t *testing.T, base string) api.ReadyResponse {
	t.Helper()
	resp, err := http.Get(base + "/readyz")
	if err != nil {
		t.Fatalf("readyz: %v", err)
	}
	defer resp.Body.Close()
	var out api.ReadyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode readyz: %v", err)
	}
	return out
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readFrame(t *testing.T, conn *websocket.Conn) relay.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var frame relay.Frame
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestServerConfirmToCredential(t *testing.T) {
	peers := newTestPeers(t)
	_, base := startTestServer(t, Config{
		RegistryURL: peers.registry.URL,
		GatewayURL:  peers.bpp.URL,
		RoutingMode: "transaction",
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(base, "http")+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	hello := readFrame(t, conn)
	var assigned struct {
		SessionID uint64 `json:"session_id"`
	}
	if err := json.Unmarshal(hello.Payload, &assigned); err != nil || hello.Action != relay.ActionHello {
		t.Fatalf("unexpected hello %+v err=%v", hello, err)
	}
	if assigned.SessionID != 1 {
		t.Fatalf("first session should be 1, got %d", assigned.SessionID)
	}
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool { return readyz(t, base).Sessions == 1 })

	confirm, _ := json.Marshal(api.InitRequest{
		BppURI:          peers.bpp.URL,
		TransactionID:   "T9",
		MentorshipTitle: "Track A",
		ItemID:          "I1",
		FulfillmentID:   "F1",
		EmailID:         "a@x.com",
		Name:            "Ann",
		SessionID:       assigned.SessionID,
	})
	resp := postJSON(t, base+"/api/confirm", string(confirm))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status %d", resp.StatusCode)
	}
	select {
	case env := <-peers.forwards:
		if env.Context.Action != beckn.ActionConfirm || env.Context.TransactionID != "T9" || env.Context.BapURI != DefaultBapURI {
			t.Fatalf("unexpected forwarded context %+v", env.Context)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("confirm was not forwarded")
	}

	onConfirm := `{"context":{"domain":"dsep:mentoring","action":"on_confirm","transaction_id":"T9"},` +
		`"message":{"order":{"fulfillments":[{"agent":{"person":{"name":"Mentor1"}},"time":{"range":{"start":"2024-01-01T10:00:00Z","end":"2024-01-01T11:00:00Z"}}}]}}}`
	resp = postJSON(t, base+"/api/on_confirm", onConfirm)
	var ack beckn.Response
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil || ack.Message.Ack.Status != "ACK" {
		t.Fatalf("unexpected ack %+v err=%v", ack, err)
	}

	raw := readFrame(t, conn)
	if raw.Action != "on_confirm" || raw.Route != relay.RouteSession || string(raw.Payload) != onConfirm {
		t.Fatalf("expected raw on_confirm first, got %+v", raw)
	}
	cred := readFrame(t, conn)
	if cred.Action != "on_issue" || string(cred.Payload) != `{"osid":"cred-T9"}` {
		t.Fatalf("expected credential second, got %+v", cred)
	}
	issued := <-peers.issued
	want := map[string]string{
		"name":          "Ann",
		"userId":        "T9",
		"emailId":       "a@x.com",
		"type":          "dsep:mentoring",
		"associatedFor": "Track A",
		"agentName":     "Mentor1",
		"startDate":     "2024-01-01T10:00:00Z",
		"endDate":       "2024-01-01T11:00:00Z",
	}
	for k, v := range want {
		if issued[k] != v {
			t.Fatalf("registry body %s=%q, want %q", k, issued[k], v)
		}
	}
}

func TestServerSweeperEvictsExpiredEntries(t *testing.T) {
	peers := newTestPeers(t)
	clk := clock.NewManual(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	srv, base := startTestServer(t, Config{
		RegistryURL:     peers.registry.URL,
		GatewayURL:      peers.bpp.URL,
		StoreTTL:        time.Minute,
		SweeperInterval: time.Minute,
	}, WithClock(clk))

	postJSON(t, base+"/api/confirm", `{"bppUri":"`+peers.bpp.URL+`","transactionId":"T1","name":"Ann"}`)
	if got := readyz(t, base).StoredTransactions; got != 1 {
		t.Fatalf("expected one stored transaction, got %d", got)
	}
	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool { return clk.Waiters() > 0 })
	clk.Advance(30 * time.Second)
	if _, ok := srv.store.Get("T1"); !ok {
		t.Fatal("entry evicted before the sweeper ran")
	}
	clk.Advance(2 * time.Minute)
	waitFor(t, 5*time.Second, 5*time.Millisecond, func() bool { return srv.store.Len() == 0 })
}

func TestServerSetStoreTTL(t *testing.T) {
	peers := newTestPeers(t)
	srv, _ := startTestServer(t, Config{RegistryURL: peers.registry.URL})
	if err := srv.SetStoreTTL(-time.Second); err == nil {
		t.Fatal("expected negative ttl to be rejected")
	}
	if err := srv.SetStoreTTL(time.Hour); err != nil {
		t.Fatalf("set ttl: %v", err)
	}
	if got := srv.store.TTL(); got != time.Hour {
		t.Fatalf("expected 1h ttl, got %v", got)
	}
}

func TestServerReadyzAndHealthz(t *testing.T) {
	peers := newTestPeers(t)
	srv, base := startTestServer(t, Config{RegistryURL: peers.registry.URL})
	resp, err := http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status %d", resp.StatusCode)
	}
	ready := readyz(t, base)
	if !ready.Ready || ready.RoutingMode != "broadcast" || ready.Sessions != 0 {
		t.Fatalf("unexpected readiness %+v", ready)
	}

	srv.coord.Close()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after relay shutdown, got %d", rec.Code)
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	peers := newTestPeers(t)
	srv, stop, err := StartServer(context.Background(), Config{
		Listen:       "127.0.0.1:0",
		RegistryURL:  peers.registry.URL,
		PingInterval: -1,
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "ws://" + srv.ListenerAddr().String()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, base+"/api/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	waitFor(t, 5*time.Second, 10*time.Millisecond, func() bool {
		sessions, err := srv.coord.Sessions(ctx)
		return err == nil && len(sessions) == 1
	})
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, _, err := conn.Read(ctx); err == nil {
		t.Fatal("expected the session to be closed by shutdown")
	}
	if err := stop(ctx); err != nil {
		t.Fatalf("second stop should be a no-op: %v", err)
	}
}

func TestStartServerRejectsInvalidConfig(t *testing.T) {
	if _, _, err := StartServer(context.Background(), Config{RoutingMode: "nope"}); err == nil {
		t.Fatal("expected invalid routing mode to fail")
	}
}

func TestMetricsAddrDuringShutdown(t *testing.T) {
	peers := newTestPeers(t)
	srv, stop, err := StartServer(context.Background(), Config{
		Listen:        "127.0.0.1:0",
		RegistryURL:   peers.registry.URL,
		PingInterval:  -1,
		MetricsListen: "127.0.0.1:0",
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if srv.MetricsAddr() == nil {
		t.Fatal("expected a metrics listener")
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			_ = srv.MetricsAddr()
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	<-done
	if addr := srv.MetricsAddr(); addr != nil {
		t.Fatalf("expected no metrics listener after shutdown, got %v", addr)
	}
}
