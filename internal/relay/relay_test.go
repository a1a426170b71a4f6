package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"pkt.systems/bapd/internal/clock"
)

type staticRouter map[string]uint64

func (r staticRouter) SessionFor(txn string) (uint64, bool) {
	id, ok := r[txn]
	return id, ok
}

func decodeFrame(t *testing.T, raw string) Frame {
	t.Helper()
	var f Frame
	if err := json.Unmarshal([]byte(raw), &f); err != nil {
		t.Fatalf("decode frame %q: %v", raw, err)
	}
	return f
}

func TestRelayBroadcastsCallbackFrame(t *testing.T) {
	c := startCoordinator(t)
	ctx := testContext(t)
	a, b := &recordingSink{}, &recordingSink{}
	_ = c.Join(ctx, 1, a)
	_ = c.Join(ctx, 2, b)

	r := New(Config{Coordinator: c, Clock: clock.NewManual(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))})
	body := `{"context":{"transaction_id":"T1","action":"on_search"},"message":{}}`
	r.Relay(ctx, "on_search", []byte(body))
	_ = c.Sync(ctx)

	for _, sink := range []*recordingSink{a, b} {
		got := sink.got()
		if len(got) != 1 {
			t.Fatalf("expected one frame, got %v", got)
		}
		f := decodeFrame(t, got[0])
		if f.Action != "on_search" || f.Route != RouteBroadcast || f.TransactionID != "T1" {
			t.Fatalf("unexpected frame %+v", f)
		}
		if string(f.Payload) != body {
			t.Fatalf("payload not relayed verbatim: %s", f.Payload)
		}
		if f.ID == "" {
			t.Fatal("expected frame id")
		}
	}
}

func TestRelayTransactionModeDeliversToBoundSession(t *testing.T) {
	c := startCoordinator(t)
	ctx := testContext(t)
	a, b := &recordingSink{}, &recordingSink{}
	_ = c.Join(ctx, 1, a)
	_ = c.Join(ctx, 2, b)

	r := New(Config{Coordinator: c, Mode: ModeTransaction, Router: staticRouter{"T9": 2}})
	r.RelayRaw(ctx, "on_issue", "T9", []byte(`{"ok":true}`))
	r.RelayRaw(ctx, "on_issue", "unbound", []byte(`{"ok":true}`))
	_ = c.Sync(ctx)

	if got := a.got(); len(got) != 1 || decodeFrame(t, got[0]).TransactionID != "unbound" {
		t.Fatalf("session 1 should only see the fallback broadcast, got %v", got)
	}
	got := b.got()
	if len(got) != 2 {
		t.Fatalf("session 2 expected two frames, got %v", got)
	}
	if f := decodeFrame(t, got[0]); f.Route != RouteSession || f.TransactionID != "T9" {
		t.Fatalf("unexpected routed frame %+v", f)
	}
}

func TestRelayRawCarriesNonJSONAsString(t *testing.T) {
	c := startCoordinator(t)
	ctx := testContext(t)
	s := &recordingSink{}
	_ = c.Join(ctx, 1, s)
	New(Config{Coordinator: c}).RelayRaw(ctx, "on_issue", "T1", []byte("plain text"))
	_ = c.Sync(ctx)
	got := s.got()
	if len(got) != 1 {
		t.Fatalf("expected one frame, got %v", got)
	}
	var text string
	if err := json.Unmarshal(decodeFrame(t, got[0]).Payload, &text); err != nil || text != "plain text" {
		t.Fatalf("unexpected payload %q err=%v", text, err)
	}
}

func TestParseMode(t *testing.T) {
	cases := map[string]Mode{"": ModeBroadcast, "broadcast": ModeBroadcast, " Transaction ": ModeTransaction}
	for in, want := range cases {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("unicast"); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestHelloFrame(t *testing.T) {
	raw, err := HelloFrame(5, time.Unix(0, 0))
	if err != nil {
		t.Fatalf("hello: %v", err)
	}
	f := decodeFrame(t, string(raw))
	if f.Action != ActionHello || string(f.Payload) != `{"session_id":5}` {
		t.Fatalf("unexpected hello %+v", f)
	}
}

func TestOutboxWritesInOrder(t *testing.T) {
	var mu sync.Mutex
	var got []string
	done := make(chan struct{})
	o := NewOutbox(8, func(_ context.Context, p []byte) error {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(p))
		if len(got) == 3 {
			close(done)
		}
		return nil
	}, nil)
	defer o.Close()
	for _, p := range []string{"1", "2", "3"} {
		if !o.Send([]byte(p)) {
			t.Fatalf("send %s rejected", p)
		}
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not drain")
	}
	mu.Lock()
	defer mu.Unlock()
	if !equalStrings(got, []string{"1", "2", "3"}) {
		t.Fatalf("unexpected order %v", got)
	}
}

func TestOutboxRejectsWhenFullOrClosed(t *testing.T) {
	block := make(chan struct{})
	o := NewOutbox(1, func(ctx context.Context, _ []byte) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return nil
	}, nil)
	// first payload is taken by the writer, second fills the queue
	o.Send([]byte("a"))
	deadline := time.Now().Add(2 * time.Second)
	for len(o.queue) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !o.Send([]byte("b")) {
		t.Fatal("expected queue slot")
	}
	if o.Send([]byte("c")) {
		t.Fatal("expected full queue to reject")
	}
	o.Close()
	close(block)
	if o.Send([]byte("d")) {
		t.Fatal("closed outbox should reject")
	}
}

func TestOutboxRetiresOnWriteError(t *testing.T) {
	boom := errors.New("boom")
	o := NewOutbox(4, func(context.Context, []byte) error { return boom }, nil)
	o.Send([]byte("x"))
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("outbox not retired after write error")
	}
	if !errors.Is(o.Err(), boom) {
		t.Fatalf("expected boom, got %v", o.Err())
	}
}
