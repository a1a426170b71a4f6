package issuance

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"pkt.systems/bapd/internal/beckn"
	"pkt.systems/bapd/internal/registry"
	"pkt.systems/bapd/internal/txstore"
)

type published struct {
	action, txn string
	payload     string
}

type fakePublisher struct{ got []published }

func (p *fakePublisher) RelayRaw(_ context.Context, action, txn string, payload []byte) {
	p.got = append(p.got, published{action, txn, string(payload)})
}

type fakeIssuer struct {
	body any
	resp []byte
	err  error
}

func (f *fakeIssuer) Issue(_ context.Context, body any) ([]byte, error) {
	f.body = body
	return f.resp, f.err
}

const onConfirmT1 = `{
	"context": {"domain": "dsep:mentoring", "action": "on_confirm", "transaction_id": "T1"},
	"message": {"order": {"fulfillments": [{
		"agent": {"person": {"name": "Mentor1"}},
		"time": {"range": {"start": "2024-01-01T10:00:00Z", "end": "2024-01-01T11:00:00Z"}}
	}]}}
}`

func mustDecode(t *testing.T, raw string) beckn.Envelope {
	t.Helper()
	env, err := beckn.Decode([]byte(raw))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

func seededStore() *txstore.Store {
	s := txstore.New(txstore.Config{})
	s.Put("T1", txstore.Entry{Name: "Ann", Email: "a@x.com", MessageID: "M1", TransactionID: "T1", Title: "Track A"})
	return s
}

func TestHandleIssuesAndPublishes(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"id":"cred-1"}`))
	}))
	defer srv.Close()
	reg, err := registry.New(registry.Config{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := &fakePublisher{}
	trig := New(Config{Store: seededStore(), Registry: reg, Publisher: pub})

	if _, err := trig.Handle(context.Background(), mustDecode(t, onConfirmT1)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	want := map[string]string{
		"name":          "Ann",
		"userId":        "T1",
		"emailId":       "a@x.com",
		"type":          "dsep:mentoring",
		"associatedFor": "Track A",
		"agentName":     "Mentor1",
		"startDate":     "2024-01-01T10:00:00Z",
		"endDate":       "2024-01-01T11:00:00Z",
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected registry body %v", got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("field %s: expected %q, got %q", k, v, got[k])
		}
	}
	if len(pub.got) != 1 || pub.got[0].action != ActionIssued || pub.got[0].txn != "T1" || pub.got[0].payload != `{"id":"cred-1"}` {
		t.Fatalf("unexpected publication %+v", pub.got)
	}
}

func TestHandleLookupMiss(t *testing.T) {
	issuer := &fakeIssuer{}
	pub := &fakePublisher{}
	trig := New(Config{Store: txstore.New(txstore.Config{}), Registry: issuer, Publisher: pub})
	_, err := trig.Handle(context.Background(), mustDecode(t, onConfirmT1))
	if !errors.Is(err, ErrLookupMiss) {
		t.Fatalf("expected ErrLookupMiss, got %v", err)
	}
	if issuer.body != nil || len(pub.got) != 0 {
		t.Fatal("registry and publisher must not be called on lookup miss")
	}
}

func TestHandleMalformed(t *testing.T) {
	cases := map[string]string{
		"no context":      `{"message":{"order":{}}}`,
		"no order":        `{"context":{"transaction_id":"T1"},"message":{}}`,
		"no fulfillments": `{"context":{"transaction_id":"T1"},"message":{"order":{"fulfillments":[]}}}`,
		"no agent":        `{"context":{"transaction_id":"T1"},"message":{"order":{"fulfillments":[{"time":{"range":{"start":"a","end":"b"}}}]}}}`,
		"no range":        `{"context":{"transaction_id":"T1"},"message":{"order":{"fulfillments":[{"agent":{"person":{"name":"M"}}}]}}}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			issuer := &fakeIssuer{}
			trig := New(Config{Store: seededStore(), Registry: issuer, Publisher: &fakePublisher{}})
			_, err := trig.Handle(context.Background(), mustDecode(t, raw))
			if !errors.Is(err, ErrMalformedPayload) {
				t.Fatalf("expected ErrMalformedPayload, got %v", err)
			}
			if issuer.body != nil {
				t.Fatal("registry must not be called")
			}
		})
	}
}

func TestHandleRegistryFailures(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"rejected", &registry.StatusError{Status: 422, Body: "nope"}, func(err error) bool {
			var re *RegistryError
			return errors.As(err, &re) && re.Status == 422
		}},
		{"unavailable", errors.Join(ErrRegistryUnavailable, errors.New("dial")), func(err error) bool {
			return errors.Is(err, ErrRegistryUnavailable)
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			pub := &fakePublisher{}
			trig := New(Config{Store: seededStore(), Registry: &fakeIssuer{err: tc.err}, Publisher: pub})
			_, err := trig.Handle(context.Background(), mustDecode(t, onConfirmT1))
			if !tc.check(err) {
				t.Fatalf("unexpected error %v", err)
			}
			if len(pub.got) != 0 {
				t.Fatal("nothing should be published on registry failure")
			}
		})
	}
}

func TestOutcomeLabels(t *testing.T) {
	if outcome(nil) != "issued" || outcome(ErrLookupMiss) != "lookup_miss" || outcome(errors.New("x")) != "error" {
		t.Fatal("unexpected outcome labels")
	}
}
