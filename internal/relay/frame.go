package relay

import (
	"encoding/json"
	"time"

	"github.com/rs/xid"
)

// Frame routes.
const (
	RouteBroadcast = "broadcast"
	RouteSession   = "session"
)

// ActionHello is sent to a session on join when it needs its own id.
const ActionHello = "session.hello"

// Frame is the envelope written to session connections.
type Frame struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	Route         string          `json:"route"`
	TransactionID string          `json:"transaction_id,omitempty"`
	SentAt        time.Time       `json:"sent_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewFrame wraps payload. Payloads that are not valid JSON are carried as a
// JSON string.
func NewFrame(action, route, transactionID string, payload []byte, now time.Time) Frame {
	return Frame{
		ID:            xid.NewWithTime(now).String(),
		Action:        action,
		Route:         route,
		TransactionID: transactionID,
		SentAt:        now.UTC(),
		Payload:       rawJSON(payload),
	}
}

// Encode marshals f for the wire.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// HelloFrame tells a client which session id it was assigned.
func HelloFrame(id uint64, now time.Time) ([]byte, error) {
	body, err := json.Marshal(struct {
		SessionID uint64 `json:"session_id"`
	}{id})
	if err != nil {
		return nil, err
	}
	return NewFrame(ActionHello, RouteSession, "", body, now).Encode()
}

func rawJSON(payload []byte) json.RawMessage {
	if len(payload) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(payload) {
		return json.RawMessage(payload)
	}
	quoted, _ := json.Marshal(string(payload))
	return json.RawMessage(quoted)
}
