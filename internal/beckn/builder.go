package beckn

import (
	"time"

	"pkt.systems/bapd/internal/clock"
)

// Protocol constants used for every outbound message.
const (
	DomainMentoring = "dsep:mentoring"
	ProtocolVersion = "1.0.0"
	DefaultTTL      = "PT10M"
	DefaultTimezone = "IST"
)

// Actions bapd originates.
const (
	ActionSearch  = "search"
	ActionSelect  = "select"
	ActionInit    = "init"
	ActionConfirm = "confirm"
)

// Identity is the BAP's own subscriber identity.
type Identity struct {
	ID  string
	URI string
}

// Builder produces outbound envelopes stamped with the BAP identity.
type Builder struct {
	Identity Identity
	Clock    clock.Clock
}

// NewContext returns a context for action. Timestamps are RFC 3339 in UTC
// with millisecond precision.
func (b Builder) NewContext(action, transactionID, messageID string) *Context {
	now := clock.OrReal(b.Clock).Now().UTC()
	return &Context{
		Domain:        DomainMentoring,
		Action:        action,
		Version:       ProtocolVersion,
		BapID:         b.Identity.ID,
		BapURI:        b.Identity.URI,
		TransactionID: transactionID,
		MessageID:     messageID,
		Timestamp:     now.Format("2006-01-02T15:04:05.000Z07:00"),
		TTL:           DefaultTTL,
	}
}

// Search builds a search intent for sessions matching title.
func (b Builder) Search(transactionID, messageID, title string) Envelope {
	return Envelope{
		Context: b.NewContext(ActionSearch, transactionID, messageID),
		Message: &Message{Intent: &Intent{Item: &Item{Descriptor: &Descriptor{Name: title}}}},
	}
}

// Select builds a select order for a single item.
func (b Builder) Select(transactionID, messageID, itemID string) Envelope {
	return Envelope{
		Context: b.NewContext(ActionSelect, transactionID, messageID),
		Message: &Message{Order: &Order{Items: []Item{{ID: itemID}}}},
	}
}

// Enrollment is the user data carried by init and confirm.
type Enrollment struct {
	ItemID        string
	FulfillmentID string
	Name          string
	Email         string
	Phone         string
	Card          string
}

// Init builds an init order.
func (b Builder) Init(transactionID, messageID string, e Enrollment) Envelope {
	return b.order(ActionInit, transactionID, messageID, e)
}

// Confirm builds a confirm order.
func (b Builder) Confirm(transactionID, messageID string, e Enrollment) Envelope {
	return b.order(ActionConfirm, transactionID, messageID, e)
}

func (b Builder) order(action, transactionID, messageID string, e Enrollment) Envelope {
	return Envelope{
		Context: b.NewContext(action, transactionID, messageID),
		Message: &Message{Order: &Order{
			Items:        []Item{{ID: e.ItemID}},
			Fulfillments: []Fulfillment{{ID: e.FulfillmentID}},
			Billing: &Billing{
				Name:  e.Name,
				Email: e.Email,
				Phone: e.Phone,
				Card:  e.Card,
				Time:  &Time{Timezone: DefaultTimezone},
			},
		}},
	}
}

// ParseTimestamp parses a context timestamp.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
