// Package beckn holds the subset of the Beckn/DSEP wire format bapd reads
// and writes. Every field is optional on the wire, so decoders must tolerate
// partial payloads and accessors return explicit found flags.
package beckn

import "encoding/json"

// Envelope is the top-level body of every protocol request and callback.
type Envelope struct {
	Context *Context `json:"context,omitempty"`
	Message *Message `json:"message,omitempty"`
}

// Context is the routing header shared by every protocol message.
type Context struct {
	Domain        string `json:"domain,omitempty"`
	Action        string `json:"action,omitempty"`
	Version       string `json:"version,omitempty"`
	BapID         string `json:"bap_id,omitempty"`
	BapURI        string `json:"bap_uri,omitempty"`
	BppID         string `json:"bpp_id,omitempty"`
	BppURI        string `json:"bpp_uri,omitempty"`
	TransactionID string `json:"transaction_id,omitempty"`
	MessageID     string `json:"message_id,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
	TTL           string `json:"ttl,omitempty"`
}

// Message carries exactly one of catalog, intent or order in practice.
type Message struct {
	Catalog *Catalog `json:"catalog,omitempty"`
	Intent  *Intent  `json:"intent,omitempty"`
	Order   *Order   `json:"order,omitempty"`
}

// Intent is the search criteria sent with a search action.
type Intent struct {
	Item *Item `json:"item,omitempty"`
}

// Catalog is returned by on_search.
type Catalog struct {
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	Providers  []Provider  `json:"providers,omitempty"`
}

// Provider offers items and fulfillments.
type Provider struct {
	ID           string        `json:"id,omitempty"`
	Descriptor   *Descriptor   `json:"descriptor,omitempty"`
	Categories   []Category    `json:"categories,omitempty"`
	Items        []Item        `json:"items,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
}

// Category groups items.
type Category struct {
	ID         string      `json:"id,omitempty"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

// Descriptor is the human-readable description attached to most objects.
type Descriptor struct {
	Code      string  `json:"code,omitempty"`
	Name      string  `json:"name,omitempty"`
	ShortDesc string  `json:"short_desc,omitempty"`
	LongDesc  string  `json:"long_desc,omitempty"`
	Images    []Image `json:"images,omitempty"`
}

// Image is a descriptor image reference.
type Image struct {
	URL string `json:"url,omitempty"`
}

// Item is a mentorship session offered by a provider.
type Item struct {
	ID             string      `json:"id,omitempty"`
	Descriptor     *Descriptor `json:"descriptor,omitempty"`
	Quantity       *Quantity   `json:"quantity,omitempty"`
	Price          *Price      `json:"price,omitempty"`
	CategoryIDs    []string    `json:"category_ids,omitempty"`
	FulfillmentIDs []string    `json:"fulfillment_ids,omitempty"`
	Tags           []Tag       `json:"tags,omitempty"`
}

// Quantity reports seat availability.
type Quantity struct {
	Available *Count `json:"available,omitempty"`
	Allocated *Count `json:"allocated,omitempty"`
}

// Count wraps a numeric count.
type Count struct {
	Count int `json:"count"`
}

// Price is a stringly typed amount.
type Price struct {
	Value    string `json:"value,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Tag is a coded group of list entries.
type Tag struct {
	Display    *bool       `json:"display,omitempty"`
	Code       string      `json:"code,omitempty"`
	Name       string      `json:"name,omitempty"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
	List       []TagEntry  `json:"list,omitempty"`
}

// TagEntry is a single entry of a Tag list.
type TagEntry struct {
	Code       string      `json:"code,omitempty"`
	Name       string      `json:"name,omitempty"`
	Value      string      `json:"value,omitempty"`
	Descriptor *Descriptor `json:"descriptor,omitempty"`
}

// Fulfillment describes who delivers the session and when.
type Fulfillment struct {
	ID       string   `json:"id,omitempty"`
	Type     string   `json:"type,omitempty"`
	Language []string `json:"language,omitempty"`
	Agent    *Agent   `json:"agent,omitempty"`
	Time     *Time    `json:"time,omitempty"`
	Tags     []Tag    `json:"tags,omitempty"`
}

// Agent is the fulfilling party.
type Agent struct {
	Person *Person `json:"person,omitempty"`
}

// Person identifies a human agent.
type Person struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// Time is a labelled time range.
type Time struct {
	Label    string `json:"label,omitempty"`
	Timezone string `json:"timezone,omitempty"`
	Range    *Range `json:"range,omitempty"`
}

// Range is an inclusive start/end pair as sent by the counterparty.
type Range struct {
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Order is exchanged during select, init, confirm and their callbacks.
type Order struct {
	ID           string        `json:"id,omitempty"`
	State        string        `json:"state,omitempty"`
	Type         string        `json:"type,omitempty"`
	Provider     *Provider     `json:"provider,omitempty"`
	Items        []Item        `json:"items,omitempty"`
	Fulfillments []Fulfillment `json:"fulfillments,omitempty"`
	Billing      *Billing      `json:"billing,omitempty"`
}

// Billing carries the enrolling user's contact details.
type Billing struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
	Card  string `json:"card,omitempty"`
	Time  *Time  `json:"time,omitempty"`
}

// Decode parses raw into an Envelope. Unknown fields are ignored; the raw
// bytes remain the source of truth for relaying.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// TransactionID returns the context transaction id, if any.
func (e Envelope) TransactionID() (string, bool) {
	if e.Context == nil || e.Context.TransactionID == "" {
		return "", false
	}
	return e.Context.TransactionID, true
}

// Domain returns the context domain, if any.
func (e Envelope) Domain() (string, bool) {
	if e.Context == nil || e.Context.Domain == "" {
		return "", false
	}
	return e.Context.Domain, true
}

// Order returns the message order, if any.
func (e Envelope) Order() (*Order, bool) {
	if e.Message == nil || e.Message.Order == nil {
		return nil, false
	}
	return e.Message.Order, true
}
