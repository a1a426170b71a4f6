package api

// SearchRequest models the JSON payload for POST /api/search.
type SearchRequest struct {
	// SessionTitle is matched against mentorship session names.
	SessionTitle string `json:"sessionTitle"`
}

// SelectRequest models the JSON payload for POST /api/select.
type SelectRequest struct {
	// BppURI is the counterparty that answered on_search.
	BppURI string `json:"bppUri"`
	// TransactionID continues the transaction started by search.
	TransactionID string `json:"transactionId"`
	// MessageID is generated when empty.
	MessageID string `json:"messageId,omitempty"`
	// ItemID identifies the selected session.
	ItemID string `json:"itemId"`
}

// InitRequest models the JSON payload for POST /api/init and POST /api/confirm.
type InitRequest struct {
	// BppURI is the counterparty the order is placed with.
	BppURI string `json:"bppUri"`
	// TransactionID keys the stored user context for credential issuance.
	TransactionID string `json:"transactionId"`
	// MentorshipTitle becomes the credential's associatedFor field.
	MentorshipTitle string `json:"mentorshipTitle"`
	// MessageID is generated when empty.
	MessageID string `json:"messageId,omitempty"`
	// ItemID identifies the ordered session.
	ItemID string `json:"itemId"`
	// FulfillmentID identifies the chosen fulfillment. The misspelling
	// matches deployed clients.
	FulfillmentID string `json:"fullfillmentId"`
	// Card is forwarded verbatim in the billing block.
	Card string `json:"card,omitempty"`
	// EmailID is the enrolling user's email.
	EmailID string `json:"emailId"`
	// Name is the enrolling user's name.
	Name string `json:"name"`
	// Phone is forwarded in the billing block when set.
	Phone string `json:"phone,omitempty"`
	// SessionID binds the transaction to a live session when transaction
	// routing is enabled. It is the id announced in the session hello frame.
	SessionID uint64 `json:"sessionId,omitempty"`
}

// ActionResponse is returned by every outbound action endpoint.
type ActionResponse struct {
	// MessageID identifies the outbound message.
	MessageID string `json:"message_id"`
	// TransactionID identifies the protocol transaction.
	TransactionID string `json:"transaction_id"`
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	// Status is UP while the server accepts requests.
	Status string `json:"status"`
}

// ReadyResponse is returned by GET /readyz.
type ReadyResponse struct {
	// Ready reports whether the relay loop is running.
	Ready bool `json:"ready"`
	// Sessions is the number of connected sessions.
	Sessions int `json:"sessions"`
	// StoredTransactions is the number of correlation entries held.
	StoredTransactions int `json:"stored_transactions"`
	// RoutingMode is broadcast or transaction.
	RoutingMode string `json:"routing_mode"`
}

// ErrorResponse is the canonical error envelope for API errors.
type ErrorResponse struct {
	// ErrorCode is the stable bapd error identifier.
	ErrorCode string `json:"error"`
	// Detail provides human-readable diagnostic context for the error.
	Detail string `json:"detail,omitempty"`
}
