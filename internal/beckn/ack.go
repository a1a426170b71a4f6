package beckn

// Ack statuses.
const (
	StatusACK  = "ACK"
	StatusNACK = "NACK"
)

// Response is the synchronous reply to every protocol request and callback.
type Response struct {
	Message ResponseMessage `json:"message"`
	Error   ResponseError   `json:"error"`
}

// ResponseMessage wraps the acknowledgement.
type ResponseMessage struct {
	Ack Ack `json:"ack"`
}

// Ack carries the acknowledgement status.
type Ack struct {
	Status string `json:"status"`
}

// ResponseError is always present; empty fields mean no error.
type ResponseError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Path    string `json:"path"`
	Message string `json:"message"`
}

// NewAck returns the positive acknowledgement with an empty error object.
func NewAck() Response {
	return Response{Message: ResponseMessage{Ack: Ack{Status: StatusACK}}}
}
