package contract

// Envelope is the HTTP response envelope shape:
// `{ success, data, error? }`.
type Envelope struct {
	Success bool         `json:"success"`
	Data    any          `json:"data,omitempty"`
	Error   *ErrorDetail `json:"error,omitempty"`
}

// ErrorDetail is the `error` field of a failed Envelope.
type ErrorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

// OK wraps a successful payload.
func OK(data any) Envelope {
	return Envelope{Success: true, Data: data}
}

// Fail wraps an APIError as a failure envelope.
func Fail(err *APIError) Envelope {
	return Envelope{
		Success: false,
		Error:   &ErrorDetail{Code: err.Code, Message: err.Message},
	}
}

// MessageResponse is the 201 response body for a successful send: the
// Message row plus the `is_replay` flag so the client can suppress
// double-rendering an idempotent replay.
type MessageResponse struct {
	Message
	IsReplay bool `json:"is_replay"`
}
