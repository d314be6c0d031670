// Package protocol defines the wire format spoken on both sides of the relay.
//
// Controller and device peers exchange single JSON objects per text
// WebSocket message. A message with an id and no method is a response, a
// message with a method and no id is an event, and a message carrying both
// is a request.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message is the unit exchanged over both relay sockets.
type Message struct {
	ID        *int64          `json:"id,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Method    string          `json:"method,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
}

// Error is the error object carried by failure responses.
type Error struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

// EmptyResult is the result payload of a success response with nothing to report.
var EmptyResult = json.RawMessage(`{}`)

// ErrMalformed is returned by Decode for payloads that are not a JSON object.
var ErrMalformed = errors.New("malformed message")

// IsRequest reports whether m carries both an id and a method.
func (m *Message) IsRequest() bool { return m.ID != nil && m.Method != "" }

// IsResponse reports whether m is a reply to an earlier request.
func (m *Message) IsResponse() bool { return m.ID != nil && m.Method == "" }

// IsEvent reports whether m is an unsolicited notification.
func (m *Message) IsEvent() bool { return m.ID == nil && m.Method != "" }

// Decode parses a single wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &m, nil
}

// Encode serializes m for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Response builds a success response for the request identified by id.
func Response(id *int64, sessionID string, result json.RawMessage) *Message {
	return &Message{ID: id, SessionID: sessionID, Result: result}
}

// ErrorResponse builds a failure response carrying err's message text.
func ErrorResponse(id *int64, sessionID string, err error) *Message {
	var perr *Error
	if errors.As(err, &perr) {
		return &Message{ID: id, SessionID: sessionID, Error: &Error{Code: perr.Code, Message: perr.Message}}
	}
	return &Message{ID: id, SessionID: sessionID, Error: &Error{Message: err.Error()}}
}

// Event builds an unsolicited event message.
func Event(sessionID, method string, params json.RawMessage) *Message {
	return &Message{SessionID: sessionID, Method: method, Params: params}
}

// Describe returns a short label for logging: the method name for requests
// and events, or "response(id=N)" for responses.
func (m *Message) Describe() string {
	if m.Method != "" {
		return m.Method
	}
	if m.ID != nil {
		return fmt.Sprintf("response(id=%d)", *m.ID)
	}
	return "empty"
}
