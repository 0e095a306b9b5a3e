package core

// Event names emitted back to the originating connection.
const (
	EventMessage  = "message"
	EventError    = "error"
	EventTextData = "text_data"
)

// Emitter delivers a named event to one connection.
type Emitter interface {
	Emit(event string, payload any) error
}

type MessageReply struct {
	MessageID   string `json:"message_id"`
	SessionID   string `json:"session_id"`
	MessageText string `json:"message_text"`
}

type TextReply struct {
	Text string `json:"text"`
}

type ErrorReply struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	MessageID string    `json:"message_id,omitempty"`
}
