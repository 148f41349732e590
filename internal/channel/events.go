package channel

import "encoding/json"

// Event names carried in the envelope.
const (
	EventMessageSubmitted = "message-submitted"
	EventReplyReady       = "reply-ready"
	EventTurnError        = "turn-error"
	EventPing             = "ping"
	EventPong             = "pong"
)

// Envelope wraps every frame sent in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// MessageSubmitted is sent by the client to add a message to a chat.
type MessageSubmitted struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// ReplyReady carries the assistant reply for a submitted message.
type ReplyReady struct {
	ChatID  string `json:"chatId"`
	Content string `json:"content"`
}

// TurnError reports why a submitted message got no reply.
type TurnError struct {
	ChatID string `json:"chatId"`
	Reason string `json:"reason"`
}

func encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		env.Data = raw
	}
	return json.Marshal(env)
}
