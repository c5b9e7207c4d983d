package transport

import (
	"encoding/json"
	"fmt"

	"github.com/linkup-app/linkup/types"
)

// Wire kinds as they appear in the envelope's "kind" field.
const (
	kindMessage = "message"
	kindTyping  = "typing"
	kindPost    = "post"
)

// WireMessage is the closed set of payloads that travel over a link.
// The union is sealed: dispatch sites switch over the concrete types
// exhaustively, so a new kind is a compile-time-checked addition.
//
// Wire messages are transient; the local store persists the unwrapped
// message/post payloads, never this shape.
type WireMessage interface {
	isWireMessage()
}

// ChatMessage carries one chat message to a peer.
type ChatMessage struct {
	ChatID  string
	Message types.Message
}

// TypingStatus carries a typing indicator for a chat.
type TypingStatus struct {
	ChatID   string
	UserID   string
	IsTyping bool
}

// PostBroadcast announces a newly published post.
type PostBroadcast struct {
	Post types.Post
}

func (ChatMessage) isWireMessage()   {}
func (TypingStatus) isWireMessage()  {}
func (PostBroadcast) isWireMessage() {}

// envelope is the JSON frame: a kind tag plus the union of payload
// fields, only one group of which is populated per kind.
type envelope struct {
	Kind     string         `json:"kind"`
	ChatID   string         `json:"chatId,omitempty"`
	UserID   string         `json:"userId,omitempty"`
	IsTyping bool           `json:"isTyping,omitempty"`
	Message  *types.Message `json:"message,omitempty"`
	Post     *types.Post    `json:"post,omitempty"`
}

// encodeWire serializes a wire message into its envelope frame.
func encodeWire(m WireMessage) ([]byte, error) {
	var env envelope
	switch msg := m.(type) {
	case ChatMessage:
		env = envelope{Kind: kindMessage, ChatID: msg.ChatID, Message: &msg.Message}
	case TypingStatus:
		env = envelope{Kind: kindTyping, ChatID: msg.ChatID, UserID: msg.UserID, IsTyping: msg.IsTyping}
	case PostBroadcast:
		env = envelope{Kind: kindPost, Post: &msg.Post}
	default:
		return nil, fmt.Errorf("transport: unencodable wire message %T", m)
	}
	return json.Marshal(env)
}

// decodeWire parses an envelope frame. An unrecognized kind yields
// ErrUnknownKind; receivers ignore such frames.
func decodeWire(data []byte) (WireMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("transport: malformed frame: %w", err)
	}

	switch env.Kind {
	case kindMessage:
		if env.Message == nil {
			return nil, fmt.Errorf("transport: message frame without payload")
		}
		return ChatMessage{ChatID: env.ChatID, Message: *env.Message}, nil
	case kindTyping:
		return TypingStatus{ChatID: env.ChatID, UserID: env.UserID, IsTyping: env.IsTyping}, nil
	case kindPost:
		if env.Post == nil {
			return nil, fmt.Errorf("transport: post frame without payload")
		}
		return PostBroadcast{Post: *env.Post}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}
