package connection

import (
	"time"

	"github.com/matheus3301/chatsync/internal/conversation"
)

// TypingEvent is the payload of bus.KindTypingReceived.
type TypingEvent struct {
	ConversationID int64  `json:"conversationId"`
	Username       string `json:"username"`
	IsTyping       bool   `json:"isTyping"`
}

// ReceiptEvent is the payload of bus.KindDeliveryReceived and
// bus.KindReadReceived.
type ReceiptEvent struct {
	ConversationID int64     `json:"conversationId"`
	MessageID      int64     `json:"messageId"`
	At             time.Time `json:"at"`
}

// DisconnectEvent is the payload of bus.KindDisconnected. Reason is empty for
// a local Disconnect.
type DisconnectEvent struct {
	Reason string
}

// OutboundMessage is the send_message payload. ClientID carries the temp id so
// the server can echo it back.
type OutboundMessage struct {
	ConversationID int64                     `json:"conversationId"`
	Content        string                    `json:"content"`
	Type           conversation.MessageType  `json:"type,omitempty"`
	ClientID       string                    `json:"clientId,omitempty"`
	Attachments    []conversation.Attachment `json:"attachments,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
}

type joinPayload struct {
	ConversationID int64 `json:"conversationId"`
}

type typingPayload struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}
