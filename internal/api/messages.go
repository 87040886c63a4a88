package api

import (
	"github.com/matheus3301/chatsync/internal/conversation"
	"github.com/matheus3301/chatsync/internal/notify"
	"github.com/matheus3301/chatsync/internal/outbox"
)

type Empty struct{}

type Ack struct {
	Message string `json:"message,omitempty"`
}

type StatusResponse struct {
	Profile             string                  `json:"profile"`
	State               string                  `json:"state"`
	Connected           bool                    `json:"connected"`
	Identity            string                  `json:"identity,omitempty"`
	CredentialSource    string                  `json:"credentialSource,omitempty"`
	UptimeMs            int64                   `json:"uptimeMs"`
	Conversations       int                     `json:"conversations"`
	UnreadMessages      int                     `json:"unreadMessages"`
	NotificationsUnread int                     `json:"notificationsUnread"`
	Pending             []outbox.PendingMessage `json:"pending,omitempty"`
}

type ListConversationsRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type ListConversationsResponse struct {
	Conversations []conversation.Conversation `json:"conversations"`
}

type CreateConversationRequest struct {
	VendorID   string `json:"vendorId"`
	CustomerID string `json:"customerId"`
}

type ConversationResponse struct {
	Conversation conversation.Conversation `json:"conversation"`
}

type GetMessagesRequest struct {
	ConversationID int64 `json:"conversationId"`
	Refresh        bool  `json:"refresh,omitempty"`
}

type MessagesResponse struct {
	Messages []conversation.Message `json:"messages"`
}

type SendMessageRequest struct {
	ConversationID int64                     `json:"conversationId"`
	Content        string                    `json:"content"`
	Type           conversation.MessageType  `json:"type,omitempty"`
	Attachments    []conversation.Attachment `json:"attachments,omitempty"`
	Metadata       map[string]any            `json:"metadata,omitempty"`
}

type MessageResponse struct {
	Message conversation.Message `json:"message"`
}

type TempIDRequest struct {
	TempID string `json:"tempId"`
}

type ConversationRequest struct {
	ConversationID int64 `json:"conversationId"`
}

type SetTypingRequest struct {
	ConversationID int64 `json:"conversationId"`
	IsTyping       bool  `json:"isTyping"`
}

type TypingResponse struct {
	Usernames []string `json:"usernames"`
}

type RefreshRequest struct {
	Refresh bool `json:"refresh,omitempty"`
}

type NotificationsResponse struct {
	Notifications []notify.Notification `json:"notifications"`
	Unread        int                   `json:"unread"`
}

type UnreadCountResponse struct {
	Count int `json:"count"`
}

type MarkNotificationsReadRequest struct {
	IDs []string `json:"ids"`
}

type PreferencesResponse struct {
	Preferences notify.Preferences `json:"preferences"`
}

type UpdatePreferencesRequest struct {
	Patch notify.PreferencesPatch `json:"patch"`
}

// WatchRequest filters the event stream by kind prefix. Empty means all.
type WatchRequest struct {
	Namespace string `json:"namespace,omitempty"`
}
