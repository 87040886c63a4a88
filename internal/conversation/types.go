package conversation

import (
	"maps"
	"slices"
	"strconv"
	"time"
)

// Status is the lifecycle state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders the forward path Sending -> Sent -> Delivered -> Read.
func (s Status) rank() int {
	switch s {
	case StatusSending:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	default:
		return -1
	}
}

// Advance returns the status a message should have after observing next.
// Forward statuses never regress. A Failed message accepts anything (a late
// echo or a retry); Failed itself is only reachable from Sending.
func Advance(cur, next Status) Status {
	switch {
	case next == "":
		return cur
	case cur == "" || cur == StatusFailed:
		return next
	case next == StatusFailed:
		if cur == StatusSending {
			return StatusFailed
		}
		return cur
	case next.rank() > cur.rank():
		return next
	default:
		return cur
	}
}

// MessageType distinguishes text, attachment and system messages.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeAttachment MessageType = "attachment"
	TypeSystem     MessageType = "system"
)

// Attachment is a file reference carried by a message.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message is one entry in a conversation. ID is the durable server id and is
// zero until the server assigns it; TempID is the client id used before that.
type Message struct {
	ID             int64          `json:"id,omitempty"`
	TempID         string         `json:"clientId,omitempty"`
	ConversationID int64          `json:"conversationId"`
	SenderID       string         `json:"senderId"`
	Content        string         `json:"content"`
	Type           MessageType    `json:"type,omitempty"`
	Status         Status         `json:"status,omitempty"`
	CreatedAt      time.Time      `json:"createdAt"`
	DeliveredAt    *time.Time     `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time     `json:"readAt,omitempty"`
	Attachments    []Attachment   `json:"attachments,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RetryCount     int            `json:"retryCount,omitempty"`
}

// Key identifies a message inside its conversation: the durable id once
// assigned, otherwise the temp id.
func (m *Message) Key() string {
	if m.ID != 0 {
		return DurableKey(m.ID)
	}
	return TempKey(m.TempID)
}

// Durable reports whether the server has assigned an id.
func (m *Message) Durable() bool { return m.ID != 0 }

// DurableKey is the Key of a message with server id id.
func DurableKey(id int64) string { return "id:" + strconv.FormatInt(id, 10) }

// TempKey is the Key of a message that only has a temp id.
func TempKey(tempID string) string { return "tmp:" + tempID }

func (m Message) clone() Message {
	m.Attachments = slices.Clone(m.Attachments)
	m.Metadata = maps.Clone(m.Metadata)
	return m
}

// Conversation is a two-party thread between a vendor and a customer.
type Conversation struct {
	ID                 int64     `json:"id"`
	VendorID           string    `json:"vendorId"`
	CustomerID         string    `json:"customerId"`
	LastActivity       time.Time `json:"lastActivity"`
	UnreadCount        int       `json:"unreadCount"`
	LastMessagePreview string    `json:"lastMessagePreview,omitempty"`
}

// MessageEvent is the payload of message.* bus events.
type MessageEvent struct {
	ConversationID int64
	Key            string
	TempID         string
	Status         Status
}

// UnreadEvent is the payload of conversation.unread_changed.
type UnreadEvent struct {
	ConversationID int64
	Count          int
}
