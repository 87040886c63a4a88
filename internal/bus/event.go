package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter by prefix, so the part before the first dot
// is the namespace ("conn.", "chat.", "message.", ...).
const (
	// Connection lifecycle, published by the connection manager.
	KindStateChanged = "conn.state_changed"
	KindConnected    = "conn.connected"
	KindDisconnected = "conn.disconnected"

	// Raw inbound transport events, in transport order.
	KindMessageReceived  = "chat.message_received"
	KindTypingReceived   = "chat.typing_changed"
	KindDeliveryReceived = "chat.message_delivered"
	KindReadReceived     = "chat.message_read"

	// Local state mutations.
	KindMessageUpserted = "message.upserted"
	KindMessageSent     = "message.sent"
	KindMessageFailed   = "message.failed"
	KindUnreadChanged   = "conversation.unread_changed"
	KindTypingChanged   = "typing.changed"

	// Notification reconciler.
	KindNotificationsLoaded = "notify.loaded"
	KindNotifyUnreadChanged = "notify.unread_changed"
	KindPreferencesChanged  = "notify.preferences_changed"
)
