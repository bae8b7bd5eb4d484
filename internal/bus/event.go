package bus

import "time"

// Event kinds published by the client core. Subscribers filter by prefix,
// so the part before the first dot acts as a namespace.
const (
	TransportStatusChanged = "transport.status_changed"

	ChatListUpdated     = "chat.list_updated"
	ChatOpened          = "chat.opened"
	ChatClosed          = "chat.closed"
	ChatMessagesLoaded  = "chat.messages_loaded"
	ChatMessageAppended = "chat.message_appended"
	ChatMessageUpdated  = "chat.message_updated"
	ChatError           = "chat.error"
	ChatTyping          = "chat.typing"
	ChatNotification    = "chat.notification"
	ChatComposerLimit   = "chat.composer_limit"

	UserBalanceChanged = "user.balance_changed"

	CallStateChanged = "call.state_changed"
	CallIncoming     = "call.incoming"
	CallRejected     = "call.rejected"
	CallFailed       = "call.failed"
	CallEnded        = "call.ended"
	CallMuteChanged  = "call.mute_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
