package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds. Subscribers filter on the namespace prefix before the dot.
const (
	ChannelStateChanged = "channel.state_changed"
	ChannelWarning      = "channel.warning"

	ConversationsLoaded  = "conversation.list_loaded"
	ConversationUpdated  = "conversation.updated"
	MessagesLoaded       = "conversation.messages_loaded"
	MessagesLoadFailed   = "conversation.messages_load_failed"
	MessageAdded         = "conversation.message_added"
	MessageConfirmed     = "conversation.message_confirmed"
	MessageFailed        = "conversation.message_failed"
	MessageRemoved       = "conversation.message_removed"
	ConversationSelected = "conversation.selected"

	AccountLoggedIn  = "account.logged_in"
	AccountLoggedOut = "account.logged_out"

	DevicePermissionChanged = "device.permission_changed"
	DevicePrompt            = "device.prompt"
	DeviceTokenRegistered   = "device.token_registered"
	DeviceTokenDeactivated  = "device.token_deactivated"
)
