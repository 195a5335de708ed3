package wa

// Pipeline event types. The first three are Evolution's own event names,
// forwarded verbatim. The Cloud API does not name its events; its webhook
// handler synthesizes the last two from the presence of the messages or
// statuses array in a change value.
const (
	EventMessagesUpsert      = "MESSAGES_UPSERT"
	EventMessagesUpdate      = "MESSAGES_UPDATE"
	EventConnectionUpdate    = "CONNECTION_UPDATE"
	EventMessagesReceived    = "MESSAGES_RECEIVED"
	EventMessageStatusUpdate = "MESSAGE_STATUS_UPDATE"
)
