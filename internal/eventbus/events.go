package eventbus

// Topics published by the mailbox pipeline.
const (
	TopicMailStored     = "mail.stored"
	TopicMailDelivered  = "mail.delivered"
	TopicDeliveryFailed = "mail.delivery_failed"
	TopicWatchStarted   = "watch.started"
	TopicWatchStopped   = "watch.stopped"
	TopicStoreRecovered = "store.recovered"
)

// MailStored is the Data payload for TopicMailStored.
type MailStored struct {
	Recipient string
	MessageID string
	Sender    string
}

// MailDelivered is the Data payload for TopicMailDelivered.
type MailDelivered struct {
	Recipient string
	Messages  int
	Contexts  int
}

// DeliveryFailed is the Data payload for TopicDeliveryFailed.
type DeliveryFailed struct {
	Recipient string
	Reason    string
}

// WatchChange is the Data payload for TopicWatchStarted / TopicWatchStopped.
type WatchChange struct {
	Recipient   string
	RefCount    int
	Subscribers int
}

// StoreRecovered is the Data payload for TopicStoreRecovered.
type StoreRecovered struct {
	Path  string
	Cause string
}
