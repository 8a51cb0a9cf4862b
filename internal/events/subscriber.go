package events

// Subscriber receives span notifications from the broker.
type Subscriber interface {
	// Subscribe delivers raw notification payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(subject string) (<-chan []byte, func(), error)
	Close() error
}
