package bus

import "time"

// Event is a domain event published on the bus. Kind is a dot-separated
// topic such as "conversation.touched" or "realtime.<conversation id>".
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
