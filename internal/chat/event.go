package chat

// EventType says what happened to the transcript.
type EventType string

const (
	// EventEntry: an entry was appended to the history.
	EventEntry EventType = "entry"
	// EventRollback: a user entry was removed after its exchange failed.
	EventRollback EventType = "rollback"
	// EventFallback: the fallback message should be shown as a bot turn. It is
	// never part of the history.
	EventFallback EventType = "fallback"
)

// Event is emitted once per transcript mutation, and once per fallback.
type Event struct {
	Type  EventType `json:"type"`
	Entry Entry     `json:"entry"`
}

// Listener renders events. Listeners run synchronously on the goroutine that
// caused the mutation and must not call back into Submit.
type Listener func(Event)
