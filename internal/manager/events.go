package manager

// Event names published while loading.
const (
	EventCheckpointMissing  = "checkpoint_missing"
	EventCheckpointMismatch = "checkpoint_mismatch"
	EventLoadFailed         = "load_failed"
	EventModelLoaded        = "model_loaded"
)

// Event represents a manager lifecycle event: a name, the architecture it
// concerns and optional fields.
type Event struct {
	Name   string
	Model  string
	Fields map[string]any
}

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
