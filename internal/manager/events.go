package manager

// Event represents a manager lifecycle event.
// Minimal and stable: name + model ID and optional fields via key/values.
type Event struct {
	Name      string
	ModelID   string
	RequestID string
	Fields    map[string]any
}

// Event names published by the manager.
const (
	EventLoadStart         = "load_start"
	EventLoadReady         = "load_ready"
	EventLoadError         = "load_error"
	EventLoadQueued        = "load_queued"
	EventLoadSuperseded    = "load_superseded"
	EventGenerateStart     = "generate_start"
	EventGenerateDone      = "generate_done"
	EventGenerateFailed    = "generate_failed"
	EventGenerateCancelled = "generate_cancelled"
	EventProgressDropped   = "progress_dropped"
)

// EventPublisher receives events from the manager. Implementations should be
// lightweight and non-blocking; Publish must not panic. Publish may be called
// while the manager holds its lock and must not call back into the manager.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}

// multiPublisher fans one event out to several publishers.
type multiPublisher []EventPublisher

func (mp multiPublisher) Publish(e Event) {
	for _, p := range mp {
		p.Publish(e)
	}
}

// Publishers combines publishers, skipping nils.
func Publishers(ps ...EventPublisher) EventPublisher {
	out := make(multiPublisher, 0, len(ps))
	for _, p := range ps {
		if p != nil {
			out = append(out, p)
		}
	}
	if len(out) == 1 {
		return out[0]
	}
	return out
}
