package eventbus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	// Polling events
	EventTypeMetricsPolled EventType = "metrics.polled"

	// Allocation events
	EventTypeAllocationChanged      EventType = "allocation.changed"
	EventTypeReallocationExecuted   EventType = "reallocation.executed"
	EventTypeReallocationFailed     EventType = "reallocation.failed"
	EventTypeReallocationRolledBack EventType = "reallocation.rolled_back"

	// Alert events
	EventTypeAlertRaised       EventType = "alert.raised"
	EventTypeAlertAcknowledged EventType = "alert.acknowledged"
)

// Event represents a generic event in the system
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Source    string                 `json:"source"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	TraceID   string                 `json:"trace_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Version   string                 `json:"version"`
}

// NewEvent creates a new event with generated ID and timestamp
func NewEvent(eventType EventType, source, subject string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Version:   "1.0",
	}
}

// WithTraceID adds a trace ID to the event
func (e *Event) WithTraceID(traceID string) *Event {
	e.TraceID = traceID
	return e
}

// EventHandler defines the interface for handling events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
}

// EventHandlerFunc is a function adapter for EventHandler
type EventHandlerFunc func(ctx context.Context, event *Event) error

func (f EventHandlerFunc) Handle(ctx context.Context, event *Event) error {
	return f(ctx, event)
}

// Publisher defines the interface for publishing events
type Publisher interface {
	PublishEvent(ctx context.Context, event *Event) error
	PublishEventAsync(ctx context.Context, event *Event) error
}

// Subscriber defines the interface for subscribing to events
type Subscriber interface {
	SubscribeToEventType(ctx context.Context, eventType EventType, handler EventHandler) error
	SubscribeToPattern(ctx context.Context, pattern string, handler EventHandler) error
	UnsubscribeFromEventType(eventType EventType) error
}

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	Publisher
	Subscriber
	Close() error
}
