package eventbus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/trace"

	"github.com/depin-orcha/orcha/internal/models"
)

// Event creation helpers for typed events

func toEventData(v interface{}) map[string]interface{} {
	eventData := make(map[string]interface{})
	if jsonData, err := json.Marshal(v); err == nil {
		_ = json.Unmarshal(jsonData, &eventData)
	}
	return eventData
}

// NewMetricsPolledEvent creates an event carrying one aggregated snapshot
func NewMetricsPolledEvent(source string, metrics *models.AggregatedMetrics, traceID string) *Event {
	event := NewEvent(EventTypeMetricsPolled, source, "metrics", toEventData(metrics))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewAllocationChangedEvent creates an event for one applied allocation change
func NewAllocationChangedEvent(source string, change models.AllocationChange, traceID string) *Event {
	event := NewEvent(EventTypeAllocationChanged, source, change.Provider, toEventData(change))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewReallocationEvent creates an executed, failed or rolled-back event for a plan execution
func NewReallocationEvent(source string, result *models.ExecutionResult, execErr error, traceID string) *Event {
	eventType := EventTypeReallocationExecuted
	switch {
	case result != nil && len(result.RolledBack) > 0:
		eventType = EventTypeReallocationRolledBack
	case execErr != nil:
		eventType = EventTypeReallocationFailed
	}

	data := map[string]interface{}{}
	subject := "plan"
	if result != nil {
		data = toEventData(result)
		subject = result.PlanID
	}
	if execErr != nil {
		data["reason"] = execErr.Error()
	}

	event := NewEvent(eventType, source, subject, data)
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewAlertRaisedEvent creates an event for a raised alert
func NewAlertRaisedEvent(source string, alert models.Alert, traceID string) *Event {
	subject := alert.ProviderID
	if subject == "" {
		subject = string(alert.Type)
	}

	event := NewEvent(EventTypeAlertRaised, source, subject, toEventData(alert))
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// NewAlertAcknowledgedEvent creates an event for an acknowledged alert
func NewAlertAcknowledgedEvent(source, alertID string, traceID string) *Event {
	event := NewEvent(EventTypeAlertAcknowledged, source, alertID, map[string]interface{}{
		"alert_id": alertID,
	})
	if traceID != "" {
		event.WithTraceID(traceID)
	}
	return event
}

// ParseEventData parses event data into a specific type
func ParseEventData[T any](event *Event, target *T) error {
	jsonData, err := json.Marshal(event.Data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	if err := json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}

	return nil
}

// DomainPublisher turns orchestration records into events on a Publisher.
// Trace ids are taken from the span in the context.
type DomainPublisher struct {
	publisher Publisher
	source    string
}

// NewDomainPublisher creates a DomainPublisher stamping events with source
func NewDomainPublisher(publisher Publisher, source string) *DomainPublisher {
	return &DomainPublisher{publisher: publisher, source: source}
}

func traceIDFrom(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

// PublishMetrics publishes a polled snapshot
func (p *DomainPublisher) PublishMetrics(ctx context.Context, metrics *models.AggregatedMetrics) error {
	return p.publisher.PublishEvent(ctx, NewMetricsPolledEvent(p.source, metrics, traceIDFrom(ctx)))
}

// PublishChanges publishes one event per change, stopping at the first failure
func (p *DomainPublisher) PublishChanges(ctx context.Context, changes []models.AllocationChange) error {
	for _, change := range changes {
		if err := p.publisher.PublishEvent(ctx, NewAllocationChangedEvent(p.source, change, traceIDFrom(ctx))); err != nil {
			return err
		}
	}
	return nil
}

// PublishExecution publishes the outcome of a plan execution
func (p *DomainPublisher) PublishExecution(ctx context.Context, result *models.ExecutionResult, execErr error) error {
	return p.publisher.PublishEvent(ctx, NewReallocationEvent(p.source, result, execErr, traceIDFrom(ctx)))
}

// PublishAlerts publishes one event per alert, stopping at the first failure
func (p *DomainPublisher) PublishAlerts(ctx context.Context, alerts []models.Alert) error {
	for _, alert := range alerts {
		if err := p.publisher.PublishEvent(ctx, NewAlertRaisedEvent(p.source, alert, traceIDFrom(ctx))); err != nil {
			return err
		}
	}
	return nil
}
