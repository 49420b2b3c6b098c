package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType names a lifecycle transition of the agent
type EventType string

const (
	EventSessionCreated      EventType = "session.created"
	EventSessionEnded        EventType = "session.ended"
	EventSessionUpdateFailed EventType = "session.update_failed"

	EventLeaseStarted         EventType = "lease.started"
	EventLeaseFinished        EventType = "lease.finished"
	EventLeaseCancelRequested EventType = "lease.cancel_requested"
	EventLeaseRemoved         EventType = "lease.removed"

	EventStepFinished EventType = "step.finished"
	EventStepAborted  EventType = "step.aborted"

	EventShutdownRequested EventType = "agent.shutdown_requested"
	EventRestartRequested  EventType = "agent.restart_requested"
	EventUpgradeStaged     EventType = "agent.upgrade_staged"
)

// EventSeverity picks the log level an event is mirrored at
type EventSeverity string

const (
	SeverityInfo    EventSeverity = "info"
	SeverityWarning EventSeverity = "warning"
	SeverityError   EventSeverity = "error"
)

// Resource kinds an event can be about
const (
	ResourceSession = "session"
	ResourceLease   = "lease"
	ResourceStep    = "step"
	ResourceAgent   = "agent"
)

// Event is one entry of the agent's lifecycle journal
type Event struct {
	ID            string            `json:"id"`
	Type          EventType         `json:"type"`
	Severity      EventSeverity     `json:"severity"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ResourceType  string            `json:"resource_type,omitempty"`
	ResourceID    string            `json:"resource_id,omitempty"`
	Message       string            `json:"message"`
	Fields        map[string]string `json:"fields,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// EventStreamConfig holds configuration for the event stream
type EventStreamConfig struct {
	// MaxSize bounds the journal; the oldest events are overwritten. Default 1000.
	MaxSize int
}

// EventStream is a bounded ring of recent lifecycle events. A nil
// *EventStream discards everything, so components can leave it unset.
type EventStream struct {
	logger *zap.Logger

	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
}

// NewEventStream creates an empty journal
func NewEventStream(cfg EventStreamConfig, logger *zap.Logger) *EventStream {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 1000
	}
	return &EventStream{
		logger: logger.Named("events"),
		ring:   make([]Event, cfg.MaxSize),
	}
}

// RecordEvent stamps the event with an id, time and the correlation id from
// ctx, appends it and mirrors it to the log
func (es *EventStream) RecordEvent(ctx context.Context, event Event) {
	if es == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.ID == "" {
		event.ID = GenerateRequestID()
	}
	if event.CorrelationID == "" {
		event.CorrelationID = GetCorrelationID(ctx)
	}

	es.mu.Lock()
	es.ring[es.next] = event
	es.next = (es.next + 1) % len(es.ring)
	if es.count < len(es.ring) {
		es.count++
	}
	es.mu.Unlock()

	es.log(event)
}

func (es *EventStream) log(event Event) {
	fields := []zap.Field{zap.String("event_type", string(event.Type))}
	if event.ResourceID != "" {
		fields = append(fields, zap.String(event.ResourceType+"_id", event.ResourceID))
	}
	for k, v := range event.Fields {
		fields = append(fields, zap.String(k, v))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Severity {
	case SeverityError:
		es.logger.Error(event.Message, fields...)
	case SeverityWarning:
		es.logger.Warn(event.Message, fields...)
	default:
		es.logger.Debug(event.Message, fields...)
	}
}

// GetEvents returns the matching events, oldest first
func (es *EventStream) GetEvents(filter EventFilter) []Event {
	if es == nil {
		return nil
	}

	es.mu.RLock()
	defer es.mu.RUnlock()

	result := make([]Event, 0)
	start := (es.next - es.count + len(es.ring)) % len(es.ring)
	for i := 0; i < es.count; i++ {
		event := es.ring[(start+i)%len(es.ring)]
		if filter.Matches(event) {
			result = append(result, event)
		}
	}

	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[len(result)-filter.Limit:]
	}
	return result
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	Types        []EventType
	ResourceType string
	ResourceID   string
	StartTime    time.Time
	// Limit keeps only the newest N matches
	Limit int
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event Event) bool {
	if len(f.Types) > 0 && !containsType(f.Types, event.Type) {
		return false
	}
	if f.ResourceType != "" && event.ResourceType != f.ResourceType {
		return false
	}
	if f.ResourceID != "" && event.ResourceID != f.ResourceID {
		return false
	}
	return f.StartTime.IsZero() || !event.Timestamp.Before(f.StartTime)
}

func containsType(types []EventType, t EventType) bool {
	for _, want := range types {
		if want == t {
			return true
		}
	}
	return false
}

func NewSessionCreatedEvent(agentID, sessionID string) Event {
	return Event{
		Type:         EventSessionCreated,
		Severity:     SeverityInfo,
		ResourceType: ResourceSession,
		ResourceID:   sessionID,
		Message:      "Session created",
		Fields:       map[string]string{"agent_id": agentID},
	}
}

// NewSessionEndedEvent is a warning when the session ended with err
func NewSessionEndedEvent(sessionID string, err error) Event {
	event := Event{
		Type:         EventSessionEnded,
		Severity:     SeverityInfo,
		ResourceType: ResourceSession,
		ResourceID:   sessionID,
		Message:      "Session ended",
	}
	if err != nil {
		event.Severity = SeverityWarning
		event.Error = err.Error()
	}
	return event
}

func NewSessionUpdateFailedEvent(sessionID string, failures, budget int, err error) Event {
	return Event{
		Type:         EventSessionUpdateFailed,
		Severity:     SeverityWarning,
		ResourceType: ResourceSession,
		ResourceID:   sessionID,
		Message:      fmt.Sprintf("Session update failed (%d/%d)", failures, budget),
		Error:        err.Error(),
	}
}

func NewLeaseStartedEvent(leaseID, name, kind string) Event {
	return Event{
		Type:         EventLeaseStarted,
		Severity:     SeverityInfo,
		ResourceType: ResourceLease,
		ResourceID:   leaseID,
		Message:      "Lease started",
		Fields:       map[string]string{"name": name, "kind": kind},
	}
}

// NewLeaseFinishedEvent is a warning for failed leases
func NewLeaseFinishedEvent(leaseID, kind, state, outcome string) Event {
	severity := SeverityInfo
	if outcome == "Failed" {
		severity = SeverityWarning
	}
	return Event{
		Type:         EventLeaseFinished,
		Severity:     severity,
		ResourceType: ResourceLease,
		ResourceID:   leaseID,
		Message:      fmt.Sprintf("Lease finished: %s/%s", state, outcome),
		Fields:       map[string]string{"kind": kind, "state": state, "outcome": outcome},
	}
}

// NewLeaseReconciledEvent records a reconcile action (removed or
// cancel requested) taken on the coordinator's behalf
func NewLeaseReconciledEvent(eventType EventType, leaseID, message string) Event {
	return Event{
		Type:         eventType,
		Severity:     SeverityInfo,
		ResourceType: ResourceLease,
		ResourceID:   leaseID,
		Message:      message,
	}
}

// NewStepFinishedEvent uses EventStepAborted for aborted steps
func NewStepFinishedEvent(jobID, batchID, stepID, state, outcome string) Event {
	eventType := EventStepFinished
	if state == "Aborted" {
		eventType = EventStepAborted
	}
	return Event{
		Type:         eventType,
		Severity:     SeverityInfo,
		ResourceType: ResourceStep,
		ResourceID:   stepID,
		Message:      fmt.Sprintf("Step finished: %s/%s", state, outcome),
		Fields: map[string]string{
			"job_id":   jobID,
			"batch_id": batchID,
			"state":    state,
			"outcome":  outcome,
		},
	}
}

func NewAgentEvent(eventType EventType, message string) Event {
	return Event{
		Type:         eventType,
		Severity:     SeverityInfo,
		ResourceType: ResourceAgent,
		Message:      message,
	}
}
