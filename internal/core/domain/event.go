package domain

import (
	"encoding/json"
	"strings"
	"time"
)

const CurrentEventSchemaVersion = 1

const (
	AggregateApplication = "application"

	EventApplicationCreated = "application.created"
	EventApplicationUpdated = "application.updated"
	EventApplicationDeleted = "application.deleted"
	EventReconcileRequested = "registry.reconcile"

	TopicSync = "registry.sync"
)

const (
	OutboxPending   = "pending"
	OutboxInFlight  = "in_flight"
	OutboxCompleted = "completed"
	OutboxDead      = "dead"
)

type MutationMetadata struct {
	Actor      string
	Source     string
	RequestID  string
	OccurredAt time.Time
}

func (m MutationMetadata) Normalize() MutationMetadata {
	if m.Actor == "" {
		m.Actor = "api"
	}
	if m.Source == "" {
		m.Source = "api"
	}
	if m.OccurredAt.IsZero() {
		m.OccurredAt = time.Now().UTC()
	}
	return m
}

// SyncRequest asks the coordinator to rebuild and restart. Reason is only
// for diagnostics.
type SyncRequest struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	AppID       string    `json:"app_id,omitempty"`
	Reason      string    `json:"reason"`
	Actor       string    `json:"actor"`
	RequestedAt time.Time `json:"requested_at"`
}

// NewSyncRequest maps a committed mutation to its one sync request.
func NewSyncRequest(eventID, eventType, appID string, meta MutationMetadata) SyncRequest {
	return SyncRequest{
		EventID:     eventID,
		EventType:   eventType,
		AppID:       appID,
		Reason:      ReasonFor(eventType),
		Actor:       meta.Actor,
		RequestedAt: meta.OccurredAt.UTC(),
	}
}

func ReasonFor(eventType string) string {
	switch eventType {
	case EventApplicationCreated:
		return "created"
	case EventApplicationUpdated:
		return "updated"
	case EventApplicationDeleted:
		return "deleted"
	case EventReconcileRequested:
		return "reconcile"
	}
	return strings.TrimPrefix(eventType, AggregateApplication+".")
}

type OutboxEvent struct {
	ID            int64
	EventID       string
	Topic         string
	PayloadJSON   json.RawMessage
	Status        string
	Attempts      int
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	LastError     string
	CreatedAt     time.Time
	DispatchedAt  *time.Time
}

type OutboxStats struct {
	Pending   int64 `json:"pending"`
	InFlight  int64 `json:"in_flight"`
	Completed int64 `json:"completed"`
	Dead      int64 `json:"dead"`
}

type AuditTrailEvent struct {
	ID            int64           `json:"id"`
	EventID       string          `json:"event_id"`
	SchemaVersion int             `json:"schema_version"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Action        string          `json:"action"`
	Actor         string          `json:"actor"`
	Source        string          `json:"source"`
	RequestID     string          `json:"request_id"`
	BeforeJSON    json.RawMessage `json:"before_json,omitempty"`
	AfterJSON     json.RawMessage `json:"after_json,omitempty"`
	ChangedJSON   json.RawMessage `json:"changed_fields_json,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type AuditFilter struct {
	AggregateID string
	Action      string
	AfterID     int64
	Limit       int
}
