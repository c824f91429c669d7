package types

import "time"

// EventMessage is the SQS payload carrying an inbound business event to the
// notification worker. JSON tags use snake_case to match the producer-side
// contract.
type EventMessage struct {
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`

	// Explicit recipients, or a resolution hint for the resolver.
	Recipients []string       `json:"recipients,omitempty"`
	Hint       ResolutionHint `json:"hint,omitempty"`
	HintRole   UserRole       `json:"hint_role,omitempty"`

	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Category Category `json:"category,omitempty"`

	// ExplicitPriority is honored only upward: the engine takes the more
	// severe of this and the classified priority.
	ExplicitPriority Priority `json:"explicit_priority,omitempty"`

	Metadata Metadata `json:"metadata,omitempty"`

	// Actor claims forwarded from the producing service.
	ActorID         string   `json:"actor_id,omitempty"`
	ActorRole       UserRole `json:"actor_role,omitempty"`
	ActorTenantID   string   `json:"actor_tenant_id,omitempty"`
	ActorSourceAddr string   `json:"actor_source_addr,omitempty"`

	// RetryCount carries retry state across the publish-subscribe cycle.
	// Incremented by workers before re-publishing on transient failure.
	RetryCount int `json:"retry_count"`

	TraceID    string    `json:"trace_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ReminderMessage is the SQS payload for a scheduled follow-up reminder.
// Delivered back to the worker after the SQS delay elapses.
type ReminderMessage struct {
	NotificationID string    `json:"notification_id"`
	Priority       Priority  `json:"priority"`
	EventType      EventType `json:"event_type"`
	Attempt        int       `json:"attempt"`
	TraceID        string    `json:"trace_id"`
	ScheduledAt    time.Time `json:"scheduled_at"`
}
