package types

import (
	"context"
)

// ActorType identifies the kind of entity submitting an event.
type ActorType string

const (
	ActorTypeUser    ActorType = "user"
	ActorTypeService ActorType = "service"
	ActorTypeSystem  ActorType = "system"
)

// Actor represents the entity on whose behalf an event enters the pipeline.
// The API gateway upstream of this service authenticates requests; the
// pipeline trusts and enforces the tenant/role claims carried here.
type Actor struct {
	ID         string
	Type       ActorType
	TenantID   string
	Role       UserRole
	SourceAddr string // Origin address of the request, for blocklists.
	IsTestMode bool
}

// RequestContext carries the submission-time context the classifier,
// selector, and guard consume. It travels with the notification through a
// single pipeline pass.
type RequestContext struct {
	Actor Actor

	// Target tenant for the notification. When it differs from
	// Actor.TenantID the guard applies the cross-tenant allow-list.
	TargetTenantID string

	// Recipient resolution: either explicit ids or a hint for the resolver.
	Recipients []string
	Hint       ResolutionHint
	HintRole   UserRole // for ResolveTenantByRole

	// Classification signals.
	UserFacing    bool
	AdminOnly     bool
	SystemOnly    bool
	RecipientRole UserRole
	OffHours      bool
	TimeSensitive bool
	HighValue     bool
	Repeat        bool

	TraceID string
}

type contextKey string

const (
	actorKey     contextKey = "actor"
	requestIDKey contextKey = "request_id"
	loggerKey    contextKey = "logger"
)

// WithActor stores the Actor in the context.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey, actor)
}

// GetActor retrieves the Actor from the context.
func GetActor(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorKey).(Actor)
	return actor, ok
}

// WithRequestID stores the request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// GetRequestID retrieves the request ID from the context.
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// WithLogger stores a Logger in the context.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the Logger from the context. The returned
// logger is expected to have been pre-enriched with request-scoped fields
// by middleware. Returns nil if no logger has been set.
func LoggerFromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(loggerKey).(Logger); ok {
		return l
	}
	return nil
}
