package activitymap

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-authstate"
)

const (
	// MetadataKeyActorID overrides the actor when an operator acts on
	// another subject, as with bans.
	MetadataKeyActorID = "actor_id"
	// MetadataKeyProvider stores the identity provider that handled the event.
	MetadataKeyProvider = "provider"
	// MetadataKeyIdentifier stores the email the operation was attempted with.
	MetadataKeyIdentifier = "identifier"
	// MetadataKeyErrorKind stores the taxonomy kind of a failed operation.
	MetadataKeyErrorKind = "error_kind"
)

const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

const (
	defaultChannel    = "auth"
	defaultObjectType = "user"
	defaultActorID    = "anonymous"
)

// Normalized is a transport-agnostic activity shape for downstream systems.
type Normalized struct {
	ActorID    string         `json:"actor_id"`
	Verb       string         `json:"verb"`
	Outcome    string         `json:"outcome"`
	ObjectType string         `json:"object_type,omitempty"`
	ObjectID   string         `json:"object_id,omitempty"`
	Channel    string         `json:"channel,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Option customizes normalization behavior.
type Option func(*normalizeOptions)

type normalizeOptions struct {
	channel          string
	objectType       string
	actorFallback    string
	objectIDResolver func(authstate.ActivityEvent) string
}

// Normalize converts an authstate.ActivityEvent into the normalized shape.
// Failed sign-ins have no subject yet, the identifier stands in for the actor.
func Normalize(event authstate.ActivityEvent, opts ...Option) Normalized {
	options := defaultNormalizeOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	actorOverride, _ := event.Metadata[MetadataKeyActorID].(string)
	actorID := firstNonEmpty(
		strings.TrimSpace(actorOverride),
		strings.TrimSpace(event.SubjectID),
		strings.TrimSpace(event.Identifier),
		strings.TrimSpace(options.actorFallback),
	)

	outcome := OutcomeSuccess
	if event.ErrorKind != "" {
		outcome = OutcomeFailure
	}

	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	return Normalized{
		ActorID:    actorID,
		Verb:       string(event.EventType),
		Outcome:    outcome,
		ObjectType: strings.TrimSpace(options.objectType),
		ObjectID:   resolveObjectID(event, options.objectIDResolver),
		Channel:    strings.TrimSpace(options.channel),
		Metadata:   normalizeMetadata(event),
		OccurredAt: occurredAt,
	}
}

// WithDefaultChannel sets the default channel for normalized records.
func WithDefaultChannel(channel string) Option {
	return func(opts *normalizeOptions) {
		opts.channel = strings.TrimSpace(channel)
	}
}

// WithDefaultObjectType sets the default object type for normalized records.
func WithDefaultObjectType(objectType string) Option {
	return func(opts *normalizeOptions) {
		opts.objectType = strings.TrimSpace(objectType)
	}
}

// WithObjectIDResolver overrides object-id extraction from ActivityEvent.
func WithObjectIDResolver(resolver func(authstate.ActivityEvent) string) Option {
	return func(opts *normalizeOptions) {
		opts.objectIDResolver = resolver
	}
}

// WithActorFallback sets the last actor-id fallback.
func WithActorFallback(actorID string) Option {
	return func(opts *normalizeOptions) {
		opts.actorFallback = strings.TrimSpace(actorID)
	}
}

// Sink adapts fn into an ActivitySink receiving normalized records.
func Sink(fn func(Normalized), opts ...Option) authstate.ActivitySink {
	return authstate.ActivitySinkFunc(func(_ context.Context, event authstate.ActivityEvent) error {
		fn(Normalize(event, opts...))
		return nil
	})
}

func defaultNormalizeOptions() normalizeOptions {
	return normalizeOptions{
		channel:       defaultChannel,
		objectType:    defaultObjectType,
		actorFallback: defaultActorID,
	}
}

func resolveObjectID(event authstate.ActivityEvent, resolver func(authstate.ActivityEvent) string) string {
	if resolver != nil {
		return strings.TrimSpace(resolver(event))
	}
	return strings.TrimSpace(event.SubjectID)
}

func normalizeMetadata(event authstate.ActivityEvent) map[string]any {
	metadata := cloneMap(event.Metadata)
	delete(metadata, MetadataKeyActorID)

	set := func(key, value string) {
		if value == "" {
			return
		}
		if metadata == nil {
			metadata = map[string]any{}
		}
		if _, exists := metadata[key]; !exists {
			metadata[key] = value
		}
	}

	set(MetadataKeyProvider, strings.TrimSpace(event.Provider))
	set(MetadataKeyIdentifier, strings.TrimSpace(event.Identifier))
	set(MetadataKeyErrorKind, string(event.ErrorKind))

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

func cloneMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
