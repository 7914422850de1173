package authstate

import (
	"context"
	"time"
)

// ActivityEventType enumerates supported activity categories.
type ActivityEventType string

const (
	ActivityEventRegistered        ActivityEventType = "auth.register.success"
	ActivityEventRegisterFailure   ActivityEventType = "auth.register.failure"
	ActivityEventSignInSuccess     ActivityEventType = "auth.signin.success"
	ActivityEventSignInFailure     ActivityEventType = "auth.signin.failure"
	ActivityEventSocialSignIn      ActivityEventType = "auth.social.signin"
	ActivityEventBannedSignOut     ActivityEventType = "auth.banned.signout"
	ActivityEventSignOut           ActivityEventType = "auth.signout"
	ActivityEventProfileUpdated    ActivityEventType = "user.profile.updated"
	ActivityEventBanChanged        ActivityEventType = "user.ban.changed"
	ActivityEventPasswordResetSent ActivityEventType = "auth.password.reset_sent"
)

// ActivityEvent captures audit-friendly information about an action.
type ActivityEvent struct {
	EventType  ActivityEventType
	SubjectID  string
	Identifier string
	Provider   string
	ErrorKind  ErrorKind
	Metadata   map[string]any
	OccurredAt time.Time
}

// ActivitySink consumes activity events for auditing/telemetry purposes.
type ActivitySink interface {
	Record(ctx context.Context, event ActivityEvent) error
}

// ActivitySinkFunc adapts a function to the ActivitySink interface.
type ActivitySinkFunc func(ctx context.Context, event ActivityEvent) error

// Record implements ActivitySink.
func (f ActivitySinkFunc) Record(ctx context.Context, event ActivityEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// MultiActivitySink fans events out to several sinks, the first error wins.
type MultiActivitySink []ActivitySink

// Record implements ActivitySink.
func (m MultiActivitySink) Record(ctx context.Context, event ActivityEvent) error {
	var first error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type noopActivitySink struct{}

func (noopActivitySink) Record(context.Context, ActivityEvent) error {
	return nil
}

func normalizeActivitySink(s ActivitySink) ActivitySink {
	if s == nil {
		return noopActivitySink{}
	}
	return s
}
