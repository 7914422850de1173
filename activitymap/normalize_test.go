package activitymap_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-authstate/activitymap"
)

func TestNormalizeDefaults(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 1, 10, 9, 30, 0, 0, time.UTC)
	event := authstate.ActivityEvent{
		EventType:  authstate.ActivityEventBanChanged,
		SubjectID:  "user-100",
		Identifier: "ada@example.com",
		Metadata: map[string]any{
			"banned":                       true,
			activitymap.MetadataKeyActorID: "admin-42",
		},
		OccurredAt: ts,
	}

	out := activitymap.Normalize(event)

	if out.ActorID != "admin-42" {
		t.Fatalf("expected actor_id admin-42, got %q", out.ActorID)
	}
	if out.Verb != string(authstate.ActivityEventBanChanged) {
		t.Fatalf("expected verb %q, got %q", authstate.ActivityEventBanChanged, out.Verb)
	}
	if out.Outcome != activitymap.OutcomeSuccess {
		t.Fatalf("expected outcome success, got %q", out.Outcome)
	}
	if out.ObjectType != "user" {
		t.Fatalf("expected object_type user, got %q", out.ObjectType)
	}
	if out.ObjectID != "user-100" {
		t.Fatalf("expected object_id user-100, got %q", out.ObjectID)
	}
	if out.Channel != "auth" {
		t.Fatalf("expected channel auth, got %q", out.Channel)
	}
	if !out.OccurredAt.Equal(ts) {
		t.Fatalf("expected occurred_at %v, got %v", ts, out.OccurredAt)
	}

	if out.Metadata["banned"] != true {
		t.Fatalf("expected metadata banned true, got %#v", out.Metadata["banned"])
	}
	if out.Metadata[activitymap.MetadataKeyIdentifier] != "ada@example.com" {
		t.Fatalf("expected metadata identifier, got %#v", out.Metadata[activitymap.MetadataKeyIdentifier])
	}
	if _, ok := out.Metadata[activitymap.MetadataKeyActorID]; ok {
		t.Fatalf("expected actor_id to be lifted out of metadata")
	}

	if len(event.Metadata) != 2 {
		t.Fatalf("expected source metadata to remain unchanged, got %+v", event.Metadata)
	}
}

func TestNormalizeFailure(t *testing.T) {
	t.Parallel()

	out := activitymap.Normalize(authstate.ActivityEvent{
		EventType:  authstate.ActivityEventSignInFailure,
		Identifier: "grace@example.com",
		Provider:   "google",
		ErrorKind:  authstate.KindInvalidCredential,
	})

	if out.Outcome != activitymap.OutcomeFailure {
		t.Fatalf("expected outcome failure, got %q", out.Outcome)
	}
	if out.ActorID != "grace@example.com" {
		t.Fatalf("expected identifier as actor, got %q", out.ActorID)
	}
	if out.ObjectID != "" {
		t.Fatalf("expected empty object_id, got %q", out.ObjectID)
	}
	if out.Metadata[activitymap.MetadataKeyErrorKind] != string(authstate.KindInvalidCredential) {
		t.Fatalf("expected error_kind metadata, got %#v", out.Metadata[activitymap.MetadataKeyErrorKind])
	}
	if out.Metadata[activitymap.MetadataKeyProvider] != "google" {
		t.Fatalf("expected provider metadata, got %#v", out.Metadata[activitymap.MetadataKeyProvider])
	}
	if out.OccurredAt.IsZero() {
		t.Fatalf("expected occurred_at to be set when input is zero")
	}
}

func TestNormalizeOptionOverrides(t *testing.T) {
	t.Parallel()

	event := authstate.ActivityEvent{
		EventType:  authstate.ActivityEventPasswordResetSent,
		Identifier: "dan@example.com",
		Metadata: map[string]any{
			activitymap.MetadataKeyIdentifier: "existing",
		},
	}

	out := activitymap.Normalize(
		event,
		activitymap.WithDefaultChannel("security"),
		activitymap.WithDefaultObjectType("account"),
		activitymap.WithObjectIDResolver(func(e authstate.ActivityEvent) string {
			return e.Identifier
		}),
	)

	if out.Channel != "security" {
		t.Fatalf("expected channel security, got %q", out.Channel)
	}
	if out.ObjectType != "account" {
		t.Fatalf("expected object_type account, got %q", out.ObjectType)
	}
	if out.ObjectID != "dan@example.com" {
		t.Fatalf("expected object_id dan@example.com, got %q", out.ObjectID)
	}
	if out.Metadata[activitymap.MetadataKeyIdentifier] != "existing" {
		t.Fatalf("expected existing identifier preserved, got %#v", out.Metadata[activitymap.MetadataKeyIdentifier])
	}
}

func TestNormalizeActorFallbackChain(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		event  authstate.ActivityEvent
		opts   []activitymap.Option
		expect string
	}{
		{
			name:   "uses subject id when present",
			event:  authstate.ActivityEvent{SubjectID: "user-1", Identifier: "a@example.com"},
			expect: "user-1",
		},
		{
			name:   "uses identifier when subject missing",
			event:  authstate.ActivityEvent{Identifier: "b@example.com"},
			expect: "b@example.com",
		},
		{
			name:   "uses default fallback when nothing is known",
			event:  authstate.ActivityEvent{},
			expect: "anonymous",
		},
		{
			name:   "uses configured fallback",
			event:  authstate.ActivityEvent{},
			opts:   []activitymap.Option{activitymap.WithActorFallback("cli")},
			expect: "cli",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			out := activitymap.Normalize(tc.event, tc.opts...)
			if out.ActorID != tc.expect {
				t.Fatalf("expected actor_id %q, got %q", tc.expect, out.ActorID)
			}
		})
	}
}

func TestSink(t *testing.T) {
	t.Parallel()

	var got []activitymap.Normalized
	sink := activitymap.Sink(func(n activitymap.Normalized) {
		got = append(got, n)
	}, activitymap.WithDefaultChannel("cli"))

	if err := sink.Record(context.Background(), authstate.ActivityEvent{EventType: authstate.ActivityEventSignOut, SubjectID: "u1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 1 || got[0].Channel != "cli" || got[0].ActorID != "u1" {
		t.Fatalf("unexpected records %+v", got)
	}
}
