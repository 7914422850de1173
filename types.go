package authstate

import (
	"context"
	"time"

	"github.com/uptrace/bun"
)

// Session holds the attributes of an identity provider session.
// A nil *Session means no user is signed in.
type Session struct {
	SubjectID     string `json:"subject_id"`
	VerifiedEmail string `json:"verified_email,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
	AvatarURL     string `json:"avatar_url,omitempty"`
}

// UserRecord is the persisted user profile keyed by subject id
type UserRecord struct {
	bun.BaseModel    `bun:"table:user_records,alias:urec" json:"-" bson:"-"`
	SubjectID        string    `bun:"subject_id,pk" json:"subject_id" bson:"_id"`
	Email            string    `bun:"email,notnull" json:"email" bson:"email"`
	DisplayName      string    `bun:"display_name" json:"display_name" bson:"display_name"`
	AvatarURL        string    `bun:"avatar_url" json:"avatar_url" bson:"avatar_url"`
	CreatedAt        time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at" bson:"created_at"`
	Banned           bool      `bun:"banned,notnull,default:false" json:"banned" bson:"banned"`
	CredentialDigest string    `bun:"credential_digest" json:"credential_digest,omitempty" bson:"credential_digest,omitempty"`
}

// Clone returns a copy safe to hand out to subscribers.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}

// HasCredential reports whether the account signs in with a password.
func (r *UserRecord) HasCredential() bool {
	return r != nil && r.CredentialDigest != ""
}

// CurrentUserState is the single published value: either None or Present(record).
type CurrentUserState struct {
	record *UserRecord
}

// None is the state without a signed in user (or without a profile).
func None() CurrentUserState {
	return CurrentUserState{}
}

// Present wraps a record into a state value.
func Present(record *UserRecord) CurrentUserState {
	if record == nil {
		return None()
	}
	return CurrentUserState{record: record.Clone()}
}

// IsPresent reports whether a record is tracked.
func (s CurrentUserState) IsPresent() bool {
	return s.record != nil
}

// Record returns a copy of the tracked record or nil.
func (s CurrentUserState) Record() *UserRecord {
	return s.record.Clone()
}

// SubjectID returns the subject of the tracked record, empty for None.
func (s CurrentUserState) SubjectID() string {
	if s.record == nil {
		return ""
	}
	return s.record.SubjectID
}

func (s CurrentUserState) String() string {
	if s.record == nil {
		return "None"
	}
	return "Present(" + s.record.SubjectID + ")"
}

// WatchEventKind enumerates the events a record watch emits.
type WatchEventKind int

const (
	// WatchFound carries the current record
	WatchFound WatchEventKind = iota + 1
	// WatchNotFound signals that no record exists for the subject
	WatchNotFound
	// WatchError signals a transport failure on the subscription
	WatchError
)

func (k WatchEventKind) String() string {
	switch k {
	case WatchFound:
		return "found"
	case WatchNotFound:
		return "not_found"
	case WatchError:
		return "error"
	default:
		return "unknown"
	}
}

// WatchEvent is a single notification from a live record subscription.
type WatchEvent struct {
	Kind   WatchEventKind
	Record *UserRecord
	Reason string
}

// Found builds a WatchFound event.
func Found(record *UserRecord) WatchEvent {
	return WatchEvent{Kind: WatchFound, Record: record.Clone()}
}

// NotFound builds a WatchNotFound event.
func NotFound() WatchEvent {
	return WatchEvent{Kind: WatchNotFound}
}

// WatchFailed builds a WatchError event.
func WatchFailed(reason string) WatchEvent {
	return WatchEvent{Kind: WatchError, Reason: reason}
}

// Disposer releases a subscription. Implementations are idempotent.
type Disposer func()

// SessionNotifier is the push primitive exposed by the identity provider.
// The listener is invoked with the current session right after registration
// and on every later change.
type SessionNotifier interface {
	OnSessionChanged(listener func(*Session)) (unsubscribe func(), err error)
}

// IdentityProvider groups the session mutation operations of the identity provider.
// Failures are provider coded (see ProviderError) and normalized by Service.
type IdentityProvider interface {
	SessionNotifier
	CurrentSession() *Session
	CreateAccount(ctx context.Context, email, password string) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignInWithFederated(ctx context.Context, credential FederatedCredential) (*Session, error)
	SignOut(ctx context.Context) error
	UpdateProfile(ctx context.Context, update ProfileUpdate) (*Session, error)
	SendPasswordReset(ctx context.Context, email string) error
}

// FederatedCredential is the outcome of a third-party sign-in flow.
type FederatedCredential struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
	DisplayName   string
	AvatarURL     string
	IDToken       string
}

// FederatedFlow runs a third-party sign-in (popup, redirect, device code...).
type FederatedFlow interface {
	Name() string
	Authenticate(ctx context.Context) (FederatedCredential, error)
}

// ProfileUpdate holds optional profile fields, nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string
	AvatarURL   *string
}

// Subscription is a live store subscription.
type Subscription interface {
	Close() error
}

// RecordStore is the document storage collaborator keyed by subject id.
type RecordStore interface {
	// Watch emits the current state of the record and every later change.
	Watch(ctx context.Context, subjectID string, handler func(WatchEvent)) (Subscription, error)
	// Get returns ErrRecordNotFound when no record exists.
	Get(ctx context.Context, subjectID string) (*UserRecord, error)
	Put(ctx context.Context, record *UserRecord) error
}
