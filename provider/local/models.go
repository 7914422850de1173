package local

import (
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Account is a local identity, either password based or linked to a
// federated subject.
type Account struct {
	bun.BaseModel     `bun:"table:local_accounts,alias:acct"`
	ID                uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email             string     `bun:"email,nullzero" json:"email,omitempty"`
	PasswordHash      string     `bun:"password_hash" json:"-"`
	DisplayName       string     `bun:"display_name" json:"display_name,omitempty"`
	AvatarURL         string     `bun:"avatar_url" json:"avatar_url,omitempty"`
	Disabled          bool       `bun:"disabled,notnull" json:"disabled"`
	FederatedProvider string     `bun:"federated_provider,nullzero" json:"federated_provider,omitempty"`
	FederatedSubject  string     `bun:"federated_subject,nullzero" json:"federated_subject,omitempty"`
	CreatedAt         *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt         *time.Time `bun:"updated_at,nullzero" json:"updated_at,omitempty"`
}

// Federated reports whether the account was created by a third-party sign-in.
func (a *Account) Federated() bool {
	return a != nil && a.FederatedProvider != ""
}

// Session projects the account into the identity provider session.
func (a *Account) Session() *authstate.Session {
	if a == nil {
		return nil
	}
	return &authstate.Session{
		SubjectID:     a.ID.String(),
		VerifiedEmail: a.Email,
		DisplayName:   a.DisplayName,
		AvatarURL:     a.AvatarURL,
	}
}

const (
	ResetRequestedStatus = "requested"
	ResetChangedStatus   = "changed"
)

// PasswordReset tracks one reset request, its ID is the reset token.
type PasswordReset struct {
	bun.BaseModel `bun:"table:password_resets,alias:pwdr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	AccountID     uuid.UUID  `bun:"account_id,notnull,type:uuid" json:"account_id,omitempty"`
	Email         string     `bun:"email,notnull" json:"email,omitempty"`
	Status        string     `bun:"status,notnull" json:"status,omitempty"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	ResetedAt     *time.Time `bun:"reseted_at,nullzero" json:"reseted_at,omitempty"`
}

// Expired reports whether the request is older than ttl at now.
func (r *PasswordReset) Expired(now time.Time, ttl time.Duration) bool {
	if r == nil || r.CreatedAt == nil || ttl <= 0 {
		return false
	}
	return now.After(r.CreatedAt.Add(ttl))
}
