package local

import (
	"context"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Accounts is the account repository of the local provider.
type Accounts interface {
	repository.Repository[*Account]

	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error)
	GetByFederated(ctx context.Context, provider, subject string) (*Account, error)
	GetByFederatedTx(ctx context.Context, tx bun.IDB, provider, subject string) (*Account, error)
	Register(ctx context.Context, tx bun.IDB, record *Account) (*Account, error)
	UpdateProfileTx(ctx context.Context, tx bun.IDB, id uuid.UUID, displayName, avatarURL *string) error
	ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error
}

type accounts struct {
	repository.Repository[*Account]
	db  *bun.DB
	now func() time.Time
}

var (
	_ Accounts                        = (*accounts)(nil)
	_ repository.Repository[*Account] = (*accounts)(nil)
)

func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
	})

	return &accounts{
		Repository: repo,
		db:         db,
		now:        time.Now,
	}
}

func (a *accounts) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return a.GetByEmailTx(ctx, a.db, email)
}

// GetByEmailTx matches emails case insensitively.
func (a *accounts) GetByEmailTx(ctx context.Context, tx bun.IDB, email string) (*Account, error) {
	email = normalizeEmail(email)
	if email == "" {
		return nil, repository.NewRecordNotFound().
			WithMetadata(map[string]any{"email": email})
	}

	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("lower(?TableAlias.email) = ?", email).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{"email": email})
		}
		return nil, err
	}
	return record, nil
}

func (a *accounts) GetByFederated(ctx context.Context, provider, subject string) (*Account, error) {
	return a.GetByFederatedTx(ctx, a.db, provider, subject)
}

func (a *accounts) GetByFederatedTx(ctx context.Context, tx bun.IDB, provider, subject string) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.federated_provider = ?", provider).
		Where("?TableAlias.federated_subject = ?", subject).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().
				WithMetadata(map[string]any{
					"provider": provider,
					"subject":  subject,
				})
		}
		return nil, err
	}
	return record, nil
}

// Register fills the defaults of record and inserts it.
func (a *accounts) Register(ctx context.Context, tx bun.IDB, record *Account) (*Account, error) {
	prepareAccountDefaults(record, a.now())
	return a.Repository.CreateTx(ctx, tx, record)
}

func (a *accounts) UpdateProfileTx(ctx context.Context, tx bun.IDB, id uuid.UUID, displayName, avatarURL *string) error {
	q := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("updated_at = ?", a.now().UTC()).
		Where("id = ?", id)
	if displayName != nil {
		q = q.Set("display_name = ?", *displayName)
	}
	if avatarURL != nil {
		q = q.Set("avatar_url = ?", *avatarURL)
	}

	res, err := q.Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().
			WithMetadata(map[string]any{"id": id.String()})
	}
	return nil
}

func (a *accounts) ResetPasswordTx(ctx context.Context, tx bun.IDB, id uuid.UUID, passwordHash string) error {
	_, err := tx.NewUpdate().
		Model((*Account)(nil)).
		Set("password_hash = ?", passwordHash).
		Set("updated_at = ?", a.now().UTC()).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func prepareAccountDefaults(record *Account, now time.Time) {
	if record == nil {
		return
	}

	record.Email = normalizeEmail(record.Email)
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt == nil {
		at := now.UTC()
		record.CreatedAt = &at
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
