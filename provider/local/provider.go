package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ProviderName identifies local provider errors.
const ProviderName = "local"

// Provider error codes.
const (
	CodeEmailInUse         = "auth/email-already-in-use"
	CodeWeakPassword       = "auth/weak-password"
	CodeInvalidEmail       = "auth/invalid-email"
	CodeInvalidCredential  = "auth/invalid-credential"
	CodeUserDisabled       = "auth/user-disabled"
	CodeUserNotFound       = "auth/user-not-found"
	CodeNoCurrentUser      = "auth/no-current-user"
	CodeInvalidActionCode  = "auth/invalid-action-code"
	CodeExpiredActionCode  = "auth/expired-action-code"
	CodeInternal           = "auth/internal-error"
	CodeDifferentProviders = "auth/account-exists-with-different-credential"
)

// Config holds the local provider settings.
type Config struct {
	SigningKey        []byte
	Issuer            string
	TokenTTL          time.Duration
	ResetTTL          time.Duration
	MinPasswordLength int
}

// DefaultConfig returns a Config with sensible defaults for signingKey.
func DefaultConfig(signingKey []byte) Config {
	return Config{
		SigningKey:        signingKey,
		Issuer:            "authstate-local",
		TokenTTL:          24 * time.Hour,
		ResetTTL:          time.Hour,
		MinPasswordLength: authstate.MinPasswordLength,
	}
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&c.TokenTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.ResetTTL, validation.Min(time.Duration(0))),
		validation.Field(&c.MinPasswordLength, validation.Min(1)),
	)
}

// ResetSender delivers password reset tokens.
type ResetSender interface {
	SendReset(ctx context.Context, email, token string) error
}

// ResetSenderFunc adapts a function to ResetSender.
type ResetSenderFunc func(ctx context.Context, email, token string) error

func (f ResetSenderFunc) SendReset(ctx context.Context, email, token string) error {
	return f(ctx, email, token)
}

// Provider is an in-process identity provider backed by bun. It implements
// authstate.IdentityProvider. Session listeners are invoked synchronously
// and in registration order, they must not call back into the Provider.
type Provider struct {
	cfg         Config
	repo        RepositoryManager
	tokens      *TokenService
	persistence SessionPersistence
	resetSender ResetSender
	logger      authstate.Logger
	loggers     authstate.LoggerProvider
	now         func() time.Time

	notifyMu sync.Mutex

	mu        sync.Mutex
	current   *authstate.Session
	token     string
	listeners []listenerEntry
	nextID    uint64
}

type listenerEntry struct {
	id uint64
	fn func(*authstate.Session)
}

var _ authstate.IdentityProvider = (*Provider)(nil)

// New returns a Provider storing accounts in db.
func New(db *bun.DB, cfg Config) (*Provider, error) {
	if cfg.MinPasswordLength == 0 {
		cfg.MinPasswordLength = authstate.MinPasswordLength
	}
	if err := cfg.Validate(); err != nil {
		return nil, goerrors.FromOzzoValidation(err, "invalid local provider config")
	}

	loggers, logger := authstate.ResolveLogger("authstate.provider.local", nil, nil)
	repo := NewRepositoryManager(db)
	if err := repo.Validate(); err != nil {
		return nil, err
	}

	return &Provider{
		cfg:         cfg,
		repo:        repo,
		tokens:      NewTokenService(cfg.SigningKey, cfg.TokenTTL, cfg.Issuer),
		persistence: &MemoryPersistence{},
		logger:      logger,
		loggers:     loggers,
		now:         time.Now,
	}, nil
}

func (p *Provider) WithLogger(logger authstate.Logger) *Provider {
	p.loggers, p.logger = authstate.ResolveLogger("authstate.provider.local", nil, logger)
	return p
}

func (p *Provider) WithLoggerProvider(provider authstate.LoggerProvider) *Provider {
	p.loggers, p.logger = authstate.ResolveLogger("authstate.provider.local", provider, p.logger)
	return p
}

// WithPersistence sets where the session token is kept between restarts.
func (p *Provider) WithPersistence(persistence SessionPersistence) *Provider {
	if persistence != nil {
		p.persistence = persistence
	}
	return p
}

func (p *Provider) WithResetSender(sender ResetSender) *Provider {
	p.resetSender = sender
	return p
}

func (p *Provider) WithClock(now func() time.Time) *Provider {
	if now != nil {
		p.now = now
		p.tokens.WithClock(now)
	}
	return p
}

// Repositories exposes the underlying repositories.
func (p *Provider) Repositories() RepositoryManager {
	return p.repo
}

// OnSessionChanged registers listener and invokes it with the current session.
func (p *Provider) OnSessionChanged(listener func(*authstate.Session)) (func(), error) {
	if listener == nil {
		return nil, goerrors.New("session listener is nil", goerrors.CategoryBadInput)
	}

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.listeners = append(p.listeners, listenerEntry{id: id, fn: listener})
	current := cloneSession(p.current)
	p.mu.Unlock()

	listener(current)

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			for i, entry := range p.listeners {
				if entry.id == id {
					p.listeners = append(p.listeners[:i:i], p.listeners[i+1:]...)
					return
				}
			}
		})
	}, nil
}

func (p *Provider) CurrentSession() *authstate.Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneSession(p.current)
}

// Token returns the token of the current session, empty when signed out.
func (p *Provider) Token() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.token
}

// CreateAccount registers a password account and signs it in.
func (p *Provider) CreateAccount(ctx context.Context, email, password string) (*authstate.Session, error) {
	email = normalizeEmail(email)
	if err := validation.Validate(email, validation.Required, is.EmailFormat); err != nil {
		return nil, providerError(CodeInvalidEmail, "the email address is badly formatted", nil)
	}
	if len(password) < p.cfg.MinPasswordLength {
		return nil, providerError(CodeWeakPassword, fmt.Sprintf("password should be at least %d characters", p.cfg.MinPasswordLength), nil)
	}

	hash, err := authstate.HashCredential(password)
	if err != nil {
		return nil, providerError(CodeInternal, "failed to hash password", err)
	}

	var account *Account
	err = p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := p.repo.Accounts().GetByEmailTx(ctx, tx, email); err == nil {
			return providerError(CodeEmailInUse, "the email address is already in use", nil)
		} else if !repository.IsRecordNotFound(err) {
			return err
		}

		account, err = p.repo.Accounts().Register(ctx, tx, &Account{
			Email:        email,
			PasswordHash: hash,
		})
		return err
	})
	if err != nil {
		return nil, p.storageError("create account", err)
	}

	p.logger.Info("local account created", "subject_id", account.ID.String())
	return p.signIn(ctx, account)
}

func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) (*authstate.Session, error) {
	account, err := p.repo.Accounts().GetByEmail(ctx, email)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, providerError(CodeInvalidCredential, "invalid email or password", nil)
		}
		return nil, p.storageError("read account", err)
	}

	if account.Federated() {
		return nil, providerError(CodeDifferentProviders, "account uses a federated sign-in", nil)
	}
	if err := authstate.CompareCredential(password, account.PasswordHash); err != nil {
		return nil, providerError(CodeInvalidCredential, "invalid email or password", nil)
	}
	if account.Disabled {
		return nil, providerError(CodeUserDisabled, "the account has been disabled", nil)
	}

	return p.signIn(ctx, account)
}

// SignInWithFederated signs in the account linked to credential, creating
// it on first use. Subject ids of federated accounts are derived from the
// provider and subject so they are stable across databases.
func (p *Provider) SignInWithFederated(ctx context.Context, credential authstate.FederatedCredential) (*authstate.Session, error) {
	if credential.Provider == "" || credential.Subject == "" {
		return nil, providerError(CodeInvalidCredential, "federated credential requires provider and subject", nil)
	}

	var account *Account
	err := p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		account, err = p.repo.Accounts().GetByFederatedTx(ctx, tx, credential.Provider, credential.Subject)
		if err == nil {
			return nil
		}
		if !repository.IsRecordNotFound(err) {
			return err
		}

		if credential.Email != "" {
			if _, err := p.repo.Accounts().GetByEmailTx(ctx, tx, credential.Email); err == nil {
				return providerError(CodeDifferentProviders, "an account already exists with the same email", nil)
			} else if !repository.IsRecordNotFound(err) {
				return err
			}
		}

		record := &Account{
			Email:             credential.Email,
			DisplayName:       credential.DisplayName,
			AvatarURL:         credential.AvatarURL,
			FederatedProvider: credential.Provider,
			FederatedSubject:  credential.Subject,
		}
		if id, err := hashid.NewUUID(credential.Provider + ":" + credential.Subject); err == nil {
			record.ID = id
		}

		account, err = p.repo.Accounts().Register(ctx, tx, record)
		return err
	})
	if err != nil {
		return nil, p.storageError("federated sign-in", err)
	}

	if account.Disabled {
		return nil, providerError(CodeUserDisabled, "the account has been disabled", nil)
	}
	return p.signIn(ctx, account)
}

// SignOut clears the session. Signing out without a session is a no-op.
func (p *Provider) SignOut(ctx context.Context) error {
	if err := p.persistence.Clear(ctx); err != nil {
		p.logger.Warn("local provider failed to clear persisted session", "error", err)
	}

	p.mu.Lock()
	signedIn := p.current != nil
	p.mu.Unlock()
	if !signedIn {
		return nil
	}

	p.setSession(nil, "")
	return nil
}

// UpdateProfile changes the profile of the signed in account. Listeners are
// not notified, the subject does not change.
func (p *Provider) UpdateProfile(ctx context.Context, update authstate.ProfileUpdate) (*authstate.Session, error) {
	current := p.CurrentSession()
	if current == nil {
		return nil, providerError(CodeNoCurrentUser, "no user is signed in", nil)
	}

	id, err := uuid.Parse(current.SubjectID)
	if err != nil {
		return nil, providerError(CodeInternal, "invalid session subject", err)
	}

	err = p.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		return p.repo.Accounts().UpdateProfileTx(ctx, tx, id, update.DisplayName, update.AvatarURL)
	})
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, providerError(CodeUserNotFound, "account no longer exists", err)
		}
		return nil, p.storageError("update profile", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.SubjectID != current.SubjectID {
		return cloneSession(current), nil
	}
	if update.DisplayName != nil {
		p.current.DisplayName = *update.DisplayName
	}
	if update.AvatarURL != nil {
		p.current.AvatarURL = *update.AvatarURL
	}
	return cloneSession(p.current), nil
}

// Restore signs in the session kept by the persistence, if it is still
// valid. Invalid tokens are cleared and reported as no session.
func (p *Provider) Restore(ctx context.Context) (*authstate.Session, error) {
	token, err := p.persistence.Load(ctx)
	if err != nil {
		return nil, providerError(CodeInternal, "failed to load persisted session", err)
	}
	if token == "" {
		return nil, nil
	}

	discard := func(reason string, err error) (*authstate.Session, error) {
		p.logger.Info("local provider discarding persisted session", "reason", reason, "error", err)
		if clearErr := p.persistence.Clear(ctx); clearErr != nil {
			p.logger.Warn("local provider failed to clear persisted session", "error", clearErr)
		}
		return nil, nil
	}

	claims, err := p.tokens.Validate(token)
	if err != nil {
		return discard("token", err)
	}

	account, err := p.repo.Accounts().GetByID(ctx, claims.Subject)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return discard("account", err)
		}
		return nil, p.storageError("restore session", err)
	}
	if account.Disabled {
		return discard("disabled", nil)
	}

	session := account.Session()
	p.setSession(session, token)
	return cloneSession(session), nil
}

func (p *Provider) signIn(ctx context.Context, account *Account) (*authstate.Session, error) {
	token, err := p.tokens.Generate(account)
	if err != nil {
		return nil, providerError(CodeInternal, "failed to issue session token", err)
	}

	if err := p.persistence.Save(ctx, token); err != nil {
		p.logger.Warn("local provider failed to persist session", "error", err)
	}

	session := account.Session()
	p.setSession(session, token)
	return cloneSession(session), nil
}

func (p *Provider) setSession(session *authstate.Session, token string) {
	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()

	p.mu.Lock()
	p.current = cloneSession(session)
	p.token = token
	listeners := make([]listenerEntry, len(p.listeners))
	copy(listeners, p.listeners)
	p.mu.Unlock()

	for _, entry := range listeners {
		entry.fn(cloneSession(session))
	}
}

// storageError keeps provider coded errors and reports anything else as an
// internal provider failure.
func (p *Provider) storageError(op string, err error) error {
	var perr *authstate.ProviderError
	if goerrors.As(err, &perr) {
		return perr
	}
	p.logger.Error("local provider storage failure", "operation", op, "error", err)
	return providerError(CodeInternal, op+" failed", err)
}

func providerError(code, message string, err error) *authstate.ProviderError {
	perr := authstate.NewProviderError(ProviderName, code, message)
	perr.Err = err
	return perr
}

func cloneSession(s *authstate.Session) *authstate.Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
