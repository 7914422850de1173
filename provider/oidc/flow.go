package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"golang.org/x/oauth2"
)

// Provider error codes reported by the flow.
const (
	CodeCancelled        = "auth/popup-closed-by-user"
	CodeNetwork          = "auth/network-request-failed"
	CodeInvalidIDToken   = "auth/invalid-credential"
	CodeStateMismatch    = "auth/invalid-auth-event"
	CodeMissingIDToken   = "auth/missing-id-token"
	CodeMissingSubject   = "auth/invalid-user-token"
	defaultProviderLabel = "oidc"
)

// ErrCancelled is returned by a CodeSource when the user aborted the flow.
var ErrCancelled = errors.New("sign-in cancelled")

// ErrStateMismatch is returned by a CodeSource when the callback state does
// not match the request.
var ErrStateMismatch = errors.New("authorization state mismatch")

// Config configures an OpenID Connect authorization code flow.
type Config struct {
	Name         string
	Issuer       string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string
}

func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Issuer, validation.Required, is.URL),
		validation.Field(&c.ClientID, validation.Required),
		validation.Field(&c.RedirectURL, validation.Required, is.URL),
	)
}

// CodeSource drives the user through authURL and returns the authorization
// code of the callback carrying state.
type CodeSource interface {
	Code(ctx context.Context, authURL, state string) (string, error)
}

// CodeSourceFunc adapts a function to CodeSource.
type CodeSourceFunc func(ctx context.Context, authURL, state string) (string, error)

func (f CodeSourceFunc) Code(ctx context.Context, authURL, state string) (string, error) {
	return f(ctx, authURL, state)
}

// Flow implements authstate.FederatedFlow with the authorization code grant.
type Flow struct {
	name     string
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	source   CodeSource
	logger   authstate.Logger
	loggers  authstate.LoggerProvider
}

var _ authstate.FederatedFlow = (*Flow)(nil)

// New discovers the issuer and returns a Flow using source for the user
// interaction.
func New(ctx context.Context, cfg Config, source CodeSource) (*Flow, error) {
	if err := cfg.Validate(); err != nil {
		return nil, goerrors.FromOzzoValidation(err, "invalid oidc config")
	}
	if source == nil {
		return nil, goerrors.New("oidc code source is nil", goerrors.CategoryBadInput)
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "failed to discover oidc provider").
			WithMetadata(map[string]any{"issuer": cfg.Issuer})
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "email", "profile"}
	}

	name := cfg.Name
	if name == "" {
		name = defaultProviderLabel
	}

	loggers, logger := authstate.ResolveLogger("authstate.provider.oidc", nil, nil)
	return &Flow{
		name: name,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.ClientID}),
		source:   source,
		logger:   logger,
		loggers:  loggers,
	}, nil
}

func (f *Flow) WithLogger(logger authstate.Logger) *Flow {
	f.loggers, f.logger = authstate.ResolveLogger("authstate.provider.oidc", nil, logger)
	return f
}

func (f *Flow) WithLoggerProvider(provider authstate.LoggerProvider) *Flow {
	f.loggers, f.logger = authstate.ResolveLogger("authstate.provider.oidc", provider, f.logger)
	return f
}

func (f *Flow) Name() string {
	return f.name
}

type idTokenClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Authenticate runs one authorization code round trip and returns the
// verified identity.
func (f *Flow) Authenticate(ctx context.Context) (authstate.FederatedCredential, error) {
	state, err := randomToken()
	if err != nil {
		return authstate.FederatedCredential{}, f.fail(CodeNetwork, "failed to generate state", err)
	}
	nonce, err := randomToken()
	if err != nil {
		return authstate.FederatedCredential{}, f.fail(CodeNetwork, "failed to generate nonce", err)
	}

	authURL := f.oauth.AuthCodeURL(state, oidc.Nonce(nonce))
	code, err := f.source.Code(ctx, authURL, state)
	switch {
	case errors.Is(err, ErrCancelled):
		return authstate.FederatedCredential{}, f.fail(CodeCancelled, "the sign-in was cancelled", err)
	case errors.Is(err, ErrStateMismatch):
		return authstate.FederatedCredential{}, f.fail(CodeStateMismatch, "authorization state mismatch", err)
	case err != nil:
		return authstate.FederatedCredential{}, err
	}

	token, err := f.oauth.Exchange(ctx, code)
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return authstate.FederatedCredential{}, f.fail(CodeInvalidIDToken, "authorization code rejected", err)
	}
	if err != nil {
		return authstate.FederatedCredential{}, f.fail(CodeNetwork, "failed to exchange authorization code", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return authstate.FederatedCredential{}, f.fail(CodeMissingIDToken, "token response has no id_token", nil)
	}

	idToken, err := f.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return authstate.FederatedCredential{}, f.fail(CodeInvalidIDToken, "failed to verify id_token", err)
	}
	if idToken.Nonce != nonce {
		return authstate.FederatedCredential{}, f.fail(CodeInvalidIDToken, "id_token nonce mismatch", nil)
	}

	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return authstate.FederatedCredential{}, f.fail(CodeInvalidIDToken, "failed to parse id_token claims", err)
	}
	if claims.Subject == "" {
		return authstate.FederatedCredential{}, f.fail(CodeMissingSubject, "id_token has no subject", nil)
	}

	f.logger.Info("oidc sign-in completed", "provider", f.name, "subject", claims.Subject)
	return authstate.FederatedCredential{
		Provider:      f.name,
		Subject:       claims.Subject,
		Email:         claims.Email,
		EmailVerified: claims.EmailVerified,
		DisplayName:   claims.Name,
		AvatarURL:     claims.Picture,
		IDToken:       rawIDToken,
	}, nil
}

func (f *Flow) fail(code, message string, err error) *authstate.ProviderError {
	if err != nil {
		f.logger.Warn("oidc sign-in failed", "provider", f.name, "code", code, "error", err)
	}
	perr := authstate.NewProviderError(f.name, code, message)
	perr.Err = err
	return perr
}

func randomToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
