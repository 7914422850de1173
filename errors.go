package authstate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// ErrorKind is the stable error taxonomy surfaced to callers.
type ErrorKind string

const (
	KindAlreadyRegistered   ErrorKind = "ALREADY_REGISTERED"
	KindWeakCredential      ErrorKind = "WEAK_CREDENTIAL"
	KindMalformedIdentifier ErrorKind = "MALFORMED_IDENTIFIER"
	KindInvalidCredential   ErrorKind = "INVALID_CREDENTIAL"
	KindBanned              ErrorKind = "BANNED"
	KindTransportFailure    ErrorKind = "TRANSPORT_FAILURE"
	KindUnknown             ErrorKind = "UNKNOWN"
)

// ErrAlreadyRegistered is returned when the identifier already has an account.
var ErrAlreadyRegistered = goerrors.New("this email is already registered", goerrors.CategoryConflict).
	WithTextCode(string(KindAlreadyRegistered)).
	WithCode(goerrors.CodeConflict)

// ErrWeakCredential is returned when the password does not meet the provider policy.
var ErrWeakCredential = goerrors.New("password must be at least 6 characters long", goerrors.CategoryValidation).
	WithTextCode(string(KindWeakCredential)).
	WithCode(goerrors.CodeBadRequest)

// ErrMalformedIdentifier is returned for invalid email addresses.
var ErrMalformedIdentifier = goerrors.New("invalid email format", goerrors.CategoryBadInput).
	WithTextCode(string(KindMalformedIdentifier)).
	WithCode(goerrors.CodeBadRequest)

// ErrInvalidCredential is returned when email and password do not match.
var ErrInvalidCredential = goerrors.New("invalid credentials", goerrors.CategoryAuth).
	WithTextCode(string(KindInvalidCredential)).
	WithCode(goerrors.CodeUnauthorized)

// ErrBanned is returned when a banned user tries to sign in.
var ErrBanned = goerrors.New("account is banned, contact support", goerrors.CategoryAuthz).
	WithTextCode(string(KindBanned)).
	WithCode(goerrors.CodeForbidden)

// ErrTransportFailure is returned when a backend could not be reached.
var ErrTransportFailure = goerrors.New("backend unavailable", goerrors.CategoryOperation).
	WithTextCode(string(KindTransportFailure)).
	WithCode(goerrors.CodeInternal)

// ErrUnknown is the catch all for unmapped failures.
var ErrUnknown = goerrors.New("an unexpected error occurred", goerrors.CategoryInternal).
	WithTextCode(string(KindUnknown)).
	WithCode(goerrors.CodeInternal)

// ErrRecordNotFound is returned by RecordStore.Get for missing records.
var ErrRecordNotFound = errors.New("user record not found")

// ErrWatchAlreadyOpen guards the close-before-open rule of RecordWatcher.
var ErrWatchAlreadyOpen = errors.New("record watch already open")

// ErrCoordinatorStopped is returned when starting a stopped coordinator.
var ErrCoordinatorStopped = errors.New("coordinator stopped")

var taxonomy = map[ErrorKind]*goerrors.Error{
	KindAlreadyRegistered:   ErrAlreadyRegistered,
	KindWeakCredential:      ErrWeakCredential,
	KindMalformedIdentifier: ErrMalformedIdentifier,
	KindInvalidCredential:   ErrInvalidCredential,
	KindBanned:              ErrBanned,
	KindTransportFailure:    ErrTransportFailure,
	KindUnknown:             ErrUnknown,
}

// providerCodes maps identity provider error codes to the taxonomy.
var providerCodes = map[string]ErrorKind{
	"auth/email-already-in-use":   KindAlreadyRegistered,
	"auth/weak-password":          KindWeakCredential,
	"auth/invalid-email":          KindMalformedIdentifier,
	"auth/missing-email":          KindMalformedIdentifier,
	"auth/invalid-credential":     KindInvalidCredential,
	"auth/wrong-password":         KindInvalidCredential,
	"auth/user-not-found":         KindInvalidCredential,
	"auth/user-disabled":          KindBanned,
	"auth/network-request-failed": KindTransportFailure,
	"auth/internal-error":         KindTransportFailure,
	"auth/timeout":                KindTransportFailure,
	"auth/unavailable":            KindTransportFailure,

	"auth/account-exists-with-different-credential": KindAlreadyRegistered,
	"auth/no-current-user":                          KindInvalidCredential,
	"auth/invalid-action-code":                      KindInvalidCredential,
	"auth/expired-action-code":                      KindInvalidCredential,
	"auth/invalid-auth-event":                       KindInvalidCredential,
	"auth/invalid-user-token":                       KindInvalidCredential,
	"auth/missing-id-token":                         KindInvalidCredential,
}

// RegisterProviderCode extends the provider code mapping. Call it during
// initialization only, the table is not guarded.
func RegisterProviderCode(code string, kind ErrorKind) {
	if _, ok := taxonomy[kind]; !ok {
		kind = KindUnknown
	}
	providerCodes[code] = kind
}

// ProviderError captures a provider coded failure.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	if e == nil {
		return "provider error"
	}

	scope := "identity provider"
	if e.Provider != "" {
		scope = e.Provider
	}

	switch {
	case e.Message != "" && e.Code != "":
		return fmt.Sprintf("%s failed: %s (%s)", scope, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Message)
	case e.Code != "":
		return fmt.Sprintf("%s failed: %s", scope, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s failed: %v", scope, e.Err)
	}
	return scope + " failed"
}

func (e *ProviderError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewProviderError builds a provider coded error.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{Provider: provider, Code: code, Message: message}
}

// NewError returns a fresh taxonomy error carrying the source error and metadata.
func NewError(kind ErrorKind, source error, metadata map[string]any) *goerrors.Error {
	base, ok := taxonomy[kind]
	if !ok {
		base = ErrUnknown
	}

	clone := base.Clone()
	if source != nil {
		clone.Source = source
	}
	if len(metadata) > 0 {
		clone.WithMetadata(metadata)
	}
	return clone
}

// KindOf returns the taxonomy kind of err, KindUnknown for foreign errors
// and the empty kind for nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich != nil {
		if _, ok := taxonomy[ErrorKind(rich.TextCode)]; ok {
			return ErrorKind(rich.TextCode)
		}
	}
	return KindUnknown
}

// IsKind reports whether err belongs to the given taxonomy kind.
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}

// NormalizeError maps any error produced by the collaborators into the
// taxonomy. Errors already in the taxonomy are returned as is.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var rich *goerrors.Error
	if goerrors.As(err, &rich) && rich != nil {
		if _, ok := taxonomy[ErrorKind(rich.TextCode)]; ok {
			return err
		}
	}

	var perr *ProviderError
	if errors.As(err, &perr) && perr != nil {
		meta := map[string]any{"provider_code": perr.Code}
		if perr.Provider != "" {
			meta["provider"] = perr.Provider
		}
		kind, ok := providerCodes[perr.Code]
		if !ok {
			kind = KindUnknown
			meta["original_message"] = perr.Error()
		}
		return NewError(kind, err, meta)
	}

	if isTransportError(err) {
		return NewError(KindTransportFailure, err, map[string]any{"error": err.Error()})
	}

	return NewError(KindUnknown, err, map[string]any{"original_message": err.Error()})
}

func isTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "network is unreachable") ||
		strings.Contains(msg, "broken pipe")
}
