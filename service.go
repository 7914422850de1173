package authstate

import (
	"context"
	"errors"
	"strings"
	"time"
)

// AdmissionGate withholds signed in publishes while a new session is being
// checked. Coordinator implements it.
type AdmissionGate interface {
	Hold() (release func())
}

// Service exposes the mutation operations. It never touches the coordinator
// state, every effect reaches subscribers through the session and record
// streams.
type Service struct {
	provider     IdentityProvider
	store        RecordStore
	admission    AdmissionGate
	logger       Logger
	loggers      LoggerProvider
	activitySink ActivitySink
	now          func() time.Time
}

// NewService returns a Service operating on provider and store
func NewService(provider IdentityProvider, store RecordStore) *Service {
	loggers, logger := ResolveLogger("authstate.service", nil, nil)
	return &Service{
		provider:     provider,
		store:        store,
		logger:       logger,
		loggers:      loggers,
		activitySink: noopActivitySink{},
		now:          time.Now,
	}
}

func (s *Service) WithLogger(logger Logger) *Service {
	s.loggers, s.logger = ResolveLogger("authstate.service", nil, logger)
	return s
}

func (s *Service) WithLoggerProvider(provider LoggerProvider) *Service {
	s.loggers, s.logger = ResolveLogger("authstate.service", provider, s.logger)
	return s
}

// WithActivitySink configures an ActivitySink for emitting auth events.
func (s *Service) WithActivitySink(sink ActivitySink) *Service {
	s.activitySink = normalizeActivitySink(sink)
	return s
}

// WithAdmission makes sign-in hold Present publishes on gate until the ban
// check is done, so a rejected user is never published as signed in.
func (s *Service) WithAdmission(gate AdmissionGate) *Service {
	s.admission = gate
	return s
}

// WithClock overrides the clock used for CreatedAt and event timestamps.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// Register creates the provider account, sets its display name and writes
// the user record with the credential digest.
func (s *Service) Register(ctx context.Context, input RegisterInput) error {
	in := input.Normalized()
	if err := in.Validate(); err != nil {
		s.logger.Warn("register validation failed", "email", in.Email, "error", err)
		s.emit(ctx, ActivityEventRegisterFailure, "", in.Email, "", err, nil)
		return err
	}

	digest, err := HashCredential(in.Password)
	if err != nil {
		s.logger.Error("register hash credential error", "error", err)
		return s.fail(ctx, ActivityEventRegisterFailure, "", in.Email, "", err)
	}

	session, err := s.provider.CreateAccount(ctx, in.Email, in.Password)
	if err != nil {
		s.logger.Error("register create account error", "email", in.Email, "error", err)
		return s.fail(ctx, ActivityEventRegisterFailure, "", in.Email, "", err)
	}
	if session == nil {
		return s.fail(ctx, ActivityEventRegisterFailure, "", in.Email, "", errors.New("provider returned no session"))
	}

	displayName := in.DisplayName
	if _, err := s.provider.UpdateProfile(ctx, ProfileUpdate{DisplayName: &displayName}); err != nil {
		s.logger.Error("register update profile error", "subject_id", session.SubjectID, "error", err)
		return s.fail(ctx, ActivityEventRegisterFailure, session.SubjectID, in.Email, "", err)
	}

	record := &UserRecord{
		SubjectID:        session.SubjectID,
		Email:            in.Email,
		DisplayName:      displayName,
		CreatedAt:        s.now().UTC(),
		CredentialDigest: digest,
	}
	if err := s.store.Put(ctx, record); err != nil {
		s.logger.Error("register write record error", "subject_id", session.SubjectID, "error", err)
		return s.fail(ctx, ActivityEventRegisterFailure, session.SubjectID, in.Email, "", err)
	}

	s.logger.Info("user registered", "subject_id", session.SubjectID)
	s.emit(ctx, ActivityEventRegistered, session.SubjectID, in.Email, "", nil, nil)
	return nil
}

// SignIn signs in with email and password. A banned account is signed out
// again and ErrBanned is returned. A missing record is not an error.
func (s *Service) SignIn(ctx context.Context, email, password string) error {
	in := SignInInput{Email: strings.TrimSpace(email), Password: password}
	if err := in.Validate(); err != nil {
		s.emit(ctx, ActivityEventSignInFailure, "", in.Email, "", err, nil)
		return err
	}

	release := s.hold()
	defer release()

	session, err := s.provider.SignInWithPassword(ctx, in.Email, in.Password)
	if err != nil {
		s.logger.Error("signin error", "email", in.Email, "error", err)
		return s.fail(ctx, ActivityEventSignInFailure, "", in.Email, "", err)
	}

	if err := s.admit(ctx, session, in.Email, ""); err != nil {
		return err
	}

	s.emit(ctx, ActivityEventSignInSuccess, session.SubjectID, in.Email, "", nil, nil)
	return nil
}

// SignInWithProvider runs a federated flow and signs in with its credential.
// The user record is created on first sign-in, without a credential digest.
func (s *Service) SignInWithProvider(ctx context.Context, flow FederatedFlow) error {
	if flow == nil {
		return NewError(KindUnknown, nil, map[string]any{"reason": "federated flow is nil"})
	}
	name := flow.Name()

	credential, err := flow.Authenticate(ctx)
	if err != nil {
		s.logger.Error("federated flow error", "provider", name, "error", err)
		return s.fail(ctx, ActivityEventSignInFailure, "", "", name, err)
	}

	release := s.hold()
	defer release()
	if credential.Provider == "" {
		credential.Provider = name
	}

	session, err := s.provider.SignInWithFederated(ctx, credential)
	if err != nil {
		s.logger.Error("federated signin error", "provider", name, "error", err)
		return s.fail(ctx, ActivityEventSignInFailure, "", credential.Email, name, err)
	}
	if session == nil {
		return s.fail(ctx, ActivityEventSignInFailure, "", credential.Email, name, errors.New("provider returned no session"))
	}

	record, err := s.store.Get(ctx, session.SubjectID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		record = &UserRecord{
			SubjectID:   session.SubjectID,
			Email:       firstNonEmpty(session.VerifiedEmail, credential.Email),
			DisplayName: firstNonEmpty(session.DisplayName, credential.DisplayName, displayNameFromEmail(credential.Email)),
			AvatarURL:   firstNonEmpty(session.AvatarURL, credential.AvatarURL),
			CreatedAt:   s.now().UTC(),
		}
		if err := s.store.Put(ctx, record); err != nil {
			s.logger.Error("federated signin write record error", "subject_id", session.SubjectID, "error", err)
			return s.fail(ctx, ActivityEventSignInFailure, session.SubjectID, credential.Email, name, err)
		}
		s.logger.Info("user record created on first federated signin", "subject_id", session.SubjectID, "provider", name)
	case err != nil:
		return s.rejectUnreadable(ctx, session, credential.Email, name, err)
	case record.Banned:
		return s.rejectBanned(ctx, session, credential.Email, name)
	}

	s.emit(ctx, ActivityEventSocialSignIn, session.SubjectID, credential.Email, name, nil, nil)
	return nil
}

// SignOut ends the provider session.
func (s *Service) SignOut(ctx context.Context) error {
	subjectID := ""
	if current := s.provider.CurrentSession(); current != nil {
		subjectID = current.SubjectID
	}

	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Error("signout error", "subject_id", subjectID, "error", err)
		return s.fail(ctx, ActivityEventSignOut, subjectID, "", "", err)
	}

	s.emit(ctx, ActivityEventSignOut, subjectID, "", "", nil, nil)
	return nil
}

// UpdateProfile updates the provider profile of the signed in user and
// mirrors the change in the user record when one exists.
func (s *Service) UpdateProfile(ctx context.Context, update ProfileUpdate) error {
	current := s.provider.CurrentSession()
	if current == nil {
		err := NewError(KindInvalidCredential, nil, map[string]any{"reason": "no active session"})
		s.emit(ctx, ActivityEventProfileUpdated, "", "", "", err, nil)
		return err
	}

	if _, err := s.provider.UpdateProfile(ctx, update); err != nil {
		s.logger.Error("update profile error", "subject_id", current.SubjectID, "error", err)
		return s.fail(ctx, ActivityEventProfileUpdated, current.SubjectID, "", "", err)
	}

	record, err := s.store.Get(ctx, current.SubjectID)
	if errors.Is(err, ErrRecordNotFound) {
		s.logger.Debug("profile updated without user record", "subject_id", current.SubjectID)
		s.emit(ctx, ActivityEventProfileUpdated, current.SubjectID, "", "", nil, nil)
		return nil
	}
	if err != nil {
		s.logger.Error("update profile read record error", "subject_id", current.SubjectID, "error", err)
		return s.fail(ctx, ActivityEventProfileUpdated, current.SubjectID, "", "", err)
	}

	fields := []string{}
	if update.DisplayName != nil {
		record.DisplayName = *update.DisplayName
		fields = append(fields, "display_name")
	}
	if update.AvatarURL != nil {
		record.AvatarURL = *update.AvatarURL
		fields = append(fields, "avatar_url")
	}

	if err := s.store.Put(ctx, record); err != nil {
		s.logger.Error("update profile write record error", "subject_id", current.SubjectID, "error", err)
		return s.fail(ctx, ActivityEventProfileUpdated, current.SubjectID, "", "", err)
	}

	s.emit(ctx, ActivityEventProfileUpdated, current.SubjectID, "", "", nil, map[string]any{"fields": fields})
	return nil
}

// SendPasswordReset asks the provider to send a reset link.
func (s *Service) SendPasswordReset(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if err := validateEmail(email); err != nil {
		s.emit(ctx, ActivityEventPasswordResetSent, "", email, "", err, nil)
		return err
	}

	if err := s.provider.SendPasswordReset(ctx, email); err != nil {
		s.logger.Error("password reset error", "email", email, "error", err)
		return s.fail(ctx, ActivityEventPasswordResetSent, "", email, "", err)
	}

	s.emit(ctx, ActivityEventPasswordResetSent, "", email, "", nil, nil)
	return nil
}

// SetBanned flips the ban flag of a user record. Watchers of the subject
// receive the change through the record stream.
func (s *Service) SetBanned(ctx context.Context, subjectID string, banned bool) error {
	record, err := s.store.Get(ctx, subjectID)
	if err != nil {
		s.logger.Error("set banned read record error", "subject_id", subjectID, "error", err)
		return s.fail(ctx, ActivityEventBanChanged, subjectID, "", "", err)
	}

	if record.Banned == banned {
		return nil
	}
	record.Banned = banned

	if err := s.store.Put(ctx, record); err != nil {
		s.logger.Error("set banned write record error", "subject_id", subjectID, "error", err)
		return s.fail(ctx, ActivityEventBanChanged, subjectID, "", "", err)
	}

	s.logger.Info("ban flag changed", "subject_id", subjectID, "banned", banned)
	s.emit(ctx, ActivityEventBanChanged, subjectID, record.Email, "", nil, map[string]any{"banned": banned})
	return nil
}

func (s *Service) hold() func() {
	if s.admission == nil {
		return func() {}
	}
	return s.admission.Hold()
}

// admit checks the record of a freshly signed in session.
func (s *Service) admit(ctx context.Context, session *Session, identifier, provider string) error {
	if session == nil {
		return s.fail(ctx, ActivityEventSignInFailure, "", identifier, provider, errors.New("provider returned no session"))
	}

	record, err := s.store.Get(ctx, session.SubjectID)
	switch {
	case errors.Is(err, ErrRecordNotFound):
		s.logger.Debug("signed in without user record", "subject_id", session.SubjectID)
		return nil
	case err != nil:
		return s.rejectUnreadable(ctx, session, identifier, provider, err)
	case record.Banned:
		return s.rejectBanned(ctx, session, identifier, provider)
	}
	return nil
}

func (s *Service) rejectBanned(ctx context.Context, session *Session, identifier, provider string) error {
	s.logger.Warn("banned user signed in, signing out", "subject_id", session.SubjectID)
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Error("banned signout error", "subject_id", session.SubjectID, "error", err)
	}

	err := NewError(KindBanned, nil, map[string]any{"subject_id": session.SubjectID})
	s.emit(ctx, ActivityEventBannedSignOut, session.SubjectID, identifier, provider, err, nil)
	return err
}

// rejectUnreadable signs out when the ban flag cannot be checked.
func (s *Service) rejectUnreadable(ctx context.Context, session *Session, identifier, provider string, cause error) error {
	s.logger.Error("signin read record error, signing out", "subject_id", session.SubjectID, "error", cause)
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Error("signout after read error failed", "subject_id", session.SubjectID, "error", err)
	}
	return s.fail(ctx, ActivityEventSignInFailure, session.SubjectID, identifier, provider, cause)
}

func (s *Service) fail(ctx context.Context, eventType ActivityEventType, subjectID, identifier, provider string, err error) error {
	normalized := NormalizeError(err)
	if KindOf(normalized) == KindUnknown {
		s.logger.Error("unmapped error", "event", string(eventType), "error", err)
	}
	s.emit(ctx, eventType, subjectID, identifier, provider, normalized, nil)
	return normalized
}

func (s *Service) emit(ctx context.Context, eventType ActivityEventType, subjectID, identifier, provider string, err error, metadata map[string]any) {
	event := ActivityEvent{
		EventType:  eventType,
		SubjectID:  subjectID,
		Identifier: identifier,
		Provider:   provider,
		Metadata:   metadata,
		OccurredAt: s.now().UTC(),
	}
	if err != nil {
		event.ErrorKind = KindOf(err)
		if event.Metadata == nil {
			event.Metadata = map[string]any{}
		}
		event.Metadata["error"] = err.Error()
	}

	if recErr := s.activitySink.Record(ctx, event); recErr != nil {
		s.logger.Warn("activity sink record failed", "event", string(eventType), "error", recErr)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
