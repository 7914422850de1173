package authstate

import (
	"sync"
)

// SessionStream adapts the identity provider push notifications into a single
// handler subscription. It owns no state besides the disposer bookkeeping.
type SessionStream struct {
	notifier SessionNotifier
	logger   Logger
	provider LoggerProvider
}

// NewSessionStream wraps notifier.
func NewSessionStream(notifier SessionNotifier) *SessionStream {
	provider, logger := ResolveLogger("authstate.session_stream", nil, nil)
	return &SessionStream{
		notifier: notifier,
		logger:   logger,
		provider: provider,
	}
}

// WithLogger overrides the logger.
func (s *SessionStream) WithLogger(logger Logger) *SessionStream {
	s.provider, s.logger = ResolveLogger("authstate.session_stream", nil, logger)
	return s
}

// WithLoggerProvider resolves the scoped logger from provider.
func (s *SessionStream) WithLoggerProvider(provider LoggerProvider) *SessionStream {
	s.provider, s.logger = ResolveLogger("authstate.session_stream", provider, s.logger)
	return s
}

// Subscribe forwards every session change to handler until the returned
// disposer is called. Provider initialization failures are returned here,
// there is no retry.
func (s *SessionStream) Subscribe(handler func(*Session)) (Disposer, error) {
	if s.notifier == nil {
		return nil, NewError(KindTransportFailure, nil, map[string]any{
			"reason": "session notifier is nil",
		})
	}
	if handler == nil {
		return nil, NewError(KindUnknown, nil, map[string]any{
			"reason": "session handler is nil",
		})
	}

	var (
		mu       sync.Mutex
		disposed bool
	)

	unsubscribe, err := s.notifier.OnSessionChanged(func(session *Session) {
		mu.Lock()
		stop := disposed
		mu.Unlock()
		if stop {
			return
		}
		handler(session)
	})
	if err != nil {
		s.logger.Error("session stream subscribe failed", "error", err)
		normalized := NormalizeError(err)
		if KindOf(normalized) == KindUnknown {
			normalized = NewError(KindTransportFailure, err, map[string]any{"error": err.Error()})
		}
		return nil, normalized
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			mu.Lock()
			disposed = true
			mu.Unlock()
			if unsubscribe != nil {
				unsubscribe()
			}
		})
	}, nil
}
