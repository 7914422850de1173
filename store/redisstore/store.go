package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultRecordPrefix  = "authstate:record:"
	DefaultChannelPrefix = "authstate:record-changes:"
)

const maxPutAttempts = 10

// Store implements authstate.RecordStore on redis. Records are stored as
// revisioned JSON envelopes, every Put is published on a per subject
// channel with the same envelope.
type Store struct {
	client        *redis.Client
	recordPrefix  string
	channelPrefix string
	retryDelay    time.Duration
	logger        authstate.Logger
	provider      authstate.LoggerProvider
}

var _ authstate.RecordStore = (*Store)(nil)

// Option customizes the Store.
type Option func(*Store)

// WithPrefixes overrides the key and channel prefixes.
func WithPrefixes(record, channel string) Option {
	return func(s *Store) {
		if record != "" {
			s.recordPrefix = record
		}
		if channel != "" {
			s.channelPrefix = channel
		}
	}
}

// WithRetryDelay sets the pause between failed pub/sub receives.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

// WithLogger overrides the store logger.
func WithLogger(logger authstate.Logger) Option {
	return func(s *Store) {
		s.provider, s.logger = authstate.ResolveLogger("authstate.redisstore", nil, logger)
	}
}

// WithLoggerProvider resolves the store logger from provider.
func WithLoggerProvider(provider authstate.LoggerProvider) Option {
	return func(s *Store) {
		s.provider, s.logger = authstate.ResolveLogger("authstate.redisstore", provider, s.logger)
	}
}

// New returns a Store using client.
func New(client *redis.Client, opts ...Option) *Store {
	provider, logger := authstate.ResolveLogger("authstate.redisstore", nil, nil)
	s := &Store{
		client:        client,
		recordPrefix:  DefaultRecordPrefix,
		channelPrefix: DefaultChannelPrefix,
		retryDelay:    time.Second,
		logger:        logger,
		provider:      provider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) key(subjectID string) string {
	return s.recordPrefix + subjectID
}

func (s *Store) channel(subjectID string) string {
	return s.channelPrefix + subjectID
}

func (s *Store) Get(ctx context.Context, subjectID string) (*authstate.UserRecord, error) {
	_, record, err := s.read(ctx, subjectID)
	return record, err
}

func (s *Store) read(ctx context.Context, subjectID string) (uint64, *authstate.UserRecord, error) {
	b, err := s.client.Get(ctx, s.key(subjectID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil, authstate.ErrRecordNotFound
		}
		return 0, nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read user record").
			WithMetadata(map[string]any{"subject_id": subjectID})
	}
	return decodeEnvelope(b)
}

// Put stores record and publishes it to the watchers of its subject.
func (s *Store) Put(ctx context.Context, record *authstate.UserRecord) error {
	if record == nil || record.SubjectID == "" {
		return goerrors.New("user record requires a subject id", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	record = record.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	b, err := json.Marshal(record)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryInternal, "failed to encode user record")
	}

	key := s.key(record.SubjectID)
	write := func(tx *redis.Tx) error {
		rev, err := s.revision(ctx, tx, key)
		if err != nil {
			return err
		}
		payload, err := json.Marshal(envelope{Rev: rev + 1, Record: b})
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			pipe.Publish(ctx, s.channel(record.SubjectID), payload)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxPutAttempts; attempt++ {
		err = s.client.Watch(ctx, write, key)
		if !errors.Is(err, redis.TxFailedErr) {
			break
		}
		s.logger.Debug("redisstore put raced, retrying", "subject_id", record.SubjectID, "attempt", attempt+1)
	}
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to write user record").
			WithMetadata(map[string]any{"subject_id": record.SubjectID})
	}
	return nil
}

// revision returns the revision stored under key, zero when absent or
// unreadable.
func (s *Store) revision(ctx context.Context, tx *redis.Tx, key string) (uint64, error) {
	b, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		s.logger.Warn("redisstore overwriting unreadable record", "key", key, "error", err)
		return 0, nil
	}
	return env.Rev, nil
}

// Watch subscribes to the subject channel, then emits the stored snapshot
// followed by every published change newer than it. Receive failures are
// reported as WatchError events, the next successful receive re-reads the
// snapshot.
func (s *Store) Watch(ctx context.Context, subjectID string, handler func(authstate.WatchEvent)) (authstate.Subscription, error) {
	if handler == nil {
		return nil, goerrors.New("watch handler is nil", goerrors.CategoryBadInput)
	}

	pubsub := s.client.Subscribe(ctx, s.channel(subjectID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to subscribe to record changes").
			WithMetadata(map[string]any{"subject_id": subjectID})
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		pubsub:  pubsub,
		cancel:  cancel,
		handler: handler,
		done:    make(chan struct{}),
	}

	s.snapshot(ctx, subjectID, sub)
	go s.receive(loopCtx, subjectID, sub)

	s.logger.Debug("redisstore watch opened", "subject_id", subjectID)
	return sub, nil
}

func (s *Store) snapshot(ctx context.Context, subjectID string, sub *subscription) {
	rev, record, err := s.read(ctx, subjectID)
	switch {
	case errors.Is(err, authstate.ErrRecordNotFound):
		sub.deliver(authstate.NotFound())
	case err != nil:
		s.logger.Error("redisstore snapshot failed", "subject_id", subjectID, "error", err)
		sub.deliver(authstate.WatchFailed(err.Error()))
	default:
		sub.deliverSnapshot(rev, authstate.Found(record))
	}
}

func (s *Store) receive(ctx context.Context, subjectID string, sub *subscription) {
	defer close(sub.done)

	failing := false
	for {
		msg, err := sub.pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || sub.isClosed() {
				return
			}
			if !failing {
				failing = true
				s.logger.Warn("redisstore receive failed", "subject_id", subjectID, "error", err)
				sub.deliver(authstate.WatchFailed(err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}

		if failing {
			failing = false
			s.snapshot(ctx, subjectID, sub)
		}

		rev, record, err := decodeEnvelope([]byte(msg.Payload))
		if err != nil {
			s.logger.Error("redisstore bad change payload", "subject_id", subjectID, "error", err)
			continue
		}
		if record.SubjectID != subjectID {
			continue
		}
		if !sub.deliverChange(rev, authstate.Found(record)) {
			s.logger.Debug("redisstore dropped change older than snapshot", "subject_id", subjectID, "rev", rev)
		}
	}
}

// envelope is the stored and published form of a record. Rev grows by one
// on every Put of the subject.
type envelope struct {
	Rev    uint64          `json:"rev"`
	Record json.RawMessage `json:"record"`
}

func decodeEnvelope(b []byte) (uint64, *authstate.UserRecord, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return 0, nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to decode user record")
	}
	raw := []byte(env.Record)
	if len(raw) == 0 {
		// plain record written without a revision
		raw = b
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return 0, nil, err
	}
	return env.Rev, record, nil
}

func decodeRecord(b []byte) (*authstate.UserRecord, error) {
	var record authstate.UserRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryInternal, "failed to decode user record")
	}
	return &record, nil
}

type subscription struct {
	pubsub  *redis.PubSub
	cancel  context.CancelFunc
	handler func(authstate.WatchEvent)
	done    chan struct{}

	mu     sync.Mutex
	closed bool
	rev    uint64
}

func (s *subscription) deliver(ev authstate.WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(ev)
}

func (s *subscription) deliverSnapshot(rev uint64, ev authstate.WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if rev > s.rev {
		s.rev = rev
	}
	s.handler(ev)
}

// deliverChange reports false when the change is not newer than what the
// subscriber has already seen.
func (s *subscription) deliverChange(rev uint64, ev authstate.WatchEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	if rev != 0 && rev <= s.rev {
		return false
	}
	s.rev = max(s.rev, rev)
	s.handler(ev)
	return true
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close unsubscribes and waits for the receive loop. Idempotent.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	err := s.pubsub.Close()
	<-s.done
	return err
}
