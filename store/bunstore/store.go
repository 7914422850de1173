package bunstore

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"github.com/uptrace/bun"
)

// Store implements authstate.RecordStore on bun. Live watches are fed by
// writes going through the same Store instance.
type Store struct {
	db       bun.IDB
	broker   *broker
	locks    *subjectLocks
	logger   authstate.Logger
	provider authstate.LoggerProvider
}

var _ authstate.RecordStore = (*Store)(nil)

// New returns a Store backed by db.
func New(db bun.IDB) *Store {
	provider, logger := authstate.ResolveLogger("authstate.bunstore", nil, nil)
	return &Store{
		db:       db,
		broker:   newBroker(),
		locks:    newSubjectLocks(),
		logger:   logger,
		provider: provider,
	}
}

func (s *Store) WithLogger(logger authstate.Logger) *Store {
	s.provider, s.logger = authstate.ResolveLogger("authstate.bunstore", nil, logger)
	return s
}

func (s *Store) WithLoggerProvider(provider authstate.LoggerProvider) *Store {
	s.provider, s.logger = authstate.ResolveLogger("authstate.bunstore", provider, s.logger)
	return s
}

// Get returns authstate.ErrRecordNotFound when no row matches subjectID.
func (s *Store) Get(ctx context.Context, subjectID string) (*authstate.UserRecord, error) {
	record := &authstate.UserRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.subject_id = ?", subjectID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, authstate.ErrRecordNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read user record").
			WithMetadata(map[string]any{"subject_id": subjectID})
	}
	return record, nil
}

// Put upserts record and notifies the watchers of its subject. Writes to
// one subject are serialized so watchers see them in write order.
func (s *Store) Put(ctx context.Context, record *authstate.UserRecord) error {
	if record == nil || record.SubjectID == "" {
		return goerrors.New("user record requires a subject id", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	record = record.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	unlock := s.locks.lock(record.SubjectID)
	defer unlock()

	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (subject_id) DO UPDATE").
		Set("email = EXCLUDED.email").
		Set("display_name = EXCLUDED.display_name").
		Set("avatar_url = EXCLUDED.avatar_url").
		Set("banned = EXCLUDED.banned").
		Set("credential_digest = EXCLUDED.credential_digest").
		Exec(ctx)
	if err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to write user record").
			WithMetadata(map[string]any{"subject_id": record.SubjectID})
	}

	// re-read so created_at reflects the stored value
	stored, err := s.Get(ctx, record.SubjectID)
	if err != nil {
		s.logger.Warn("bunstore reload after put failed", "subject_id", record.SubjectID, "error", err)
		stored = record.Clone()
	}

	s.broker.publish(record.SubjectID, authstate.Found(stored))
	return nil
}

// Watch emits the current record (or NotFound) and every later write made
// through this Store. Read failures are reported as WatchError events.
func (s *Store) Watch(ctx context.Context, subjectID string, handler func(authstate.WatchEvent)) (authstate.Subscription, error) {
	if handler == nil {
		return nil, goerrors.New("watch handler is nil", goerrors.CategoryBadInput)
	}

	sub := s.broker.subscribe(subjectID, handler)

	// no Put can land between the snapshot read and its delivery
	unlock := s.locks.lock(subjectID)
	sub.mu.Lock()
	record, err := s.Get(ctx, subjectID)
	switch {
	case errors.Is(err, authstate.ErrRecordNotFound):
		sub.deliverLocked(authstate.NotFound())
	case err != nil:
		s.logger.Error("bunstore watch snapshot failed", "subject_id", subjectID, "error", err)
		sub.deliverLocked(authstate.WatchFailed(err.Error()))
	default:
		sub.deliverLocked(authstate.Found(record))
	}
	sub.mu.Unlock()
	unlock()

	stop := context.AfterFunc(ctx, func() { _ = sub.Close() })
	sub.onClose(func() { stop() })

	s.logger.Debug("bunstore watch opened", "subject_id", subjectID)
	return sub, nil
}

// Watchers returns the number of open watches for subjectID.
func (s *Store) Watchers(subjectID string) int {
	return s.broker.count(subjectID)
}

type broker struct {
	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}
}

func newBroker() *broker {
	return &broker{subs: map[string]map[*subscription]struct{}{}}
}

func (b *broker) subscribe(subjectID string, handler func(authstate.WatchEvent)) *subscription {
	sub := &subscription{broker: b, subjectID: subjectID, handler: handler}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[subjectID] == nil {
		b.subs[subjectID] = map[*subscription]struct{}{}
	}
	b.subs[subjectID][sub] = struct{}{}
	return sub
}

func (b *broker) unsubscribe(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.subjectID]
	delete(subs, sub)
	if len(subs) == 0 {
		delete(b.subs, sub.subjectID)
	}
}

func (b *broker) publish(subjectID string, ev authstate.WatchEvent) {
	b.mu.Lock()
	targets := make([]*subscription, 0, len(b.subs[subjectID]))
	for sub := range b.subs[subjectID] {
		targets = append(targets, sub)
	}
	b.mu.Unlock()

	for _, sub := range targets {
		sub.deliver(ev)
	}
}

func (b *broker) count(subjectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[subjectID])
}

type subscription struct {
	broker    *broker
	subjectID string
	handler   func(authstate.WatchEvent)

	mu      sync.Mutex
	closed  bool
	cleanup []func()
}

func (s *subscription) deliver(ev authstate.WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliverLocked(ev)
}

func (s *subscription) deliverLocked(ev authstate.WatchEvent) {
	if s.closed {
		return
	}
	s.handler(ev)
}

func (s *subscription) onClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go fn()
		return
	}
	s.cleanup = append(s.cleanup, fn)
}

// Close is idempotent.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanup := s.cleanup
	s.cleanup = nil
	s.mu.Unlock()

	s.broker.unsubscribe(s)
	for _, fn := range cleanup {
		fn()
	}
	return nil
}

type subjectLocks struct {
	mu    sync.Mutex
	locks map[string]*subjectLock
}

type subjectLock struct {
	sync.Mutex
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: map[string]*subjectLock{}}
}

func (l *subjectLocks) lock(subjectID string) (unlock func()) {
	l.mu.Lock()
	entry, ok := l.locks[subjectID]
	if !ok {
		entry = &subjectLock{}
		l.locks[subjectID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.Lock()
	return func() {
		entry.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, subjectID)
		}
		l.mu.Unlock()
	}
}
