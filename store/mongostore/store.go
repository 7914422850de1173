package mongostore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/goliatone/go-authstate"
	goerrors "github.com/goliatone/go-errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const DefaultCollection = "user_records"

// Store implements authstate.RecordStore on a MongoDB collection. Watches
// use change streams, so the server must run as a replica set.
type Store struct {
	col        *mongo.Collection
	retryDelay time.Duration
	logger     authstate.Logger
	provider   authstate.LoggerProvider
}

var _ authstate.RecordStore = (*Store)(nil)

type Option func(*Store)

// WithRetryDelay sets the pause before a failed change stream is reopened.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.retryDelay = d
		}
	}
}

func WithLogger(logger authstate.Logger) Option {
	return func(s *Store) {
		s.provider, s.logger = authstate.ResolveLogger("authstate.mongostore", nil, logger)
	}
}

func WithLoggerProvider(provider authstate.LoggerProvider) Option {
	return func(s *Store) {
		s.provider, s.logger = authstate.ResolveLogger("authstate.mongostore", provider, s.logger)
	}
}

// New returns a Store on col.
func New(col *mongo.Collection, opts ...Option) *Store {
	provider, logger := authstate.ResolveLogger("authstate.mongostore", nil, nil)
	s := &Store{
		col:        col,
		retryDelay: time.Second,
		logger:     logger,
		provider:   provider,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Connect opens a client for uri and pings it.
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "mongo connect failed")
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, goerrors.Wrap(err, goerrors.CategoryExternal, "mongo ping failed")
	}
	return client, nil
}

func (s *Store) Get(ctx context.Context, subjectID string) (*authstate.UserRecord, error) {
	var record authstate.UserRecord
	if err := s.col.FindOne(ctx, bson.M{"_id": subjectID}).Decode(&record); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, authstate.ErrRecordNotFound
		}
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read user record").
			WithMetadata(map[string]any{"subject_id": subjectID})
	}
	return &record, nil
}

// Put replaces the document of record.SubjectID, inserting it when missing.
func (s *Store) Put(ctx context.Context, record *authstate.UserRecord) error {
	if record == nil || record.SubjectID == "" {
		return goerrors.New("user record requires a subject id", goerrors.CategoryBadInput).
			WithCode(goerrors.CodeBadRequest)
	}

	record = record.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := s.col.ReplaceOne(ctx, bson.M{"_id": record.SubjectID}, record, opts); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to write user record").
			WithMetadata(map[string]any{"subject_id": record.SubjectID})
	}
	return nil
}

// Watch opens a change stream filtered on the subject document, then emits
// the stored snapshot followed by every change. A broken stream is reported
// as a WatchError and reopened from its resume token.
func (s *Store) Watch(ctx context.Context, subjectID string, handler func(authstate.WatchEvent)) (authstate.Subscription, error) {
	if handler == nil {
		return nil, goerrors.New("watch handler is nil", goerrors.CategoryBadInput)
	}

	stream, err := s.openStream(ctx, subjectID, nil)
	if err != nil {
		return nil, err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel:  cancel,
		handler: handler,
		done:    make(chan struct{}),
	}

	s.snapshot(ctx, subjectID, sub)
	go s.follow(loopCtx, subjectID, stream, sub)

	s.logger.Debug("mongostore watch opened", "subject_id", subjectID)
	return sub, nil
}

func (s *Store) openStream(ctx context.Context, subjectID string, resume bson.Raw) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.D{{Key: "documentKey._id", Value: subjectID}}}},
	}
	opts := options.ChangeStream().SetFullDocument(options.UpdateLookup)
	if resume != nil {
		opts.SetResumeAfter(resume)
	}

	stream, err := s.col.Watch(ctx, pipeline, opts)
	if err != nil {
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to open change stream").
			WithMetadata(map[string]any{"subject_id": subjectID})
	}
	return stream, nil
}

func (s *Store) snapshot(ctx context.Context, subjectID string, sub *subscription) {
	record, err := s.Get(ctx, subjectID)
	switch {
	case errors.Is(err, authstate.ErrRecordNotFound):
		sub.deliver(authstate.NotFound())
	case err != nil:
		s.logger.Error("mongostore snapshot failed", "subject_id", subjectID, "error", err)
		sub.deliver(authstate.WatchFailed(err.Error()))
	default:
		sub.deliver(authstate.Found(record))
	}
}

func (s *Store) follow(ctx context.Context, subjectID string, stream *mongo.ChangeStream, sub *subscription) {
	defer close(sub.done)

	for {
		for stream.Next(ctx) {
			var change ChangeEvent
			if err := stream.Decode(&change); err != nil {
				s.logger.Error("mongostore bad change event", "subject_id", subjectID, "error", err)
				continue
			}
			if ev, ok := change.WatchEvent(subjectID); ok {
				sub.deliver(ev)
			}
		}

		resume := stream.ResumeToken()
		streamErr := stream.Err()
		_ = stream.Close(context.Background())

		if ctx.Err() != nil || sub.isClosed() {
			return
		}
		if streamErr == nil {
			streamErr = errors.New("change stream ended")
		}
		s.logger.Warn("mongostore change stream failed", "subject_id", subjectID, "error", streamErr)
		sub.deliver(authstate.WatchFailed(streamErr.Error()))

		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}

			next, err := s.openStream(ctx, subjectID, resume)
			if err == nil {
				stream = next
				break
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("mongostore reopen failed", "subject_id", subjectID, "error", err)
		}

		s.snapshot(ctx, subjectID, sub)
	}
}

// ChangeEvent is the subset of a change stream document the store reads.
type ChangeEvent struct {
	OperationType string                `bson:"operationType"`
	FullDocument  *authstate.UserRecord `bson:"fullDocument"`
}

// WatchEvent translates the change for subjectID. Events that carry no
// usable document are skipped.
func (c ChangeEvent) WatchEvent(subjectID string) (authstate.WatchEvent, bool) {
	switch c.OperationType {
	case "delete":
		return authstate.NotFound(), true
	case "insert", "replace", "update":
		if c.FullDocument == nil {
			// update whose document was deleted before the lookup ran
			return authstate.NotFound(), true
		}
		if c.FullDocument.SubjectID != subjectID {
			return authstate.WatchEvent{}, false
		}
		return authstate.Found(c.FullDocument), true
	default:
		return authstate.WatchEvent{}, false
	}
}

type subscription struct {
	cancel  context.CancelFunc
	handler func(authstate.WatchEvent)
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *subscription) deliver(ev authstate.WatchEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.handler(ev)
}

func (s *subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close stops the change stream and waits for the follower. Idempotent.
func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	<-s.done
	return nil
}
