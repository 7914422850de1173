package redisstore

import (
	"context"
	"errors"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

const DefaultSessionPrefix = "authstate:session:"

// SessionStore keeps the signed-in session token of one device under a
// TTL, so a restarted process can restore it.
type SessionStore struct {
	client *redis.Client
	prefix string
	device string
	ttl    time.Duration
}

// NewSessionStore returns a SessionStore for device. A zero ttl keeps the
// token until it is cleared.
func NewSessionStore(client *redis.Client, device string, ttl time.Duration) *SessionStore {
	return &SessionStore{
		client: client,
		prefix: DefaultSessionPrefix,
		device: device,
		ttl:    ttl,
	}
}

func (s *SessionStore) key() string {
	return s.prefix + s.device
}

func (s *SessionStore) Save(ctx context.Context, token string) error {
	if err := s.client.Set(ctx, s.key(), token, s.ttl).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to save session token")
	}
	return nil
}

// Load returns an empty token when nothing is stored.
func (s *SessionStore) Load(ctx context.Context) (string, error) {
	token, err := s.client.Get(ctx, s.key()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", goerrors.Wrap(err, goerrors.CategoryOperation, "failed to load session token")
	}
	return token, nil
}

func (s *SessionStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key()).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to clear session token")
	}
	return nil
}
