//go:build integration

package mongostore_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/goliatone/go-authstate/store/mongostore"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Needs a replica set, e.g. MONGO_URI=mongodb://localhost:27017/?replicaSet=rs0
func setupMongo(t *testing.T) *mongostore.Store {
	t.Helper()
	uri := os.Getenv("MONGO_URI")
	if uri == "" {
		t.Skip("MONGO_URI not set")
	}

	ctx := context.Background()
	client, err := mongostore.Connect(ctx, uri, 5*time.Second)
	require.NoError(t, err)

	db := client.Database("authstate_test_" + uuid.NewString()[:8])
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})

	return mongostore.New(db.Collection(mongostore.DefaultCollection), mongostore.WithRetryDelay(50*time.Millisecond))
}

func TestMongoStoreIntegration(t *testing.T) {
	store := setupMongo(t)
	ctx := context.Background()

	_, err := store.Get(ctx, "u1")
	assert.ErrorIs(t, err, authstate.ErrRecordNotFound)

	var mu sync.Mutex
	var events []authstate.WatchEvent
	sub, err := store.Watch(ctx, "u1", func(ev authstate.WatchEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, store.Put(ctx, &authstate.UserRecord{SubjectID: "u1", Email: "ada@example.com"}))
	require.NoError(t, store.Put(ctx, &authstate.UserRecord{SubjectID: "u1", Email: "ada@example.com", Banned: true}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	assert.Equal(t, authstate.WatchNotFound, events[0].Kind)
	assert.True(t, events[2].Record.Banned)
	mu.Unlock()

	got, err := store.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.Banned)
}
