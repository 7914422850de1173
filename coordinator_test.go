package authstate_test

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	notifier *fakeNotifier
	store    *fakeStore
	watcher  *authstate.RecordWatcher
	coord    *authstate.Coordinator
	rec      *stateRecorder
}

func newHarness(t *testing.T, initial *authstate.Session, opts ...authstate.CoordinatorOption) *harness {
	t.Helper()

	h := &harness{
		notifier: newFakeNotifier(),
		store:    newFakeStore(),
		rec:      &stateRecorder{},
	}
	h.notifier.current = initial
	h.watcher = authstate.NewRecordWatcher(h.store)
	h.coord = authstate.NewCoordinator(authstate.NewSessionStream(h.notifier), h.watcher, opts...)

	unsubscribe := h.coord.Subscribe(h.rec.Record)
	t.Cleanup(unsubscribe)
	t.Cleanup(h.coord.Stop)
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.coord.Start())
}

func (h *harness) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Sync(ctx))
}

// published drops the value handed out on subscription.
func (h *harness) published() []string {
	all := h.rec.Strings()
	if len(all) == 0 {
		return all
	}
	return all[1:]
}

func record(id string) *authstate.UserRecord {
	return &authstate.UserRecord{SubjectID: id, Email: id + "@example.com", DisplayName: id}
}

func TestCoordinatorNullSessionPublishesNoneAndFiresReadiness(t *testing.T) {
	h := newHarness(t, nil)
	h.start(t)
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())

	state, fired := h.coord.Ready().State()
	require.True(t, fired)
	assert.False(t, state.IsPresent())
	assert.Equal(t, authstate.PhaseIdle, h.coord.Phase())
	assert.Equal(t, 0, h.store.Open())
}

func TestCoordinatorSessionThenFoundPublishesRecord(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	assert.Empty(t, h.published())
	assert.False(t, h.coord.Ready().Fired())
	assert.Equal(t, authstate.PhaseWatching, h.coord.Phase())

	sub := h.store.Last("u1")
	require.NotNil(t, sub)
	sub.Deliver(authstate.Found(record("u1")))
	h.sync(t)

	assert.Equal(t, []string{"Present(u1)"}, h.published())
	assert.Equal(t, "u1", h.coord.Current().SubjectID())
	assert.Equal(t, authstate.PhaseSettled, h.coord.Phase())

	state, err := h.coord.Ready().Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "u1", state.Record().SubjectID)
}

func TestCoordinatorDiscardsStaleWatchAfterRapidSessionSwitch(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var discards atomic.Int32

	hooks := authstate.CoordinatorHooks{
		OnWatchOpen: func(subjectID string) {
			if subjectID == "u1" {
				close(entered)
				<-release
			}
		},
		OnDiscard: func(reason string, _ authstate.WatchEvent) {
			if reason == authstate.DiscardSuperseded {
				discards.Add(1)
			}
		},
	}

	h := newHarness(t, &authstate.Session{SubjectID: "u1"}, authstate.WithCoordinatorHooks(hooks))
	h.start(t)

	<-entered
	// the loop is parked right after opening u1, queue u2 and a late u1 result
	h.notifier.Emit(&authstate.Session{SubjectID: "u2"})
	staleSub := h.store.Last("u1")
	require.NotNil(t, staleSub)
	staleSub.Deliver(authstate.Found(record("u1")))
	close(release)

	h.sync(t)
	assert.Empty(t, h.published())
	assert.Equal(t, int32(1), discards.Load())
	assert.True(t, staleSub.Closed())

	// delivery racing with close never reaches the coordinator
	staleSub.Deliver(authstate.Found(record("u1")))
	h.sync(t)
	assert.Empty(t, h.published())

	h.store.Last("u2").Deliver(authstate.Found(record("u2")))
	h.sync(t)

	assert.Equal(t, []string{"Present(u2)"}, h.published())
	assert.Equal(t, 1, h.store.MaxOpen())

	state, fired := h.coord.Ready().State()
	require.True(t, fired)
	assert.Equal(t, "u2", state.SubjectID())
}

func TestCoordinatorWatchErrorPublishesNoneAndKeepsWatch(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	sub := h.store.Last("u1")
	sub.Deliver(authstate.WatchFailed("network lost"))
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())
	assert.Equal(t, "network lost", h.coord.LastWatchError())
	assert.False(t, sub.Closed())
	require.NotNil(t, h.watcher.Open())
	assert.Equal(t, "u1", h.watcher.Open().SubjectID())

	sub.Deliver(authstate.Found(record("u1")))
	h.sync(t)

	assert.Equal(t, []string{"None", "Present(u1)"}, h.published())
	assert.Empty(t, h.coord.LastWatchError())
}

func TestCoordinatorNotFoundPublishesNone(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	h.store.Last("u1").Deliver(authstate.NotFound())
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())
	assert.Equal(t, authstate.PhaseSettled, h.coord.Phase())
	assert.True(t, h.coord.Ready().Fired())
}

func TestCoordinatorSignOutClosesWatch(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	sub := h.store.Last("u1")
	sub.Deliver(authstate.Found(record("u1")))
	h.sync(t)

	h.notifier.Emit(nil)
	h.sync(t)

	assert.Equal(t, []string{"Present(u1)", "None"}, h.published())
	assert.True(t, sub.Closed())
	assert.Equal(t, 0, h.store.Open())
	assert.Nil(t, h.watcher.Open())
	assert.Equal(t, authstate.PhaseIdle, h.coord.Phase())
}

func TestCoordinatorDiscardsRecordForAnotherSubject(t *testing.T) {
	var mismatches atomic.Int32
	hooks := authstate.CoordinatorHooks{
		OnDiscard: func(reason string, _ authstate.WatchEvent) {
			if reason == authstate.DiscardSubjectMismatch {
				mismatches.Add(1)
			}
		},
	}

	h := newHarness(t, &authstate.Session{SubjectID: "u1"}, authstate.WithCoordinatorHooks(hooks))
	h.start(t)
	h.sync(t)

	h.store.Last("u1").Deliver(authstate.Found(record("u2")))
	h.sync(t)

	assert.Empty(t, h.published())
	assert.Equal(t, int32(1), mismatches.Load())
	assert.False(t, h.coord.Ready().Fired())
}

func TestCoordinatorSameSubjectKeepsLiveWatch(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	h.store.Last("u1").Deliver(authstate.Found(record("u1")))
	h.notifier.Emit(&authstate.Session{SubjectID: "u1", DisplayName: "renamed"})
	h.sync(t)

	assert.Len(t, h.store.Subs("u1"), 1)
	assert.False(t, h.store.Last("u1").Closed())
	assert.Equal(t, []string{"Present(u1)"}, h.published())
}

func TestCoordinatorWatchOpenFailurePublishesNone(t *testing.T) {
	var watchErrors atomic.Int32
	hooks := authstate.CoordinatorHooks{
		OnWatchError: func(string, string) { watchErrors.Add(1) },
	}

	h := newHarness(t, &authstate.Session{SubjectID: "u1"}, authstate.WithCoordinatorHooks(hooks))
	h.store.watchErr = errNetworkLost
	h.start(t)
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())
	assert.NotEmpty(t, h.coord.LastWatchError())
	assert.Equal(t, int32(1), watchErrors.Load())
	assert.Equal(t, authstate.PhaseSettled, h.coord.Phase())
	assert.Nil(t, h.watcher.Open())

	// the next session event for the subject retries the watch
	h.store.mu.Lock()
	h.store.watchErr = nil
	h.store.autoDeliver = true
	h.store.mu.Unlock()
	h.store.Seed(record("u1"))

	h.notifier.Emit(&authstate.Session{SubjectID: "u1"})
	h.sync(t)

	assert.Equal(t, []string{"None", "Present(u1)"}, h.published())
}

func TestCoordinatorReadinessFiresExactlyOnce(t *testing.T) {
	h := newHarness(t, nil)

	var calls atomic.Int32
	var first authstate.CurrentUserState
	var mu sync.Mutex
	h.coord.Ready().OnReady(func(state authstate.CurrentUserState) {
		mu.Lock()
		first = state
		mu.Unlock()
		calls.Add(1)
	})

	h.store.autoDeliver = true
	h.store.Seed(record("u1"))
	h.start(t)

	h.notifier.Emit(&authstate.Session{SubjectID: "u1"})
	h.notifier.Emit(nil)
	h.notifier.Emit(&authstate.Session{SubjectID: "u1"})
	h.sync(t)

	assert.Equal(t, int32(1), calls.Load())
	mu.Lock()
	assert.False(t, first.IsPresent())
	mu.Unlock()

	var late atomic.Int32
	h.coord.Ready().OnReady(func(authstate.CurrentUserState) { late.Add(1) })
	assert.Equal(t, int32(1), late.Load())
	assert.Equal(t, int32(1), calls.Load())
}

func TestCoordinatorStartFailsWhenNotifierFails(t *testing.T) {
	h := newHarness(t, nil)
	h.notifier.initErr = errNetworkLost

	err := h.coord.Start()
	require.Error(t, err)
	assert.Equal(t, authstate.KindTransportFailure, authstate.KindOf(err))

	assert.ErrorIs(t, h.coord.Start(), authstate.ErrCoordinatorStopped)
	assert.False(t, h.coord.Ready().Fired())
}

func TestCoordinatorStopReleasesResources(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	require.Equal(t, 1, h.notifier.ListenerCount())
	require.Equal(t, 1, h.store.Open())

	h.coord.Stop()
	h.coord.Stop()

	assert.Equal(t, 0, h.notifier.ListenerCount())
	assert.Equal(t, 0, h.store.Open())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.ErrorIs(t, h.coord.Sync(ctx), authstate.ErrCoordinatorStopped)
}

func TestCoordinatorSubscribeReceivesCurrentValue(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)
	h.store.Last("u1").Deliver(authstate.Found(record("u1")))
	h.sync(t)

	late := &stateRecorder{}
	unsubscribe := h.coord.Subscribe(late.Record)
	assert.Equal(t, []string{"Present(u1)"}, late.Strings())

	unsubscribe()
	h.notifier.Emit(nil)
	h.sync(t)

	assert.Equal(t, []string{"Present(u1)"}, late.Strings())
	assert.Equal(t, []string{"Present(u1)", "None"}, h.published())
}

func TestCoordinatorRandomSessionSequencesKeepOneWatch(t *testing.T) {
	subjects := []string{"", "u1", "u2", "u3"}
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		h := newHarness(t, nil)
		h.store.autoDeliver = true
		h.store.Seed(record("u1"))
		h.store.Seed(record("u2"))
		h.start(t)

		last := ""
		for i := 0; i < 15; i++ {
			id := subjects[rng.Intn(len(subjects))]
			last = id
			if id == "" {
				h.notifier.Emit(nil)
				continue
			}
			h.notifier.Emit(&authstate.Session{SubjectID: id})
		}
		h.sync(t)

		assert.LessOrEqual(t, h.store.MaxOpen(), 1)

		current := h.coord.Current()
		switch last {
		case "", "u3":
			assert.False(t, current.IsPresent(), "round %d", round)
		default:
			assert.Equal(t, last, current.SubjectID(), "round %d", round)
		}

		h.coord.Stop()
		assert.Equal(t, 0, h.store.Open())
	}
}

func TestCoordinatorHoldDefersPresentUntilRelease(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	release := h.coord.Hold()
	h.store.Last("u1").Deliver(authstate.Found(record("u1")))
	h.sync(t)

	assert.Empty(t, h.published())
	assert.False(t, h.coord.Ready().Fired())
	assert.Equal(t, authstate.PhaseWatching, h.coord.Phase())

	release()
	release()
	h.sync(t)

	assert.Equal(t, []string{"Present(u1)"}, h.published())
	assert.Equal(t, authstate.PhaseSettled, h.coord.Phase())
}

func TestCoordinatorHoldDropsRecordOfSupersededSession(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	release := h.coord.Hold()
	h.store.Last("u1").Deliver(authstate.Found(record("u1")))
	h.sync(t)

	h.notifier.Emit(nil)
	h.sync(t)
	release()
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())
	assert.Equal(t, authstate.PhaseIdle, h.coord.Phase())
}

func TestCoordinatorHoldLetsNotFoundThrough(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})
	h.start(t)
	h.sync(t)

	release := h.coord.Hold()
	defer release()
	h.store.Last("u1").Deliver(authstate.NotFound())
	h.sync(t)

	assert.Equal(t, []string{"None"}, h.published())
	assert.True(t, h.coord.Ready().Fired())
}
