package authstate_test

import (
	"context"
	"testing"
	"time"

	"github.com/goliatone/go-authstate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadinessGateWaitTimesOutBeforeFirstPublish(t *testing.T) {
	gate := authstate.NewReadinessGate()
	assert.False(t, gate.Fired())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	state, err := gate.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, state.IsPresent())

	select {
	case <-gate.Done():
		t.Fatal("gate should not be done")
	default:
	}
}

func TestReadinessGateObserversBeforeAndAfterFire(t *testing.T) {
	h := newHarness(t, &authstate.Session{SubjectID: "u1"})

	early := make(chan authstate.CurrentUserState, 1)
	h.coord.Ready().OnReady(func(state authstate.CurrentUserState) { early <- state })

	h.start(t)
	h.sync(t)
	h.store.Last("u1").Deliver(authstate.Found(record("u1")))
	h.sync(t)

	select {
	case state := <-early:
		assert.Equal(t, "u1", state.SubjectID())
	case <-time.After(time.Second):
		t.Fatal("observer not called")
	}

	var late authstate.CurrentUserState
	h.coord.Ready().OnReady(func(state authstate.CurrentUserState) { late = state })
	assert.Equal(t, "u1", late.SubjectID())

	h.notifier.Emit(nil)
	h.sync(t)

	state, fired := h.coord.Ready().State()
	require.True(t, fired)
	assert.Equal(t, "u1", state.SubjectID())
	assert.Len(t, early, 0)
}
