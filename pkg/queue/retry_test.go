package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetry_SuccessRemovesAction(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", json.RawMessage(`{"x":1}`), 0)
	require.NoError(t, err)

	var got PendingAction
	err = h.q.Retry(ctx, id, func(ctx context.Context, a PendingAction) error {
		got = a
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, id, got.ID)
	assert.JSONEq(t, `{"x":1}`, string(got.Data))
	assert.Empty(t, h.q.ListPending())
	assert.Empty(t, h.sched.pending())
	stored, found := h.stored(t)
	assert.True(t, found)
	assert.Empty(t, stored)
}

func TestRetry_ExhaustionAfterMaxRetries(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", json.RawMessage(`{}`), 3)
	require.NoError(t, err)

	attempts := 0
	replay := func(context.Context, PendingAction) error {
		attempts++
		return errors.New("503")
	}

	err = h.q.Retry(ctx, id, replay)
	assert.EqualError(t, err, "503")
	pending := h.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
	stored, _ := h.stored(t)
	assert.Equal(t, 1, stored[0].RetryCount)

	require.True(t, h.sched.fireNext())
	require.Len(t, h.q.ListPending(), 1)
	assert.Equal(t, 2, h.q.ListPending()[0].RetryCount)

	require.True(t, h.sched.fireNext())

	assert.Equal(t, 3, attempts)
	assert.Empty(t, h.q.ListPending())
	assert.Empty(t, h.sched.pending())
	assert.False(t, h.sched.fireNext())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sched.scheduled())

	stored, found := h.stored(t)
	assert.True(t, found)
	assert.Empty(t, stored)
}

func TestRetry_BackoffTimeline(t *testing.T) {
	h := newHarness(t, true, WithBaseDelay(250*time.Millisecond))
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 6)
	require.NoError(t, err)

	replay := func(context.Context, PendingAction) error { return errors.New("down") }
	_ = h.q.Retry(ctx, id, replay)
	for h.sched.fireNext() {
	}

	assert.Equal(t, []time.Duration{
		250 * time.Millisecond,
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
	}, h.sched.scheduled())
	assert.Empty(t, h.q.ListPending())
}

func TestRetry_ScheduledRetryEventuallySucceeds(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)

	fail := true
	replay := func(context.Context, PendingAction) error {
		if fail {
			fail = false
			return errors.New("timeout")
		}
		return nil
	}

	_ = h.q.Retry(ctx, id, replay)
	require.Len(t, h.q.ListPending(), 1)

	h.clock.Advance(time.Minute)
	require.True(t, h.sched.fireNext())
	assert.Empty(t, h.q.ListPending())
	assert.True(t, h.q.State().LastSyncTime.Equal(testNow.Add(time.Minute)))
}

func TestRetry_UnknownAndMissingReplay(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	err := h.q.Retry(ctx, "nope", func(context.Context, PendingAction) error { return nil })
	assert.ErrorIs(t, err, ErrActionNotFound)

	id, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)
	assert.ErrorIs(t, h.q.Retry(ctx, id, nil), ErrNoReplayFunc)
	assert.ErrorIs(t, h.q.RetryAll(ctx, nil), ErrNoReplayFunc)

	h.q.SetReplayFunc(func(context.Context, PendingAction) error { return nil })
	assert.NoError(t, h.q.Retry(ctx, id, nil))
	assert.Empty(t, h.q.ListPending())
}

func TestRetry_OneAttemptInFlightPerAction(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 5)
	require.NoError(t, err)

	started := make(chan struct{})
	release := make(chan struct{})
	replay := func(context.Context, PendingAction) error {
		close(started)
		<-release
		return errors.New("down")
	}

	done := make(chan error, 1)
	go func() { done <- h.q.Retry(ctx, id, replay) }()
	<-started

	err = h.q.Retry(ctx, id, func(context.Context, PendingAction) error {
		t.Error("second replay must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrRetryInFlight)

	close(release)
	assert.EqualError(t, <-done, "down")

	pending := h.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].RetryCount)
}

func TestRetry_StaleResultAfterRemoveIsNoop(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)
	otherID, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)

	replay := func(ctx context.Context, a PendingAction) error {
		h.q.Remove(ctx, a.ID)
		return errors.New("down")
	}
	assert.Error(t, h.q.Retry(ctx, id, replay))

	pending := h.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, otherID, pending[0].ID)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Empty(t, h.sched.pending())
}

func TestRemove_CancelsScheduledRetry(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)

	calls := 0
	replay := func(context.Context, PendingAction) error {
		calls++
		return errors.New("down")
	}
	_ = h.q.Retry(ctx, id, replay)
	require.Len(t, h.sched.pending(), 1)

	assert.True(t, h.q.Remove(ctx, id))
	assert.Empty(t, h.sched.pending())
	assert.False(t, h.sched.fireNext())
	assert.Equal(t, 1, calls)
}

func TestRetry_ManualRetrySupersedesScheduledOne(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 5)
	require.NoError(t, err)

	replay := func(context.Context, PendingAction) error { return errors.New("down") }
	_ = h.q.Retry(ctx, id, replay)
	_ = h.q.Retry(ctx, id, replay)

	assert.Equal(t, []time.Duration{2 * time.Second}, h.sched.pending())
	assert.Equal(t, 2, h.q.ListPending()[0].RetryCount)
}

func TestRetryAll_IndependentActions(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	var ids []string
	for _, typ := range []string{"ok", "fail", "ok", "fail"} {
		id, err := h.q.Enqueue(ctx, typ, nil, 0)
		require.NoError(t, err)
		ids = append(ids, id)
	}

	var mu sync.Mutex
	calls := make(map[string]int)
	replay := func(ctx context.Context, a PendingAction) error {
		mu.Lock()
		calls[a.ID]++
		mu.Unlock()
		if a.Type == "fail" {
			return errors.New("down")
		}
		return nil
	}

	require.NoError(t, h.q.RetryAll(ctx, replay))

	for _, id := range ids {
		assert.Equal(t, 1, calls[id], id)
	}
	pending := h.q.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, ids[1], pending[0].ID)
	assert.Equal(t, ids[3], pending[1].ID)
	for _, a := range pending {
		assert.Equal(t, 1, a.RetryCount)
	}
	assert.Equal(t, []time.Duration{time.Second, time.Second}, h.sched.pending())
}

func TestRetry_FailureAfterCloseDoesNotCount(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()

	id, err := h.q.Enqueue(ctx, "sync", nil, 0)
	require.NoError(t, err)

	replay := func(context.Context, PendingAction) error {
		h.q.Close()
		return context.Canceled
	}
	assert.ErrorIs(t, h.q.Retry(ctx, id, replay), context.Canceled)

	pending := h.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, 0, pending[0].RetryCount)
	assert.Empty(t, h.sched.pending())
}
