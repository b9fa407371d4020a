package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/go-offline/pkg/connectivity"
	"github.com/zoff-tech/go-offline/pkg/queue"
	"github.com/zoff-tech/go-offline/pkg/store"
)

type testEnv struct {
	q      *queue.Queue
	signal *connectivity.Manual
	srv    http.Handler
}

func newTestEnv(t *testing.T, online bool, replay queue.ReplayFunc) *testEnv {
	t.Helper()
	signal := connectivity.NewManual(online)
	q := queue.New(store.NewMemoryStore(), signal,
		queue.WithBaseDelay(time.Hour), // scheduled retries never fire during a test
		queue.WithReplayFunc(replay),
	)
	q.Initialize(context.Background())
	t.Cleanup(q.Close)

	actions := func(actionType string) queue.ActionFunc {
		return func(ctx context.Context, data json.RawMessage) (any, error) {
			if actionType == "broken" {
				return nil, errors.New("upstream returned 500")
			}
			return map[string]string{"type": actionType, "status": "done"}, nil
		}
	}
	return &testEnv{q: q, signal: signal, srv: NewServer(q, actions)}
}

func (e *testEnv) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, true, nil)
	rec := env.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestExecuteAction(t *testing.T) {
	tests := []struct {
		name       string
		online     bool
		body       string
		wantStatus int
		wantQueued int
	}{
		{name: "online success", online: true, body: `{"type":"sync","data":{"x":1}}`, wantStatus: http.StatusOK},
		{name: "offline is queued", online: false, body: `{"type":"sync","data":{"x":1}}`, wantStatus: http.StatusAccepted, wantQueued: 1},
		{name: "online failure passes through", online: true, body: `{"type":"broken","data":{}}`, wantStatus: http.StatusBadGateway},
		{name: "missing type", online: true, body: `{"data":{}}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", online: true, body: `{`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.online, nil)
			rec := env.do(t, http.MethodPost, "/api/actions", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Len(t, env.q.ListPending(), tt.wantQueued)
		})
	}
}

func TestExecuteAction_Responses(t *testing.T) {
	env := newTestEnv(t, true, nil)

	rec := env.do(t, http.MethodPost, "/api/actions", `{"type":"sync","data":{"x":1}}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"type":"sync","status":"done"}`, rec.Body.String())

	env.signal.SetOnline(false)
	rec = env.do(t, http.MethodPost, "/api/actions", `{"type":"sync","data":{"x":1}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp queuedResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Queued)
	assert.Equal(t, queue.ErrActionQueued.Error(), resp.Reason)
	pending := env.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, pending[0].ID, resp.ID)
	assert.JSONEq(t, `{"x":1}`, string(pending[0].Data))
}

func TestEnqueueAction(t *testing.T) {
	env := newTestEnv(t, true, nil)

	rec := env.do(t, http.MethodPost, "/api/actions/queue", `{"type":"sync","data":[1,2],"maxRetries":5}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp queuedResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	pending := env.q.ListPending()
	require.Len(t, pending, 1)
	assert.Equal(t, resp.ID, pending[0].ID)
	assert.Equal(t, 5, pending[0].MaxRetries)
	assert.True(t, strings.HasPrefix(resp.ID, "sync_"))
}

func TestListActionsAndState(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	_, err := env.q.Enqueue(ctx, "a", json.RawMessage(`1`), 0)
	require.NoError(t, err)
	_, err = env.q.Enqueue(ctx, "b", json.RawMessage(`2`), 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/api/actions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []queue.PendingAction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 2)
	assert.Equal(t, "a", listed[0].Type)
	assert.Equal(t, "b", listed[1].Type)

	rec = env.do(t, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state queue.ConnectivityState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	assert.True(t, state.IsOffline)
	assert.Equal(t, 2, state.PendingActions)
	assert.True(t, state.HasUnsavedChanges)
}

func TestRetryAll(t *testing.T) {
	t.Run("without replay function", func(t *testing.T) {
		env := newTestEnv(t, true, nil)
		rec := env.do(t, http.MethodPost, "/api/actions/retry", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
	})

	t.Run("drains the queue in the background", func(t *testing.T) {
		env := newTestEnv(t, true, func(context.Context, queue.PendingAction) error { return nil })
		_, err := env.q.Enqueue(context.Background(), "sync", nil, 0)
		require.NoError(t, err)

		rec := env.do(t, http.MethodPost, "/api/actions/retry", "")
		assert.Equal(t, http.StatusAccepted, rec.Code)
		require.Eventually(t, func() bool {
			return len(env.q.ListPending()) == 0
		}, time.Second, 5*time.Millisecond)
	})
}

func TestRetryAction(t *testing.T) {
	fail := true
	env := newTestEnv(t, true, func(context.Context, queue.PendingAction) error {
		if fail {
			return errors.New("upstream returned 503")
		}
		return nil
	})
	id, err := env.q.Enqueue(context.Background(), "sync", nil, 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/api/actions/"+id+"/retry", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	require.Len(t, env.q.ListPending(), 1)
	assert.Equal(t, 1, env.q.ListPending()[0].RetryCount)

	fail = false
	rec = env.do(t, http.MethodPost, "/api/actions/"+id+"/retry", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.q.ListPending())

	rec = env.do(t, http.MethodPost, "/api/actions/"+id+"/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveAndClear(t *testing.T) {
	env := newTestEnv(t, false, nil)
	ctx := context.Background()
	id, err := env.q.Enqueue(ctx, "a", nil, 0)
	require.NoError(t, err)
	_, err = env.q.Enqueue(ctx, "b", nil, 0)
	require.NoError(t, err)

	rec := env.do(t, http.MethodDelete, "/api/actions/"+id, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.q.ListPending(), 1)

	rec = env.do(t, http.MethodDelete, "/api/actions/"+id, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/actions", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, env.q.ListPending())
}
