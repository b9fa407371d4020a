package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zoff-tech/go-offline/pkg/connectivity"
	"github.com/zoff-tech/go-offline/pkg/store"
)

const (
	DefaultStorageKey = "offline-actions"
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

// ActionFunc performs an action against the remote service. The queue only looks at the error.
type ActionFunc func(ctx context.Context, data json.RawMessage) (any, error)

// ReplayFunc re-sends a queued action.
type ReplayFunc func(ctx context.Context, action PendingAction) error

type scheduledRetry struct {
	timer Timer
	seq   uint64
}

// Queue executes actions while online, queues them while offline and retries
// queued actions with exponential backoff. The queue record is rewritten in
// full after every mutation.
type Queue struct {
	store      store.KVStore
	signal     connectivity.Signal
	logger     zerolog.Logger
	tracer     trace.Tracer
	scheduler  Scheduler
	now        func() time.Time
	key        string
	maxRetries int
	baseDelay  time.Duration

	mu        sync.Mutex
	actions   []*PendingAction
	timers    map[string]scheduledRetry
	timerSeq  uint64
	inflight  map[string]struct{}
	replay    ReplayFunc
	isOffline bool
	lastSync  time.Time
	closed    bool

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type Option func(*Queue)

func WithLogger(logger zerolog.Logger) Option {
	return func(q *Queue) { q.logger = logger }
}

func WithScheduler(s Scheduler) Option {
	return func(q *Queue) { q.scheduler = s }
}

func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithStorageKey sets the name of the persisted record.
func WithStorageKey(key string) Option {
	return func(q *Queue) { q.key = key }
}

// WithMaxRetries sets the ceiling used when Enqueue is called without one.
func WithMaxRetries(n int) Option {
	return func(q *Queue) { q.maxRetries = n }
}

// WithBaseDelay sets the delay before the first scheduled retry.
func WithBaseDelay(d time.Duration) Option {
	return func(q *Queue) { q.baseDelay = d }
}

// WithReplayFunc registers the function used for retries triggered by reconnects.
func WithReplayFunc(fn ReplayFunc) Option {
	return func(q *Queue) { q.replay = fn }
}

func New(st store.KVStore, sig connectivity.Signal, opts ...Option) *Queue {
	if sig == nil {
		sig = connectivity.NewManual(true)
	}
	q := &Queue{
		store:      st,
		signal:     sig,
		logger:     log.Logger,
		tracer:     otel.Tracer("go-offline"),
		scheduler:  realScheduler{},
		now:        time.Now,
		key:        DefaultStorageKey,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		timers:     make(map[string]scheduledRetry),
		inflight:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	if q.maxRetries <= 0 {
		q.maxRetries = DefaultMaxRetries
	}
	if q.baseDelay <= 0 {
		q.baseDelay = DefaultBaseDelay
	}
	q.isOffline = !sig.Online()
	q.ctx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Initialize restores the persisted queue. A missing or unreadable record
// leaves the queue empty; the problem is logged and never returned.
func (q *Queue) Initialize(ctx context.Context) {
	raw, found, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.logger.Warn().Err(err).Str("error_kind", "StorageLoadFailure").Str("key", q.key).Msg("failed to load pending actions")
		return
	}
	if !found {
		return
	}

	var stored []PendingAction
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		q.logger.Warn().Err(err).Str("error_kind", "StorageLoadFailure").Str("key", q.key).Msg("discarding corrupt pending actions record")
		return
	}

	loaded := make([]*PendingAction, 0, len(stored))
	for i := range stored {
		a := stored[i]
		if a.ID == "" || a.RetryCount >= a.MaxRetries {
			q.logger.Warn().Str("action_id", a.ID).Int("retry_count", a.RetryCount).Int("max_retries", a.MaxRetries).Msg("dropping invalid stored action")
			continue
		}
		loaded = append(loaded, &a)
	}

	q.mu.Lock()
	q.actions = append(loaded, q.actions...)
	n := len(q.actions)
	q.mu.Unlock()

	q.logger.Info().Int("pending", n).Msg("restored pending actions")
}

// Start subscribes to connectivity transitions.
func (q *Queue) Start() {
	unsubscribe := q.signal.Subscribe(q.onConnectivityChange)

	q.mu.Lock()
	q.isOffline = !q.signal.Online()
	q.unsubscribe = unsubscribe
	q.mu.Unlock()
}

// Close unsubscribes, cancels scheduled retries and waits for background
// retries to finish. Replays already running are not interrupted.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	for id, sr := range q.timers {
		sr.timer.Stop()
		delete(q.timers, id)
	}
	unsubscribe := q.unsubscribe
	q.unsubscribe = nil
	q.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	q.cancel()
	q.wg.Wait()
}

// SetReplayFunc registers the function used for reconnect-triggered retries.
func (q *Queue) SetReplayFunc(fn ReplayFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replay = fn
}

func (q *Queue) replayFunc() ReplayFunc {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.replay
}

// Enqueue appends a new action and persists the queue. maxRetries <= 0 uses
// the queue default. Storage failures are logged, not returned.
func (q *Queue) Enqueue(ctx context.Context, actionType string, data json.RawMessage, maxRetries int) (string, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	if !json.Valid(data) {
		return "", ErrInvalidPayload
	}
	if maxRetries <= 0 {
		maxRetries = q.maxRetries
	}

	now := q.now()
	action := &PendingAction{
		ID:         newActionID(actionType, now),
		Type:       actionType,
		Data:       append(json.RawMessage(nil), data...),
		Timestamp:  now,
		MaxRetries: maxRetries,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.actions = append(q.actions, action)
	q.persistLocked(ctx)

	q.logger.Debug().Str("action_id", action.ID).Str("action_type", actionType).Int("pending", len(q.actions)).Msg("action queued")
	return action.ID, nil
}

// Execute runs fn when online and queues the action otherwise. A failure is
// queued only if the signal reports offline after fn returned; any other
// failure is returned unchanged.
func (q *Queue) Execute(ctx context.Context, actionType string, fn ActionFunc, data json.RawMessage) (result any, err error) {
	ctx, span := q.tracer.Start(ctx, "Queue.Execute", trace.WithAttributes(
		attribute.String("action.type", actionType),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !q.signal.Online() {
		id, err := q.Enqueue(ctx, actionType, data, 0)
		if err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("action.id", id), attribute.Bool("action.queued", true))
		return nil, &QueuedError{ActionID: id, Reason: ErrActionQueued}
	}

	result, err = fn(ctx, data)
	if err == nil {
		q.mu.Lock()
		q.lastSync = q.now()
		q.mu.Unlock()
		return result, nil
	}

	// connectivity may have dropped while fn was running
	if !q.signal.Online() {
		id, qerr := q.Enqueue(ctx, actionType, data, 0)
		if qerr != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("action.id", id), attribute.Bool("action.queued", true))
		return nil, &QueuedError{ActionID: id, Reason: ErrActionQueuedAfterFailure, Cause: err}
	}
	return nil, err
}

// Remove deletes the action, cancels its scheduled retry and persists the queue.
func (q *Queue) Remove(ctx context.Context, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	idx := q.indexLocked(id)
	if idx < 0 {
		return false
	}
	q.removeAtLocked(idx)
	q.persistLocked(ctx)
	return true
}

// Clear drops every action and timer and deletes the persisted record.
func (q *Queue) Clear(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, sr := range q.timers {
		sr.timer.Stop()
		delete(q.timers, id)
	}
	q.actions = nil

	if err := q.store.Delete(context.WithoutCancel(ctx), q.key); err != nil {
		q.logger.Warn().Err(err).Str("error_kind", "StoragePersistFailure").Str("key", q.key).Msg("failed to delete pending actions record")
	}
}

// ListPending returns a copy of the queue in enqueue order.
func (q *Queue) ListPending() []PendingAction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]PendingAction, len(q.actions))
	for i, a := range q.actions {
		out[i] = a.clone()
	}
	return out
}

func (q *Queue) State() ConnectivityState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return ConnectivityState{
		IsOffline:         q.isOffline,
		LastSyncTime:      q.lastSync,
		PendingActions:    len(q.actions),
		HasUnsavedChanges: len(q.actions) > 0,
	}
}

func (q *Queue) onConnectivityChange(online bool) {
	q.mu.Lock()
	q.isOffline = !online
	if !online {
		q.mu.Unlock()
		q.logger.Info().Msg("connectivity lost, queueing actions")
		return
	}

	q.lastSync = q.now()
	pending := len(q.actions)
	started := q.replay != nil && q.startRetryAllLocked(q.replay)
	q.mu.Unlock()

	if started {
		q.logger.Info().Int("pending", pending).Msg("connectivity restored, retrying pending actions")
	}
}

// TriggerRetryAll starts RetryAll with the registered replay function without
// waiting for it. It does nothing when the queue is empty or closed.
func (q *Queue) TriggerRetryAll() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.replay == nil {
		return ErrNoReplayFunc
	}
	q.startRetryAllLocked(q.replay)
	return nil
}

func (q *Queue) startRetryAllLocked(replay ReplayFunc) bool {
	if q.closed || len(q.actions) == 0 {
		return false
	}
	q.wg.Add(1)
	ctx := q.ctx
	go func() {
		defer q.wg.Done()
		if err := q.RetryAll(ctx, replay); err != nil {
			q.logger.Warn().Err(err).Msg("background retry failed")
		}
	}()
	return true
}

func (q *Queue) indexLocked(id string) int {
	for i, a := range q.actions {
		if a.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) removeAtLocked(idx int) {
	id := q.actions[idx].ID
	if sr, ok := q.timers[id]; ok {
		sr.timer.Stop()
		delete(q.timers, id)
	}
	q.actions = append(q.actions[:idx], q.actions[idx+1:]...)
}

// persistLocked overwrites the stored record with the whole queue. It runs
// even if the caller's context is already canceled.
func (q *Queue) persistLocked(ctx context.Context) {
	raw, err := json.Marshal(q.actions)
	if err != nil {
		q.logger.Warn().Err(err).Str("error_kind", "StoragePersistFailure").Msg("failed to encode pending actions")
		return
	}
	if err := q.store.Set(context.WithoutCancel(ctx), q.key, string(raw)); err != nil {
		q.logger.Warn().Err(err).Str("error_kind", "StoragePersistFailure").Str("key", q.key).Msg("failed to persist pending actions")
	}
}
