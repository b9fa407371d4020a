package queue

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// Retry replays the action with the given id. On success the action is
// removed. On failure its retry count grows; once it reaches MaxRetries the
// action is dropped, otherwise another attempt is scheduled after
// BackoffDelay. Only one replay per id runs at a time.
//
// The replay error is returned for information only; the queue has already
// been updated when Retry returns. A nil replay uses the registered one.
func (q *Queue) Retry(ctx context.Context, id string, replay ReplayFunc) (err error) {
	if replay == nil {
		replay = q.replayFunc()
		if replay == nil {
			return ErrNoReplayFunc
		}
	}

	q.mu.Lock()
	idx := q.indexLocked(id)
	if idx < 0 {
		q.mu.Unlock()
		return ErrActionNotFound
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return ErrRetryInFlight
	}
	q.inflight[id] = struct{}{}
	// this attempt replaces any scheduled one
	if sr, ok := q.timers[id]; ok {
		sr.timer.Stop()
		delete(q.timers, id)
	}
	action := q.actions[idx].clone()
	q.mu.Unlock()

	ctx, span := q.tracer.Start(ctx, "Queue.Retry", trace.WithAttributes(
		attribute.String("action.id", action.ID),
		attribute.String("action.type", action.Type),
		attribute.Int("action.retry_count", action.RetryCount),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	replayErr := replay(ctx, action)

	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, id)

	idx = q.indexLocked(id)
	if idx < 0 {
		// removed while the replay was running
		return replayErr
	}

	if replayErr == nil {
		q.removeAtLocked(idx)
		q.lastSync = q.now()
		q.persistLocked(ctx)
		q.logger.Debug().Str("action_id", id).Int("pending", len(q.actions)).Msg("pending action replayed")
		return nil
	}

	if q.closed {
		// failures caused by shutdown don't count against the action
		return replayErr
	}

	a := q.actions[idx]
	a.RetryCount++
	if a.RetryCount >= a.MaxRetries {
		q.removeAtLocked(idx)
		q.persistLocked(ctx)
		q.logger.Warn().Err(replayErr).
			Str("error_kind", "RetryExhausted").
			Str("action_id", a.ID).
			Str("action_type", a.Type).
			Int("retry_count", a.RetryCount).
			Msg("dropping action after max retries")
		return replayErr
	}
	q.persistLocked(ctx)

	delay := BackoffDelay(q.baseDelay, a.RetryCount)
	q.timerSeq++
	seq := q.timerSeq
	q.timers[id] = scheduledRetry{
		seq:   seq,
		timer: q.scheduler.AfterFunc(delay, func() { q.fireRetry(id, seq, replay) }),
	}
	q.logger.Debug().Err(replayErr).Str("action_id", id).Int("retry_count", a.RetryCount).Dur("delay", delay).Msg("retry scheduled")
	return replayErr
}

func (q *Queue) fireRetry(id string, seq uint64, replay ReplayFunc) {
	q.mu.Lock()
	sr, ok := q.timers[id]
	if !ok || sr.seq != seq || q.closed {
		q.mu.Unlock()
		return
	}
	delete(q.timers, id)
	q.wg.Add(1)
	ctx := q.ctx
	q.mu.Unlock()
	defer q.wg.Done()

	if err := q.Retry(ctx, id, replay); errors.Is(err, ErrRetryInFlight) {
		q.logger.Debug().Str("action_id", id).Msg("scheduled retry skipped, attempt already running")
	}
}

// RetryAll retries every queued action concurrently and waits for the
// attempts to finish. Each action keeps its own backoff.
func (q *Queue) RetryAll(ctx context.Context, replay ReplayFunc) error {
	if replay == nil {
		replay = q.replayFunc()
		if replay == nil {
			return ErrNoReplayFunc
		}
	}

	var g errgroup.Group
	for _, action := range q.ListPending() {
		action := action
		g.Go(func() error {
			if err := q.Retry(ctx, action.ID, replay); err != nil {
				q.logger.Debug().Err(err).Str("action_id", action.ID).Msg("retry attempt failed")
			}
			return nil
		})
	}
	return g.Wait()
}
