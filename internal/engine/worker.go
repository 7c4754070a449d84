package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/avast/retry-go"

	"github.com/seantiz/infergate/internal/backend"
	"github.com/seantiz/infergate/internal/model"
	"github.com/seantiz/infergate/internal/store"
)

const shutdownReason = "service shutting down"

// worker drains the queue until ctx is cancelled.
func (e *Engine) worker(ctx context.Context, n int) {
	logger := e.logger.With("worker", n)
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		t, ok := e.queue.Dequeue(ctx, e.opts.IdlePollInterval)
		if !ok {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		queueDepth.Set(float64(e.queue.Len()))
		e.dispatch(t)
	}
}

// dispatch sends one task to the backend and records exactly one terminal
// outcome for it. No lock is held during the backend call.
func (e *Engine) dispatch(t model.Task) {
	attempts := 0

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("dispatch panic", "request_id", t.ID, "panic", r, "stack", string(debug.Stack()))
			e.finishFailed(t.ID, attempts, fmt.Sprintf("dispatch panic: %v", r))
		}
	}()

	waited := time.Since(t.EnqueuedAt)

	var pred backend.Prediction
	err := retry.Do(
		func() error {
			attempts++
			ctx, cancel := context.WithTimeout(context.Background(), e.opts.BackendTimeout)
			defer cancel()

			start := time.Now()
			p, err := e.backend.Infer(ctx, t.Payload)
			backendDuration.Observe(time.Since(start).Seconds())
			if err != nil {
				e.logger.Warn("backend call failed",
					"request_id", t.ID,
					"attempt", attempts,
					"error", err,
				)
				return err
			}
			pred = p
			return nil
		},
		retry.Attempts(uint(e.opts.MaxAttempts)),
		retry.Delay(e.opts.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(backend.Retryable),
	)
	if err != nil {
		e.finishFailed(t.ID, attempts, err.Error())
		return
	}

	now := time.Now().UTC()
	r := &model.Result{
		ID:          t.ID,
		Status:      model.StatusDone,
		Predictions: pred.Predictions,
		Attempts:    attempts,
		FinishedAt:  &now,
	}
	e.finish(r)

	e.logger.Info("task dispatched",
		"request_id", t.ID,
		"attempts", attempts,
		"queue_wait_ms", waited.Milliseconds(),
	)
}

// finishFailed records a failed outcome with the given reason.
func (e *Engine) finishFailed(id string, attempts int, reason string) {
	now := time.Now().UTC()
	e.finish(&model.Result{
		ID:         id,
		Status:     model.StatusFailed,
		Error:      reason,
		Attempts:   attempts,
		FinishedAt: &now,
	})
	e.logger.Info("task failed", "request_id", id, "attempts", attempts, "reason", reason)
}

// finish writes the terminal result and wakes anyone waiting on it.
func (e *Engine) finish(r *model.Result) {
	if err := e.store.FinishResult(context.Background(), r); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			e.logger.Error("result already terminal", "request_id", r.ID, "status", r.Status)
		} else {
			e.logger.Error("failed to record result", "request_id", r.ID, "status", r.Status, "error", err)
		}
		return
	}
	dispatchesTotal.WithLabelValues(r.Status).Inc()

	final, err := e.store.GetResult(context.Background(), r.ID)
	if err != nil {
		e.logger.Error("failed to reload result", "request_id", r.ID, "error", err)
		return
	}
	e.broker.Publish(*final)
}

// drain closes admission and fails every task left in the queue so that no
// admitted id stays pending forever.
func (e *Engine) drain() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	n := 0
	for {
		t, ok := e.queue.TryDequeue()
		if !ok {
			break
		}
		e.finishFailed(t.ID, 0, shutdownReason)
		n++
	}
	queueDepth.Set(0)
	if n > 0 {
		e.logger.Info("drained queue on shutdown", "failed", n)
	}
}
