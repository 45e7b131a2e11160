package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
)

// Drain executes every queued operation in order, stopping at the first
// failure that is not recoverable this cycle. A concurrent Drain finds
// the guard held and no-ops; the next tick or mutation retries.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	if q.draining || len(q.ops) == 0 {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	drained := 0
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.drainFailures = 0
			q.lastDrain = q.now()
			q.mu.Unlock()
			q.recordRun("success", fmt.Sprintf("drained %d operations", drained))
			q.signal()
			return
		}
		op := q.ops[0]
		q.mu.Unlock()

		if ctx.Err() != nil {
			return
		}

		if !q.conn.HasInternet() {
			// Push the current and all remaining operations back
			// verbatim: order is preserved and no partial batch is
			// committed. They are still at the front of the queue, so
			// there is nothing to restore. A recheck is armed so work
			// authored offline does not wait for the next local
			// mutation; no request was attempted, so the failure
			// streak stays untouched.
			q.recordRun("offline", "drain stopped: no internet path")
			q.scheduleRetry(q.backoffBase)
			return
		}

		outcome, status, err := q.execute(ctx, op)

		switch {
		case outcome == apperrors.OutcomeSuccess || outcome.TerminalSuccess():
			q.settle(op, outcome)
			q.recordOp(op, outcome, status, "")
			drained++

		case outcome == apperrors.OutcomeMalformedPayload:
			// Dropped, never retried. Reconciliation rebuilds the
			// create from the source report if it still exists.
			q.removeOp(op.OperationID)
			q.recordOp(op, outcome, status, errString(err))
			logging.Error("dropping operation with malformed payload", err,
				map[string]interface{}{"operation_id": op.OperationID, "report_id": op.EntityID})

		default:
			// Retryable this cycle is not retryable mid-batch: the
			// operation stays queued, the rest of the batch waits, and
			// a fresh delayed drain is scheduled.
			q.mu.Lock()
			q.drainFailures++
			failures := q.drainFailures
			q.mu.Unlock()

			delay := q.backoffDelay(failures)
			q.recordOp(op, outcome, status, errString(err))
			q.recordRun("failed", fmt.Sprintf("drain aborted at %s after %d failures", op.Kind, failures))

			if outcome == apperrors.OutcomePermissionDenied {
				logging.ErrorWithCode("backend denied operation; check tenant configuration",
					string(apperrors.ErrSyncFailed), err,
					map[string]interface{}{"operation_id": op.OperationID, "kind": op.Kind})
			} else {
				logging.Warn("drain failed, retry scheduled", map[string]interface{}{
					"operation_id": op.OperationID,
					"kind":         op.Kind,
					"outcome":      outcome,
					"retry_in":     delay.String(),
				})
			}

			q.scheduleRetry(delay)
			q.signal()
			return
		}
	}
}

// execute delivers one operation and classifies the result. A 401 gets
// one credential refresh and a single replay before falling through to
// the retryable path.
func (q *Queue) execute(ctx context.Context, op models.PendingOperation) (apperrors.Outcome, int, error) {
	err := q.deliver(ctx, op)
	if err == nil {
		return apperrors.OutcomeSuccess, 0, nil
	}

	if he, ok := apperrors.AsHTTPError(err); ok && he.StatusCode == 401 && q.auth != nil {
		if q.auth.HandleUnauthorized(ctx) {
			err = q.deliver(ctx, op)
			if err == nil {
				return apperrors.OutcomeSuccess, 0, nil
			}
		}
	}

	if isMalformed(err) {
		return apperrors.OutcomeMalformedPayload, 0, err
	}

	outcome := apperrors.Classify(err, string(op.Kind), nil)
	status := 0
	if he, ok := apperrors.AsHTTPError(err); ok {
		status = he.StatusCode
	}
	return outcome, status, err
}

// deliver issues the backend call for one operation.
func (q *Queue) deliver(ctx context.Context, op models.PendingOperation) error {
	switch op.Kind {
	case models.OperationCreate:
		if !json.Valid(op.Payload) {
			return &malformedPayloadError{op: op.OperationID}
		}
		return q.backend.CreateReport(ctx, op.Payload)
	case models.OperationUpdate:
		if !json.Valid(op.Payload) {
			return &malformedPayloadError{op: op.OperationID}
		}
		return q.backend.UpdateReport(ctx, op.EntityID, op.Payload)
	case models.OperationDelete:
		return q.backend.DeleteReport(ctx, op.EntityID)
	default:
		return &malformedPayloadError{op: op.OperationID}
	}
}

// malformedPayloadError marks a locally unreadable operation.
type malformedPayloadError struct {
	op models.UUID
}

func (e *malformedPayloadError) Error() string {
	return fmt.Sprintf("queue: malformed payload on operation %s", e.op)
}

func isMalformed(err error) bool {
	_, ok := err.(*malformedPayloadError)
	return ok
}

// settle removes a finished operation and applies its local effect.
func (q *Queue) settle(op models.PendingOperation, outcome apperrors.Outcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.removeOpLocked(op.OperationID)

	switch {
	case op.Kind == models.OperationCreate && outcome != apperrors.OutcomeGone:
		// 201 or 409 already-exists: the server holds the report now.
		for i := range q.reports {
			if q.reports[i].ID == op.EntityID {
				q.reports[i].Synced = true
				break
			}
		}
	case outcome == apperrors.OutcomeGone:
		// The server counterpart was removed or promoted elsewhere.
		// Drop the local report too; this is not an error.
		for i := range q.reports {
			if q.reports[i].ID == op.EntityID {
				q.reports = append(q.reports[:i], q.reports[i+1:]...)
				break
			}
		}
		logging.Info("report gone upstream, removed locally",
			map[string]interface{}{"report_id": op.EntityID})
	}

	if err := q.persistLocked(); err != nil {
		logging.Error("failed to persist drained state", err, nil)
	}
}

// removeOp removes one operation by id and persists.
func (q *Queue) removeOp(id models.UUID) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeOpLocked(id)
	if err := q.persistOpsLocked(); err != nil {
		logging.Error("failed to persist operation removal", err, nil)
	}
}

func (q *Queue) removeOpLocked(id models.UUID) {
	for i := range q.ops {
		if q.ops[i].OperationID == id {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return
		}
	}
}

// backoffDelay is base·2^(failures−1) capped.
func (q *Queue) backoffDelay(failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := q.backoffBase
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= q.backoffCap {
			return q.backoffCap
		}
	}
	if delay > q.backoffCap {
		delay = q.backoffCap
	}
	return delay
}

// scheduleRetry arms a fresh delayed drain, replacing any armed one.
func (q *Queue) scheduleRetry(delay time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
	}
	q.retryTimer = time.AfterFunc(delay, func() {
		q.Drain(context.Background())
	})
}

func (q *Queue) recordOp(op models.PendingOperation, outcome apperrors.Outcome, status int, detail string) {
	if q.journal == nil {
		return
	}
	if err := q.journal.RecordOperation(op, string(outcome), status, detail); err != nil {
		logging.Error("failed to journal operation outcome", err, nil)
	}
}

func (q *Queue) recordRun(outcome, detail string) {
	if q.journal == nil {
		return
	}
	if err := q.journal.RecordRun("drain", outcome, detail); err != nil {
		logging.Error("failed to journal drain run", err, nil)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
