// Package queue provides the durable operation queue: an append-only
// local store of field-authored reports plus a separate queue of
// pending mutations, persisted atomically and drained against the
// backend with per-operation outcome classification.
//
// Nothing a technician writes while offline may be lost, and nothing
// may reach the server twice. Both stores persist on every mutation
// before the call returns; startup reconciliation repairs the one gap
// atomic per-document writes leave (a crash between the two documents).
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/store"
	"github.com/fieldscout/synccore/internal/uuid"
)

// WriteBackend delivers queued mutations. Satisfied by *backend.Client.
type WriteBackend interface {
	CreateReport(ctx context.Context, payload []byte) error
	UpdateReport(ctx context.Context, id models.UUID, payload []byte) error
	DeleteReport(ctx context.Context, id models.UUID) error
}

// Connectivity gates drain attempts. Satisfied by the classifier.
type Connectivity interface {
	HasInternet() bool
}

// Authorizer handles mid-drain 401s. Satisfied by the credential
// lifecycle manager.
type Authorizer interface {
	HandleUnauthorized(ctx context.Context) bool
}

// Recorder receives per-operation and per-run journal entries.
// Satisfied by *journal.Journal.
type Recorder interface {
	RecordOperation(op models.PendingOperation, outcome string, httpStatus int, detail string) error
	RecordRun(kind, outcome, detail string) error
}

// Config holds queue tunables.
type Config struct {
	BackoffBase time.Duration // first retry delay, default 5s
	BackoffCap  time.Duration // maximum retry delay, default 300s
}

// Queue is the durable operation queue.
type Queue struct {
	mu      sync.Mutex
	reports []models.SourceReport
	ops     []models.PendingOperation

	reportsColl *store.Collection[models.SourceReport]
	opsColl     *store.Collection[models.PendingOperation]

	backend WriteBackend
	conn    Connectivity
	auth    Authorizer
	journal Recorder
	now     func() time.Time

	backoffBase time.Duration
	backoffCap  time.Duration

	draining      bool
	drainFailures int
	retryTimer    *time.Timer
	lastDrain     time.Time

	notify chan struct{}
}

// New loads both collections and reconciles them. journal and auth may
// be nil; now may be nil for wall-clock time.
func New(dir *store.Dir, backend WriteBackend, conn Connectivity, auth Authorizer, journal Recorder, cfg Config, now func() time.Time) (*Queue, error) {
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}

	q := &Queue{
		reportsColl: store.NewCollection[models.SourceReport](dir, "reports"),
		opsColl:     store.NewCollection[models.PendingOperation](dir, "operations"),
		backend:     backend,
		conn:        conn,
		auth:        auth,
		journal:     journal,
		now:         now,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		notify:      make(chan struct{}, 1),
	}

	reports, err := q.reportsColl.Load()
	if err != nil {
		return nil, err
	}
	ops, err := q.opsColl.Load()
	if err != nil {
		return nil, err
	}
	q.reports = reports
	q.ops = ops

	q.mu.Lock()
	q.reconcileLocked()
	q.mu.Unlock()

	return q, nil
}

// Stop cancels any scheduled retry.
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.retryTimer != nil {
		q.retryTimer.Stop()
		q.retryTimer = nil
	}
}

// Notify returns a coalescing change signal: one token per burst of
// mutations. Dependents re-read observable state when it fires.
func (q *Queue) Notify() <-chan struct{} {
	return q.notify
}

// signal wakes dependents without blocking.
func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// reconcileLocked re-queues a create for any unsynced report that lost
// its queued operation to a crash between the two document writes.
// Guarantees no report is silently lost.
func (q *Queue) reconcileLocked() {
	queued := make(map[models.UUID]bool, len(q.ops))
	for _, op := range q.ops {
		if op.Kind == models.OperationCreate {
			queued[op.EntityID] = true
		}
	}

	var requeued []models.PendingOperation
	for i := range q.reports {
		r := &q.reports[i]
		if r.Synced || queued[r.ID] {
			continue
		}
		payload, err := snapshotPayload(*r)
		if err != nil {
			logging.Error("cannot rebuild create payload during reconciliation", err,
				map[string]interface{}{"report_id": r.ID})
			continue
		}
		requeued = append(requeued, models.PendingOperation{
			OperationID: models.UUID(uuid.New()),
			EntityID:    r.ID,
			Kind:        models.OperationCreate,
			Payload:     payload,
			QueuedAt:    q.now().UTC(),
		})
	}

	if len(requeued) > 0 {
		// Creates go to the front so a re-queued create still precedes
		// any surviving update for the same report.
		q.ops = append(requeued, q.ops...)
		logging.Info("reconciliation re-queued orphaned reports",
			map[string]interface{}{"count": len(requeued)})
		if err := q.persistOpsLocked(); err != nil {
			logging.Error("failed to persist reconciled operations", err, nil)
		}
	}
}

// persistLocked writes both documents. Each write is individually
// atomic; reconciliation covers the window between them.
func (q *Queue) persistLocked() error {
	if err := q.persistReportsLocked(); err != nil {
		return err
	}
	return q.persistOpsLocked()
}

func (q *Queue) persistReportsLocked() error {
	return q.reportsColl.Save(q.reports)
}

func (q *Queue) persistOpsLocked() error {
	return q.opsColl.Save(q.ops)
}

// Reports returns a copy of the current report set.
func (q *Queue) Reports() []models.SourceReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.SourceReport, 0, len(q.reports))
	for i := range q.reports {
		out = append(out, q.reports[i].Clone())
	}
	return out
}

// Report returns one report by id.
func (q *Queue) Report(id models.UUID) (models.SourceReport, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.reports {
		if q.reports[i].ID == id {
			return q.reports[i].Clone(), true
		}
	}
	return models.SourceReport{}, false
}

// PendingCount returns the number of queued operations.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ops)
}

// PendingOperations returns a copy of the queued operations in order.
func (q *Queue) PendingOperations() []models.PendingOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.PendingOperation(nil), q.ops...)
}

// LastDrain returns when a drain last completed fully.
func (q *Queue) LastDrain() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastDrain
}

// Struggling reports whether drains have been failing repeatedly.
func (q *Queue) Struggling() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drainFailures >= 3
}

// Stats returns operation counts by kind.
func (q *Queue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := map[string]int{
		"total":  len(q.ops),
		"create": 0,
		"update": 0,
		"delete": 0,
	}
	for _, op := range q.ops {
		stats[string(op.Kind)]++
	}
	return stats
}
