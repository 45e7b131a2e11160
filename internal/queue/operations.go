package queue

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/uuid"
)

// UpdatePatch carries the fields an update may change. Nil fields are
// left untouched.
type UpdatePatch struct {
	Type     *string
	Status   *models.ReportStatus
	Note     *string
	Geometry *models.Geometry
}

// snapshotPayload serializes a report for an operation payload. The
// payload is frozen at enqueue time; the drain never re-reads the live
// report.
func snapshotPayload(r models.SourceReport) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("queue: encoding report %s: %w", r.ID, err)
	}
	return data, nil
}

// Create appends a new report, enqueues its create operation, persists
// both stores, and attempts an immediate drain.
func (q *Queue) Create(ctx context.Context, report models.SourceReport) (models.SourceReport, error) {
	if report.ID == "" {
		report.ID = models.UUID(uuid.New())
	} else if err := uuid.Validate(report.ID.String()); err != nil {
		return models.SourceReport{}, apperrors.Wrap(apperrors.ErrInvalid, "invalid report id", err)
	}
	if report.Geometry.IsEmpty() {
		return models.SourceReport{}, apperrors.New(apperrors.ErrInvalid, "report has no geometry")
	}

	now := q.now().UTC()
	report.Synced = false
	report.CreatedAt = now
	report.UpdatedAt = now
	if report.Status == "" {
		report.Status = models.ReportStatusOpen
	}

	payload, err := snapshotPayload(report)
	if err != nil {
		return models.SourceReport{}, apperrors.Wrap(apperrors.ErrInvalid, "unserializable report", err)
	}

	q.mu.Lock()
	for i := range q.reports {
		if q.reports[i].ID == report.ID {
			q.mu.Unlock()
			return models.SourceReport{}, apperrors.New(apperrors.ErrInvalid, "report id already exists")
		}
	}
	q.reports = append(q.reports, report)
	q.ops = append(q.ops, models.PendingOperation{
		OperationID: models.UUID(uuid.New()),
		EntityID:    report.ID,
		Kind:        models.OperationCreate,
		Payload:     payload,
		QueuedAt:    now,
	})
	err = q.persistLocked()
	q.mu.Unlock()

	if err != nil {
		return models.SourceReport{}, apperrors.Wrap(apperrors.ErrPersist, "persisting create", err)
	}

	q.signal()
	go q.Drain(context.WithoutCancel(ctx))
	return report, nil
}

// Update mutates a report and enqueues (or collapses into) its update
// operation. Any previously queued update for the same report is
// dropped first: rapid edits cost one network call, and the latest
// state wins.
func (q *Queue) Update(ctx context.Context, id models.UUID, patch UpdatePatch) error {
	q.mu.Lock()
	idx := -1
	for i := range q.reports {
		if q.reports[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, "report not found")
	}

	r := &q.reports[idx]
	if patch.Type != nil {
		r.Type = *patch.Type
	}
	if patch.Status != nil {
		r.Status = *patch.Status
	}
	if patch.Note != nil {
		r.Note = *patch.Note
	}
	if patch.Geometry != nil {
		r.Geometry = patch.Geometry.Clone()
	}
	r.Touch(q.now())

	payload, err := snapshotPayload(*r)
	if err != nil {
		q.mu.Unlock()
		return apperrors.Wrap(apperrors.ErrInvalid, "unserializable report", err)
	}

	// Collapse: drop any queued update for this report before appending
	// the new one.
	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.EntityID == id && op.Kind == models.OperationUpdate {
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept
	q.ops = append(q.ops, models.PendingOperation{
		OperationID: models.UUID(uuid.New()),
		EntityID:    id,
		Kind:        models.OperationUpdate,
		Payload:     payload,
		QueuedAt:    q.now().UTC(),
	})
	err = q.persistLocked()
	q.mu.Unlock()

	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersist, "persisting update", err)
	}

	q.signal()
	go q.Drain(context.WithoutCancel(ctx))
	return nil
}

// Delete removes a report. For a never-synced report every queued
// operation for it is discarded with zero network calls; the server
// has never heard of it. For a synced report prior create/update
// operations are stripped and a single delete is queued.
func (q *Queue) Delete(ctx context.Context, id models.UUID) error {
	q.mu.Lock()
	idx := -1
	for i := range q.reports {
		if q.reports[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return apperrors.New(apperrors.ErrNotFound, "report not found")
	}

	synced := q.reports[idx].Synced
	q.reports = append(q.reports[:idx], q.reports[idx+1:]...)

	kept := q.ops[:0]
	for _, op := range q.ops {
		if op.EntityID == id {
			continue
		}
		kept = append(kept, op)
	}
	q.ops = kept

	if synced {
		q.ops = append(q.ops, models.PendingOperation{
			OperationID: models.UUID(uuid.New()),
			EntityID:    id,
			Kind:        models.OperationDelete,
			QueuedAt:    q.now().UTC(),
		})
	}
	err := q.persistLocked()
	q.mu.Unlock()

	if err != nil {
		return apperrors.Wrap(apperrors.ErrPersist, "persisting delete", err)
	}

	q.signal()
	if synced {
		go q.Drain(context.WithoutCancel(ctx))
	}
	return nil
}
