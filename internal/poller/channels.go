package poller

import (
	"context"
	"sync"
	"time"

	"github.com/fieldscout/synccore/internal/models"
)

// Snapshot is an atomically swapped result set. A failed pull never
// touches it; readers always see the last complete pull.
type Snapshot[T any] struct {
	mu    sync.RWMutex
	items []T
	at    time.Time
}

// Set replaces the snapshot.
func (s *Snapshot[T]) Set(items []T, at time.Time) {
	s.mu.Lock()
	s.items = items
	s.at = at
	s.mu.Unlock()
}

// Get returns the snapshot and its pull time.
func (s *Snapshot[T]) Get() ([]T, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]T(nil), s.items...), s.at
}

// ReportsPuller pulls the authoritative source report set. Satisfied by
// *backend.Client.
type ReportsPuller interface {
	ListSourceReports(ctx context.Context) ([]models.SourceReport, error)
}

// ReportMerger unions a remote pull into local state. Satisfied by
// *queue.Queue.
type ReportMerger interface {
	MergeRemote(remote []models.SourceReport) []models.SourceReport
}

// NewReportsChannel builds the source-reports pull channel: list, then
// merge through the durable queue's pull-merge.
func NewReportsChannel(puller ReportsPuller, merger ReportMerger, logEvery int) *Channel {
	return NewChannel("source_reports", logEvery, func(ctx context.Context) error {
		remote, err := puller.ListSourceReports(ctx)
		if err != nil {
			return err
		}
		merger.MergeRemote(remote)
		return nil
	})
}

// RequestsPuller pulls open service requests.
type RequestsPuller interface {
	ListServiceRequests(ctx context.Context) ([]models.ServiceRequest, error)
}

// NewRequestsChannel builds the service-requests channel. When a
// request seen on the previous pull is missing from the fresh result,
// something upstream resolved or promoted it; forceBulk triggers the
// bulk layer rebuild immediately instead of waiting the slow cycle.
func NewRequestsChannel(puller RequestsPuller, snap *Snapshot[models.ServiceRequest], forceBulk func(), logEvery int, now func() time.Time) *Channel {
	if now == nil {
		now = time.Now
	}
	var mu sync.Mutex
	seen := map[models.UUID]bool{}
	primed := false

	return NewChannel("service_requests", logEvery, func(ctx context.Context) error {
		fresh, err := puller.ListServiceRequests(ctx)
		if err != nil {
			return err
		}

		current := make(map[models.UUID]bool, len(fresh))
		for _, r := range fresh {
			current[r.ID] = true
		}

		mu.Lock()
		disappeared := false
		if primed {
			for id := range seen {
				if !current[id] {
					disappeared = true
					break
				}
			}
		}
		seen = current
		primed = true
		mu.Unlock()

		snap.Set(fresh, now())
		if disappeared && forceBulk != nil {
			forceBulk()
		}
		return nil
	})
}

// StatesPuller pulls authoritative feature states.
type StatesPuller interface {
	ListFeatureStates(ctx context.Context) ([]models.OverlayRecord, error)
}

// StateApplier merges authoritative states into the overlay. Satisfied
// by *overlay.Cache.
type StateApplier interface {
	ApplyAuthoritative(updates []models.OverlayRecord)
}

// NewFeatureStatesChannel builds the overlay feed channel.
func NewFeatureStatesChannel(puller StatesPuller, applier StateApplier, logEvery int) *Channel {
	return NewChannel("feature_states", logEvery, func(ctx context.Context) error {
		updates, err := puller.ListFeatureStates(ctx)
		if err != nil {
			return err
		}
		applier.ApplyAuthoritative(updates)
		return nil
	})
}

// NewBulkChannel wraps an arbitrary bulk layer refresh as the slow
// channel. The refresh function owns its own snapshot swapping.
func NewBulkChannel(refresh func(ctx context.Context) error, logEvery int) *Channel {
	return NewChannel("layer_refresh", logEvery, refresh)
}
