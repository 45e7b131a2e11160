package queue

import (
	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
)

// MergeRemote reconciles an authoritative pull with local state. The
// remote set wins for every id it contains; unsynced local-only reports
// are preserved and unioned in; a locally synced report absent from the
// remote set was deleted or promoted upstream and is dropped.
func (q *Queue) MergeRemote(remote []models.SourceReport) []models.SourceReport {
	q.mu.Lock()

	remoteByID := make(map[models.UUID]int, len(remote))
	for i := range remote {
		remoteByID[remote[i].ID] = i
	}

	merged := make([]models.SourceReport, 0, len(remote)+len(q.reports))
	for i := range remote {
		r := remote[i].Clone()
		r.Synced = true
		merged = append(merged, r)
	}

	dropped := 0
	for i := range q.reports {
		local := &q.reports[i]
		if _, ok := remoteByID[local.ID]; ok {
			// Remote copy already in the merged set; the server is
			// authoritative for every id it returns.
			continue
		}
		if !local.Synced {
			merged = append(merged, local.Clone())
			continue
		}
		// Synced locally but absent remotely: deleted or promoted
		// upstream. Dropping unless a delete we queued ourselves is
		// still pending (then it is already gone from q.reports).
		dropped++
	}

	q.reports = merged
	err := q.persistReportsLocked()
	q.mu.Unlock()

	if err != nil {
		logging.Error("failed to persist merged reports", err, nil)
	}
	if dropped > 0 {
		logging.Info("dropped reports removed upstream",
			map[string]interface{}{"count": dropped})
	}

	q.signal()
	return q.Reports()
}
