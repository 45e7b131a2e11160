// Package overlay merges authoritative server-computed feature state
// with short-lived local predictions.
//
// A technician who just treated a site sees the effect immediately: the
// prediction takes display precedence until the server's own computed
// state catches up or the prediction ages out. Server state is always
// authoritative once its timestamp reaches the prediction's.
package overlay

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/store"
)

// ValueNeverObserved is the documented default for features with
// neither an authoritative value nor a live prediction.
const ValueNeverObserved = "never_observed"

// DefaultPredictionTTL bounds how long an unconfirmed prediction keeps
// display precedence.
const DefaultPredictionTTL = 24 * time.Hour

// Cache is the optimistic overlay cache.
type Cache struct {
	mu      sync.Mutex
	records map[string]*models.OverlayRecord
	coll    *store.Collection[models.OverlayRecord]
	ttl     time.Duration
	now     func() time.Time

	// version increments on every mutation to either layer so
	// dependents can detect change without diffing collections.
	version atomic.Uint64
}

// New loads the overlay cache from its collection document. coll may be
// nil for an in-memory cache; now may be nil for wall-clock time.
func New(coll *store.Collection[models.OverlayRecord], ttl time.Duration, now func() time.Time) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultPredictionTTL
	}
	if now == nil {
		now = time.Now
	}
	c := &Cache{
		records: make(map[string]*models.OverlayRecord),
		coll:    coll,
		ttl:     ttl,
		now:     now,
	}
	if coll != nil {
		items, err := coll.Load()
		if err != nil {
			return nil, err
		}
		for i := range items {
			rec := items[i]
			c.records[rec.FeatureID] = &rec
		}
	}
	return c, nil
}

// Version returns the monotonically increasing mutation counter.
func (c *Cache) Version() uint64 {
	return c.version.Load()
}

// RecordLocalObservation stores a keyed prediction for a feature.
func (c *Cache) RecordLocalObservation(featureID, value string, observedAt time.Time) {
	c.mu.Lock()
	rec, ok := c.records[featureID]
	if !ok {
		rec = &models.OverlayRecord{FeatureID: featureID}
		c.records[featureID] = rec
	}
	rec.Prediction = &models.Prediction{
		Value:       value,
		PredictedAt: observedAt.UTC(),
	}
	c.persistLocked()
	c.mu.Unlock()
	c.version.Add(1)
}

// EffectiveValue returns what the display should show for a feature:
// a live prediction first, then the last authoritative value, then
// ValueNeverObserved.
func (c *Cache) EffectiveValue(featureID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[featureID]
	if !ok {
		return ValueNeverObserved
	}
	if p := rec.Prediction; p != nil && c.now().Sub(p.PredictedAt) < c.ttl {
		return p.Value
	}
	if rec.AuthoritativeState != "" {
		return rec.AuthoritativeState
	}
	return ValueNeverObserved
}

// ApplyAuthoritative merges a fresh authoritative pull. Any prediction
// whose counterpart now carries a timestamp at or past the prediction's
// is discarded: the server has seen the change and its state wins.
func (c *Cache) ApplyAuthoritative(updates []models.OverlayRecord) {
	c.mu.Lock()
	for _, u := range updates {
		rec, ok := c.records[u.FeatureID]
		if !ok {
			rec = &models.OverlayRecord{FeatureID: u.FeatureID}
			c.records[u.FeatureID] = rec
		}
		rec.AuthoritativeState = u.AuthoritativeState
		rec.AuthoritativeAt = u.AuthoritativeAt

		if p := rec.Prediction; p != nil && !u.AuthoritativeAt.Before(p.PredictedAt) {
			rec.Prediction = nil
		}
	}
	c.expireLocked()
	c.persistLocked()
	c.mu.Unlock()
	c.version.Add(1)
}

// MarkConfirmed flags a prediction as confirmed without discarding it.
// Used when the write path saw a 2xx but the read path has not caught
// up yet.
func (c *Cache) MarkConfirmed(featureID string) {
	c.mu.Lock()
	if rec, ok := c.records[featureID]; ok && rec.Prediction != nil {
		rec.Prediction.Confirmed = true
		c.persistLocked()
	}
	c.mu.Unlock()
	c.version.Add(1)
}

// Snapshot returns a copy of all records.
func (c *Cache) Snapshot() []models.OverlayRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.OverlayRecord, 0, len(c.records))
	for _, rec := range c.records {
		cp := *rec
		if rec.Prediction != nil {
			p := *rec.Prediction
			cp.Prediction = &p
		}
		out = append(out, cp)
	}
	return out
}

// expireLocked drops predictions past the TTL.
func (c *Cache) expireLocked() {
	now := c.now()
	for _, rec := range c.records {
		if p := rec.Prediction; p != nil && now.Sub(p.PredictedAt) >= c.ttl {
			rec.Prediction = nil
		}
	}
}

// persistLocked writes the overlay document. Persistence failures are
// logged and swallowed: the overlay is a display cache and the next
// authoritative pull rebuilds it.
func (c *Cache) persistLocked() {
	if c.coll == nil {
		return
	}
	items := make([]models.OverlayRecord, 0, len(c.records))
	for _, rec := range c.records {
		items = append(items, *rec)
	}
	if err := c.coll.Save(items); err != nil {
		logging.Error("failed to persist overlay cache", err, nil)
	}
}
