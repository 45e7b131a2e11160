// Package connectivity classifies the device's network situation.
//
// Two independent observers feed the classifier: one tracking the OS's
// preferred path (typically cellular), one tracking raw availability of
// the WiFi interface class. The split matters because the OS may prefer
// a cellular path for routing while the device stays associated to an
// isolated hardware access point on WiFi. Components never poll the
// classifier's inputs; state changes broadcast to subscribers.
package connectivity

import (
	"sync"
	"time"

	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
)

// DefaultTransitionWindow is how recently a path callback must have
// fired for the network to count as mid-transition.
const DefaultTransitionWindow = 1500 * time.Millisecond

// Classifier holds the current connectivity tuple and the isolated
// access point state machine.
type Classifier struct {
	mu  sync.Mutex
	now func() time.Time

	preferredReachable  bool
	interfaceAssociated bool
	apState             models.APState

	// callbackCount tracks path observer callbacks since process start.
	// The very first callback never counts as a transition: it is the
	// observer reporting the initial state, and treating it as a
	// transition would stall every dependent that defers work during
	// transitions.
	callbackCount  int
	lastCallback   time.Time
	lastTransition time.Time

	subs []chan models.ConnectivityState
}

// New creates a classifier. now may be nil for wall-clock time.
func New(now func() time.Time) *Classifier {
	if now == nil {
		now = time.Now
	}
	return &Classifier{
		now:     now,
		apState: models.APUnknown,
	}
}

// ReportPreferredPath is the OS preferred-path observer callback.
func (c *Classifier) ReportPreferredPath(reachable bool) {
	c.mu.Lock()
	changed := c.preferredReachable != reachable
	c.preferredReachable = reachable
	c.recordCallbackLocked(changed)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.broadcast(snapshot)
	}
}

// ReportInterfacePath is the WiFi interface class observer callback.
func (c *Classifier) ReportInterfacePath(associated bool) {
	c.mu.Lock()
	changed := c.interfaceAssociated != associated
	c.interfaceAssociated = associated
	if changed {
		if associated {
			// Fresh association: isolation is unknown until a probe
			// corroborates it.
			c.apState = models.APAssociatedUnconfirmed
		} else {
			c.apState = models.APUnknown
		}
	}
	c.recordCallbackLocked(changed)
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.broadcast(snapshot)
	}
}

// ReportIsolatedAPConfirmed is the corroboration hook. Callers that
// successfully reach the known isolated endpoint report true; callers
// that reach the public internet over the same interface report false.
func (c *Classifier) ReportIsolatedAPConfirmed(isolated bool) {
	c.mu.Lock()
	if !c.interfaceAssociated {
		// A probe result for an interface we are no longer on is stale.
		c.mu.Unlock()
		logging.Debug("dropping stale access point probe result",
			map[string]interface{}{"isolated": isolated})
		return
	}
	next := models.APConfirmedInternet
	if isolated {
		next = models.APConfirmedIsolated
	}
	changed := c.apState != next
	c.apState = next
	snapshot := c.snapshotLocked()
	c.mu.Unlock()

	if changed {
		c.broadcast(snapshot)
	}
}

// HasInternet reports whether a path to the public internet exists.
// The WiFi interface counts unless the access point is confirmed
// isolated; the cellular preferred path always counts.
func (c *Classifier) HasInternet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasInternetLocked()
}

func (c *Classifier) hasInternetLocked() bool {
	if c.preferredReachable {
		return true
	}
	return c.interfaceAssociated && c.apState != models.APConfirmedIsolated
}

// IsOnIsolatedAP reports whether the device is associated to a
// confirmed local-only access point.
func (c *Classifier) IsOnIsolatedAP() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interfaceAssociated && c.apState == models.APConfirmedIsolated
}

// IsTransitioning reports whether a path change happened within the
// window. Always false before the second observer callback.
func (c *Classifier) IsTransitioning(window time.Duration) bool {
	if window <= 0 {
		window = DefaultTransitionWindow
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callbackCount < 2 {
		return false
	}
	return c.now().Sub(c.lastCallback) < window
}

// State returns the current connectivity tuple as one atomic snapshot.
func (c *Classifier) State() models.ConnectivityState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe registers for state change broadcasts. The returned cancel
// function drops the subscription. Sends never block; a slow subscriber
// misses intermediate snapshots and catches up on the next change.
func (c *Classifier) Subscribe() (<-chan models.ConnectivityState, func()) {
	ch := make(chan models.ConnectivityState, 8)
	c.mu.Lock()
	c.subs = append(c.subs, ch)
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, s := range c.subs {
			if s == ch {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// recordCallbackLocked tracks observer callback timing for the
// transition window.
func (c *Classifier) recordCallbackLocked(changed bool) {
	c.callbackCount++
	c.lastCallback = c.now()
	if changed && c.callbackCount >= 2 {
		c.lastTransition = c.lastCallback
	}
}

// snapshotLocked builds the whole-tuple snapshot.
func (c *Classifier) snapshotLocked() models.ConnectivityState {
	return models.ConnectivityState{
		HasAnyPath:         c.preferredReachable || c.interfaceAssociated,
		HasInternetPath:    c.hasInternetLocked(),
		IsOnIsolatedAP:     c.interfaceAssociated && c.apState == models.APConfirmedIsolated,
		APState:            c.apState,
		LastTransitionTime: c.lastTransition,
	}
}

// broadcast fans a snapshot out to all subscribers without blocking.
func (c *Classifier) broadcast(state models.ConnectivityState) {
	c.mu.Lock()
	subs := append([]chan models.ConnectivityState(nil), c.subs...)
	c.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- state:
		default:
		}
	}
}
