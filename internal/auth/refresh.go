package auth

import (
	"context"
	"time"

	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/logging"
)

// Refresh attempts one token refresh. Reentrant-guarded: a call that
// finds a refresh already in flight no-ops and returns RefreshSkipped
// without touching the network. Connectivity-gated: with no internet
// path, or a path transition within the window, the attempt is
// deferred to a scheduled retry instead of burning a doomed request.
func (m *Manager) Refresh(ctx context.Context) RefreshResult {
	m.mu.Lock()
	if m.cred == nil {
		m.mu.Unlock()
		return RefreshSkipped
	}
	if m.isRefreshing {
		m.mu.Unlock()
		return RefreshSkipped
	}

	if m.network != nil {
		if !m.network.HasInternet() || m.network.IsTransitioning(m.cfg.TransitionWindow) {
			m.scheduleRefreshLocked(m.cfg.BackoffBase)
			m.mu.Unlock()
			logging.Debug("refresh deferred: offline or mid-transition", nil)
			return RefreshSkipped
		}
	}

	m.isRefreshing = true
	m.setStateLocked(StateRefreshPending)
	refreshToken := m.cred.RefreshToken
	m.mu.Unlock()

	pair, err := m.api.RefreshGrant(ctx, refreshToken)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.isRefreshing = false

	if m.cred == nil {
		// Signed out while the request was in flight; discard.
		return RefreshSkipped
	}

	if err == nil {
		m.cred.AccessToken = pair.AccessToken
		if pair.RefreshToken != "" {
			m.cred.RefreshToken = pair.RefreshToken
		}
		m.cred.IssuedAt = m.now().UTC()
		m.cred.ConsecutiveRefreshFailures = 0
		m.retryCount = 0
		m.setStateLocked(StateAuthenticated)
		m.scheduleRefreshLocked(m.cfg.RefreshInterval)

		cred := *m.cred
		go func() {
			if err := m.session.Save(cred); err != nil {
				logging.Error("failed to persist refreshed session", err, nil)
			}
		}()
		logging.Debug("token refreshed", nil)
		return RefreshOK
	}

	return m.refreshFailedLocked(err)
}

// refreshFailedLocked applies the failure policy. Only a confirmed
// rejection moves the session toward sign-out, and it takes two in a
// row; everything else schedules a retry and keeps the session alive.
func (m *Manager) refreshFailedLocked(err error) RefreshResult {
	confirmed := false
	if he, ok := apperrors.AsHTTPError(err); ok {
		confirmed = m.rejected(he.StatusCode, he.Body)
	}

	if confirmed {
		m.cred.ConsecutiveRefreshFailures++
		failures := m.cred.ConsecutiveRefreshFailures
		logging.Warn("confirmed refresh rejection", map[string]interface{}{
			"consecutive": failures,
		})
		if failures >= 2 {
			// Two confirmed rejections in a row: the session is dead.
			m.signOutLocked()
			return RefreshSignedOut
		}
		// One confirmed rejection could still be a server misfiring;
		// retry and let the second opinion decide.
		m.retryCount++
		m.setStateLocked(StateRefreshPending)
		m.scheduleRefreshLocked(m.backoffDelayLocked())
		return RefreshRetrying
	}

	// Transport failure or unconfirmed 400/401: never sign out, never
	// counted toward the confirmed streak. Only a success clears the
	// streak; a flaky network between two confirmed rejections must not
	// buy a dead token extra lives.
	m.retryCount++
	delay := m.backoffDelayLocked()
	m.setStateLocked(StateRefreshPending)
	m.scheduleRefreshLocked(delay)
	logging.Warn("refresh failed, retry scheduled", map[string]interface{}{
		"retry_in": delay.String(),
		"error":    err.Error(),
	})
	return RefreshRetrying
}

// signOutLocked destroys the session without re-taking the lock.
func (m *Manager) signOutLocked() {
	m.cred = nil
	m.retryCount = 0
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.setStateLocked(StateSignedOut)
	go func() {
		if err := m.session.Delete(); err != nil {
			logging.Error("failed to delete session document", err, nil)
		}
	}()
	logging.Warn("signed out after consecutive confirmed rejections", nil)
}

// backoffDelayLocked is 1,2,4,8 min doubling, capped at 15 min.
func (m *Manager) backoffDelayLocked() time.Duration {
	delay := m.cfg.BackoffBase
	for i := 1; i < m.retryCount; i++ {
		delay *= 2
		if delay >= m.cfg.BackoffCap {
			return m.cfg.BackoffCap
		}
	}
	if delay > m.cfg.BackoffCap {
		delay = m.cfg.BackoffCap
	}
	return delay
}

// scheduleRefreshLocked arms the next refresh as a fresh delayed task,
// replacing any armed one. Retries are never busy-loops.
func (m *Manager) scheduleRefreshLocked(delay time.Duration) {
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
	}
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.Refresh(context.Background())
	})
}

// HandleUnauthorized is the reactive refresh contract: any caller that
// hits a 401 invokes it, the manager makes at most one refresh attempt,
// and the return value says whether the caller should retry its
// request. A refresh already in flight reports false; the caller's
// operation simply waits for its next scheduled attempt.
func (m *Manager) HandleUnauthorized(ctx context.Context) bool {
	return m.Refresh(ctx) == RefreshOK
}
