// Package auth manages the credential lifecycle: session restore,
// sign-in, scheduled and reactive token refresh, and sign-out. The
// manager is the sole holder of the bearer token and tenant id; every
// other component reads them through the TokenProvider interface.
//
// Refresh is deliberately pessimistic about signing out. One server
// error that happens to arrive as a 400/401 must not kill a field
// session, so only a response whose body matches a known expiry
// signature counts as confirmed, and sign-out needs two confirmed
// rejections in a row.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/fieldscout/synccore/internal/backend"
	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/logging"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/store"
)

// State is the lifecycle position.
type State string

const (
	StateSignedOut      State = "signed_out"
	StateAuthenticating State = "authenticating"
	StateAuthenticated  State = "authenticated"
	StateRefreshPending State = "refresh_pending"
)

// RefreshResult classifies one Refresh call.
type RefreshResult int

const (
	// RefreshSkipped: another refresh was in flight, or connectivity
	// gating deferred the attempt. No network request was made.
	RefreshSkipped RefreshResult = iota
	// RefreshOK: a fresh token pair is installed.
	RefreshOK
	// RefreshRetrying: the attempt failed recoverably; a delayed retry
	// is scheduled and the session survives.
	RefreshRetrying
	// RefreshSignedOut: two consecutive confirmed rejections; the
	// session is destroyed.
	RefreshSignedOut
)

// API is the slice of the backend client the manager needs.
type API interface {
	SignIn(ctx context.Context, email, password string) (backend.TokenPair, error)
	RefreshGrant(ctx context.Context, refreshToken string) (backend.TokenPair, error)
	FetchTenantBinding(ctx context.Context, accessToken string, userID models.UUID) (models.UUID, error)
	FetchTenantName(ctx context.Context, accessToken string, tenantID models.UUID) (string, error)
}

// Network gates refresh attempts. Satisfied by the connectivity
// classifier.
type Network interface {
	HasInternet() bool
	IsTransitioning(window time.Duration) bool
}

// Config holds refresh tunables.
type Config struct {
	RefreshInterval  time.Duration // proactive refresh cadence, default 10m
	BackoffBase      time.Duration // first retry delay, default 1m
	BackoffCap       time.Duration // maximum retry delay, default 15m
	TransitionWindow time.Duration // defer refresh this close to a path change
}

// Event is one lifecycle state change, broadcast to subscribers.
type Event struct {
	State    State
	TenantID models.UUID
}

// Manager is the credential lifecycle manager.
type Manager struct {
	api      API
	network  Network
	session  *store.Document[models.Credential]
	rejected apperrors.RejectionClassifier
	now      func() time.Time
	cfg      Config

	mu           sync.Mutex
	state        State
	cred         *models.Credential
	isRefreshing bool
	retryCount   int // transient retry streak, for backoff sizing only
	refreshTimer *time.Timer

	subs []chan Event
}

// New creates a manager. rejected defaults to errors.ExpirySignatures;
// now defaults to wall-clock time.
func New(api API, network Network, session *store.Document[models.Credential], rejected apperrors.RejectionClassifier, cfg Config, now func() time.Time) *Manager {
	if rejected == nil {
		rejected = apperrors.ExpirySignatures
	}
	if now == nil {
		now = time.Now
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Minute
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 15 * time.Minute
	}
	if cfg.TransitionWindow <= 0 {
		cfg.TransitionWindow = 1500 * time.Millisecond
	}
	return &Manager{
		api:      api,
		network:  network,
		session:  session,
		rejected: rejected,
		now:      now,
		cfg:      cfg,
		state:    StateSignedOut,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// AccessToken implements backend.TokenProvider.
func (m *Manager) AccessToken() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.AccessToken
}

// TenantID implements backend.TokenProvider.
func (m *Manager) TenantID() models.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.TenantID
}

// TenantName returns the tenant display name, if known.
func (m *Manager) TenantName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cred == nil {
		return ""
	}
	return m.cred.TenantName
}

// Subscribe registers for lifecycle events. Sends never block.
func (m *Manager) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, s := range m.subs {
			if s == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				break
			}
		}
	}
	return ch, cancel
}

// Restore loads a persisted session. A missing or corrupt session
// document leaves the manager signed out; it is not an error.
func (m *Manager) Restore(ctx context.Context) error {
	cred, ok, err := m.session.Load()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "loading session", err)
	}
	if !ok {
		return nil
	}
	if !cred.HasTenant() {
		// A session without a tenant is unusable; discard it.
		logging.Warn("discarding persisted session without tenant binding", nil)
		return m.session.Delete()
	}

	m.mu.Lock()
	m.cred = &cred
	m.setStateLocked(StateAuthenticated)
	m.mu.Unlock()

	logging.Info("session restored", map[string]interface{}{"tenant_id": cred.TenantID})

	// The restored access token is of unknown age; refresh immediately
	// rather than waiting for the first 401.
	go m.Refresh(ctx)
	return nil
}

// SignIn exchanges credentials for a session. The tenant binding is
// mandatory: a token pair without a tenant is discarded and sign-in
// fails. Tenant display metadata is best-effort and never blocks.
func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	m.mu.Lock()
	if m.state == StateAuthenticating {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrSignInFailed, "sign-in already in progress")
	}
	m.setStateLocked(StateAuthenticating)
	m.mu.Unlock()

	fail := func(code apperrors.ErrorCode, msg string, err error) error {
		m.mu.Lock()
		m.setStateLocked(StateSignedOut)
		m.mu.Unlock()
		return apperrors.Wrap(code, msg, err)
	}

	pair, err := m.api.SignIn(ctx, email, password)
	if err != nil {
		return fail(apperrors.ErrSignInFailed, "exchanging credentials", err)
	}

	userID := models.UUID(pair.UserID)
	tenantID, err := m.api.FetchTenantBinding(ctx, pair.AccessToken, userID)
	if err != nil {
		// No session without a tenant.
		return fail(apperrors.ErrNoTenant, "fetching tenant binding", err)
	}

	tenantName, err := m.api.FetchTenantName(ctx, pair.AccessToken, tenantID)
	if err != nil {
		logging.Warn("tenant metadata fetch failed; continuing without name",
			map[string]interface{}{"tenant_id": tenantID, "error": err.Error()})
		tenantName = ""
	}

	cred := models.Credential{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		UserID:       userID,
		TenantID:     tenantID,
		TenantName:   tenantName,
		IssuedAt:     m.now().UTC(),
	}

	m.mu.Lock()
	m.cred = &cred
	m.retryCount = 0
	m.setStateLocked(StateAuthenticated)
	m.scheduleRefreshLocked(m.cfg.RefreshInterval)
	m.mu.Unlock()

	if err := m.session.Save(cred); err != nil {
		logging.Error("failed to persist session", err, nil)
	}

	logging.Info("signed in", map[string]interface{}{"tenant_id": tenantID})
	return nil
}

// SignOut destroys the session.
func (m *Manager) SignOut() {
	m.mu.Lock()
	m.cred = nil
	m.retryCount = 0
	if m.refreshTimer != nil {
		m.refreshTimer.Stop()
		m.refreshTimer = nil
	}
	m.setStateLocked(StateSignedOut)
	m.mu.Unlock()

	if err := m.session.Delete(); err != nil {
		logging.Error("failed to delete session document", err, nil)
	}
	logging.Info("signed out", nil)
}

// setStateLocked transitions the state and broadcasts.
func (m *Manager) setStateLocked(next State) {
	if m.state == next {
		return
	}
	m.state = next
	ev := Event{State: next}
	if m.cred != nil {
		ev.TenantID = m.cred.TenantID
	}
	subs := append([]chan Event(nil), m.subs...)
	go func() {
		for _, ch := range subs {
			select {
			case ch <- ev:
			default:
			}
		}
	}()
}
