package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/fieldscout/synccore/internal/errors"
	"github.com/fieldscout/synccore/internal/models"
	"github.com/fieldscout/synccore/internal/store"
	"github.com/fieldscout/synccore/internal/uuid"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

// call records one backend delivery.
type call struct {
	kind models.OperationKind
	id   models.UUID
}

// fakeBackend scripts per-kind responses and records every delivery.
type fakeBackend struct {
	mu    sync.Mutex
	calls []call
	fail  map[models.OperationKind]error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{fail: make(map[models.OperationKind]error)}
}

func (f *fakeBackend) setError(kind models.OperationKind, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, kind)
	} else {
		f.fail[kind] = err
	}
}

func (f *fakeBackend) record(kind models.OperationKind, id models.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{kind: kind, id: id})
	return f.fail[kind]
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeBackend) callKinds() []models.OperationKind {
	f.mu.Lock()
	defer f.mu.Unlock()
	kinds := make([]models.OperationKind, len(f.calls))
	for i, c := range f.calls {
		kinds[i] = c.kind
	}
	return kinds
}

func (f *fakeBackend) CreateReport(ctx context.Context, payload []byte) error {
	var r models.SourceReport
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	return f.record(models.OperationCreate, r.ID)
}

func (f *fakeBackend) UpdateReport(ctx context.Context, id models.UUID, payload []byte) error {
	return f.record(models.OperationUpdate, id)
}

func (f *fakeBackend) DeleteReport(ctx context.Context, id models.UUID) error {
	return f.record(models.OperationDelete, id)
}

// fakeConn is a switchable connectivity gate.
type fakeConn struct {
	mu     sync.Mutex
	online bool
}

func (f *fakeConn) HasInternet() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.online
}

func (f *fakeConn) set(online bool) {
	f.mu.Lock()
	f.online = online
	f.mu.Unlock()
}

// fakeAuth scripts the mid-drain refresh result. onCall, when set, runs
// inside the hook before it returns.
type fakeAuth struct {
	mu     sync.Mutex
	result bool
	calls  int
	onCall func()
}

func (f *fakeAuth) HandleUnauthorized(ctx context.Context) bool {
	f.mu.Lock()
	f.calls++
	result := f.result
	hook := f.onCall
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return result
}

func (f *fakeAuth) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	q       *Queue
	backend *fakeBackend
	conn    *fakeConn
	auth    *fakeAuth
	dir     *store.Dir
}

// newFixture builds an offline queue over a temp directory. Backoff is
// set high enough that no retry timer fires during a test.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	backend := newFakeBackend()
	conn := &fakeConn{}
	auth := &fakeAuth{}
	q, err := New(dir, backend, conn, auth, nil, Config{
		BackoffBase: time.Hour,
		BackoffCap:  2 * time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)

	return &fixture{q: q, backend: backend, conn: conn, auth: auth, dir: dir}
}

// seeded builds a queue whose single create operation was loaded from
// disk rather than authored through Create, so no background drain is
// in flight and the test controls every drain call.
func seeded(t *testing.T) (*fixture, models.SourceReport) {
	t.Helper()
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	report := pointReport()
	report.ID = models.UUID(uuid.New())
	reports := store.NewCollection[models.SourceReport](dir, "reports")
	require.NoError(t, reports.Save([]models.SourceReport{report}))

	backend := newFakeBackend()
	conn := &fakeConn{}
	auth := &fakeAuth{}
	q, err := New(dir, backend, conn, auth, nil, Config{
		BackoffBase: time.Hour,
		BackoffCap:  2 * time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(q.Stop)
	require.Equal(t, 1, q.PendingCount(), "reconciliation should queue the create")

	return &fixture{q: q, backend: backend, conn: conn, auth: auth, dir: dir}, report
}

// waitDrained blocks until every queued operation has settled,
// regardless of whether a background or a manual drain did the work.
func (f *fixture) waitDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.q.PendingCount() == 0 }, waitFor, tick)
}

func pointReport() models.SourceReport {
	return models.SourceReport{
		Type:     "infestation",
		Geometry: models.PointGeometry(models.LatLng{Lat: 47.6, Lng: -122.3}),
	}
}

func strPtr(s string) *string { return &s }

func TestCreateEnqueuesAndPersists(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	assert.NoError(t, uuid.Validate(created.ID.String()), "queue should mint a valid id")
	assert.False(t, created.Synced)
	assert.Equal(t, models.ReportStatusOpen, created.Status)

	require.Equal(t, 1, f.q.PendingCount())
	op := f.q.PendingOperations()[0]
	assert.Equal(t, models.OperationCreate, op.Kind)
	assert.Equal(t, created.ID, op.EntityID)

	// Both documents survive a reload.
	q2, err := New(f.dir, f.backend, f.conn, f.auth, nil, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, nil)
	require.NoError(t, err)
	defer q2.Stop()
	assert.Equal(t, 1, q2.PendingCount())
	assert.Len(t, q2.Reports(), 1)
}

func TestCreateRejectsEmptyGeometry(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Create(context.Background(), models.SourceReport{Type: "infestation"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.Zero(t, f.q.PendingCount())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	f := newFixture(t)

	r := pointReport()
	r.ID = models.UUID(uuid.New())
	_, err := f.q.Create(context.Background(), r)
	require.NoError(t, err)

	_, err = f.q.Create(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, 1, f.q.PendingCount())
}

func TestCreateRejectsBadID(t *testing.T) {
	f := newFixture(t)

	r := pointReport()
	r.ID = "not-a-uuid"
	_, err := f.q.Create(context.Background(), r)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestUpdateCollapsesQueuedUpdates(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)

	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("first")}))
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("second")}))
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("third")}))

	// One create plus exactly one surviving update.
	stats := f.q.Stats()
	assert.Equal(t, 1, stats["create"])
	assert.Equal(t, 1, stats["update"])

	// The surviving payload carries the latest state.
	var op models.PendingOperation
	for _, o := range f.q.PendingOperations() {
		if o.Kind == models.OperationUpdate {
			op = o
		}
	}
	var snap models.SourceReport
	require.NoError(t, json.Unmarshal(op.Payload, &snap))
	assert.Equal(t, "third", snap.Note)

	r, ok := f.q.Report(created.ID)
	require.True(t, ok)
	assert.Equal(t, "third", r.Note)
}

func TestUpdateUnknownReport(t *testing.T) {
	f := newFixture(t)
	err := f.q.Update(context.Background(), models.UUID(uuid.New()), UpdatePatch{Note: strPtr("x")})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDeleteNeverSyncedIsLocalOnly(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("edit")}))

	require.NoError(t, f.q.Delete(context.Background(), created.ID))

	assert.Zero(t, f.q.PendingCount(), "create and update should annihilate with the delete")
	assert.Empty(t, f.q.Reports())

	// Nothing to drain, so the server never hears about it.
	f.conn.set(true)
	f.q.Drain(context.Background())
	assert.Zero(t, f.backend.callCount())
}

func TestDeleteSyncedQueuesSingleDelete(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	f.conn.set(true)
	f.q.Drain(context.Background())
	f.waitDrained(t)

	f.conn.set(false)
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("edit")}))
	require.NoError(t, f.q.Delete(context.Background(), created.ID))

	ops := f.q.PendingOperations()
	require.Len(t, ops, 1, "prior update must be stripped")
	assert.Equal(t, models.OperationDelete, ops[0].Kind)
	assert.Empty(t, f.q.Reports())
}

func TestDeleteUnknownReport(t *testing.T) {
	f := newFixture(t)
	err := f.q.Delete(context.Background(), models.UUID(uuid.New()))
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDrainMarksCreatedSynced(t *testing.T) {
	f, report := seeded(t)

	f.conn.set(true)
	f.q.Drain(context.Background())

	assert.Zero(t, f.q.PendingCount())
	r, ok := f.q.Report(report.ID)
	require.True(t, ok)
	assert.True(t, r.Synced)
	assert.False(t, f.q.LastDrain().IsZero())
}

func TestDrainOfflineLeavesQueueVerbatim(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("edit")}))

	before := f.q.PendingOperations()
	f.q.Drain(context.Background())

	after := f.q.PendingOperations()
	require.Equal(t, len(before), len(after))
	for i := range before {
		assert.Equal(t, before[i].OperationID, after[i].OperationID)
	}
	assert.Zero(t, f.backend.callCount())
}

func TestDrainOfflineRetriesUntilConnectivityReturns(t *testing.T) {
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	report := pointReport()
	report.ID = models.UUID(uuid.New())
	reports := store.NewCollection[models.SourceReport](dir, "reports")
	require.NoError(t, reports.Save([]models.SourceReport{report}))

	backend := newFakeBackend()
	conn := &fakeConn{}
	q, err := New(dir, backend, conn, nil, nil, Config{
		BackoffBase: 10 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer q.Stop()

	// The offline stop arms a recheck rather than parking the queue
	// until the next local mutation.
	q.Drain(context.Background())
	assert.Zero(t, backend.callCount())
	assert.Equal(t, 1, q.PendingCount())

	conn.set(true)
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, waitFor, tick)
	assert.Equal(t, 1, backend.callCount())
	r, ok := q.Report(report.ID)
	require.True(t, ok)
	assert.True(t, r.Synced)
}

func TestDrainStopsAtFirstRetryableFailure(t *testing.T) {
	f, report := seeded(t)

	f.backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 503})
	f.conn.set(true)
	f.q.Drain(context.Background())

	// The failed head stays at the front and nothing was removed.
	ops := f.q.PendingOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, report.ID, ops[0].EntityID)
	assert.Equal(t, 1, f.backend.callCount(), "batch must stop at the first failure")
	assert.Equal(t, 1, f.q.PendingCount())
}

func TestDrainFailureLeavesOtherEntitiesUntouched(t *testing.T) {
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	first := pointReport()
	first.ID = models.UUID(uuid.New())
	second := pointReport()
	second.ID = models.UUID(uuid.New())
	reports := store.NewCollection[models.SourceReport](dir, "reports")
	require.NoError(t, reports.Save([]models.SourceReport{first, second}))

	payload, err := json.Marshal(second)
	require.NoError(t, err)
	opsColl := store.NewCollection[models.PendingOperation](dir, "operations")
	require.NoError(t, opsColl.Save([]models.PendingOperation{{
		OperationID: models.UUID(uuid.New()),
		EntityID:    second.ID,
		Kind:        models.OperationUpdate,
		Payload:     payload,
		QueuedAt:    time.Now().UTC(),
	}}))

	backend := newFakeBackend()
	conn := &fakeConn{}
	q, err := New(dir, backend, conn, nil, nil, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, nil)
	require.NoError(t, err)
	defer q.Stop()

	// Reconciliation queues a create per report ahead of the surviving
	// update, so the batch holds operations for both entities.
	before := q.PendingOperations()
	require.Len(t, before, 3)

	backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 503})
	conn.set(true)
	q.Drain(context.Background())

	after := q.PendingOperations()
	require.Len(t, after, 3, "failure at the head must not consume later entities")
	for i := range before {
		assert.Equal(t, before[i].OperationID, after[i].OperationID)
		assert.Equal(t, before[i].EntityID, after[i].EntityID)
	}
	assert.Equal(t, 1, backend.callCount(), "batch stops at the first failure")
}

func TestDrainRepeatedFailuresReportStruggling(t *testing.T) {
	f, _ := seeded(t)

	f.backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 500})
	f.conn.set(true)
	for i := 0; i < 3; i++ {
		f.q.Drain(context.Background())
	}
	assert.True(t, f.q.Struggling())

	// A full success clears the streak.
	f.backend.setError(models.OperationCreate, nil)
	f.q.Drain(context.Background())
	assert.False(t, f.q.Struggling())
}

func TestDrainGoneOnUpdateDropsLocalReport(t *testing.T) {
	f := newFixture(t)

	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	f.conn.set(true)
	f.q.Drain(context.Background())
	f.waitDrained(t)

	f.conn.set(false)
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("edit")}))

	f.backend.setError(models.OperationUpdate, &apperrors.HTTPError{StatusCode: 404})
	f.conn.set(true)
	f.q.Drain(context.Background())
	f.waitDrained(t)

	_, ok := f.q.Report(created.ID)
	assert.False(t, ok, "report gone upstream should be removed locally")
}

func TestDrainDuplicateCreateMarksSynced(t *testing.T) {
	f, report := seeded(t)

	f.backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 409})
	f.conn.set(true)
	f.q.Drain(context.Background())

	assert.Zero(t, f.q.PendingCount())
	r, ok := f.q.Report(report.ID)
	require.True(t, ok)
	assert.True(t, r.Synced, "409 on create means the server already has it")
}

func TestDrainUnauthorizedRefreshesOnceAndReplays(t *testing.T) {
	f, report := seeded(t)

	// First delivery 401s; the refresh hook heals the backend so the
	// single replay succeeds.
	f.backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 401})
	f.auth.mu.Lock()
	f.auth.result = true
	f.auth.onCall = func() { f.backend.setError(models.OperationCreate, nil) }
	f.auth.mu.Unlock()

	f.conn.set(true)
	f.q.Drain(context.Background())

	assert.Equal(t, 1, f.auth.callCount())
	assert.Zero(t, f.q.PendingCount())
	assert.Equal(t, 2, f.backend.callCount(), "one failed delivery plus one replay")
	r, ok := f.q.Report(report.ID)
	require.True(t, ok)
	assert.True(t, r.Synced)
}

func TestDrainUnauthorizedRefreshFailedStaysQueued(t *testing.T) {
	f, _ := seeded(t)

	f.backend.setError(models.OperationCreate, &apperrors.HTTPError{StatusCode: 401})
	f.conn.set(true)
	f.q.Drain(context.Background())

	assert.Equal(t, 1, f.auth.callCount())
	assert.Equal(t, 1, f.q.PendingCount(), "unconfirmed auth failure is retryable")
	assert.Equal(t, 1, f.backend.callCount(), "no replay without a successful refresh")
}

func TestReconcileRequeuesOrphanedCreate(t *testing.T) {
	f, report := seeded(t)

	ops := f.q.PendingOperations()
	require.Len(t, ops, 1)
	assert.Equal(t, models.OperationCreate, ops[0].Kind)
	assert.Equal(t, report.ID, ops[0].EntityID)

	f.conn.set(true)
	f.q.Drain(context.Background())
	r, ok := f.q.Report(report.ID)
	require.True(t, ok)
	assert.True(t, r.Synced, "re-queued create must drain like any other")
}

func TestReconcileCreatePrecedesSurvivingUpdate(t *testing.T) {
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	orphan := pointReport()
	orphan.ID = models.UUID(uuid.New())
	reports := store.NewCollection[models.SourceReport](dir, "reports")
	require.NoError(t, reports.Save([]models.SourceReport{orphan}))

	payload, err := json.Marshal(orphan)
	require.NoError(t, err)
	opsColl := store.NewCollection[models.PendingOperation](dir, "operations")
	require.NoError(t, opsColl.Save([]models.PendingOperation{{
		OperationID: models.UUID(uuid.New()),
		EntityID:    orphan.ID,
		Kind:        models.OperationUpdate,
		Payload:     payload,
		QueuedAt:    time.Now().UTC(),
	}}))

	q, err := New(dir, newFakeBackend(), &fakeConn{}, nil, nil, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, nil)
	require.NoError(t, err)
	defer q.Stop()

	ops := q.PendingOperations()
	require.Len(t, ops, 2)
	assert.Equal(t, models.OperationCreate, ops[0].Kind, "re-queued create goes first")
	assert.Equal(t, models.OperationUpdate, ops[1].Kind)
}

func TestReconcileIdempotent(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)

	// Reopening over the same documents must not duplicate operations.
	q2, err := New(f.dir, f.backend, f.conn, f.auth, nil, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, nil)
	require.NoError(t, err)
	defer q2.Stop()
	assert.Equal(t, 1, q2.PendingCount())
}

func TestReconcileLeavesSyncedReportsAlone(t *testing.T) {
	dir, err := store.Open(t.TempDir())
	require.NoError(t, err)

	synced := pointReport()
	synced.ID = models.UUID(uuid.New())
	synced.Synced = true
	reports := store.NewCollection[models.SourceReport](dir, "reports")
	require.NoError(t, reports.Save([]models.SourceReport{synced}))

	q, err := New(dir, newFakeBackend(), &fakeConn{}, nil, nil, Config{BackoffBase: time.Hour, BackoffCap: 2 * time.Hour}, nil)
	require.NoError(t, err)
	defer q.Stop()
	assert.Zero(t, q.PendingCount())
}

func TestMergeRemoteWinsAndUnionsUnsynced(t *testing.T) {
	f := newFixture(t)

	local, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)

	remoteID := models.UUID(uuid.New())
	merged := f.q.MergeRemote([]models.SourceReport{{
		ID:       remoteID,
		Type:     "infestation",
		Status:   models.ReportStatusTreated,
		Geometry: models.PointGeometry(models.LatLng{Lat: 1, Lng: 2}),
	}})

	require.Len(t, merged, 2)
	byID := make(map[models.UUID]models.SourceReport, len(merged))
	for _, r := range merged {
		byID[r.ID] = r
	}
	assert.True(t, byID[remoteID].Synced, "remote reports load as synced")
	assert.False(t, byID[local.ID].Synced, "unsynced local report survives the merge")
}

func TestMergeDropsSyncedAbsentUpstream(t *testing.T) {
	f, report := seeded(t)

	f.conn.set(true)
	f.q.Drain(context.Background())

	merged := f.q.MergeRemote(nil)
	assert.Empty(t, merged, "synced report absent upstream was deleted there")
	_, ok := f.q.Report(report.ID)
	assert.False(t, ok)
}

func TestMergeRemoteOverwritesSyncedLocal(t *testing.T) {
	f, report := seeded(t)

	f.conn.set(true)
	f.q.Drain(context.Background())

	remote := report.Clone()
	remote.Status = models.ReportStatusClosed
	f.q.MergeRemote([]models.SourceReport{remote})

	r, ok := f.q.Report(report.ID)
	require.True(t, ok)
	assert.Equal(t, models.ReportStatusClosed, r.Status)
}

func TestOfflineLifecycleEndToEnd(t *testing.T) {
	f := newFixture(t)

	// Authored and edited offline.
	created, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	require.NoError(t, f.q.Update(context.Background(), created.ID, UpdatePatch{Note: strPtr("north field")}))

	// Connectivity returns; the drain runs create then update in order.
	f.conn.set(true)
	f.q.Drain(context.Background())
	f.waitDrained(t)

	assert.Equal(t, []models.OperationKind{models.OperationCreate, models.OperationUpdate}, f.backend.callKinds())

	// The authoritative pull now includes the report; the merge must not
	// duplicate it.
	remote := created.Clone()
	remote.Note = "north field"
	merged := f.q.MergeRemote([]models.SourceReport{remote})
	require.Len(t, merged, 1)
	assert.True(t, merged[0].Synced)
}

func TestBackoffDelayProgression(t *testing.T) {
	f := newFixture(t)
	f.q.backoffBase = 5 * time.Second
	f.q.backoffCap = 300 * time.Second

	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		20 * time.Second,
		40 * time.Second,
		80 * time.Second,
		160 * time.Second,
		300 * time.Second,
		300 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, f.q.backoffDelay(i+1), "failure %d", i+1)
	}
}

func TestNotifyCoalesces(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)
	_, err = f.q.Create(context.Background(), pointReport())
	require.NoError(t, err)

	select {
	case <-f.q.Notify():
	default:
		t.Fatal("expected a pending change token")
	}
	select {
	case <-f.q.Notify():
		t.Fatal("tokens must coalesce to one per burst")
	default:
	}
}
