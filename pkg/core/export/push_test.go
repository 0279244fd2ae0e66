package export

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/models"
)

// fakeExports is an in-memory Store/AckStore with the repo's CAS semantics.
type fakeExports struct {
	rows            map[uuid.UUID]*models.ERPExport
	insertConflicts int   // next N inserts fail as filename conflicts
	insertErr       error // non-conflict insert failure
}

func newFakeExports() *fakeExports {
	return &fakeExports{rows: map[uuid.UUID]*models.ERPExport{}}
}

func (f *fakeExports) Insert(ctx context.Context, e *models.ERPExport) error {
	if f.insertConflicts > 0 {
		f.insertConflicts--
		return errs.Errorf(errs.KindConflict, "fake.insert", "filename %s taken", e.Filename)
	}
	if f.insertErr != nil {
		return f.insertErr
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	f.rows[e.ID] = &cp
	return nil
}

func (f *fakeExports) Get(ctx context.Context, orgID, id uuid.UUID) (*models.ERPExport, error) {
	e, ok := f.rows[id]
	if !ok {
		return nil, errs.Errorf(errs.KindNotFound, "fake.get", "export %s", id)
	}
	cp := *e
	return &cp, nil
}

func (f *fakeExports) ByIdempotencyHash(ctx context.Context, orgID uuid.UUID, hash string, ttl time.Duration) (*models.ERPExport, error) {
	for _, e := range f.rows {
		if e.IdempotencyHash != nil && *e.IdempotencyHash == hash {
			cp := *e
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeExports) CountForDraft(ctx context.Context, orgID, draftID uuid.UUID) (int, error) {
	n := 0
	for _, e := range f.rows {
		if e.DraftID == draftID {
			n++
		}
	}
	return n, nil
}

func (f *fakeExports) MarkSent(ctx context.Context, orgID, id uuid.UUID, storageKey, dropzonePath string) error {
	e := f.rows[id]
	if e == nil || e.Status != models.ExportPending {
		return errs.Errorf(errs.KindConflict, "fake.mark_sent", "not PENDING")
	}
	e.Status = models.ExportSent
	e.StorageKey = &storageKey
	e.DropzonePath = &dropzonePath
	return nil
}

func (f *fakeExports) MarkFailed(ctx context.Context, orgID, id uuid.UUID, errorJSON json.RawMessage) error {
	e := f.rows[id]
	if e == nil {
		return errs.Errorf(errs.KindNotFound, "fake.mark_failed", "export %s", id)
	}
	e.Status = models.ExportFailed
	e.ErrorJSON = errorJSON
	return nil
}

func (f *fakeExports) MarkAcked(ctx context.Context, orgID, id uuid.UUID, erpOrderID string, ackedAt time.Time) error {
	e := f.rows[id]
	if e == nil || e.Status != models.ExportSent {
		return errs.Errorf(errs.KindConflict, "fake.mark_acked", "not SENT")
	}
	e.Status = models.ExportAcked
	e.ERPOrderID = &erpOrderID
	e.AcknowledgedAt = &ackedAt
	return nil
}

func (f *fakeExports) ByFilename(ctx context.Context, draftID uuid.UUID, filename string) (*models.ERPExport, error) {
	for _, e := range f.rows {
		if e.DraftID == draftID && e.Filename == filename {
			return e, nil
		}
	}
	return nil, errs.Errorf(errs.KindNotFound, "fake.by_filename", "no export for %s", filename)
}

// fakeFlow mirrors the draft state machine for push states.
type fakeFlow struct {
	status      models.DraftStatus
	failReasons []string
}

func (f *fakeFlow) BeginPush(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	if f.status != models.DraftApproved {
		return errs.Errorf(errs.KindConflict, "fake.begin_push", "draft is %s", f.status)
	}
	f.status = models.DraftPushing
	return nil
}

func (f *fakeFlow) RetryPush(ctx context.Context, orgID, id uuid.UUID, actor string) error {
	if f.status != models.DraftError {
		return errs.Errorf(errs.KindConflict, "fake.retry_push", "draft is %s", f.status)
	}
	f.status = models.DraftPushing
	return nil
}

func (f *fakeFlow) CompletePush(ctx context.Context, orgID, id uuid.UUID, actor string, exportID uuid.UUID) error {
	if f.status != models.DraftPushing {
		return errs.Errorf(errs.KindConflict, "fake.complete_push", "draft is %s", f.status)
	}
	f.status = models.DraftPushed
	return nil
}

func (f *fakeFlow) FailPush(ctx context.Context, orgID, id uuid.UUID, actor, reason string) error {
	if f.status != models.DraftPushing {
		return errs.Errorf(errs.KindConflict, "fake.fail_push", "draft is %s", f.status)
	}
	f.status = models.DraftError
	f.failReasons = append(f.failReasons, reason)
	return nil
}

type failingStorage struct {
	err error
}

func (s *failingStorage) Put(ctx context.Context, key string, data []byte, contentType string) error {
	return s.err
}
func (s *failingStorage) Get(ctx context.Context, key string) ([]byte, error) { return nil, s.err }
func (s *failingStorage) Delete(ctx context.Context, key string) error        { return s.err }
func (s *failingStorage) List(ctx context.Context, prefix string) ([]string, error) {
	return nil, s.err
}

func pushRequest(t *testing.T, dir string) Request {
	t.Helper()
	draft, lines, customer := approvedDraft()
	return Request{
		OrgID:          uuid.New(),
		OrgSlug:        "acme",
		Draft:          draft,
		Lines:          lines,
		Customer:       customer,
		ConnectionID:   uuid.New(),
		Actor:          "reviewer@example.com",
		IdempotencyTTL: 24 * time.Hour,
		DropzoneDir:    dir,
	}
}

func TestPushHappyPath(t *testing.T) {
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftApproved}
	storage := ports.NewMemoryStorage()
	dz := ports.NewFSDropzone(t.TempDir())
	p := NewPusher(exports, flow, storage, dz, nil, nil)

	req := pushRequest(t, "orders")
	exp, err := p.Push(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.ExportSent, exp.Status)
	assert.Equal(t, models.DraftPushed, flow.status)

	// The file landed in both destinations with identical bytes.
	stored, err := storage.Get(context.Background(), fmt.Sprintf("exports/%s/%s", req.OrgID, exp.Filename))
	require.NoError(t, err)
	dropped, err := dz.Read("orders", exp.Filename)
	require.NoError(t, err)
	assert.Equal(t, stored, dropped)
	assert.Contains(t, string(dropped), `"draft_order_id": "`+req.Draft.ID.String()+`"`)
}

func TestPushIdempotentReplay(t *testing.T) {
	srv := miniredis.RunT(t)
	cache := ports.NewRedisCache(srv.Addr(), "", 0, "idem")
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), cache, nil)

	req := pushRequest(t, "orders")
	req.IdempotencyKey = "push-once"

	first, err := p.Push(context.Background(), req)
	require.NoError(t, err)

	// The duplicate returns the original export and leaves the draft alone.
	second, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, models.DraftPushed, flow.status)
	require.Len(t, exports.rows, 1)
}

func TestPushIdempotentReplayWithoutCache(t *testing.T) {
	// Cache outage: the attempt-table fallback still resolves the key.
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	req := pushRequest(t, "orders")
	req.IdempotencyKey = "push-once"

	first, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	second, err := p.Push(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	require.Len(t, exports.rows, 1)
}

func TestPushWithoutKeyOnPushedDraftConflicts(t *testing.T) {
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftPushed}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	_, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	assert.Empty(t, exports.rows)
}

func TestPushRetriesFromError(t *testing.T) {
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftError}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	exp, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.NoError(t, err)
	assert.Equal(t, models.ExportSent, exp.Status)
	assert.Equal(t, models.DraftPushed, flow.status)
}

func TestPushFilenameCollisionRetriesOnce(t *testing.T) {
	exports := newFakeExports()
	exports.insertConflicts = 1
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	exp, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.NoError(t, err)
	assert.Equal(t, models.ExportSent, exp.Status)
}

func TestPushDoubleCollisionFails(t *testing.T) {
	exports := newFakeExports()
	exports.insertConflicts = 2
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	_, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NAME_COLLISION")
	assert.Equal(t, models.DraftError, flow.status)
	assert.Equal(t, []string{"NAME_COLLISION"}, flow.failReasons)
}

func TestPushTransientInsertFailureReason(t *testing.T) {
	exports := newFakeExports()
	exports.insertErr = errs.Errorf(errs.KindTransient, "fake.insert", "connection reset")
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, ports.NewMemoryStorage(), ports.NewFSDropzone(t.TempDir()), nil, nil)

	_, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
	assert.Equal(t, models.DraftError, flow.status)
	// A flaky insert is not a filename collision; the audit trail says so.
	assert.Equal(t, []string{"TRANSIENT"}, flow.failReasons)
}

func TestPushTransientStorageFailure(t *testing.T) {
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, &failingStorage{err: fmt.Errorf("connection reset")}, ports.NewFSDropzone(t.TempDir()), nil, nil)

	_, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.Error(t, err)
	assert.True(t, errs.Retryable(err))
	assert.Equal(t, models.DraftError, flow.status)
	require.Len(t, exports.rows, 1)
	for _, e := range exports.rows {
		assert.Equal(t, models.ExportFailed, e.Status)
		assert.Contains(t, string(e.ErrorJSON), "connection reset")
	}
}

func TestPushAuthFailureIsNotRetryable(t *testing.T) {
	exports := newFakeExports()
	flow := &fakeFlow{status: models.DraftApproved}
	p := NewPusher(exports, flow, &failingStorage{err: fmt.Errorf("ssh: unable to authenticate")}, ports.NewFSDropzone(t.TempDir()), nil, nil)

	_, err := p.Push(context.Background(), pushRequest(t, "orders"))
	require.Error(t, err)
	assert.False(t, errs.Retryable(err))
	assert.True(t, errs.IsKind(err, errs.KindAuthorization))
}
