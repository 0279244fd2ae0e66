package retention

import (
	"context"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/pkg/core/config"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/ports"
	"orderflow/pkg/models"
)

type fakeOrgs struct {
	orgs []models.Org
}

func (f *fakeOrgs) List(ctx context.Context) ([]models.Org, error) {
	return f.orgs, nil
}

type fakeDocs struct {
	rows    map[uuid.UUID]*models.Document
	created map[uuid.UUID]time.Time
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{rows: map[uuid.UUID]*models.Document{}, created: map[uuid.UUID]time.Time{}}
}

func (f *fakeDocs) add(orgID uuid.UUID, key string, age time.Duration) *models.Document {
	d := &models.Document{
		ID:         uuid.New(),
		OrgID:      orgID,
		Filename:   "order.pdf",
		Status:     models.DocExtracted,
		StorageKey: key,
	}
	f.rows[d.ID] = d
	f.created[d.ID] = time.Now().UTC().Add(-age)
	return d
}

func (f *fakeDocs) Get(ctx context.Context, orgID, id uuid.UUID) (*models.Document, error) {
	d, ok := f.rows[id]
	if !ok || d.OrgID != orgID {
		return nil, errs.Errorf(errs.KindNotFound, "fake.get", "document %s", id)
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) ExpiredBatch(ctx context.Context, orgID uuid.UUID, cutoff time.Time, limit int) ([]models.Document, error) {
	var out []models.Document
	for id, d := range f.rows {
		if d.OrgID == orgID && d.Status != models.DocDeleted && f.created[id].Before(cutoff) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return f.created[out[i].ID].Before(f.created[out[j].ID])
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeDocs) StorageKeyRefs(ctx context.Context, orgID uuid.UUID, storageKey string) (int, error) {
	n := 0
	for _, d := range f.rows {
		if d.OrgID == orgID && d.StorageKey == storageKey && d.Status != models.DocDeleted {
			n++
		}
	}
	return n, nil
}

func (f *fakeDocs) MarkDeleted(ctx context.Context, orgID, id uuid.UUID) error {
	d := f.rows[id]
	if d == nil || d.OrgID != orgID {
		return errs.Errorf(errs.KindNotFound, "fake.mark_deleted", "document %s", id)
	}
	d.Status = models.DocDeleted
	d.StorageKey = ""
	return nil
}

type fakeCalls struct {
	ages []time.Time
}

func (f *fakeCalls) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var keep []time.Time
	var n int64
	for _, at := range f.ages {
		if at.Before(cutoff) && n < int64(limit) {
			n++
			continue
		}
		keep = append(keep, at)
	}
	f.ages = keep
	return n, nil
}

type memAudit struct {
	entries []models.AuditLog
}

func (a *memAudit) Insert(ctx context.Context, entry *models.AuditLog) error {
	a.entries = append(a.entries, *entry)
	return nil
}

type failingBlobs struct{}

func (failingBlobs) Delete(ctx context.Context, key string) error {
	return fmt.Errorf("bucket unavailable")
}

func newPurger(orgs *fakeOrgs, docs *fakeDocs, calls *fakeCalls, blobs BlobStore, audit *memAudit) *Purger {
	return NewPurger(orgs, docs, calls, blobs, audit, config.Tunables{
		RawDocumentRetentionDays: 365,
		AICallLogRetentionDays:   90,
	}, nil)
}

func TestRunOncePurgesExpiredDocuments(t *testing.T) {
	orgID := uuid.New()
	orgs := &fakeOrgs{orgs: []models.Org{{ID: orgID, Slug: "acme"}}}
	docs := newFakeDocs()
	blobs := ports.NewMemoryStorage()
	ctx := context.Background()

	old1 := docs.add(orgID, "docs/a", 400*24*time.Hour)
	old2 := docs.add(orgID, "docs/b", 366*24*time.Hour)
	fresh := docs.add(orgID, "docs/c", 10*24*time.Hour)
	for _, key := range []string{"docs/a", "docs/b", "docs/c"} {
		require.NoError(t, blobs.Put(ctx, key, []byte("pdf"), "application/pdf"))
	}

	p := newPurger(orgs, docs, &fakeCalls{}, blobs, &memAudit{})
	sum, err := p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.DocumentsPurged)
	assert.Zero(t, sum.DocumentsSkipped)

	for _, d := range []*models.Document{old1, old2} {
		assert.Equal(t, models.DocDeleted, docs.rows[d.ID].Status)
		assert.Empty(t, docs.rows[d.ID].StorageKey)
	}
	assert.Equal(t, models.DocExtracted, docs.rows[fresh.ID].Status)

	_, err = blobs.Get(ctx, "docs/a")
	assert.Error(t, err)
	_, err = blobs.Get(ctx, "docs/c")
	assert.NoError(t, err)

	// Second run over the unchanged corpus is a no-op.
	sum, err = p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, sum.DocumentsPurged)
}

func TestOrgRetentionOverride(t *testing.T) {
	orgID := uuid.New()
	orgs := &fakeOrgs{orgs: []models.Org{{
		ID:       orgID,
		Slug:     "shortlived",
		Settings: []byte(`{"raw_document_retention_days": 30}`),
	}}}
	docs := newFakeDocs()
	blobs := ports.NewMemoryStorage()
	doc := docs.add(orgID, "docs/a", 60*24*time.Hour)
	require.NoError(t, blobs.Put(context.Background(), "docs/a", []byte("pdf"), "application/pdf"))

	p := newPurger(orgs, docs, &fakeCalls{}, blobs, &memAudit{})
	sum, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.DocumentsPurged)
	assert.Equal(t, models.DocDeleted, docs.rows[doc.ID].Status)
}

func TestSharedBlobSurvivesUntilLastReference(t *testing.T) {
	orgID := uuid.New()
	orgs := &fakeOrgs{orgs: []models.Org{{ID: orgID}}}
	docs := newFakeDocs()
	blobs := ports.NewMemoryStorage()
	ctx := context.Background()

	// A reupload shares the blob; only the older row has expired.
	old := docs.add(orgID, "docs/shared", 400*24*time.Hour)
	live := docs.add(orgID, "docs/shared", 5*24*time.Hour)
	require.NoError(t, blobs.Put(ctx, "docs/shared", []byte("pdf"), "application/pdf"))

	p := newPurger(orgs, docs, &fakeCalls{}, blobs, &memAudit{})
	_, err := p.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, models.DocDeleted, docs.rows[old.ID].Status)
	assert.Equal(t, models.DocExtracted, docs.rows[live.ID].Status)
	_, err = blobs.Get(ctx, "docs/shared")
	assert.NoError(t, err)
}

func TestBlobFailureLeavesRowForNextRun(t *testing.T) {
	orgID := uuid.New()
	orgs := &fakeOrgs{orgs: []models.Org{{ID: orgID}}}
	docs := newFakeDocs()
	doc := docs.add(orgID, "docs/a", 400*24*time.Hour)

	p := newPurger(orgs, docs, &fakeCalls{}, failingBlobs{}, &memAudit{})
	sum, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.DocumentsPurged)
	assert.Equal(t, 1, sum.DocumentsSkipped)
	assert.Equal(t, models.DocExtracted, docs.rows[doc.ID].Status)
}

func TestCorruptSettingsAbortsOrgOnly(t *testing.T) {
	orgID := uuid.New()
	orgs := &fakeOrgs{orgs: []models.Org{{
		ID:       orgID,
		Settings: []byte(`{"no_such_knob": true}`),
	}}}
	docs := newFakeDocs()
	doc := docs.add(orgID, "docs/a", 400*24*time.Hour)

	p := newPurger(orgs, docs, &fakeCalls{}, ports.NewMemoryStorage(), &memAudit{})
	sum, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Orgs)
	assert.Equal(t, models.DocExtracted, docs.rows[doc.ID].Status)
}

func TestCallLogHorizonDrainsInBatches(t *testing.T) {
	calls := &fakeCalls{}
	oldAt := time.Now().UTC().AddDate(0, 0, -120)
	for i := 0; i < 2*BatchSize+500; i++ {
		calls.ages = append(calls.ages, oldAt)
	}
	calls.ages = append(calls.ages, time.Now().UTC().AddDate(0, 0, -10))

	p := newPurger(&fakeOrgs{}, newFakeDocs(), calls, ports.NewMemoryStorage(), &memAudit{})
	sum, err := p.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2*BatchSize+500), sum.CallLogsPurged)
	assert.Len(t, calls.ages, 1)
}

func TestManualDelete(t *testing.T) {
	orgID := uuid.New()
	docs := newFakeDocs()
	blobs := ports.NewMemoryStorage()
	audit := &memAudit{}
	ctx := context.Background()

	doc := docs.add(orgID, "docs/a", time.Hour)
	require.NoError(t, blobs.Put(ctx, "docs/a", []byte("pdf"), "application/pdf"))

	p := newPurger(&fakeOrgs{}, docs, &fakeCalls{}, blobs, audit)
	require.NoError(t, p.ManualDelete(ctx, orgID, doc.ID, "admin@example.com"))

	assert.Equal(t, models.DocDeleted, docs.rows[doc.ID].Status)
	_, err := blobs.Get(ctx, "docs/a")
	assert.Error(t, err)

	require.Len(t, audit.entries, 1)
	entry := audit.entries[0]
	assert.Equal(t, "MANUAL_DELETE", entry.Action)
	assert.Equal(t, "admin@example.com", entry.Actor)
	assert.Contains(t, string(entry.Details), doc.ID.String())

	// Deleting twice is a conflict, not a silent success.
	err = p.ManualDelete(ctx, orgID, doc.ID, "admin@example.com")
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindConflict))
	assert.Len(t, audit.entries, 1)
}
