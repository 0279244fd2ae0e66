// Package retention ages out stored documents and AI call logs. Documents are
// soft-deleted per org-configurable policy after their blob is removed; call
// logs are hard-deleted on a fixed horizon.
package retention

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"orderflow/pkg/core/config"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// BatchSize bounds one delete round trip.
const BatchSize = 1000

// OrgLister enumerates tenants with their settings documents.
type OrgLister interface {
	List(ctx context.Context) ([]models.Org, error)
}

// DocStore is the document surface the purger needs.
type DocStore interface {
	Get(ctx context.Context, orgID, id uuid.UUID) (*models.Document, error)
	ExpiredBatch(ctx context.Context, orgID uuid.UUID, cutoff time.Time, limit int) ([]models.Document, error)
	StorageKeyRefs(ctx context.Context, orgID uuid.UUID, storageKey string) (int, error)
	MarkDeleted(ctx context.Context, orgID, id uuid.UUID) error
}

// CallLogStore hard-deletes aged AI call logs.
type CallLogStore interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// BlobStore removes stored document blobs.
type BlobStore interface {
	Delete(ctx context.Context, key string) error
}

// Auditor records manual deletions.
type Auditor interface {
	Insert(ctx context.Context, a *models.AuditLog) error
}

// Purger runs the retention policy. RunOnce is idempotent: a second run over
// an unchanged corpus deletes nothing.
type Purger struct {
	Orgs     OrgLister
	Docs     DocStore
	CallLogs CallLogStore
	Blobs    BlobStore
	Audit    Auditor
	Defaults config.Tunables
	Log      *zap.Logger
	Now      func() time.Time
}

func NewPurger(orgs OrgLister, docs DocStore, callLogs CallLogStore, blobs BlobStore, audit Auditor, defaults config.Tunables, log *zap.Logger) *Purger {
	if log == nil {
		log = zap.NewNop()
	}
	return &Purger{
		Orgs:     orgs,
		Docs:     docs,
		CallLogs: callLogs,
		Blobs:    blobs,
		Audit:    audit,
		Defaults: defaults,
		Log:      log,
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// Summary is the outcome of one retention run.
type Summary struct {
	Orgs             int
	DocumentsPurged  int
	DocumentsSkipped int
	CallLogsPurged   int64
}

// RunOnce sweeps every org's expired documents, then the global call-log
// horizon. Blob deletion failures leave the row untouched so the next run
// retries them.
func (p *Purger) RunOnce(ctx context.Context) (Summary, error) {
	var sum Summary

	orgs, err := p.Orgs.List(ctx)
	if err != nil {
		return sum, err
	}
	for _, org := range orgs {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		purged, skipped, err := p.purgeOrgDocuments(ctx, org)
		sum.DocumentsPurged += purged
		sum.DocumentsSkipped += skipped
		if err != nil {
			p.Log.Error("document purge aborted for org",
				zap.String("org_id", org.ID.String()), zap.Error(err))
			continue
		}
		sum.Orgs++
	}

	purgedLogs, err := p.purgeCallLogs(ctx)
	sum.CallLogsPurged = purgedLogs
	if err != nil {
		return sum, err
	}

	p.Log.Info("retention run finished",
		zap.Int("orgs", sum.Orgs),
		zap.Int("documents_purged", sum.DocumentsPurged),
		zap.Int("documents_skipped", sum.DocumentsSkipped),
		zap.Int64("call_logs_purged", sum.CallLogsPurged))
	return sum, nil
}

func (p *Purger) purgeOrgDocuments(ctx context.Context, org models.Org) (purged, skipped int, err error) {
	settings, err := config.DecodeOrgSettings(org.Settings)
	if err != nil {
		// A corrupt settings blob must not silently fall back to a
		// shorter horizon.
		return 0, 0, err
	}
	days := settings.Resolve(p.Defaults).RawDocumentRetentionDays
	cutoff := p.Now().AddDate(0, 0, -days)

	for {
		batch, err := p.Docs.ExpiredBatch(ctx, org.ID, cutoff, BatchSize)
		if err != nil {
			return purged, skipped, err
		}
		if len(batch) == 0 {
			return purged, skipped, nil
		}
		done := 0
		for _, doc := range batch {
			if ctx.Err() != nil {
				return purged, skipped, ctx.Err()
			}
			if err := p.purgeDocument(ctx, doc); err != nil {
				skipped++
				p.Log.Warn("document not purged",
					zap.String("document_id", doc.ID.String()), zap.Error(err))
				continue
			}
			purged++
			done++
		}
		// A batch where nothing moved would repeat forever.
		if done == 0 || len(batch) < BatchSize {
			return purged, skipped, nil
		}
	}
}

// purgeDocument removes the blob first, then soft-deletes the row. Blobs
// shared with a live duplicate row stay in place.
func (p *Purger) purgeDocument(ctx context.Context, doc models.Document) error {
	if doc.StorageKey != "" {
		refs, err := p.Docs.StorageKeyRefs(ctx, doc.OrgID, doc.StorageKey)
		if err != nil {
			return err
		}
		if refs <= 1 {
			if err := p.Blobs.Delete(ctx, doc.StorageKey); err != nil {
				return err
			}
		}
	}
	return p.Docs.MarkDeleted(ctx, doc.OrgID, doc.ID)
}

func (p *Purger) purgeCallLogs(ctx context.Context) (int64, error) {
	cutoff := p.Now().AddDate(0, 0, -p.Defaults.AICallLogRetentionDays)
	var total int64
	for {
		n, err := p.CallLogs.DeleteOlderThan(ctx, cutoff, BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < BatchSize {
			return total, nil
		}
	}
}

// ManualDelete removes one document immediately on an admin's request,
// regardless of age, and leaves a MANUAL_DELETE audit entry.
func (p *Purger) ManualDelete(ctx context.Context, orgID, docID uuid.UUID, actor string) error {
	doc, err := p.Docs.Get(ctx, orgID, docID)
	if err != nil {
		return err
	}
	if doc.Status == models.DocDeleted {
		return errs.Errorf(errs.KindConflict, "retention.manual_delete", "document %s already deleted", docID)
	}
	if err := p.purgeDocument(ctx, *doc); err != nil {
		return err
	}

	details, _ := json.Marshal(map[string]string{
		"document_id": docID.String(),
		"filename":    doc.Filename,
	})
	entry := &models.AuditLog{
		OrgID:   orgID,
		Action:  "MANUAL_DELETE",
		Actor:   actor,
		Details: details,
	}
	if err := p.Audit.Insert(ctx, entry); err != nil {
		p.Log.Error("audit entry lost", zap.String("action", "MANUAL_DELETE"), zap.Error(err))
		return err
	}
	p.Log.Info("document deleted manually",
		zap.String("org_id", orgID.String()),
		zap.String("document_id", docID.String()),
		zap.String("actor", actor))
	return nil
}
