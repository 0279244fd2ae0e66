package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// DocumentRepo persists inbound messages and documents.
type DocumentRepo struct {
	pool *pgxpool.Pool
}

// InsertMessage records one inbound artifact. The (org, dedup_key) unique
// constraint makes re-delivered emails a no-op; the existing row is returned.
func (r *DocumentRepo) InsertMessage(ctx context.Context, m *models.InboundMessage) (*models.InboundMessage, error) {
	const op = "store.documents.insert_message"
	row := r.pool.QueryRow(ctx, `
		INSERT INTO inbound_messages (id, org_id, source, dedup_key)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (org_id, dedup_key) DO UPDATE SET dedup_key = EXCLUDED.dedup_key
		RETURNING id, org_id, source, dedup_key, received_at`,
		m.ID, m.OrgID, m.Source, m.DedupKey)

	var out models.InboundMessage
	if err := row.Scan(&out.ID, &out.OrgID, &out.Source, &out.DedupKey, &out.ReceivedAt); err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &out, nil
}

// Insert stores a document row. Identical re-uploads (same org, sha256,
// filename, size) conflict and surface as KindConflict.
func (r *DocumentRepo) Insert(ctx context.Context, d *models.Document) error {
	const op = "store.documents.insert"
	_, err := r.pool.Exec(ctx, `
		INSERT INTO documents (id, org_id, message_id, filename, mime_type, size_bytes,
			sha256, storage_key, status, page_count, text_coverage_ratio, layout_fingerprint)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.OrgID, d.MessageID, d.Filename, d.MIMEType, d.SizeBytes,
		d.SHA256, d.StorageKey, d.Status, d.PageCount, d.TextCoverageRatio, d.LayoutFingerprint)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.E(errs.KindConflict, op, fmt.Errorf("document already stored: %w", err))
		}
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Get loads one document scoped to the org.
func (r *DocumentRepo) Get(ctx context.Context, orgID, id uuid.UUID) (*models.Document, error) {
	const op = "store.documents.get"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, message_id, filename, mime_type, size_bytes, sha256,
			storage_key, status, page_count, text_coverage_ratio, layout_fingerprint,
			created_at, updated_at
		FROM documents WHERE org_id = $1 AND id = $2`, orgID, id)

	var d models.Document
	err := row.Scan(&d.ID, &d.OrgID, &d.MessageID, &d.Filename, &d.MIMEType, &d.SizeBytes,
		&d.SHA256, &d.StorageKey, &d.Status, &d.PageCount, &d.TextCoverageRatio,
		&d.LayoutFingerprint, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("document %s", id))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &d, nil
}

// FindByHash returns an existing document with the same content hash, used to
// reuse the storage key on identical re-uploads.
func (r *DocumentRepo) FindByHash(ctx context.Context, orgID uuid.UUID, sha256 string) (*models.Document, error) {
	const op = "store.documents.find_by_hash"
	row := r.pool.QueryRow(ctx, `
		SELECT id, storage_key, status FROM documents
		WHERE org_id = $1 AND sha256 = $2 AND status <> 'DELETED'
		ORDER BY created_at LIMIT 1`, orgID, sha256)

	var d models.Document
	if err := row.Scan(&d.ID, &d.StorageKey, &d.Status); err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	d.OrgID = orgID
	d.SHA256 = sha256
	return &d, nil
}

// SetStatus performs a guarded lifecycle transition. Illegal transitions and
// concurrent movers surface as KindConflict.
func (r *DocumentRepo) SetStatus(ctx context.Context, orgID, id uuid.UUID, from, to models.DocumentStatus) error {
	const op = "store.documents.set_status"
	if !models.DocumentTransitionAllowed(from, to) {
		return errs.E(errs.KindConflict, op, fmt.Errorf("document transition %s -> %s not allowed", from, to))
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE documents SET status = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status = $3`, orgID, id, from, to)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindConflict, op, fmt.Errorf("document %s is not in status %s", id, from))
	}
	return nil
}

// SetLayout records extraction-time layout facts on the document.
func (r *DocumentRepo) SetLayout(ctx context.Context, orgID, id uuid.UUID, pageCount *int, coverage *float64, fingerprint *string) error {
	const op = "store.documents.set_layout"
	_, err := r.pool.Exec(ctx, `
		UPDATE documents
		SET page_count = $3, text_coverage_ratio = $4, layout_fingerprint = $5, updated_at = NOW()
		WHERE org_id = $1 AND id = $2`, orgID, id, pageCount, coverage, fingerprint)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// ExpiredBatch returns up to limit documents of one org past the retention
// cutoff that are not yet soft-deleted.
func (r *DocumentRepo) ExpiredBatch(ctx context.Context, orgID uuid.UUID, cutoff time.Time, limit int) ([]models.Document, error) {
	const op = "store.documents.expired_batch"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, storage_key, status FROM documents
		WHERE org_id = $1 AND created_at < $2 AND status <> 'DELETED'
		ORDER BY created_at
		LIMIT $3`, orgID, cutoff, limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OrgID, &d.StorageKey, &d.Status); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StoredBatch returns up to limit documents of one org sitting in STORED,
// oldest first. The worker sweep re-enqueues them; a STORED document older
// than the stall threshold is an operational alert, not an error.
func (r *DocumentRepo) StoredBatch(ctx context.Context, orgID uuid.UUID, limit int) ([]models.Document, error) {
	const op = "store.documents.stored_batch"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, filename, mime_type, size_bytes, sha256, storage_key,
			status, page_count, text_coverage_ratio, layout_fingerprint, created_at
		FROM documents
		WHERE org_id = $1 AND status = 'STORED'
		ORDER BY created_at
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OrgID, &d.Filename, &d.MIMEType, &d.SizeBytes,
			&d.SHA256, &d.StorageKey, &d.Status, &d.PageCount, &d.TextCoverageRatio,
			&d.LayoutFingerprint, &d.CreatedAt); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// StorageKeyRefs counts live documents sharing a storage key. Identical
// reuploads reuse the blob, so it may only be removed when the last
// referencing row expires.
func (r *DocumentRepo) StorageKeyRefs(ctx context.Context, orgID uuid.UUID, storageKey string) (int, error) {
	const op = "store.documents.storage_key_refs"
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE org_id = $1 AND storage_key = $2 AND status <> 'DELETED'`, orgID, storageKey).Scan(&n)
	if err != nil {
		return 0, errs.E(errs.KindTransient, op, err)
	}
	return n, nil
}

// MarkDeleted soft-deletes a document after its blob was removed. The storage
// key is cleared so a DELETED row can never resolve to a blob.
func (r *DocumentRepo) MarkDeleted(ctx context.Context, orgID, id uuid.UUID) error {
	const op = "store.documents.mark_deleted"
	_, err := r.pool.Exec(ctx, `
		UPDATE documents SET status = 'DELETED', storage_key = '', updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status <> 'DELETED'`, orgID, id)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}
