package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// ExportRepo persists ERP export attempts.
type ExportRepo struct {
	pool *pgxpool.Pool
}

const exportColumns = `id, org_id, draft_id, connection_id, status, filename,
	storage_key, dropzone_path, erp_order_id, error_json, attempted_at,
	acknowledged_at, idempotency_hash`

// Insert records one export attempt. Filenames are globally unique; a
// collision surfaces as KindConflict so the pusher can regenerate once.
func (r *ExportRepo) Insert(ctx context.Context, e *models.ERPExport) error {
	const op = "store.exports.insert"
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO erp_exports (id, org_id, draft_id, connection_id, status, filename,
			storage_key, dropzone_path, erp_order_id, error_json, idempotency_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.OrgID, e.DraftID, e.ConnectionID, e.Status, e.Filename,
		e.StorageKey, e.DropzonePath, e.ERPOrderID, e.ErrorJSON, e.IdempotencyHash)
	if err != nil {
		if isUniqueViolation(err) {
			return errs.E(errs.KindConflict, op, fmt.Errorf("filename %s taken: %w", e.Filename, err))
		}
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Get loads one export.
func (r *ExportRepo) Get(ctx context.Context, orgID, id uuid.UUID) (*models.ERPExport, error) {
	const op = "store.exports.get"
	row := r.pool.QueryRow(ctx, `
		SELECT `+exportColumns+` FROM erp_exports WHERE org_id = $1 AND id = $2`, orgID, id)
	e, err := scanExport(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("export %s", id))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return e, nil
}

// ByIdempotencyHash returns the newest export with the given hash inside the
// TTL window. Lets the pusher return the original export id for a replayed
// idempotency key when the cache has no entry.
func (r *ExportRepo) ByIdempotencyHash(ctx context.Context, orgID uuid.UUID, hash string, ttl time.Duration) (*models.ERPExport, error) {
	const op = "store.exports.by_idempotency_hash"
	row := r.pool.QueryRow(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE org_id = $1 AND idempotency_hash = $2 AND attempted_at > $3
		ORDER BY attempted_at DESC
		LIMIT 1`, orgID, hash, time.Now().UTC().Add(-ttl))
	e, err := scanExport(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return e, nil
}

// LatestForDraft returns the newest export attempt of a draft, nil when the
// draft was never pushed.
func (r *ExportRepo) LatestForDraft(ctx context.Context, orgID, draftID uuid.UUID) (*models.ERPExport, error) {
	const op = "store.exports.latest_for_draft"
	row := r.pool.QueryRow(ctx, `
		SELECT `+exportColumns+` FROM erp_exports
		WHERE org_id = $1 AND draft_id = $2
		ORDER BY attempted_at DESC
		LIMIT 1`, orgID, draftID)
	e, err := scanExport(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return e, nil
}

// CountForDraft returns how many attempts exist for a draft; feeds the
// exponential backoff.
func (r *ExportRepo) CountForDraft(ctx context.Context, orgID, draftID uuid.UUID) (int, error) {
	const op = "store.exports.count_for_draft"
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM erp_exports WHERE org_id = $1 AND draft_id = $2`,
		orgID, draftID).Scan(&n)
	if err != nil {
		return 0, errs.E(errs.KindTransient, op, err)
	}
	return n, nil
}

// MarkSent flips PENDING -> SENT after the file reached the dropzone.
func (r *ExportRepo) MarkSent(ctx context.Context, orgID, id uuid.UUID, storageKey, dropzonePath string) error {
	const op = "store.exports.mark_sent"
	tag, err := r.pool.Exec(ctx, `
		UPDATE erp_exports SET status = 'SENT', storage_key = $3, dropzone_path = $4
		WHERE org_id = $1 AND id = $2 AND status = 'PENDING'`,
		orgID, id, storageKey, dropzonePath)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindConflict, op, fmt.Errorf("export %s is not PENDING", id))
	}
	return nil
}

// MarkFailed finalizes an attempt with a structured error.
func (r *ExportRepo) MarkFailed(ctx context.Context, orgID, id uuid.UUID, errorJSON json.RawMessage) error {
	const op = "store.exports.mark_failed"
	_, err := r.pool.Exec(ctx, `
		UPDATE erp_exports SET status = 'FAILED', error_json = $3
		WHERE org_id = $1 AND id = $2 AND status IN ('PENDING', 'SENT')`,
		orgID, id, errorJSON)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// MarkAcked finalizes a SENT export with the ERP order id. A second ack for
// the same export is a conflict; the poller logs and ignores it.
func (r *ExportRepo) MarkAcked(ctx context.Context, orgID, id uuid.UUID, erpOrderID string, ackedAt time.Time) error {
	const op = "store.exports.mark_acked"
	tag, err := r.pool.Exec(ctx, `
		UPDATE erp_exports SET status = 'ACKED', erp_order_id = $3, acknowledged_at = $4
		WHERE org_id = $1 AND id = $2 AND status = 'SENT'`,
		orgID, id, erpOrderID, ackedAt)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindConflict, op, fmt.Errorf("export %s is not SENT", id))
	}
	return nil
}

// ByFilename resolves the export an ack or error file refers to. The lookup
// is keyed by the draft id embedded in the filename, so a bare filename can
// never address another tenant's row.
func (r *ExportRepo) ByFilename(ctx context.Context, draftID uuid.UUID, filename string) (*models.ERPExport, error) {
	const op = "store.exports.by_filename"
	row := r.pool.QueryRow(ctx, `
		SELECT `+exportColumns+` FROM erp_exports WHERE draft_id = $1 AND filename = $2`, draftID, filename)
	e, err := scanExport(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("no export for file %s", filename))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return e, nil
}

type exportRow interface {
	Scan(dest ...any) error
}

func scanExport(row exportRow) (*models.ERPExport, error) {
	var e models.ERPExport
	err := row.Scan(&e.ID, &e.OrgID, &e.DraftID, &e.ConnectionID, &e.Status, &e.Filename,
		&e.StorageKey, &e.DropzonePath, &e.ERPOrderID, &e.ErrorJSON, &e.AttemptedAt,
		&e.AcknowledgedAt, &e.IdempotencyHash)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
