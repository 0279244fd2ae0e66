package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// AuditRepo is the append-only operator/system action log.
type AuditRepo struct {
	pool *pgxpool.Pool
}

func (r *AuditRepo) Insert(ctx context.Context, a *models.AuditLog) error {
	const op = "store.audit.insert"
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_logs (id, org_id, action, actor, draft_id, export_id, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.OrgID, a.Action, a.Actor, a.DraftID, a.ExportID, a.Details)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// ForDraft returns the audit trail of one draft, oldest first.
func (r *AuditRepo) ForDraft(ctx context.Context, orgID, draftID uuid.UUID) ([]models.AuditLog, error) {
	const op = "store.audit.for_draft"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, action, actor, draft_id, export_id, details, created_at
		FROM audit_logs
		WHERE org_id = $1 AND draft_id = $2
		ORDER BY created_at`, orgID, draftID)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.ID, &a.OrgID, &a.Action, &a.Actor, &a.DraftID, &a.ExportID, &a.Details, &a.CreatedAt); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
