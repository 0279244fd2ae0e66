package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// DraftRepo persists draft orders and their lines.
type DraftRepo struct {
	pool *pgxpool.Pool
}

// Create inserts a draft with its lines in one transaction.
func (r *DraftRepo) Create(ctx context.Context, draft *models.DraftOrder, lines []models.DraftOrderLine) error {
	const op = "store.drafts.create"
	if draft.ID == uuid.Nil {
		draft.ID = uuid.New()
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO draft_orders (id, org_id, customer_id, document_id, extraction_run_id,
			status, external_order_number, order_date, currency, requested_delivery_date, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		draft.ID, draft.OrgID, draft.CustomerID, draft.DocumentID, draft.ExtractionRunID,
		draft.Status, draft.ExternalOrderNumber, draft.OrderDate, draft.Currency,
		draft.RequestedDeliveryDate, draft.Notes)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}

	for i := range lines {
		ln := &lines[i]
		if ln.ID == uuid.Nil {
			ln.ID = uuid.New()
		}
		ln.DraftID = draft.ID
		ln.OrgID = draft.OrgID
		if err := insertLine(ctx, tx, ln); err != nil {
			return errs.E(errs.KindTransient, op, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

func insertLine(ctx context.Context, tx pgx.Tx, ln *models.DraftOrderLine) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO draft_order_lines (id, org_id, draft_id, line_no, customer_sku_raw,
			description, qty, uom, unit_price, currency, delivery_date,
			internal_sku, match_confidence, match_method, match_status, match_debug_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		ln.ID, ln.OrgID, ln.DraftID, ln.LineNo, ln.CustomerSKURaw,
		ln.Description, ln.Qty, ln.UoM, ln.UnitPrice, ln.Currency, ln.DeliveryDate,
		ln.InternalSKU, ln.MatchConfidence, ln.MatchMethod, ln.MatchStatus, ln.MatchDebugJSON)
	return err
}

// Get loads a draft with its lines ordered by line_no.
func (r *DraftRepo) Get(ctx context.Context, orgID, id uuid.UUID) (*models.DraftOrder, []models.DraftOrderLine, error) {
	const op = "store.drafts.get"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, customer_id, document_id, extraction_run_id, status,
			external_order_number, order_date, currency, requested_delivery_date, notes,
			ready_check_json, approved_by, approved_at, created_at, updated_at
		FROM draft_orders WHERE org_id = $1 AND id = $2`, orgID, id)

	var d models.DraftOrder
	err := row.Scan(&d.ID, &d.OrgID, &d.CustomerID, &d.DocumentID, &d.ExtractionRunID,
		&d.Status, &d.ExternalOrderNumber, &d.OrderDate, &d.Currency,
		&d.RequestedDeliveryDate, &d.Notes, &d.ReadyCheckJSON, &d.ApprovedBy,
		&d.ApprovedAt, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if isNoRows(err) {
			return nil, nil, errs.E(errs.KindNotFound, op, fmt.Errorf("draft %s", id))
		}
		return nil, nil, errs.E(errs.KindTransient, op, err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, draft_id, line_no, customer_sku_raw, description, qty, uom,
			unit_price, currency, delivery_date, internal_sku, match_confidence,
			match_method, match_status, match_debug_json
		FROM draft_order_lines WHERE draft_id = $1 ORDER BY line_no`, id)
	if err != nil {
		return nil, nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var lines []models.DraftOrderLine
	for rows.Next() {
		var ln models.DraftOrderLine
		err := rows.Scan(&ln.ID, &ln.OrgID, &ln.DraftID, &ln.LineNo, &ln.CustomerSKURaw,
			&ln.Description, &ln.Qty, &ln.UoM, &ln.UnitPrice, &ln.Currency, &ln.DeliveryDate,
			&ln.InternalSKU, &ln.MatchConfidence, &ln.MatchMethod, &ln.MatchStatus, &ln.MatchDebugJSON)
		if err != nil {
			return nil, nil, errs.E(errs.KindTransient, op, err)
		}
		lines = append(lines, ln)
	}
	return &d, lines, rows.Err()
}

// PushableBatch returns drafts awaiting export: APPROVED ones plus ERROR ones
// eligible for a retry. Backoff filtering happens in the caller, which knows
// the per-org cap.
func (r *DraftRepo) PushableBatch(ctx context.Context, orgID uuid.UUID, limit int) ([]models.DraftOrder, error) {
	const op = "store.drafts.pushable_batch"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, customer_id, document_id, extraction_run_id, status,
			external_order_number, order_date, currency, requested_delivery_date, notes,
			ready_check_json, approved_by, approved_at, created_at, updated_at
		FROM draft_orders
		WHERE org_id = $1 AND status IN ('APPROVED', 'ERROR')
		ORDER BY updated_at
		LIMIT $2`, orgID, limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var drafts []models.DraftOrder
	for rows.Next() {
		var d models.DraftOrder
		err := rows.Scan(&d.ID, &d.OrgID, &d.CustomerID, &d.DocumentID, &d.ExtractionRunID,
			&d.Status, &d.ExternalOrderNumber, &d.OrderDate, &d.Currency,
			&d.RequestedDeliveryDate, &d.Notes, &d.ReadyCheckJSON, &d.ApprovedBy,
			&d.ApprovedAt, &d.CreatedAt, &d.UpdatedAt)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		drafts = append(drafts, d)
	}
	return drafts, rows.Err()
}

// CompareAndSetStatus moves a draft between states only when it still is in
// the expected one; the loser of a race gets KindConflict. The state machine
// itself lives in the draft package.
func (r *DraftRepo) CompareAndSetStatus(ctx context.Context, orgID, id uuid.UUID, from, to models.DraftStatus) error {
	const op = "store.drafts.cas_status"
	tag, err := r.pool.Exec(ctx, `
		UPDATE draft_orders SET status = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status = $3`, orgID, id, from, to)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindConflict, op, fmt.Errorf("draft %s is not in status %s", id, from))
	}
	return nil
}

// Approve moves a READY draft to APPROVED and stamps the approval metadata in
// the same statement; a draft can never surface as APPROVED with a missing
// approver.
func (r *DraftRepo) Approve(ctx context.Context, orgID, id uuid.UUID, approvedBy string, approvedAt time.Time) error {
	const op = "store.drafts.approve"
	tag, err := r.pool.Exec(ctx, `
		UPDATE draft_orders
		SET status = $3, approved_by = $4, approved_at = $5, updated_at = NOW()
		WHERE org_id = $1 AND id = $2 AND status = $6`,
		orgID, id, models.DraftApproved, approvedBy, approvedAt, models.DraftReady)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindConflict, op, fmt.Errorf("draft %s is not in status %s", id, models.DraftReady))
	}
	return nil
}

// SetApproval records approver and timestamp (or clears both).
func (r *DraftRepo) SetApproval(ctx context.Context, orgID, id uuid.UUID, approvedBy *string, approvedAt *time.Time) error {
	const op = "store.drafts.set_approval"
	_, err := r.pool.Exec(ctx, `
		UPDATE draft_orders SET approved_by = $3, approved_at = $4, updated_at = NOW()
		WHERE org_id = $1 AND id = $2`, orgID, id, approvedBy, approvedAt)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// SetCustomer attributes the draft to a customer (nil detaches).
func (r *DraftRepo) SetCustomer(ctx context.Context, orgID, id uuid.UUID, customerID *uuid.UUID) error {
	const op = "store.drafts.set_customer"
	_, err := r.pool.Exec(ctx, `
		UPDATE draft_orders SET customer_id = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2`, orgID, id, customerID)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// SetReadyCheck stores the latest validation result blob.
func (r *DraftRepo) SetReadyCheck(ctx context.Context, orgID, id uuid.UUID, readyCheck json.RawMessage) error {
	const op = "store.drafts.set_ready_check"
	_, err := r.pool.Exec(ctx, `
		UPDATE draft_orders SET ready_check_json = $3, updated_at = NOW()
		WHERE org_id = $1 AND id = $2`, orgID, id, readyCheck)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// UpdateLine rewrites the editable and matching fields of one line.
func (r *DraftRepo) UpdateLine(ctx context.Context, ln *models.DraftOrderLine) error {
	const op = "store.drafts.update_line"
	tag, err := r.pool.Exec(ctx, `
		UPDATE draft_order_lines
		SET customer_sku_raw = $3, description = $4, qty = $5, uom = $6, unit_price = $7,
			currency = $8, delivery_date = $9, internal_sku = $10, match_confidence = $11,
			match_method = $12, match_status = $13, match_debug_json = $14
		WHERE org_id = $1 AND id = $2`,
		ln.OrgID, ln.ID, ln.CustomerSKURaw, ln.Description, ln.Qty, ln.UoM, ln.UnitPrice,
		ln.Currency, ln.DeliveryDate, ln.InternalSKU, ln.MatchConfidence,
		ln.MatchMethod, ln.MatchStatus, ln.MatchDebugJSON)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	if tag.RowsAffected() == 0 {
		return errs.E(errs.KindNotFound, op, fmt.Errorf("line %s", ln.ID))
	}
	return nil
}

// RecentWithSameOrderNumber returns other drafts of the same customer carrying
// the same external order number inside the trailing window. Feeds the
// duplicate-order validation rule.
func (r *DraftRepo) RecentWithSameOrderNumber(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, externalOrderNumber string, excludeDraft uuid.UUID, window time.Duration) ([]uuid.UUID, error) {
	const op = "store.drafts.recent_same_order_number"
	rows, err := r.pool.Query(ctx, `
		SELECT id FROM draft_orders
		WHERE org_id = $1
			AND ($2::uuid IS NULL OR customer_id = $2)
			AND external_order_number = $3
			AND id <> $4
			AND created_at > $5
		ORDER BY created_at DESC LIMIT 20`,
		orgID, customerID, externalOrderNumber, excludeDraft, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return ids, nil
}
