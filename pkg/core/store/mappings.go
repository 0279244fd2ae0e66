package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// MappingRepo persists the learned (customer sku -> internal sku) store.
type MappingRepo struct {
	pool *pgxpool.Pool
}

const mappingColumns = `id, org_id, customer_id, customer_sku_norm, internal_sku,
	status, confidence, support_count, reject_count, last_used_at, created_at`

// Active returns the live mapping (CONFIRMED or SUGGESTED) for a key, nil on
// miss. The partial unique index guarantees at most one row.
func (r *MappingRepo) Active(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm string) (*models.SkuMapping, error) {
	const op = "store.mappings.active"
	row := r.pool.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM sku_mappings
		WHERE org_id = $1 AND customer_id = $2 AND customer_sku_norm = $3
			AND status IN ('CONFIRMED', 'SUGGESTED')`,
		orgID, customerID, customerSKUNorm)

	m, err := scanMapping(row)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return m, nil
}

// Confirm records an operator confirmation: any live mapping for the key is
// deprecated, then the confirmed one is written with support_count bumped.
func (r *MappingRepo) Confirm(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm, internalSKU string) (*models.SkuMapping, error) {
	const op = "store.mappings.confirm"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer tx.Rollback(ctx)

	// Same target: bump in place. Different target: deprecate and insert.
	row := tx.QueryRow(ctx, `
		UPDATE sku_mappings
		SET status = 'CONFIRMED', support_count = support_count + 1, last_used_at = NOW()
		WHERE org_id = $1 AND customer_id = $2 AND customer_sku_norm = $3
			AND internal_sku = $4 AND status IN ('CONFIRMED', 'SUGGESTED')
		RETURNING `+mappingColumns,
		orgID, customerID, customerSKUNorm, internalSKU)
	m, err := scanMapping(row)
	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		return m, nil
	}
	if !isNoRows(err) {
		return nil, errs.E(errs.KindTransient, op, err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE sku_mappings SET status = 'DEPRECATED'
		WHERE org_id = $1 AND customer_id = $2 AND customer_sku_norm = $3
			AND status IN ('CONFIRMED', 'SUGGESTED')`,
		orgID, customerID, customerSKUNorm); err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO sku_mappings (id, org_id, customer_id, customer_sku_norm, internal_sku,
			status, confidence, support_count, last_used_at)
		VALUES ($1, $2, $3, $4, $5, 'CONFIRMED', 1.0, 1, NOW())
		RETURNING `+mappingColumns,
		uuid.New(), orgID, customerID, customerSKUNorm, internalSKU)
	m, err = scanMapping(row)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return m, nil
}

// Reject counts an operator rejection against the live mapping of a key. When
// reject_count reaches the threshold the mapping is deprecated.
func (r *MappingRepo) Reject(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm string, deprecateThreshold int) (*models.SkuMapping, error) {
	const op = "store.mappings.reject"
	row := r.pool.QueryRow(ctx, `
		UPDATE sku_mappings
		SET reject_count = reject_count + 1,
			status = CASE WHEN reject_count + 1 >= $4 THEN 'DEPRECATED' ELSE status END
		WHERE org_id = $1 AND customer_id = $2 AND customer_sku_norm = $3
			AND status IN ('CONFIRMED', 'SUGGESTED')
		RETURNING `+mappingColumns,
		orgID, customerID, customerSKUNorm, deprecateThreshold)

	m, err := scanMapping(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("no live mapping for %q", customerSKUNorm))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return m, nil
}

// Suggest writes a SUGGESTED mapping unless a live one already exists.
func (r *MappingRepo) Suggest(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm, internalSKU string, confidence float64) error {
	const op = "store.mappings.suggest"
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sku_mappings (id, org_id, customer_id, customer_sku_norm, internal_sku,
			status, confidence, last_used_at)
		VALUES ($1, $2, $3, $4, $5, 'SUGGESTED', $6, NOW())
		ON CONFLICT (org_id, customer_id, customer_sku_norm) WHERE status IN ('CONFIRMED', 'SUGGESTED')
		DO NOTHING`,
		uuid.New(), orgID, customerID, customerSKUNorm, internalSKU, confidence)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Touch updates last_used_at after a mapping short-circuits a match.
func (r *MappingRepo) Touch(ctx context.Context, id uuid.UUID) error {
	const op = "store.mappings.touch"
	_, err := r.pool.Exec(ctx, `
		UPDATE sku_mappings SET last_used_at = NOW(), support_count = support_count + 1
		WHERE id = $1`, id)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

type mappingRow interface {
	Scan(dest ...any) error
}

func scanMapping(row mappingRow) (*models.SkuMapping, error) {
	var m models.SkuMapping
	err := row.Scan(&m.ID, &m.OrgID, &m.CustomerID, &m.CustomerSKUNorm, &m.InternalSKU,
		&m.Status, &m.Confidence, &m.SupportCount, &m.RejectCount, &m.LastUsedAt, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &m, nil
}
