package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// OrgRepo reads tenant records. Orgs are created out-of-band; the core only
// ever lists and resolves them.
type OrgRepo struct {
	pool *pgxpool.Pool
}

// List returns every org with its raw settings document.
func (r *OrgRepo) List(ctx context.Context) ([]models.Org, error) {
	const op = "store.orgs.list"
	rows, err := r.pool.Query(ctx, `
		SELECT id, slug, name, settings, created_at FROM orgs ORDER BY created_at`)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []models.Org
	for rows.Next() {
		var o models.Org
		if err := rows.Scan(&o.ID, &o.Slug, &o.Name, &o.Settings, &o.CreatedAt); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Get loads one org.
func (r *OrgRepo) Get(ctx context.Context, id uuid.UUID) (*models.Org, error) {
	const op = "store.orgs.get"
	row := r.pool.QueryRow(ctx, `
		SELECT id, slug, name, settings, created_at FROM orgs WHERE id = $1`, id)

	var o models.Org
	if err := row.Scan(&o.ID, &o.Slug, &o.Name, &o.Settings, &o.CreatedAt); err != nil {
		if isNoRows(err) {
			return nil, errs.Errorf(errs.KindNotFound, op, "org %s", id)
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &o, nil
}
