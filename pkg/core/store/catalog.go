package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/models"
)

// CatalogRepo persists products, embeddings, customers and price tiers.
type CatalogRepo struct {
	pool *pgxpool.Pool
}

// UpsertProduct inserts or refreshes a catalog entry keyed by
// (org, internal_sku).
func (r *CatalogRepo) UpsertProduct(ctx context.Context, p *models.Product) error {
	const op = "store.catalog.upsert_product"
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	conversions, err := json.Marshal(p.UoMConversions)
	if err != nil {
		return errs.E(errs.KindValidation, op, err)
	}
	attrs, err := json.Marshal(p.Attributes)
	if err != nil {
		return errs.E(errs.KindValidation, op, err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO products (id, org_id, internal_sku, name, description, base_uom, uom_conversions, active, attributes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (org_id, internal_sku) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			base_uom = EXCLUDED.base_uom,
			uom_conversions = EXCLUDED.uom_conversions,
			active = EXCLUDED.active,
			attributes = EXCLUDED.attributes`,
		p.ID, p.OrgID, p.InternalSKU, p.Name, p.Description, p.BaseUoM, conversions, p.Active, attrs)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// GetProduct loads one product by internal SKU.
func (r *CatalogRepo) GetProduct(ctx context.Context, orgID uuid.UUID, internalSKU string) (*models.Product, error) {
	const op = "store.catalog.get_product"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, internal_sku, name, description, base_uom, uom_conversions, active, attributes
		FROM products WHERE org_id = $1 AND internal_sku = $2`, orgID, internalSKU)
	p, err := scanProduct(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("product %s", internalSKU))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return p, nil
}

// TrigramCandidate is one product scored by pg_trgm similarity.
type TrigramCandidate struct {
	Product models.Product
	SKUSim  float64 // similarity(customer sku, internal_sku)
	DescSim float64 // similarity(description text, name || description)
}

// TrigramCandidates returns the top products by trigram similarity against the
// raw SKU and the line description. Inactive products are excluded.
func (r *CatalogRepo) TrigramCandidates(ctx context.Context, orgID uuid.UUID, skuRaw, description string, limit int) ([]TrigramCandidate, error) {
	const op = "store.catalog.trigram_candidates"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, internal_sku, name, description, base_uom, uom_conversions, active, attributes,
			similarity(internal_sku, $2) AS sku_sim,
			similarity(name || ' ' || description, $3) AS desc_sim
		FROM products
		WHERE org_id = $1 AND active
			AND (internal_sku % $2 OR (name || ' ' || description) % $3)
		ORDER BY GREATEST(similarity(internal_sku, $2), similarity(name || ' ' || description, $3)) DESC
		LIMIT $4`, orgID, skuRaw, description, limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []TrigramCandidate
	for rows.Next() {
		var c TrigramCandidate
		var conversions, attrs []byte
		err := rows.Scan(&c.Product.ID, &c.Product.OrgID, &c.Product.InternalSKU, &c.Product.Name,
			&c.Product.Description, &c.Product.BaseUoM, &conversions, &c.Product.Active, &attrs,
			&c.SKUSim, &c.DescSim)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		if err := unmarshalProductJSON(&c.Product, conversions, attrs); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// EmbeddingCandidate is one product scored by cosine similarity.
type EmbeddingCandidate struct {
	Product models.Product
	Cosine  float64 // in [-1, 1]
}

// EmbeddingCandidates runs a cosine nearest-neighbor search over the product
// embeddings of one model.
func (r *CatalogRepo) EmbeddingCandidates(ctx context.Context, orgID uuid.UUID, model string, vector []float32, limit int) ([]EmbeddingCandidate, error) {
	const op = "store.catalog.embedding_candidates"
	rows, err := r.pool.Query(ctx, `
		SELECT p.id, p.org_id, p.internal_sku, p.name, p.description, p.base_uom,
			p.uom_conversions, p.active, p.attributes,
			1 - (e.vector <=> $3) AS cosine
		FROM product_embeddings e
		JOIN products p ON p.id = e.product_id
		WHERE e.org_id = $1 AND e.model = $2 AND p.active
		ORDER BY e.vector <=> $3
		LIMIT $4`, orgID, model, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var out []EmbeddingCandidate
	for rows.Next() {
		var c EmbeddingCandidate
		var conversions, attrs []byte
		err := rows.Scan(&c.Product.ID, &c.Product.OrgID, &c.Product.InternalSKU, &c.Product.Name,
			&c.Product.Description, &c.Product.BaseUoM, &conversions, &c.Product.Active, &attrs,
			&c.Cosine)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		if err := unmarshalProductJSON(&c.Product, conversions, attrs); err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpsertEmbedding stores a product vector; the text hash lets the refresher
// skip unchanged products.
func (r *CatalogRepo) UpsertEmbedding(ctx context.Context, e *models.ProductEmbedding) error {
	const op = "store.catalog.upsert_embedding"
	_, err := r.pool.Exec(ctx, `
		INSERT INTO product_embeddings (product_id, org_id, model, text_hash, vector, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (product_id, model) DO UPDATE SET
			text_hash = EXCLUDED.text_hash,
			vector = EXCLUDED.vector,
			updated_at = NOW()`,
		e.ProductID, e.OrgID, e.Model, e.TextHash, pgvector.NewVector(e.Vector))
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// EmbeddingTextHash returns the stored hash for a product vector, "" when the
// product has no vector yet.
func (r *CatalogRepo) EmbeddingTextHash(ctx context.Context, productID uuid.UUID, model string) (string, error) {
	const op = "store.catalog.embedding_text_hash"
	var hash string
	err := r.pool.QueryRow(ctx, `
		SELECT text_hash FROM product_embeddings WHERE product_id = $1 AND model = $2`,
		productID, model).Scan(&hash)
	if err != nil {
		if isNoRows(err) {
			return "", nil
		}
		return "", errs.E(errs.KindTransient, op, err)
	}
	return hash, nil
}

// UpsertCustomer inserts or refreshes a customer.
func (r *CatalogRepo) UpsertCustomer(ctx context.Context, c *models.Customer) error {
	const op = "store.catalog.upsert_customer"
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customers (id, org_id, name, erp_customer_number, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			erp_customer_number = EXCLUDED.erp_customer_number,
			active = EXCLUDED.active`,
		c.ID, c.OrgID, c.Name, c.ERPCustomerNumber, c.Active)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// Customer loads one customer by id.
func (r *CatalogRepo) Customer(ctx context.Context, orgID, id uuid.UUID) (*models.Customer, error) {
	const op = "store.catalog.customer"
	row := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, erp_customer_number, active
		FROM customers WHERE org_id = $1 AND id = $2`, orgID, id)

	var c models.Customer
	if err := row.Scan(&c.ID, &c.OrgID, &c.Name, &c.ERPCustomerNumber, &c.Active); err != nil {
		if isNoRows(err) {
			return nil, errs.E(errs.KindNotFound, op, fmt.Errorf("customer %s", id))
		}
		return nil, errs.E(errs.KindTransient, op, err)
	}
	return &c, nil
}

// CustomersByNameSimilarity resolves a customer hint by trigram similarity,
// best match first. Callers treat multiple close scores as ambiguous.
func (r *CatalogRepo) CustomersByNameSimilarity(ctx context.Context, orgID uuid.UUID, hint string, limit int) ([]models.Customer, []float64, error) {
	const op = "store.catalog.customers_by_name"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, name, erp_customer_number, active, similarity(name, $2) AS sim
		FROM customers
		WHERE org_id = $1 AND active AND name % $2
		ORDER BY sim DESC, name
		LIMIT $3`, orgID, hint, limit)
	if err != nil {
		return nil, nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	var customers []models.Customer
	var sims []float64
	for rows.Next() {
		var c models.Customer
		var sim float64
		if err := rows.Scan(&c.ID, &c.OrgID, &c.Name, &c.ERPCustomerNumber, &c.Active, &sim); err != nil {
			return nil, nil, errs.E(errs.KindTransient, op, err)
		}
		customers = append(customers, c)
		sims = append(sims, sim)
	}
	return customers, sims, rows.Err()
}

// InsertPrice adds one price tier.
func (r *CatalogRepo) InsertPrice(ctx context.Context, p *models.CustomerPrice) error {
	const op = "store.catalog.insert_price"
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO customer_prices (id, org_id, customer_id, internal_sku, currency, uom, min_qty, unit_price, valid_from, valid_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		p.ID, p.OrgID, p.CustomerID, p.InternalSKU, p.Currency, p.UoM, p.MinQty, p.UnitPrice, p.ValidFrom, p.ValidTo)
	if err != nil {
		return errs.E(errs.KindTransient, op, err)
	}
	return nil
}

// PriceTier selects the applicable tier: argmax(min_qty) subject to
// min_qty <= qty, same currency and UoM, inside the validity window
// (inclusive bounds, NULL bounds open). Returns nil when no tier applies.
func (r *CatalogRepo) PriceTier(ctx context.Context, orgID, customerID uuid.UUID, internalSKU, currency, uom string, qty float64, at time.Time) (*models.CustomerPrice, error) {
	const op = "store.catalog.price_tier"
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, customer_id, internal_sku, currency, uom, min_qty, unit_price, valid_from, valid_to
		FROM customer_prices
		WHERE org_id = $1 AND customer_id = $2 AND internal_sku = $3
			AND currency = $4 AND min_qty <= $5
			AND (valid_from IS NULL OR valid_from <= $6)
			AND (valid_to IS NULL OR valid_to >= $6)
		ORDER BY min_qty DESC`, orgID, customerID, internalSKU, currency, qty, at)
	if err != nil {
		return nil, errs.E(errs.KindTransient, op, err)
	}
	defer rows.Close()

	// Unit filtering happens here, not in SQL: a tier priced in PCS still
	// applies to a line quoted in ST.
	for rows.Next() {
		var p models.CustomerPrice
		err := rows.Scan(&p.ID, &p.OrgID, &p.CustomerID, &p.InternalSKU, &p.Currency, &p.UoM,
			&p.MinQty, &p.UnitPrice, &p.ValidFrom, &p.ValidTo)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		if canonical.UoMCompatible(uom, p.UoM) {
			return &p, nil
		}
	}
	return nil, rows.Err()
}

type productRow interface {
	Scan(dest ...any) error
}

func scanProduct(row productRow) (*models.Product, error) {
	var p models.Product
	var conversions, attrs []byte
	err := row.Scan(&p.ID, &p.OrgID, &p.InternalSKU, &p.Name, &p.Description,
		&p.BaseUoM, &conversions, &p.Active, &attrs)
	if err != nil {
		return nil, err
	}
	if err := unmarshalProductJSON(&p, conversions, attrs); err != nil {
		return nil, err
	}
	return &p, nil
}

func unmarshalProductJSON(p *models.Product, conversions, attrs []byte) error {
	if len(conversions) > 0 {
		if err := json.Unmarshal(conversions, &p.UoMConversions); err != nil {
			return fmt.Errorf("uom_conversions of %s: %w", p.InternalSKU, err)
		}
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &p.Attributes); err != nil {
			return fmt.Errorf("attributes of %s: %w", p.InternalSKU, err)
		}
	}
	return nil
}
