package match

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"orderflow/pkg/core/config"
	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/store"
	"orderflow/pkg/models"
)

// Catalog is the candidate-retrieval surface the engine needs.
type Catalog interface {
	TrigramCandidates(ctx context.Context, orgID uuid.UUID, skuRaw, description string, limit int) ([]store.TrigramCandidate, error)
	EmbeddingCandidates(ctx context.Context, orgID uuid.UUID, model string, vector []float32, limit int) ([]store.EmbeddingCandidate, error)
	PriceTier(ctx context.Context, orgID, customerID uuid.UUID, internalSKU, currency, uom string, qty float64, at time.Time) (*models.CustomerPrice, error)
}

// Mappings is the learned-store surface the engine needs.
type Mappings interface {
	Active(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm string) (*models.SkuMapping, error)
	Touch(ctx context.Context, id uuid.UUID) error
	Suggest(ctx context.Context, orgID, customerID uuid.UUID, customerSKUNorm, internalSKU string, confidence float64) error
}

// Engine matches order lines to internal SKUs.
type Engine struct {
	Catalog  Catalog
	Mappings Mappings
	Embedder llm.Embedder // nil disables the vector leg
	Log      *zap.Logger
}

func NewEngine(catalog Catalog, mappings Mappings, embedder llm.Embedder, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{Catalog: catalog, Mappings: mappings, Embedder: embedder, Log: log}
}

// Line is the matching view of one order line.
type Line struct {
	LineNo         int
	CustomerSKURaw *string
	Description    *string
	Qty            float64
	UoM            *string
	UnitPrice      *float64
	Currency       *string
}

// ScoredCandidate is one ranked product with its scoring features.
type ScoredCandidate struct {
	InternalSKU string   `json:"internal_sku"`
	Name        string   `json:"name"`
	Confidence  float64  `json:"confidence"`
	Features    Features `json:"features"`
}

// Result is the match outcome of one line.
type Result struct {
	InternalSKU   *string
	Confidence    float64
	Method        *models.MatchMethod
	Status        models.MatchStatus
	Candidates    []ScoredCandidate
	LowConfidence bool // top1 < 0.75; validation raises a warning
}

// MatchLine resolves one line for a customer. customerID may be nil when the
// draft has no customer yet; the mapping short-circuit and price penalty then
// do not apply.
func (e *Engine) MatchLine(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, line Line, settings config.Tunables, embeddingsEnabled bool) (*Result, error) {
	const op = "match.line"

	var norm string
	if line.CustomerSKURaw != nil {
		norm = NormalizeSKU(*line.CustomerSKURaw)
	}

	// Confirmed mappings are authoritative and skip scoring entirely.
	if norm != "" && customerID != nil {
		mapping, err := e.Mappings.Active(ctx, orgID, *customerID, norm)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		if mapping != nil && mapping.Status == models.MappingConfirmed {
			if err := e.Mappings.Touch(ctx, mapping.ID); err != nil {
				e.Log.Warn("mapping touch failed", zap.String("mapping_id", mapping.ID.String()), zap.Error(err))
			}
			sku := mapping.InternalSKU
			method := models.MethodExactMapping
			return &Result{
				InternalSKU: &sku,
				Confidence:  ConfirmedConfidence,
				Method:      &method,
				Status:      models.MatchMatched,
				Candidates:  []ScoredCandidate{},
			}, nil
		}
	}

	desc := ""
	if line.Description != nil {
		desc = *line.Description
	}

	candidates, err := e.collectCandidates(ctx, orgID, norm, desc, embeddingsEnabled)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		f := c.features
		f.PUoM = UoMPenalty(line.UoM, &c.product)
		f.PPrice = e.pricePenalty(ctx, orgID, customerID, c.product.InternalSKU, line, settings.PriceTolerancePercent)
		scored = append(scored, ScoredCandidate{
			InternalSKU: c.product.InternalSKU,
			Name:        c.product.Name,
			Confidence:  f.Confidence(),
			Features:    f,
		})
	}
	rankCandidates(scored)
	if len(scored) > CandidateLimit {
		scored = scored[:CandidateLimit]
	}

	if len(scored) == 0 {
		return &Result{Status: models.MatchUnmatched, Candidates: []ScoredCandidate{}}, nil
	}

	top1 := scored[0].Confidence
	top2 := 0.0
	if len(scored) > 1 {
		top2 = scored[1].Confidence
	}

	res := &Result{
		Confidence:    top1,
		Status:        models.MatchUnmatched,
		Candidates:    scored,
		LowConfidence: top1 < LowConfidenceFloor,
	}
	if autoApply(top1, top2, settings) {
		sku := scored[0].InternalSKU
		method := models.MethodHybrid
		res.InternalSKU = &sku
		res.Method = &method
		res.Status = models.MatchSuggested

		// Auto-applied matches seed the learned store as SUGGESTED rows;
		// operator confirms promote them, repeated rejects deprecate them.
		// A write failure costs only the learning signal, never the match.
		if norm != "" && customerID != nil {
			if err := e.Mappings.Suggest(ctx, orgID, *customerID, norm, sku, top1); err != nil {
				e.Log.Warn("suggested mapping not recorded",
					zap.String("customer_sku_norm", norm),
					zap.String("internal_sku", sku),
					zap.Error(err))
			}
		}
	}
	return res, nil
}

// MatchLines matches a batch concurrently; results come back in input order.
func (e *Engine) MatchLines(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, lines []Line, settings config.Tunables, embeddingsEnabled bool) ([]*Result, error) {
	results := make([]*Result, len(lines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, line := range lines {
		g.Go(func() error {
			res, err := e.MatchLine(gctx, orgID, customerID, line, settings, embeddingsEnabled)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

type rawCandidate struct {
	product  models.Product
	features Features
}

// collectCandidates merges the trigram and embedding retrievals by product.
func (e *Engine) collectCandidates(ctx context.Context, orgID uuid.UUID, norm, desc string, embeddingsEnabled bool) ([]rawCandidate, error) {
	const op = "match.candidates"

	byID := map[uuid.UUID]*rawCandidate{}
	var order []uuid.UUID

	if norm != "" || desc != "" {
		tri, err := e.Catalog.TrigramCandidates(ctx, orgID, norm, desc, TrigramLimit)
		if err != nil {
			return nil, errs.E(errs.KindTransient, op, err)
		}
		for _, c := range tri {
			if c.SKUSim <= SimilarityFloor && c.DescSim <= SimilarityFloor {
				continue
			}
			cand := &rawCandidate{product: c.Product}
			cand.features.TriSKU = c.SKUSim
			cand.features.TriDesc = c.DescSim
			byID[c.Product.ID] = cand
			order = append(order, c.Product.ID)
		}
	}

	if embeddingsEnabled && e.Embedder != nil {
		query := desc
		if query == "" {
			query = norm
		}
		if query != "" {
			vec, err := e.Embedder.Embed(ctx, query)
			if err != nil {
				// The trigram leg alone still produces a usable ranking.
				e.Log.Warn("query embedding failed", zap.Error(err))
			} else {
				emb, err := e.Catalog.EmbeddingCandidates(ctx, orgID, e.Embedder.Model(), vec, EmbeddingLimit)
				if err != nil {
					return nil, errs.E(errs.KindTransient, op, err)
				}
				for _, c := range emb {
					cand, ok := byID[c.Product.ID]
					if !ok {
						cand = &rawCandidate{product: c.Product}
						byID[c.Product.ID] = cand
						order = append(order, c.Product.ID)
					}
					cand.features.Cosine = c.Cosine
					cand.features.HasEmbedding = true
				}
			}
		}
	}

	out := make([]rawCandidate, 0, len(order))
	for _, id := range order {
		out = append(out, *byID[id])
	}
	return out, nil
}

func (e *Engine) pricePenalty(ctx context.Context, orgID uuid.UUID, customerID *uuid.UUID, internalSKU string, line Line, tolerancePct float64) float64 {
	if customerID == nil || line.UnitPrice == nil || line.Currency == nil {
		return 1.0
	}
	uom := ""
	if line.UoM != nil {
		uom = *line.UoM
	}
	tier, err := e.Catalog.PriceTier(ctx, orgID, *customerID, internalSKU, *line.Currency, uom, line.Qty, time.Now().UTC())
	if err != nil {
		e.Log.Warn("price tier lookup failed", zap.String("internal_sku", internalSKU), zap.Error(err))
		return 1.0
	}
	return PricePenalty(line.UnitPrice, line.Currency, tier, tolerancePct)
}

// autoApply decides whether the top candidate is safe to suggest without a
// reviewer picking it: high enough on its own and clearly ahead of the
// runner-up.
func autoApply(top1, top2 float64, t config.Tunables) bool {
	return top1 >= t.AutoApplyThreshold && top1-top2 >= t.AutoApplyGap
}

// rankCandidates orders by confidence (six-decimal precision) descending,
// internal SKU ascending. Deterministic for identical inputs.
func rankCandidates(cands []ScoredCandidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		ci, cj := round6(cands[i].Confidence), round6(cands[j].Confidence)
		if ci != cj {
			return ci > cj
		}
		return cands[i].InternalSKU < cands[j].InternalSKU
	})
}
