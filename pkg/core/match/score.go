// Package match resolves order lines against the product catalog: confirmed
// mappings first, then a trigram/embedding hybrid with UoM and price
// penalties.
package match

import (
	"math"
	"strings"

	"orderflow/pkg/models"
)

const (
	// Candidate retrieval.
	TrigramLimit    = 30
	EmbeddingLimit  = 30
	SimilarityFloor = 0.30
	CandidateLimit  = 5

	// Confidence a confirmed mapping short-circuits with.
	ConfirmedConfidence = 0.99

	// Below this, a successful match still raises a review warning.
	LowConfidenceFloor = 0.75
)

// Hybrid weights.
const (
	triWeight = 0.62
	embWeight = 0.38
	descDamp  = 0.70
)

// NormalizeSKU canonicalizes a customer SKU for mapping keys and trigram
// queries: upper case, all whitespace removed. Separators stay; they carry
// signal for trigram similarity.
func NormalizeSKU(raw string) string {
	return strings.ToUpper(strings.Join(strings.Fields(raw), ""))
}

// Features carries the raw scoring inputs of one candidate, persisted in
// match_debug_json for review.
type Features struct {
	TriSKU       float64 `json:"tri_sku"`
	TriDesc      float64 `json:"tri_desc"`
	Cosine       float64 `json:"cosine"`
	HasEmbedding bool    `json:"has_embedding"`
	PUoM         float64 `json:"p_uom"`
	PPrice       float64 `json:"p_price"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// TriScore combines SKU and description trigram similarity; description
// evidence is damped.
func (f Features) TriScore() float64 {
	return math.Max(f.TriSKU, descDamp*f.TriDesc)
}

// EmbScore maps cosine similarity into [0,1]; absent embeddings contribute
// zero.
func (f Features) EmbScore() float64 {
	if !f.HasEmbedding {
		return 0
	}
	return clamp01((f.Cosine + 1) / 2)
}

// Confidence is the penalized hybrid score.
func (f Features) Confidence() float64 {
	hybrid := math.Max(0, triWeight*f.TriScore()+embWeight*f.EmbScore())
	return clamp01(hybrid * f.PUoM * f.PPrice)
}

// UoMPenalty scores unit compatibility between the line and a product.
func UoMPenalty(lineUoM *string, product *models.Product) float64 {
	if lineUoM == nil || *lineUoM == "" {
		return 0.9
	}
	if *lineUoM == product.BaseUoM {
		return 1.0
	}
	if _, ok := product.UoMConversions[*lineUoM]; ok {
		return 1.0
	}
	return 0.2
}

// PricePenalty scores the line price against the applicable tier.
// tolerancePct is the org's price tolerance in percent. Unknown situations
// (no tier, no line price, currency mismatch) never penalize.
func PricePenalty(linePrice *float64, lineCurrency *string, tier *models.CustomerPrice, tolerancePct float64) float64 {
	if tier == nil || linePrice == nil {
		return 1.0
	}
	if lineCurrency == nil || *lineCurrency != tier.Currency {
		// Never cross-convert currencies.
		return 1.0
	}
	expected := tier.UnitPrice
	if expected <= 0 {
		if *linePrice == expected {
			return 1.0
		}
		return 0.65
	}
	delta := math.Abs(*linePrice-expected) / expected * 100
	switch {
	case delta <= tolerancePct:
		return 1.0
	case delta <= 2*tolerancePct:
		return 0.85
	default:
		return 0.65
	}
}

// round6 is the comparison precision for candidate ordering.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}
