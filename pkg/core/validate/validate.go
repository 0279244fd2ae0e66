// Package validate runs the rule pass that decides whether a draft order is
// READY for approval. The pass is pure: it reads a snapshot assembled by the
// caller and returns issues, so re-running it on an unchanged draft yields an
// identical result.
package validate

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"orderflow/pkg/core/match"
	"orderflow/pkg/models"
)

// Issue kinds.
const (
	KindMissingCustomer    = "MISSING_CUSTOMER"
	KindAmbiguousCustomer  = "AMBIGUOUS_CUSTOMER"
	KindMissingSKU         = "MISSING_SKU"
	KindLowConfidenceMatch = "LOW_CONFIDENCE_MATCH"
	KindPriceMismatch      = "PRICE_MISMATCH"
	KindMissingPrice       = "MISSING_PRICE"
	KindUoMIncompatible    = "UOM_INCOMPATIBLE"
	KindDuplicateOrder     = "DUPLICATE_ORDER"
	KindLineCountMismatch  = "LINE_COUNT_MISMATCH"
	KindExtractionWarnings = "EXTRACTION_WARNINGS_PROPAGATED"
)

// LineContext carries the catalog facts the line rules need, resolved by the
// caller for the line's matched product (both nil when the line is unmatched).
type LineContext struct {
	Product *models.Product
	Tier    *models.CustomerPrice
}

// Input is the full snapshot one validation pass reads.
type Input struct {
	Draft models.DraftOrder
	Lines []models.DraftOrderLine

	// LineContexts is keyed by line_no.
	LineContexts map[int]LineContext

	// CustomerCandidateIDs are the customers the header hint resolved to
	// when no customer is assigned yet.
	CustomerCandidateIDs []uuid.UUID

	// DuplicateDraftIDs are recent drafts of the same org/customer sharing
	// the external order number.
	DuplicateDraftIDs []uuid.UUID

	// ExtractionWarnings are carried over from the extraction run.
	ExtractionWarnings []string

	// HeuristicLineCount is the rule extractor's line estimate when the
	// draft came from an LLM extraction; nil otherwise.
	HeuristicLineCount *int

	// PriceTolerancePercent is the org's τ.
	PriceTolerancePercent float64
}

// Result is the outcome of one pass.
type Result struct {
	Ready  bool
	Issues []models.ValidationIssue
}

// ReadyCheck is the summary persisted on the draft as ready_check_json.
type ReadyCheck struct {
	Ready        bool                     `json:"ready"`
	ErrorCount   int                      `json:"error_count"`
	WarningCount int                      `json:"warning_count"`
	Issues       []models.ValidationIssue `json:"issues"`
}

// Run evaluates every rule in a fixed order and computes the READY verdict.
func Run(in Input) Result {
	var issues []models.ValidationIssue

	issues = append(issues, customerRule(in)...)
	issues = append(issues, lineRules(in)...)
	issues = append(issues, duplicateOrderRule(in)...)
	issues = append(issues, lineCountRule(in)...)
	issues = append(issues, extractionWarningsRule(in)...)

	return Result{Ready: verdict(in, issues), Issues: issues}
}

// Summary folds a result into the persistable ready-check payload.
func Summary(r Result) ReadyCheck {
	rc := ReadyCheck{Ready: r.Ready, Issues: r.Issues}
	if rc.Issues == nil {
		rc.Issues = []models.ValidationIssue{}
	}
	for _, is := range r.Issues {
		if is.Severity == models.SeverityError {
			rc.ErrorCount++
		} else {
			rc.WarningCount++
		}
	}
	return rc
}

// verdict: customer assigned, every line matched, no ERROR issue.
func verdict(in Input, issues []models.ValidationIssue) bool {
	if in.Draft.CustomerID == nil {
		return false
	}
	for _, line := range in.Lines {
		if line.InternalSKU == nil {
			return false
		}
		switch line.MatchStatus {
		case models.MatchMatched, models.MatchSuggested, models.MatchOverridden:
		default:
			return false
		}
	}
	for _, is := range issues {
		if is.Severity == models.SeverityError {
			return false
		}
	}
	return true
}

func customerRule(in Input) []models.ValidationIssue {
	if in.Draft.CustomerID != nil {
		return nil
	}
	if len(in.CustomerCandidateIDs) > 1 {
		return []models.ValidationIssue{{
			Kind:     KindAmbiguousCustomer,
			Severity: models.SeverityError,
			Details:  details(map[string]any{"candidate_ids": in.CustomerCandidateIDs}),
		}}
	}
	return []models.ValidationIssue{{
		Kind:     KindMissingCustomer,
		Severity: models.SeverityError,
	}}
}

func lineRules(in Input) []models.ValidationIssue {
	var issues []models.ValidationIssue
	for i := range in.Lines {
		line := &in.Lines[i]
		lctx := in.LineContexts[line.LineNo]

		issues = append(issues, missingSKURule(line)...)
		issues = append(issues, lowConfidenceRule(line)...)
		issues = append(issues, uomRule(line, lctx.Product)...)
		issues = append(issues, priceRules(line, lctx.Tier, in.PriceTolerancePercent)...)
	}
	return issues
}

func missingSKURule(line *models.DraftOrderLine) []models.ValidationIssue {
	if line.InternalSKU != nil && line.MatchStatus != models.MatchUnmatched {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindMissingSKU,
		Severity: models.SeverityError,
		LineNo:   &line.LineNo,
		Details:  details(map[string]any{"customer_sku_raw": line.CustomerSKURaw}),
	}}
}

func lowConfidenceRule(line *models.DraftOrderLine) []models.ValidationIssue {
	if line.InternalSKU == nil || line.MatchStatus == models.MatchOverridden {
		return nil
	}
	if line.MatchConfidence >= match.LowConfidenceFloor {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindLowConfidenceMatch,
		Severity: models.SeverityWarning,
		LineNo:   &line.LineNo,
		Details:  details(map[string]any{"confidence": line.MatchConfidence}),
	}}
}

func uomRule(line *models.DraftOrderLine, product *models.Product) []models.ValidationIssue {
	if product == nil || line.UoM == nil || *line.UoM == "" {
		return nil
	}
	if *line.UoM == product.BaseUoM {
		return nil
	}
	if _, ok := product.UoMConversions[*line.UoM]; ok {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindUoMIncompatible,
		Severity: models.SeverityError,
		LineNo:   &line.LineNo,
		Details: details(map[string]any{
			"line_uom": *line.UoM,
			"base_uom": product.BaseUoM,
		}),
	}}
}

func priceRules(line *models.DraftOrderLine, tier *models.CustomerPrice, tolerancePct float64) []models.ValidationIssue {
	if line.UnitPrice == nil {
		return []models.ValidationIssue{{
			Kind:     KindMissingPrice,
			Severity: models.SeverityWarning,
			LineNo:   &line.LineNo,
		}}
	}
	if tier == nil || line.Currency == nil || *line.Currency != tier.Currency || tier.UnitPrice <= 0 {
		return nil
	}
	deviation := math.Abs(*line.UnitPrice-tier.UnitPrice) / tier.UnitPrice * 100
	if deviation <= tolerancePct {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindPriceMismatch,
		Severity: models.SeverityWarning,
		LineNo:   &line.LineNo,
		Details: details(map[string]any{
			"expected":      tier.UnitPrice,
			"actual":        *line.UnitPrice,
			"deviation_pct": round2(deviation),
		}),
	}}
}

func duplicateOrderRule(in Input) []models.ValidationIssue {
	if in.Draft.ExternalOrderNumber == nil || len(in.DuplicateDraftIDs) == 0 {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindDuplicateOrder,
		Severity: models.SeverityWarning,
		Details: details(map[string]any{
			"external_order_number": *in.Draft.ExternalOrderNumber,
			"draft_ids":             in.DuplicateDraftIDs,
		}),
	}}
}

func lineCountRule(in Input) []models.ValidationIssue {
	if in.HeuristicLineCount == nil || *in.HeuristicLineCount == len(in.Lines) {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindLineCountMismatch,
		Severity: models.SeverityWarning,
		Details: details(map[string]any{
			"extracted": len(in.Lines),
			"heuristic": *in.HeuristicLineCount,
		}),
	}}
}

func extractionWarningsRule(in Input) []models.ValidationIssue {
	if len(in.ExtractionWarnings) == 0 {
		return nil
	}
	return []models.ValidationIssue{{
		Kind:     KindExtractionWarnings,
		Severity: models.SeverityWarning,
		Details:  details(map[string]any{"warnings": in.ExtractionWarnings}),
	}}
}

func details(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
