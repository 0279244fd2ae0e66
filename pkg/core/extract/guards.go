package extract

import (
	"fmt"
	"strings"

	"orderflow/pkg/core/canonical"
)

// Hallucination guards. An LLM output failing any guard is discarded; the
// extractor reports an error instead of accepting invented data.

// GuardViolation carries which guard fired and why.
type GuardViolation struct {
	Guard  string
	Reason string
}

func (v *GuardViolation) Error() string {
	return fmt.Sprintf("guard %s: %s", v.Guard, v.Reason)
}

// normalizeForAnchor case-folds and collapses all whitespace so substring
// anchoring survives layout differences.
func normalizeForAnchor(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// RunGuards applies all hallucination guards to an LLM output. docText is the
// source text ("" on the pure vision path, which disables the text-dependent
// guards).
func RunGuards(out *canonical.Output, docText string) error {
	if err := anchorGuard(out, docText); err != nil {
		return err
	}
	if err := rangeGuard(out); err != nil {
		return err
	}
	if err := lineCountGuard(out, docText); err != nil {
		return err
	}
	return uomGuard(out)
}

// anchorGuard: every non-null customer_sku_raw must literally occur in the
// document text.
func anchorGuard(out *canonical.Output, docText string) error {
	if docText == "" {
		return nil
	}
	haystack := normalizeForAnchor(docText)
	for _, ln := range out.Lines {
		if ln.CustomerSKURaw == nil {
			continue
		}
		needle := normalizeForAnchor(*ln.CustomerSKURaw)
		if needle == "" {
			continue
		}
		if !strings.Contains(haystack, needle) {
			return &GuardViolation{
				Guard:  "anchor",
				Reason: fmt.Sprintf("line %d sku %q not found in document text", ln.LineNo, *ln.CustomerSKURaw),
			}
		}
	}
	return nil
}

func rangeGuard(out *canonical.Output) error {
	for _, ln := range out.Lines {
		if ln.Qty <= 0 || ln.Qty > canonical.MaxQty {
			return &GuardViolation{
				Guard:  "range",
				Reason: fmt.Sprintf("line %d qty %v outside (0, %d]", ln.LineNo, ln.Qty, canonical.MaxQty),
			}
		}
		if ln.UnitPrice != nil && *ln.UnitPrice < 0 {
			return &GuardViolation{
				Guard:  "range",
				Reason: fmt.Sprintf("line %d negative price %v", ln.LineNo, *ln.UnitPrice),
			}
		}
	}
	return nil
}

// lineCountGuard: the model must not return more than twice the number of
// line-shaped rows detectable in the source, and never more than MaxLines.
func lineCountGuard(out *canonical.Output, docText string) error {
	if len(out.Lines) > canonical.MaxLines {
		return &GuardViolation{
			Guard:  "line_count",
			Reason: fmt.Sprintf("%d lines exceed the maximum of %d", len(out.Lines), canonical.MaxLines),
		}
	}
	if docText == "" {
		return nil
	}
	candidates := CandidateLineCount(docText)
	if candidates > 0 && len(out.Lines) > 2*candidates {
		return &GuardViolation{
			Guard:  "line_count",
			Reason: fmt.Sprintf("%d lines vs %d candidate rows in source", len(out.Lines), candidates),
		}
	}
	return nil
}

func uomGuard(out *canonical.Output) error {
	for _, ln := range out.Lines {
		if ln.UoM == nil {
			continue
		}
		if _, ok := canonical.CanonicalUoM(*ln.UoM); !ok {
			return &GuardViolation{
				Guard:  "uom",
				Reason: fmt.Sprintf("line %d unit %q not in canonical vocabulary", ln.LineNo, *ln.UoM),
			}
		}
	}
	return nil
}

// CandidateLineCount estimates how many line-shaped rows the source text
// contains: rows with at least three columns and a numeric cell, or rows
// matching the heuristic order-line shape.
func CandidateLineCount(text string) int {
	count := 0
	for _, row := range splitTextRows(text) {
		if len(row) >= 3 {
			for _, cell := range row {
				if isNumericCell(cell) {
					count++
					break
				}
			}
			continue
		}
		if heuristicLineRe.MatchString(strings.TrimSpace(strings.Join(row, " "))) {
			count++
		}
	}
	return count
}
