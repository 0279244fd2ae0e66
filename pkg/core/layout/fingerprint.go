// Package layout computes the deterministic fingerprint that groups documents
// of the same structural shape, so corrections for one instance generalize to
// the next one.
package layout

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"

	"github.com/gowebpki/jcs"
)

// Meta is the structural metadata a fingerprint is derived from.
type Meta struct {
	PageCount         int     `json:"page_count"`
	PageDimensions    []Dim   `json:"page_dimensions"`
	TableCount        int     `json:"table_count"`
	TextCoverageRatio float64 `json:"text_coverage_ratio"`
}

// Dim is one page's dimensions in integer points.
type Dim struct {
	Width  int `json:"w"`
	Height int `json:"h"`
}

// Fingerprint produces a 256-bit hex identifier for the given metadata.
// Inputs are normalized (dimensions as integer points, coverage rounded to two
// decimals), serialized to RFC 8785 canonical JSON and hashed with SHA-256.
// The page_dimensions order is significant: two documents whose pages appear
// in a different order fingerprint differently.
//
// A nil meta (non-PDF document) yields the empty string; such documents
// participate only in non-layout-scoped paths.
func Fingerprint(meta *Meta) (string, error) {
	if meta == nil {
		return "", nil
	}

	norm := Meta{
		PageCount:         meta.PageCount,
		PageDimensions:    make([]Dim, len(meta.PageDimensions)),
		TableCount:        meta.TableCount,
		TextCoverageRatio: math.Round(meta.TextCoverageRatio*100) / 100,
	}
	copy(norm.PageDimensions, meta.PageDimensions)

	raw, err := json.Marshal(norm)
	if err != nil {
		return "", fmt.Errorf("marshal layout meta: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize layout meta: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
