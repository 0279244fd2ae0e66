// Package extract turns inbound purchase-order documents (CSV, XLSX, PDF
// text, HTML, scans via the LLM vision path) into canonical order outputs.
// All extractors, rule-based and LLM, live in one registry.
package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"orderflow/pkg/core/canonical"
)

// Extractor versions recorded on extraction runs.
const (
	RuleVersion = "rule_v1"
	LLMVersion  = "llm_v1"
)

// Recognized MIME types.
const (
	MIMECSV  = "text/csv"
	MIMEXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	MIMEPDF  = "application/pdf"
	MIMEHTML = "text/html"
)

// Input is one document handed to an extractor.
type Input struct {
	Filename  string
	MIMEType  string
	Data      []byte
	Text      string   // pre-extracted text, reused by the LLM path
	ImagesB64 []string // rendered pages for the vision path
	Examples  []FewShot
}

// FewShot is one layout-scoped correction example for the LLM path.
type FewShot struct {
	InputSnippet string          `json:"input_snippet"`
	Output       json.RawMessage `json:"output"`
}

// Extractor is the shared port: bytes + metadata in, canonical output out.
// A failed extraction returns an error; the orchestrator records it as a
// FAILED run with error_json.
type Extractor interface {
	Name() string
	CanHandle(mimeType string) bool
	Extract(ctx context.Context, in *Input) (*canonical.Output, error)
}

// Registry is the single extractor registry.
type Registry struct {
	extractors []Extractor
}

func NewRegistry(extractors ...Extractor) *Registry {
	return &Registry{extractors: extractors}
}

// ForMIME returns the first registered extractor that handles the MIME type.
func (r *Registry) ForMIME(mimeType string) (Extractor, error) {
	for _, e := range r.extractors {
		if e.CanHandle(mimeType) {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no extractor registered for mime type %q", mimeType)
}

// ByName returns a registered extractor by name.
func (r *Registry) ByName(name string) (Extractor, error) {
	for _, e := range r.extractors {
		if e.Name() == name {
			return e, nil
		}
	}
	return nil, fmt.Errorf("no extractor named %q", name)
}

// DefaultRegistry wires the rule extractors plus the given LLM extractor.
func DefaultRegistry(llm *LLMExtractor) *Registry {
	extractors := []Extractor{
		NewCSVExtractor(),
		NewXLSXExtractor(),
		NewPDFTextExtractor(),
		NewHTMLExtractor(),
	}
	if llm != nil {
		extractors = append(extractors, llm)
	}
	return NewRegistry(extractors...)
}
