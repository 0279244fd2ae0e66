// Package llm defines the provider ports for LLM extraction and embeddings,
// plus the concrete Gemini, DeepSeek and Qwen implementations.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Call types recorded in the AI call log.
const (
	CallExtractText   = "extract_text"
	CallExtractVision = "extract_vision"
	CallRepairJSON    = "repair_json"
	CallEmbed         = "embed"
)

// Result is one provider response. Parsed is nil when the raw text does not
// parse as a JSON object even after tolerant decoding; the caller decides
// whether to attempt a repair call.
type Result struct {
	Raw          string
	Parsed       map[string]interface{}
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMS    int64
	CostMicros   int64
	Warnings     []string
}

// Provider is the LLM port the extraction path consumes.
type Provider interface {
	// ExtractFromText runs a prompted extraction over document text.
	ExtractFromText(ctx context.Context, systemPrompt string, userPrompt string) (*Result, error)
	// ExtractFromImages runs the vision path over base64-encoded page images.
	ExtractFromImages(ctx context.Context, systemPrompt string, userPrompt string, imagesB64 []string) (*Result, error)
	// RepairJSON asks the model for a repaired version of malformed JSON.
	// The orchestrator allows exactly one repair attempt per extraction.
	RepairJSON(ctx context.Context, malformed string) (*Result, error)
	// Name identifies the provider in the AI call log.
	Name() string
}

// Embedder is the embedding port. Embed is deterministic given (text, model).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Model() string
}

// NewProvider builds the extraction provider named in the deployment config.
// An empty name selects Gemini, the only provider with a vision path. The
// model may be empty; each provider carries its own default.
func NewProvider(name, model string) (Provider, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "gemini":
		return &GeminiProvider{Model: model}, nil
	case "deepseek":
		return &DeepSeekProvider{Model: model}, nil
	case "qwen":
		return &QwenProvider{Model: model}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", name)
	}
}
