package extract

import (
	"context"
	"encoding/json"
	"fmt"

	"orderflow/pkg/core/canonical"
	"orderflow/pkg/core/llm"
	"orderflow/pkg/core/prompt"
	"orderflow/pkg/core/utils"
)

// LLMExtractor extracts canonical orders through the provider port, with
// structural validation, at most one repair attempt, and the hallucination
// guards applied before acceptance.
type LLMExtractor struct {
	Provider llm.Provider
}

func NewLLMExtractor(provider llm.Provider) *LLMExtractor {
	return &LLMExtractor{Provider: provider}
}

func (e *LLMExtractor) Name() string { return LLMVersion }

// The LLM extractor handles anything with text or rendered pages; the
// orchestrator decides when to invoke it.
func (e *LLMExtractor) CanHandle(string) bool { return true }

// ProviderCall records one provider interaction for the AI call log.
type ProviderCall struct {
	Type   string // llm.CallExtractText, llm.CallExtractVision, llm.CallRepairJSON
	Result *llm.Result
	Err    error
}

// Extract satisfies the registry port; call records are dropped. The
// orchestrator uses Run to also persist the AI call log.
func (e *LLMExtractor) Extract(ctx context.Context, in *Input) (*canonical.Output, error) {
	out, _, err := e.Run(ctx, in)
	return out, err
}

// Run executes the LLM extraction and returns every provider call made, in
// order, so the caller can log them unconditionally.
func (e *LLMExtractor) Run(ctx context.Context, in *Input) (*canonical.Output, []ProviderCall, error) {
	examples := make([]prompt.Example, 0, len(in.Examples))
	for _, ex := range in.Examples {
		examples = append(examples, prompt.Example{InputSnippet: ex.InputSnippet, Output: ex.Output})
	}

	var (
		res      *llm.Result
		err      error
		callType string
	)
	if in.Text != "" {
		callType = llm.CallExtractText
		res, err = e.Provider.ExtractFromText(ctx, prompt.ExtractionSystemPrompt, prompt.BuildExtractionPrompt(in.Text, examples))
	} else if len(in.ImagesB64) > 0 {
		callType = llm.CallExtractVision
		res, err = e.Provider.ExtractFromImages(ctx, prompt.ExtractionSystemPrompt, prompt.BuildVisionPrompt(examples), in.ImagesB64)
	} else {
		return nil, nil, fmt.Errorf("llm extraction needs text or page images")
	}

	calls := []ProviderCall{{Type: callType, Result: res, Err: err}}
	if err != nil {
		return nil, calls, err
	}

	out, decErr := decodeCanonical(res.Raw)
	if decErr != nil {
		// Local repair first; the provider repair call is the last resort
		// and happens at most once.
		if repaired, rerr := utils.RepairJSON(res.Raw); rerr == nil {
			if fixed, ferr := decodeCanonical(repaired); ferr == nil {
				out, decErr = fixed, nil
			}
		}
	}
	if decErr != nil {
		repairRes, rerr := e.Provider.RepairJSON(ctx, res.Raw)
		calls = append(calls, ProviderCall{Type: llm.CallRepairJSON, Result: repairRes, Err: rerr})
		if rerr != nil {
			return nil, calls, fmt.Errorf("llm output unparseable and repair failed: %w", rerr)
		}
		out, decErr = decodeCanonical(repairRes.Raw)
		if decErr != nil {
			return nil, calls, decErr
		}
	}
	if err := RunGuards(out, in.Text); err != nil {
		return nil, calls, err
	}

	out.ExtractorVersion = LLMVersion
	if len(res.Warnings) > 0 {
		out.Warnings = append(out.Warnings, res.Warnings...)
	}
	out.ClampConfidences()
	if out.Confidence.Overall == 0 && len(out.Confidence.Lines) > 0 {
		out.FinalizeConfidence()
	}
	return out, calls, nil
}

func decodeCanonical(raw string) (*canonical.Output, error) {
	cleaned := utils.StripCodeFences(raw)
	var out canonical.Output
	if err := json.Unmarshal([]byte(cleaned), &out); err != nil {
		return nil, fmt.Errorf("llm output does not match canonical schema: %w", err)
	}
	if err := out.Validate(); err != nil {
		return nil, fmt.Errorf("llm output failed schema validation: %w", err)
	}
	return &out, nil
}
