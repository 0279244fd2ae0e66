package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/utils"
)

// GeminiProvider implements Provider against the official GenAI SDK.
type GeminiProvider struct {
	Model  string // e.g. "gemini-2.0-flash-exp"
	APIKey string // falls back to GEMINI_API_KEY
}

var _ Provider = (*GeminiProvider)(nil)

// Approximate list prices in micro-USD per 1K tokens, used for the budget
// gate. Unknown models bill at the flash rate.
var geminiPricing = map[string]struct{ in, out int64 }{
	"gemini-2.0-flash-exp": {in: 100, out: 400},
	"gemini-1.5-pro":       {in: 1250, out: 5000},
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) model() string {
	if p.Model != "" {
		return p.Model
	}
	return "gemini-2.0-flash-exp"
}

func (p *GeminiProvider) client(ctx context.Context) (*genai.Client, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return client, nil
}

func (p *GeminiProvider) ExtractFromText(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	contents := genai.Text(userPrompt)
	return p.generate(ctx, systemPrompt, contents)
}

func (p *GeminiProvider) ExtractFromImages(ctx context.Context, systemPrompt, userPrompt string, imagesB64 []string) (*Result, error) {
	parts := []*genai.Part{{Text: userPrompt}}
	for _, img := range imagesB64 {
		raw, err := base64.StdEncoding.DecodeString(img)
		if err != nil {
			return nil, errs.Errorf(errs.KindValidation, "llm.vision", "image is not valid base64: %v", err)
		}
		parts = append(parts, &genai.Part{
			InlineData: &genai.Blob{MIMEType: "image/png", Data: raw},
		})
	}
	contents := []*genai.Content{{Parts: parts, Role: "user"}}
	return p.generate(ctx, systemPrompt, contents)
}

func (p *GeminiProvider) RepairJSON(ctx context.Context, malformed string) (*Result, error) {
	system := "You repair malformed JSON. Return only the repaired JSON document, nothing else."
	return p.generate(ctx, system, genai.Text(malformed))
}

func (p *GeminiProvider) generate(ctx context.Context, systemPrompt string, contents []*genai.Content) (*Result, error) {
	client, err := p.client(ctx)
	if err != nil {
		return nil, err
	}

	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(float32(0.1)),
		ResponseMIMEType: "application/json",
	}
	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: systemPrompt}}}
	}

	start := time.Now()
	res, err := client.Models.GenerateContent(ctx, p.model(), contents, cfg)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, classifyProviderErr("llm.gemini", err)
	}

	out := &Result{
		Raw:       res.Text(),
		Model:     p.model(),
		LatencyMS: latency,
	}
	if res.UsageMetadata != nil {
		out.InputTokens = int(res.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(res.UsageMetadata.CandidatesTokenCount)
	}
	out.CostMicros = geminiCost(p.model(), out.InputTokens, out.OutputTokens)
	out.Parsed = utils.TolerantParseObject(out.Raw)
	return out, nil
}

func geminiCost(model string, inTok, outTok int) int64 {
	price, ok := geminiPricing[model]
	if !ok {
		price = geminiPricing["gemini-2.0-flash-exp"]
	}
	return (int64(inTok)*price.in + int64(outTok)*price.out) / 1000
}

// classifyProviderErr separates rate limiting from timeouts and other
// transient failures so the orchestrator can back off correctly.
func classifyProviderErr(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "429") || strings.Contains(msg, "rate") || strings.Contains(msg, "quota") {
		return errs.E(errs.KindTransient, op, fmt.Errorf("%w: %v", errs.ErrRateLimited, err))
	}
	if ctxErr := contextCause(err); ctxErr != nil {
		return errs.E(errs.KindTransient, op, ctxErr)
	}
	return errs.E(errs.KindTransient, op, err)
}

func contextCause(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "context deadline exceeded") || strings.Contains(err.Error(), "context canceled") {
		return err
	}
	return nil
}
