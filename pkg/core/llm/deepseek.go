package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"orderflow/pkg/core/errs"
	"orderflow/pkg/core/utils"
)

// DeepSeekProvider implements the text paths of Provider against the
// OpenAI-compatible DeepSeek API. The vision path is not supported; orgs
// configured with DeepSeek fall back to Gemini for scanned PDFs.
type DeepSeekProvider struct {
	Model  string
	APIKey string
	HTTP   *http.Client
}

var _ Provider = (*DeepSeekProvider)(nil)

const deepSeekURL = "https://api.deepseek.com/chat/completions"

// Micro-USD per 1K tokens.
const (
	deepSeekInPrice  = 270
	deepSeekOutPrice = 1100
)

type deepSeekRequest struct {
	Messages       []deepSeekMessage  `json:"messages"`
	Model          string             `json:"model"`
	MaxTokens      int                `json:"max_tokens"`
	ResponseFormat deepSeekRespFormat `json:"response_format"`
	Stream         bool               `json:"stream"`
	Temperature    float64            `json:"temperature"`
}

type deepSeekMessage struct {
	Content string `json:"content"`
	Role    string `json:"role"`
}

type deepSeekRespFormat struct {
	Type string `json:"type"`
}

type deepSeekResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *DeepSeekProvider) Name() string { return "deepseek" }

func (p *DeepSeekProvider) model() string {
	if p.Model != "" {
		return p.Model
	}
	return "deepseek-chat"
}

func (p *DeepSeekProvider) ExtractFromText(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	return p.chat(ctx, systemPrompt, userPrompt)
}

func (p *DeepSeekProvider) ExtractFromImages(ctx context.Context, _, _ string, _ []string) (*Result, error) {
	return nil, errs.Errorf(errs.KindValidation, "llm.deepseek", "deepseek has no vision path")
}

func (p *DeepSeekProvider) RepairJSON(ctx context.Context, malformed string) (*Result, error) {
	return p.chat(ctx, "You repair malformed JSON. Return only the repaired JSON document, nothing else.", malformed)
}

func (p *DeepSeekProvider) chat(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DEEPSEEK_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("DEEPSEEK_API_KEY environment variable not set")
	}

	reqBody := deepSeekRequest{
		Messages: []deepSeekMessage{
			{Content: systemPrompt, Role: "system"},
			{Content: userPrompt, Role: "user"},
		},
		Model:          p.model(),
		MaxTokens:      8192,
		ResponseFormat: deepSeekRespFormat{Type: "json_object"},
		Temperature:    0.1,
	}
	jsonBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal deepseek request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, deepSeekURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("build deepseek request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	httpClient := p.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	start := time.Now()
	res, err := httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, errs.E(errs.KindTransient, "llm.deepseek", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "llm.deepseek", err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, errs.E(errs.KindTransient, "llm.deepseek", fmt.Errorf("%w: %s", errs.ErrRateLimited, body))
	}
	if res.StatusCode != http.StatusOK {
		return nil, errs.Errorf(errs.KindTransient, "llm.deepseek", "status=%d body=%s", res.StatusCode, body)
	}

	var response deepSeekResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("unmarshal deepseek response: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, errs.Errorf(errs.KindTransient, "llm.deepseek", "no choices in response")
	}

	raw := response.Choices[0].Message.Content
	return &Result{
		Raw:          raw,
		Parsed:       utils.TolerantParseObject(raw),
		Model:        p.model(),
		InputTokens:  response.Usage.PromptTokens,
		OutputTokens: response.Usage.CompletionTokens,
		LatencyMS:    latency,
		CostMicros:   (int64(response.Usage.PromptTokens)*deepSeekInPrice + int64(response.Usage.CompletionTokens)*deepSeekOutPrice) / 1000,
	}, nil
}
