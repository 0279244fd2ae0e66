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

// QwenProvider implements the text paths of Provider against the native
// DashScope API. Like DeepSeek it has no vision path; scanned PDFs fall
// back to Gemini.
type QwenProvider struct {
	Model  string
	APIKey string
	HTTP   *http.Client
}

var _ Provider = (*QwenProvider)(nil)

const qwenURL = "https://dashscope.aliyuncs.com/api/v1/services/aigc/text-generation/generation"

// Micro-USD per 1K tokens.
const (
	qwenInPrice  = 400
	qwenOutPrice = 1200
)

type qwenRequest struct {
	Model      string         `json:"model"`
	Input      qwenInput      `json:"input"`
	Parameters qwenParameters `json:"parameters"`
}

type qwenInput struct {
	Messages []qwenMessage `json:"messages"`
}

type qwenMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type qwenParameters struct {
	ResultFormat string  `json:"result_format"`
	MaxTokens    int     `json:"max_tokens"`
	Temperature  float64 `json:"temperature"`
}

type qwenResponse struct {
	Output struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *QwenProvider) Name() string { return "qwen" }

func (p *QwenProvider) model() string {
	if p.Model != "" {
		return p.Model
	}
	return "qwen-max"
}

func (p *QwenProvider) ExtractFromText(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	return p.generate(ctx, systemPrompt, userPrompt)
}

func (p *QwenProvider) ExtractFromImages(ctx context.Context, _, _ string, _ []string) (*Result, error) {
	return nil, errs.Errorf(errs.KindValidation, "llm.qwen", "qwen text provider has no vision path")
}

func (p *QwenProvider) RepairJSON(ctx context.Context, malformed string) (*Result, error) {
	return p.generate(ctx, "You repair malformed JSON. Return only the repaired JSON document, nothing else.", malformed)
}

func (p *QwenProvider) generate(ctx context.Context, systemPrompt, userPrompt string) (*Result, error) {
	apiKey := p.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("DASHSCOPE_API_KEY")
	}
	if apiKey == "" {
		apiKey = os.Getenv("QWEN_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("DASHSCOPE_API_KEY environment variable not set")
	}

	reqBody := qwenRequest{
		Model: p.model(),
		Input: qwenInput{Messages: []qwenMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		}},
		Parameters: qwenParameters{
			ResultFormat: "message",
			MaxTokens:    8192,
			Temperature:  0.1,
		},
	}
	jsonBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal qwen request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, qwenURL, bytes.NewReader(jsonBytes))
	if err != nil {
		return nil, fmt.Errorf("build qwen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	httpClient := p.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}

	start := time.Now()
	res, err := httpClient.Do(req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, errs.E(errs.KindTransient, "llm.qwen", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, errs.E(errs.KindTransient, "llm.qwen", err)
	}
	if res.StatusCode == http.StatusTooManyRequests {
		return nil, errs.E(errs.KindTransient, "llm.qwen", fmt.Errorf("%w: %s", errs.ErrRateLimited, body))
	}
	if res.StatusCode != http.StatusOK {
		return nil, errs.Errorf(errs.KindTransient, "llm.qwen", "status=%d body=%s", res.StatusCode, body)
	}

	var response qwenResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("unmarshal qwen response: %w", err)
	}
	if response.Code != "" {
		return nil, errs.Errorf(errs.KindTransient, "llm.qwen", "code=%s message=%s", response.Code, response.Message)
	}
	if len(response.Output.Choices) == 0 {
		return nil, errs.Errorf(errs.KindTransient, "llm.qwen", "no choices in response")
	}

	raw := response.Output.Choices[0].Message.Content
	return &Result{
		Raw:          raw,
		Parsed:       utils.TolerantParseObject(raw),
		Model:        p.model(),
		InputTokens:  response.Usage.InputTokens,
		OutputTokens: response.Usage.OutputTokens,
		LatencyMS:    latency,
		CostMicros:   (int64(response.Usage.InputTokens)*qwenInPrice + int64(response.Usage.OutputTokens)*qwenOutPrice) / 1000,
	}, nil
}
