package llm

import (
	"context"
	"fmt"
	"os"
	"sync"

	gemini "github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"orderflow/pkg/core/errs"
)

// GeminiEmbedder implements Embedder with the generative-ai-go SDK.
type GeminiEmbedder struct {
	ModelName string // e.g. "text-embedding-004"
	APIKey    string

	mu     sync.Mutex
	client *gemini.Client
}

var _ Embedder = (*GeminiEmbedder)(nil)

func (e *GeminiEmbedder) Model() string {
	if e.ModelName != "" {
		return e.ModelName
	}
	return "text-embedding-004"
}

func (e *GeminiEmbedder) ensureClient(ctx context.Context) (*gemini.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client != nil {
		return e.client, nil
	}
	apiKey := e.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("GEMINI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY environment variable not set")
	}
	client, err := gemini.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	e.client = client
	return client, nil
}

// Embed computes the embedding vector for text. Deterministic per (text, model).
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	client, err := e.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	em := client.EmbeddingModel(e.Model())
	res, err := em.EmbedContent(ctx, gemini.Text(text))
	if err != nil {
		return nil, classifyProviderErr("llm.embed", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, errs.Errorf(errs.KindTransient, "llm.embed", "empty embedding response")
	}
	return res.Embedding.Values, nil
}
