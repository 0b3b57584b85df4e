// Package llmclient wraps the embedding and chat model boundaries the
// capability registry and orchestrator depend on: computing a
// fixed-dimension embedding for a string, and producing a natural-language
// completion for summarization and Q&A. Both are external services; this
// package only owns the client boundary and a deterministic in-memory fake
// of each, selected at bootstrap when no API key is configured.
package llmclient

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/anthropics/anthropic-sdk-go"
	anthropicoption "github.com/anthropics/anthropic-sdk-go/option"
)

// EmbeddingDim is the fixed vector width the system embeds everything to.
const EmbeddingDim = 768

// TaskType distinguishes document vs. query embeddings so asymmetric
// embedding models remain correct: documents and queries embedded under
// the same task type silently degrade recall.
type TaskType string

const (
	TaskTypeDocument TaskType = "document"
	TaskTypeQuery    TaskType = "query"
)

// Embedder computes a fixed-dimension embedding for a piece of text.
type Embedder interface {
	Embed(ctx context.Context, text string, taskType TaskType) ([]float32, error)
}

// ChatClient produces a natural-language completion for a prompt.
type ChatClient interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// GeminiEmbedder embeds text via the Gemini embedding API
// (google/generative-ai-go).
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

// NewGeminiEmbedder creates an embedder backed by the given API key and model.
func NewGeminiEmbedder(ctx context.Context, apiKey, model string) (*GeminiEmbedder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &GeminiEmbedder{client: client, model: model}, nil
}

// Close releases the underlying client.
func (e *GeminiEmbedder) Close() error {
	return e.client.Close()
}

// Embed computes an embedding for text. taskType selects the asymmetric
// document/query embedding mode, per the embedding model's RETRIEVAL_DOCUMENT
// vs. RETRIEVAL_QUERY distinction.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string, taskType TaskType) ([]float32, error) {
	em := e.client.EmbeddingModel(e.model)

	if taskType == TaskTypeDocument {
		em.TaskType = genai.TaskTypeRetrievalDocument
	} else {
		em.TaskType = genai.TaskTypeRetrievalQuery
	}

	resp, err := em.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	if resp.Embedding == nil || len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("embedding response contained no vector")
	}

	return resp.Embedding.Values, nil
}

// AnthropicChatClient produces completions via anthropic-sdk-go. The LLM
// client is used for summary/Q&A; the SDK's client is itself safe for
// concurrent use, so no extra locking is added here (see concurrency model,
// "the LLM client is assumed thread-safe").
type AnthropicChatClient struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicChatClient creates a chat client for summary/Q&A prompts.
func NewAnthropicChatClient(apiKey, model string) *AnthropicChatClient {
	return &AnthropicChatClient{
		client: anthropic.NewClient(anthropicoption.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

// Complete sends a single-turn prompt and returns the concatenated text
// content of the response.
func (c *AnthropicChatClient) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic completion: %w", err)
	}

	out := ""
	for _, block := range resp.Content {
		if block.Type == "text" {
			out += block.Text
		}
	}

	return out, nil
}

// NoopEmbedder is used when no embedding API key is configured. It hashes
// each token of the input into a fixed dimension and L2-normalizes the
// result, so dot-product similarity tracks token overlap: descriptors
// whose text shares words with the query still rank first. An absent API
// key degrades discovery quality rather than breaking it. The task type
// is ignored; a symmetric bag-of-words space has no document/query split.
type NoopEmbedder struct{}

// Embed returns a deterministic hashed bag-of-words vector for text; it
// never calls an external service.
func (NoopEmbedder) Embed(_ context.Context, text string, _ TaskType) ([]float32, error) {
	vec := make([]float32, EmbeddingDim)

	for _, token := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(token))
		idx := binary.BigEndian.Uint32(sum[:4]) % EmbeddingDim
		vec[idx]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}

	return vec, nil
}

// NoopChatClient is used when no LLM API key is configured. Complete
// always reports failure so callers fall back to their non-fatal "best
// effort" error path: summary and Q&A failures are non-fatal, leaving the
// caller with partial results plus a best-effort error message.
type NoopChatClient struct{}

// Complete always returns an error; there is no underlying model to call.
func (NoopChatClient) Complete(_ context.Context, _, _ string) (string, error) {
	return "", fmt.Errorf("llm client not configured: no API key present")
}
