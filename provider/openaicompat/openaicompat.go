// Package openaicompat implements cell.Provider and cell.Encoder for any
// OpenAI-compatible API.
//
// Works with OpenAI, OpenRouter, Groq, Together, Fireworks, DeepSeek,
// Mistral, Ollama, vLLM, LM Studio, Azure OpenAI, and any other backend
// that implements the chat completions and embeddings endpoints.
package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"unicode/utf8"

	"github.com/zimagi/cell"
)

// --- Wire types ---

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning,omitempty"`
		} `json:"message"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *wireUsage `json:"usage,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// --- Provider ---

// ProviderOption configures a Provider instance.
type ProviderOption func(*Provider)

// WithName sets the provider name returned by Name() (default "openai").
func WithName(name string) ProviderOption {
	return func(p *Provider) { p.name = name }
}

// WithHTTPClient sets a custom HTTP client (e.g. for timeouts or proxies).
func WithHTTPClient(c *http.Client) ProviderOption {
	return func(p *Provider) { p.client = c }
}

// WithTemperature sets the sampling temperature applied to every request.
func WithTemperature(t float64) ProviderOption {
	return func(p *Provider) { p.temperature = &t }
}

// WithTopP sets nucleus sampling top-p applied to every request.
func WithTopP(v float64) ProviderOption {
	return func(p *Provider) { p.topP = &v }
}

// WithMaxTokens caps the output tokens per request.
func WithMaxTokens(n int) ProviderOption {
	return func(p *Provider) { p.maxTokens = n }
}

// WithCost sets per-million-token prices used to fill Completion.Cost.
func WithCost(promptPerM, outputPerM float64) ProviderOption {
	return func(p *Provider) {
		p.promptPrice = promptPerM / 1e6
		p.outputPrice = outputPerM / 1e6
	}
}

// Provider implements cell.Provider over the /chat/completions endpoint.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	client      *http.Client
	name        string
	temperature *float64
	topP        *float64
	maxTokens   int
	promptPrice float64
	outputPrice float64
}

var _ cell.Provider = (*Provider)(nil)

// NewProvider creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "https://api.openai.com/v1",
// "http://localhost:11434/v1"). The /chat/completions path is appended
// automatically.
func NewProvider(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

// Exec sends a non-streaming chat request and returns the completion.
func (p *Provider) Exec(ctx context.Context, messages []cell.ChatMessage) (cell.Completion, error) {
	body := chatRequest{
		Model:       p.model,
		Messages:    toWire(messages),
		Temperature: p.temperature,
		TopP:        p.topP,
		MaxTokens:   p.maxTokens,
	}
	resp, err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.apiKey, body)
	if err != nil {
		return cell.Completion{}, &cell.ErrLLM{Provider: p.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return cell.Completion{}, &cell.ErrLLM{
			Provider: p.name,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, raw),
		}
	}

	var chat chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chat); err != nil {
		return cell.Completion{}, &cell.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(chat.Choices) == 0 {
		return cell.Completion{}, &cell.ErrLLM{Provider: p.name, Message: "response has no choices"}
	}

	c := cell.Completion{
		Text:      chat.Choices[0].Message.Content,
		Reasoning: chat.Choices[0].Message.Reasoning,
	}
	if chat.Usage != nil {
		c.PromptTokens = chat.Usage.PromptTokens
		c.OutputTokens = chat.Usage.CompletionTokens
		c.Cost = float64(c.PromptTokens)*p.promptPrice + float64(c.OutputTokens)*p.outputPrice
	}
	return c, nil
}

// messageTokenOverhead approximates the per-message framing cost of the
// chat format.
const messageTokenOverhead = 4

// TokenCount estimates the token cost of the messages. The estimate is the
// standard four-characters-per-token heuristic plus per-message framing,
// biased high so context budgeting errs toward trimming.
func (p *Provider) TokenCount(ctx context.Context, messages []cell.ChatMessage) (int, error) {
	total := 0
	for _, m := range messages {
		chars := utf8.RuneCountInString(m.Content) + utf8.RuneCountInString(m.Name)
		total += messageTokenOverhead + (chars+3)/4
	}
	return total, nil
}

func toWire(messages []cell.ChatMessage) []wireMessage {
	out := make([]wireMessage, len(messages))
	for i, m := range messages {
		out[i] = wireMessage{Role: m.Role, Content: m.Content, Name: m.Name}
	}
	return out
}

// --- Encoder ---

// EncoderOption configures an Encoder instance.
type EncoderOption func(*Encoder)

// WithEncoderName sets the encoder name returned by Name().
func WithEncoderName(name string) EncoderOption {
	return func(e *Encoder) { e.name = name }
}

// WithEncoderHTTPClient sets a custom HTTP client for embedding requests.
func WithEncoderHTTPClient(c *http.Client) EncoderOption {
	return func(e *Encoder) { e.client = c }
}

// Encoder implements cell.Encoder over the /embeddings endpoint.
type Encoder struct {
	apiKey     string
	model      string
	baseURL    string
	dimensions int
	client     *http.Client
	name       string
}

var _ cell.Encoder = (*Encoder)(nil)

// NewEncoder creates an OpenAI-compatible embedding encoder. dimensions
// must match the model's output vector size.
func NewEncoder(apiKey, model, baseURL string, dimensions int, opts ...EncoderOption) *Encoder {
	e := &Encoder{
		apiKey:     apiKey,
		model:      model,
		baseURL:    baseURL,
		dimensions: dimensions,
		client:     &http.Client{},
		name:       "openai",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the encoder name.
func (e *Encoder) Name() string { return e.name }

// Dimensions returns the embedding vector size.
func (e *Encoder) Dimensions() int { return e.dimensions }

// Embed returns one embedding vector per input text, in input order.
func (e *Encoder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := postJSON(ctx, e.client, e.baseURL+"/embeddings", e.apiKey, embedRequest{
		Model: e.model,
		Input: texts,
	})
	if err != nil {
		return nil, &cell.ErrLLM{Provider: e.name, Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, &cell.ErrLLM{
			Provider: e.name,
			Message:  fmt.Sprintf("status %d: %s", resp.StatusCode, raw),
		}
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, &cell.ErrLLM{Provider: e.name, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if len(parsed.Data) != len(texts) {
		return nil, &cell.ErrLLM{
			Provider: e.name,
			Message:  fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)),
		}
	}
	out := make([][]float32, len(texts))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, &cell.ErrLLM{Provider: e.name, Message: fmt.Sprintf("embedding index %d out of range", d.Index)}
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// postJSON marshals body and POSTs it with bearer auth.
func postJSON(ctx context.Context, client *http.Client, url, apiKey string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	return client.Do(req)
}
