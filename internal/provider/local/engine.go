// Package local runs inference on the device through an Ollama-compatible
// chat endpoint.
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

const defaultBaseURL = "http://127.0.0.1:11434"

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Format   string        `json:"format,omitempty"`
	Options  *chatOptions  `json:"options,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	NumPredict  int      `json:"num_predict,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error,omitempty"`
}

// Engine talks to a local model server. Nothing it sends leaves the device.
type Engine struct {
	name       string
	baseURL    string
	httpClient *http.Client
}

var _ ports.InferenceEngine = (*Engine)(nil)

// Option configures the engine.
type Option func(*Engine)

// WithBaseURL sets the model server address.
func WithBaseURL(u string) Option {
	return func(e *Engine) {
		if u != "" {
			e.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) {
		if c != nil {
			e.httpClient = c
		}
	}
}

// New creates a local engine.
func New(name string, opts ...Option) *Engine {
	e := &Engine{name: name, baseURL: defaultBaseURL, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() domain.ProviderType { return domain.ProviderLocal }

func (e *Engine) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	body := chatRequest{Model: req.Model}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, turn := range req.History() {
		body.Messages = append(body.Messages, chatMessage{Role: turn.Role, Content: turn.Content})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSONOutput {
		body.Format = "json"
	}
	if req.Temperature != nil || req.MaxTokens > 0 {
		body.Options = &chatOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/chat", bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrRequestTimeout(e.name + " call exceeded its deadline").WithCause(err)
		}
		return nil, domain.ErrProvider(e.name + " is unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.ErrProvider(e.name + " response unreadable").WithCause(err)
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, domain.ErrProvider(fmt.Sprintf("%s: status %d: malformed response", e.name, resp.StatusCode)).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK || out.Error != "" {
		return nil, domain.ErrProvider(fmt.Sprintf("%s: status %d: %s", e.name, resp.StatusCode, out.Error))
	}
	return &ports.EngineResult{
		Text:            out.Message.Content,
		Model:           out.Model,
		TokensProcessed: out.PromptEvalCount + out.EvalCount,
	}, nil
}
