package openai

import (
	"context"
	"errors"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

const defaultMaxTokens = 1024

// Engine implements ports.InferenceEngine for OpenAI.
type Engine struct {
	name   string
	client *Client
	creds  ports.CredentialStore
}

var _ ports.InferenceEngine = (*Engine)(nil)

// New creates an engine. The API key is looked up in creds under name for
// every call.
func New(name string, creds ports.CredentialStore, opts ...ClientOption) *Engine {
	return &Engine{name: name, client: NewClient(opts...), creds: creds}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() domain.ProviderType { return domain.ProviderOpenAI }

// Infer sends an optional system turn, the conversation history and the
// prompt as the final user turn.
func (e *Engine) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	apiReq := &ChatCompletionRequest{
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = defaultMaxTokens
	}
	if req.JSONOutput {
		apiReq.ResponseFormat = &ResponseFormat{Type: "json_object"}
	}
	if req.System != "" {
		apiReq.Messages = append(apiReq.Messages, Message{Role: "system", Content: req.System})
	}
	for _, turn := range req.History() {
		apiReq.Messages = append(apiReq.Messages, Message{Role: turn.Role, Content: turn.Content})
	}
	apiReq.Messages = append(apiReq.Messages, Message{Role: "user", Content: req.Prompt})

	var resp *ChatCompletionResponse
	err := e.creds.Use(e.name, func(apiKey string) error {
		var err error
		resp, err = e.client.CreateChatCompletion(ctx, apiKey, apiReq)
		return err
	})
	if err != nil {
		return nil, providerError(e.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, domain.ErrProvider(e.name + " returned no choices")
	}
	return &ports.EngineResult{
		Text:            resp.Choices[0].Message.Content,
		Model:           resp.Model,
		TokensProcessed: resp.Usage.TotalTokens,
	}, nil
}

func providerError(name string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrRequestTimeout(name + " call exceeded its deadline").WithCause(err)
	}
	pe := domain.ErrProvider(name + " call failed").WithCause(err)
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		pe = pe.WithStatusCode(apiErr.StatusCode)
	}
	return pe
}
