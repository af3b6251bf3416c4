package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// max_tokens is mandatory for the Messages API.
const defaultMaxTokens = 1024

// Engine implements ports.InferenceEngine for Anthropic.
type Engine struct {
	name   string
	client *Client
	creds  ports.CredentialStore
}

var _ ports.InferenceEngine = (*Engine)(nil)

// New creates an engine using the credential sealed under name.
func New(name string, creds ports.CredentialStore, opts ...ClientOption) *Engine {
	return &Engine{name: name, client: NewClient(opts...), creds: creds}
}

func (e *Engine) Name() string { return e.name }

func (e *Engine) Type() domain.ProviderType { return domain.ProviderAnthropic }

func (e *Engine) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	apiReq := &MessagesRequest{
		Model:       req.Model,
		System:      req.System,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Messages:    conversation(req.History(), req.Prompt),
	}
	if apiReq.MaxTokens == 0 {
		apiReq.MaxTokens = defaultMaxTokens
	}

	var resp *MessagesResponse
	err := e.creds.Use(e.name, func(apiKey string) error {
		var err error
		resp, err = e.client.CreateMessage(ctx, apiKey, apiReq)
		return err
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, domain.ErrRequestTimeout(e.name + " call exceeded its deadline").WithCause(err)
		}
		pe := domain.ErrProvider(e.name + " call failed").WithCause(err)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			pe = pe.WithStatusCode(apiErr.StatusCode)
		}
		return nil, pe
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, domain.ErrProvider(e.name + " returned no text")
	}
	return &ports.EngineResult{
		Text:            text.String(),
		Model:           resp.Model,
		TokensProcessed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}, nil
}

// conversation replays history ahead of the prompt. The Messages API needs
// alternating turns that open with the user, so leading assistant turns are
// dropped and consecutive turns of one role are merged.
func conversation(history []domain.ChatTurn, prompt string) []Message {
	out := make([]Message, 0, len(history)+1)
	add := func(role, content string) {
		if len(out) == 0 && role != "user" {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + content
			return
		}
		out = append(out, Message{Role: role, Content: content})
	}
	for _, turn := range history {
		if strings.TrimSpace(turn.Content) == "" {
			continue
		}
		add(turn.Role, turn.Content)
	}
	add("user", prompt)
	return out
}
