package provider

import (
	"context"
	"math"

	"golang.org/x/time/rate"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// RateLimited wraps an engine and waits for a token before every call.
type RateLimited struct {
	inner   ports.InferenceEngine
	limiter *rate.Limiter
}

// NewRateLimited allows rps calls per second with a burst of at least one.
func NewRateLimited(inner ports.InferenceEngine, rps float64) *RateLimited {
	burst := int(math.Ceil(rps))
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{inner: inner, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (p *RateLimited) Name() string { return p.inner.Name() }

func (p *RateLimited) Type() domain.ProviderType { return p.inner.Type() }

// Infer fails with a timeout when the context ends before a token is free.
func (p *RateLimited) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, domain.ErrRequestTimeout(p.inner.Name() + " rate limit wait exceeded the deadline").WithCause(err)
	}
	return p.inner.Infer(ctx, req)
}
