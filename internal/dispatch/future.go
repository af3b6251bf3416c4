package dispatch

import (
	"context"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// Future resolves to the response of one dispatch.
type Future struct {
	requestID string
	done      chan struct{}
	resp      *domain.Response
}

func newFuture(requestID string) *Future {
	return &Future{requestID: requestID, done: make(chan struct{})}
}

func (f *Future) resolve(resp *domain.Response) {
	f.resp = resp
	close(f.done)
}

// RequestID is the correlation id assigned to the request.
func (f *Future) RequestID() string { return f.requestID }

// Done is closed once the response is available.
func (f *Future) Done() <-chan struct{} { return f.done }

// Await blocks until the response is available or ctx ends. Abandoning a
// future does not stop the request; the returned response then reports a
// timeout for the caller only.
func (f *Future) Await(ctx context.Context) *domain.Response {
	select {
	case <-f.done:
		return f.resp
	case <-ctx.Done():
		return &domain.Response{
			Error: domain.NewResponseError(
				domain.ErrRequestTimeout("stopped waiting for the response").WithCause(ctx.Err())),
			Metadata: domain.ResponseMetadata{RequestID: f.requestID},
		}
	}
}
