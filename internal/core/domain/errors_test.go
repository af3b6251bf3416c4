package domain

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestPipelineError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *PipelineError
		want string
	}{
		{
			name: "type and message",
			err:  ErrRequestTimeout("no response within 30s"),
			want: "request_timeout: no response within 30s",
		},
		{
			name: "with code",
			err:  ErrProvider("slow down").WithCode(ErrorCodeRateLimitExceeded),
			want: "provider_error (rate_limit_exceeded): slow down",
		},
		{
			name: "with cause",
			err:  ErrAuditWrite("append failed").WithCause(errors.New("disk full")),
			want: "audit_write_failure: append failed: disk full",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPipelineError_Is(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", ErrWorkerUnavailable("stopped").WithCode(ErrorCodeWorkerStopped))

	if !errors.Is(err, &PipelineError{Type: ErrorTypeWorkerUnavailable}) {
		t.Error("errors.Is should match by type")
	}
	if !errors.Is(err, &PipelineError{Type: ErrorTypeWorkerUnavailable, Code: ErrorCodeWorkerStopped}) {
		t.Error("errors.Is should match by type and code")
	}
	if errors.Is(err, &PipelineError{Type: ErrorTypeWorkerUnavailable, Code: ErrorCodeQueueFull}) {
		t.Error("errors.Is should not match a different code")
	}
	if errors.Is(err, &PipelineError{Type: ErrorTypeRequestTimeout}) {
		t.Error("errors.Is should not match a different type")
	}
	if !IsType(err, ErrorTypeWorkerUnavailable) {
		t.Error("IsType should see through wrapping")
	}
}

func TestPipelineError_HTTPStatusCode(t *testing.T) {
	tests := []struct {
		err  *PipelineError
		want int
	}{
		{ErrInvalidRequest("x"), http.StatusBadRequest},
		{ErrNotFound("x"), http.StatusNotFound},
		{ErrRequestTimeout("x"), http.StatusGatewayTimeout},
		{ErrNoProvider("x"), http.StatusServiceUnavailable},
		{ErrProvider("x"), http.StatusBadGateway},
		{ErrAuditWrite("x"), http.StatusInternalServerError},
		{ErrAuditWrite("x").WithStatusCode(http.StatusTeapot), http.StatusTeapot},
	}

	for _, tt := range tests {
		t.Run(string(tt.err.Type), func(t *testing.T) {
			if got := tt.err.HTTPStatusCode(); got != tt.want {
				t.Errorf("HTTPStatusCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAsPipelineError(t *testing.T) {
	if AsPipelineError(nil) != nil {
		t.Error("nil error should convert to nil")
	}

	pe := AsPipelineError(errors.New("connection reset"))
	if pe.Type != ErrorTypeProvider {
		t.Errorf("plain errors should become provider errors, got %s", pe.Type)
	}

	orig := ErrNoProvider("none enabled")
	if AsPipelineError(fmt.Errorf("wrap: %w", orig)) != orig {
		t.Error("wrapped pipeline error should be extracted")
	}
}
