// Package worker runs inference requests on a single serialized execution
// context. Callers exchange messages with it over a request channel and a
// response channel; responses carry only the request id for correlation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

// EngineResolver looks up an engine by provider name.
type EngineResolver interface {
	Get(name string) (ports.InferenceEngine, error)
}

// Worker owns one goroutine that processes requests in submission order.
type Worker struct {
	engines   EngineResolver
	timeout   time.Duration
	queueSize int
	logger    *slog.Logger

	mu        sync.Mutex
	running   bool
	requests  chan *domain.DispatchMessage
	responses chan *domain.WorkerResponse
	started   chan string
	stop      chan struct{}
	done      chan struct{}
}

// Option configures a Worker.
type Option func(*Worker)

// WithTimeout bounds each request's inference call.
func WithTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// WithQueueSize sets the request buffer.
func WithQueueSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a stopped worker.
func New(engines EngineResolver, opts ...Option) *Worker {
	w := &Worker{
		engines:   engines,
		timeout:   30 * time.Second,
		queueSize: 64,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.requests = make(chan *domain.DispatchMessage, w.queueSize)
	w.responses = make(chan *domain.WorkerResponse, w.queueSize)
	w.started = make(chan string, w.queueSize)
	return w
}

// Start launches the processing goroutine. Starting a running worker is a
// no-op.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go w.loop(w.stop, w.done)
}

// Stop halts the worker after the request in progress finishes. Queued
// requests that were not started are dropped; their callers time out.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()
	<-done
}

// Running reports whether the worker accepts requests.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Submit queues msg without blocking. It fails with WorkerUnavailable when
// the worker is stopped or its queue is full.
func (w *Worker) Submit(msg *domain.DispatchMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.running {
		return domain.ErrWorkerUnavailable("inference worker is not running").WithCode(domain.ErrorCodeWorkerStopped)
	}
	select {
	case w.requests <- msg:
		telemetry.WorkerQueueDepth.Set(float64(len(w.requests)))
		return nil
	default:
		return domain.ErrWorkerUnavailable("inference worker queue is full").WithCode(domain.ErrorCodeQueueFull)
	}
}

// Responses delivers one response per processed request, in completion order.
func (w *Worker) Responses() <-chan *domain.WorkerResponse {
	return w.responses
}

// Started delivers the id of each request as processing begins. Ids are
// dropped when nobody keeps up with the channel.
func (w *Worker) Started() <-chan string {
	return w.started
}

func (w *Worker) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stop:
			return
		case msg := <-w.requests:
			telemetry.WorkerQueueDepth.Set(float64(len(w.requests)))
			select {
			case w.started <- msg.ID:
			default:
			}
			resp := w.process(msg)
			select {
			case w.responses <- resp:
			case <-stop:
				return
			}
		}
	}
}

func (w *Worker) process(msg *domain.DispatchMessage) *domain.WorkerResponse {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	resp := Execute(ctx, w.engines, msg)
	if resp.Error != nil {
		w.logger.Debug("inference failed",
			slog.String("id", msg.ID),
			slog.String("provider", msg.Target.Provider),
			slog.String("error", resp.Error.Message))
	}
	return resp
}

// Execute runs msg against the engine named by its target. Failures are
// reported in the response, never returned.
func Execute(ctx context.Context, engines EngineResolver, msg *domain.DispatchMessage) *domain.WorkerResponse {
	start := time.Now()
	resp := &domain.WorkerResponse{
		ID: msg.ID,
		Metadata: domain.WorkerMetadata{
			Provider:         msg.Target.Provider,
			ModelUsed:        msg.Target.Model,
			ProcessingMethod: msg.Target.Method,
		},
	}

	engine, err := engines.Get(msg.Target.Provider)
	if err != nil {
		resp.Error = domain.NewResponseError(err)
		return resp
	}
	// A failed external call still counts as external use.
	resp.Privacy.ExternalAPIUsed = msg.Target.Method.External()

	result, err := engine.Infer(ctx, &ports.EngineRequest{
		Model:       msg.Target.Model,
		System:      msg.Options.SystemPrompt,
		Prompt:      Prompt(msg.Input),
		Temperature: msg.Options.Temperature,
		MaxTokens:   msg.Options.MaxTokens,
		MBTIType:    msg.Input.MBTIType,
		Feature:     msg.Feature,
		Data:        msg.Input.Data,
		JSONOutput:  msg.Feature.PatternReport(),
	})
	resp.Metadata.ProcessingTimeMs = time.Since(start).Milliseconds()
	if err != nil {
		var pe *domain.PipelineError
		if !errors.As(err, &pe) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = domain.ErrRequestTimeout("inference exceeded the worker deadline").WithCause(err)
			} else {
				err = domain.ErrProvider("inference failed").WithCause(err)
			}
		}
		resp.Error = domain.NewResponseError(err)
		return resp
	}

	resp.Output.Result = result.Text
	if result.Model != "" {
		resp.Metadata.ModelUsed = result.Model
	}
	resp.Metadata.TokensProcessed = result.TokensProcessed
	resp.Metadata.Confidence = result.Confidence
	return resp
}

// maxEntryRunes bounds each journal entry rendered into a prompt.
const maxEntryRunes = 600

// Prompt renders a dispatch input as the user turn: the context block, the
// structured details, any resolved journal entries and finally the request
// text. Without context or data it is the text alone.
func Prompt(in domain.DispatchInput) string {
	var sections []string
	if c := strings.TrimRight(in.Context, "\n"); c != "" {
		sections = append(sections, c)
	}
	if d := details(in.Data); d != "" {
		sections = append(sections, "## Details\n"+d)
	}
	if e := entries(in.Data); e != "" {
		sections = append(sections, "## Journal Entries\n"+e)
	}
	if len(sections) == 0 {
		return in.Text
	}
	if in.Text != "" {
		sections = append(sections, "## User Request\n"+in.Text)
	}
	return strings.Join(sections, "\n\n")
}

func details(d *domain.InputData) string {
	if d == nil {
		return ""
	}
	var b strings.Builder
	if d.Mood != "" {
		fmt.Fprintf(&b, "- Mood: %s\n", d.Mood)
	}
	if len(d.Goals) > 0 {
		fmt.Fprintf(&b, "- Goals: %s\n", strings.Join(d.Goals, "; "))
	}
	if d.Timeframe != "" {
		fmt.Fprintf(&b, "- Timeframe: past %s\n", d.Timeframe)
	}
	if len(d.Signals) > 0 {
		names := make([]string, 0, len(d.Signals))
		for k := range d.Signals {
			names = append(names, k)
		}
		sort.Strings(names)
		parts := make([]string, len(names))
		for i, k := range names {
			parts[i] = fmt.Sprintf("%s=%.2f", k, d.Signals[k])
		}
		fmt.Fprintf(&b, "- Signals: %s\n", strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func entries(d *domain.InputData) string {
	if d == nil || len(d.Entries) == 0 {
		return ""
	}
	lines := make([]string, 0, len(d.Entries))
	for _, e := range d.Entries {
		content := strings.Join(strings.Fields(e.Content), " ")
		if r := []rune(content); len(r) > maxEntryRunes {
			content = string(r[:maxEntryRunes]) + "..."
		}
		head := e.CreatedAt.Format("2006-01-02")
		if e.Mood != "" {
			head += " (" + e.Mood + ")"
		}
		lines = append(lines, "- "+head+": "+content)
	}
	return strings.Join(lines, "\n")
}
