// Package dispatch turns feature requests into inference calls on the worker.
//
// A request is authorized by the privacy enforcer, routed, audited and then
// sent to the worker as a message correlated by id. Responses are matched back
// through a pending map; a response and its timeout race to remove the entry
// and only the first one acts. Any failure falls back once to local
// inference when the router and the caller allow it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/privacy"
	"github.com/tjfontaine/coachllm/internal/telemetry"
	"github.com/tjfontaine/coachllm/internal/worker"
)

// DefaultTimeout bounds every worker round trip.
const DefaultTimeout = 30 * time.Second

// Default confidences by processing method.
const (
	confidenceExternal = 0.85
	confidenceLocal    = 0.7
	confidenceOffline  = 0.5
	fallbackPenalty    = 0.1
)

// FlagAuditIncomplete marks a response whose completion event could not be
// recorded.
const FlagAuditIncomplete = "audit:completion_failed"

// Worker is the asynchronous inference execution context.
type Worker interface {
	Submit(msg *domain.DispatchMessage) error
	Responses() <-chan *domain.WorkerResponse
	Started() <-chan string
}

// Router picks providers for requests.
type Router interface {
	Policy() domain.RoutingPolicy
	SelectProvider(task domain.RoutingTask, policy domain.RoutingPolicy) (domain.ProviderChoice, error)
	Fallback(task domain.RoutingTask, policy domain.RoutingPolicy) (domain.ProviderChoice, error)
	EstimateCost(model string, tokens int) float64
}

// Authorizer decides the privacy envelope of a request.
type Authorizer interface {
	Authorize(ctx context.Context, req privacy.Request) privacy.Decision
}

// TokenCounter estimates the size of a prompt.
type TokenCounter interface {
	Count(model, system, prompt string) int
}

type pendingEntry struct {
	requestID string
	ch        chan *domain.WorkerResponse
	// notify is false for fallback attempts, which do not repeat
	// lifecycle transitions.
	notify bool
}

// Dispatcher owns the pending map and the response router for one worker.
type Dispatcher struct {
	worker    Worker
	router    Router
	audit     ports.AuditAppender
	enforcer  Authorizer
	sanitizer *privacy.Sanitizer
	tokens    TokenCounter
	journal   ports.JournalStore
	direct    worker.EngineResolver
	timeout   time.Duration
	observer  StateObserver
	logger    *slog.Logger

	pending sync.Map // correlation id -> *pendingEntry

	// mu guards closed against wg.Add racing Close.
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithEnforcer sets the privacy authorizer.
func WithEnforcer(a Authorizer) Option {
	return func(d *Dispatcher) { d.enforcer = a }
}

// WithSanitizer sets the sanitizer applied to text sent to external providers.
func WithSanitizer(s *privacy.Sanitizer) Option {
	return func(d *Dispatcher) { d.sanitizer = s }
}

// WithTokenCounter sets the counter used for routing estimates.
func WithTokenCounter(c TokenCounter) Option {
	return func(d *Dispatcher) { d.tokens = c }
}

// WithJournal resolves the journal entries a request refers to.
func WithJournal(j ports.JournalStore) Option {
	return func(d *Dispatcher) { d.journal = j }
}

// WithDirectEngines lets a fallback run inline when the worker itself is
// unavailable.
func WithDirectEngines(r worker.EngineResolver) Option {
	return func(d *Dispatcher) { d.direct = r }
}

// WithTimeout overrides the per-request timeout.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithObserver receives state transitions.
func WithObserver(o StateObserver) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// New creates a dispatcher and starts its response router. Call Close to
// stop it.
func New(w Worker, r Router, audit ports.AuditAppender, opts ...Option) (*Dispatcher, error) {
	if w == nil || r == nil || audit == nil {
		return nil, fmt.Errorf("dispatch: worker, router and audit ledger are required")
	}
	d := &Dispatcher{
		worker:  w,
		router:  r,
		audit:   audit,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.enforcer == nil {
		d.enforcer = privacy.NewEnforcer(privacy.WithAudit(audit), privacy.WithLogger(d.logger))
	}
	if d.sanitizer == nil {
		s, err := privacy.NewSanitizer()
		if err != nil {
			return nil, err
		}
		d.sanitizer = s
	}
	go d.route()
	return d, nil
}

// Close stops the response router and waits for in-progress requests to
// resolve. Requests dispatched after Close fail with WorkerUnavailable.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	d.once.Do(func() { close(d.stop) })
	<-d.stopped
}

// Pending reports how many requests are waiting for the worker.
func (d *Dispatcher) Pending() int {
	n := 0
	d.pending.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// route delivers worker responses to whoever registered the id.
func (d *Dispatcher) route() {
	defer close(d.stopped)
	for {
		select {
		case <-d.stop:
			return
		case id := <-d.worker.Started():
			d.started(id)
		case resp, ok := <-d.worker.Responses():
			if !ok {
				return
			}
			// A start notice is always queued before its response.
			d.drainStarted()
			if !d.deliver(resp.ID, resp) {
				d.logger.Debug("dropped late worker response", slog.String("id", resp.ID))
			}
		}
	}
}

func (d *Dispatcher) started(id string) {
	if v, ok := d.pending.Load(id); ok && v.(*pendingEntry).notify {
		d.transition(v.(*pendingEntry).requestID, StateInFlight)
	}
}

func (d *Dispatcher) drainStarted() {
	for {
		select {
		case id := <-d.worker.Started():
			d.started(id)
		default:
			return
		}
	}
}

// deliver hands resp to the entry registered under id. Only the first caller
// for an id succeeds.
func (d *Dispatcher) deliver(id string, resp *domain.WorkerResponse) bool {
	v, ok := d.pending.LoadAndDelete(id)
	if !ok {
		return false
	}
	telemetry.DispatchPending.Dec()
	v.(*pendingEntry).ch <- resp
	return true
}

func (d *Dispatcher) transition(requestID string, s State) {
	if d.observer != nil {
		d.observer(requestID, s)
	}
}

// Do dispatches req and waits for its response.
func (d *Dispatcher) Do(ctx context.Context, req domain.Request) *domain.Response {
	return d.Dispatch(ctx, req).Await(ctx)
}

// Dispatch starts req and returns immediately. The request runs to a terminal
// state even if the caller abandons the future.
func (d *Dispatcher) Dispatch(ctx context.Context, req domain.Request) *Future {
	requestID := uuid.NewString()
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}
	f := newFuture(requestID)
	d.transition(requestID, StateCreated)

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.transition(requestID, StateErrored)
		f.resolve(&domain.Response{
			Error: domain.NewResponseError(
				domain.ErrWorkerUnavailable("dispatcher is closed").WithCode(domain.ErrorCodeWorkerStopped)),
			Metadata: domain.ResponseMetadata{RequestID: requestID, TraceID: req.TraceID},
		})
		return f
	}

	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		f.resolve(d.run(ctx, requestID, req))
	}()
	return f
}

// call is the working state of one request.
type call struct {
	requestID string
	req       domain.Request
	env       domain.InputEnvelope
	decision  privacy.Decision
	task      domain.RoutingTask
	policy    domain.RoutingPolicy
	flags     []string
	auditIDs  []string
	start     time.Time
	sanitized bool
	inputLen  int
	data      *domain.InputData
}

func (d *Dispatcher) run(ctx context.Context, requestID string, req domain.Request) *domain.Response {
	ctx, span := telemetry.Tracer().Start(ctx, "dispatch.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("trace_id", req.TraceID),
		attribute.String("feature", string(req.Feature)),
	)

	c := &call{requestID: requestID, req: req, start: time.Now()}

	if err := validateRequest(req); err != nil {
		d.transition(requestID, StateErrored)
		return d.finish(span, c, nil, domain.ProviderChoice{}, err, nil)
	}
	c.env = req.Input.Envelope()

	data, err := d.inputData(ctx, req)
	if err != nil {
		d.transition(requestID, StateErrored)
		return d.finish(span, c, nil, domain.ProviderChoice{}, err, nil)
	}
	c.data = data

	c.decision = d.enforcer.Authorize(ctx, privacy.Request{
		TraceID:     req.TraceID,
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Feature:     req.Feature,
		Sensitivity: c.env.SensitivityLevel,
		Requested:   req.Privacy,
	})
	c.flags = append(c.flags, c.decision.ComplianceFlags...)

	text := req.Input.PromptText()
	prompt := worker.Prompt(domain.DispatchInput{Text: text, Context: req.Context, Data: c.data})
	c.inputLen = utf8.RuneCountInString(text) + utf8.RuneCountInString(req.Context)
	c.policy = d.router.Policy()
	c.task = domain.RoutingTask{
		Feature:         req.Feature,
		EstimatedTokens: d.countTokens(req.Options.Model, req.Options.SystemPrompt, prompt),
		HighStakes:      req.Options.HighStakes,
		PreferredTier:   req.Options.PreferredTier,
		RequestedModel:  req.Options.Model,
		LocalOnly:       !c.decision.AllowExternalAPI,
	}

	choice, routeErr := d.router.SelectProvider(c.task, c.policy)
	if routeErr != nil {
		choice = domain.ProviderChoice{Method: domain.MethodEmergencyBlock}
	}

	msg := d.message(c, choice, text)

	// The request event is written before inference and records the
	// planned outcome.
	ev, err := d.audit.Append(ctx, domain.AuditDraft{
		TraceID:              req.TraceID,
		UserID:               req.UserID,
		SessionID:            req.SessionID,
		EventType:            domain.EventTypeInferenceRequest,
		Action:               string(req.Feature),
		DataSensitivityLevel: c.env.SensitivityLevel,
		ProcessingMethod:     choice.Method,
		SanitizationApplied:  c.sanitized,
		ExternalAPIUsed:      choice.Method.External(),
		ComplianceFlags:      c.flags,
		InputLength:          c.inputLen,
		Status:               domain.StatusSuccess,
	})
	if err != nil {
		if c.env.SensitivityLevel != domain.SensitivityPublic {
			d.logger.Error("audit write failed, refusing inference",
				slog.String("request_id", requestID),
				slog.String("trace_id", req.TraceID),
				slog.String("error", err.Error()))
			d.transition(requestID, StateErrored)
			return d.finish(span, c, nil, choice, domain.ErrAuditWrite("request could not be audited").WithCause(err), nil)
		}
		d.logger.Warn("audit write failed for public request, continuing",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()))
	} else {
		c.auditIDs = append(c.auditIDs, ev.AuditID)
	}
	d.transition(requestID, StateAudited)

	if routeErr != nil {
		d.transition(requestID, StateErrored)
		return d.complete(ctx, span, c, nil, choice, routeErr, nil)
	}

	resp := d.attempt(c, msg, true)
	checkReport(req.Feature, resp)
	if resp.Error == nil {
		d.transition(requestID, StateCompleted)
		return d.complete(ctx, span, c, resp, choice, nil, nil)
	}

	firstErr := responseErr(resp.Error)
	fbResp, fbChoice, fbErr := d.fallback(c, choice, firstErr)
	if fbErr != nil {
		d.transition(requestID, terminalFor(firstErr))
		return d.complete(ctx, span, c, resp, choice, firstErr, nil)
	}
	if fbResp.Error != nil {
		lastErr := responseErr(fbResp.Error)
		d.transition(requestID, terminalFor(lastErr))
		return d.complete(ctx, span, c, fbResp, fbChoice, lastErr, resp)
	}
	d.transition(requestID, StateCompleted)
	return d.complete(ctx, span, c, fbResp, fbChoice, nil, resp)
}

// message builds the worker message for choice, sanitizing text that leaves
// the device.
func (d *Dispatcher) message(c *call, choice domain.ProviderChoice, text string) *domain.DispatchMessage {
	input := domain.DispatchInput{
		Text:             text,
		Context:          c.req.Context,
		MBTIType:         c.env.MBTIType,
		SensitivityLevel: c.env.SensitivityLevel,
		Data:             c.data,
	}
	if choice.Method.External() {
		st := d.sanitizer.Sanitize(text, c.decision.SanitizationLevel)
		sc := d.sanitizer.Sanitize(c.req.Context, c.decision.SanitizationLevel)
		data, sd := d.sanitizeData(c.data, c.decision.SanitizationLevel)
		input.Text, input.Context, input.Data = st.Text, sc.Text, data
		if st.Applied || sc.Applied || sd {
			c.sanitized = true
			c.flags = appendOnce(c.flags, privacy.FlagSanitized)
		}
	}
	opts := c.req.Options
	opts.Model = choice.Model
	if c.req.Feature.PatternReport() {
		opts.SystemPrompt = reportSystemPrompt(opts.SystemPrompt)
	}
	return &domain.DispatchMessage{
		ID:        uuid.NewString(),
		TraceID:   c.req.TraceID,
		UserID:    c.req.UserID,
		SessionID: c.req.SessionID,
		Feature:   c.req.Feature,
		Input:     input,
		Options:   opts,
		Privacy:   c.decision.Settings(),
		Target:    choice,
	}
}

// attempt sends msg to the worker and waits for its response or timeout. A
// primary attempt reports QUEUED before submission so that IN_FLIGHT, which
// arrives from the response router, always follows it.
func (d *Dispatcher) attempt(c *call, msg *domain.DispatchMessage, primary bool) *domain.WorkerResponse {
	entry := &pendingEntry{requestID: c.requestID, ch: make(chan *domain.WorkerResponse, 1), notify: primary}
	d.pending.Store(msg.ID, entry)
	telemetry.DispatchPending.Inc()
	if primary {
		d.transition(c.requestID, StateQueued)
	}

	if err := d.worker.Submit(msg); err != nil {
		if _, ok := d.pending.LoadAndDelete(msg.ID); ok {
			telemetry.DispatchPending.Dec()
		}
		return &domain.WorkerResponse{ID: msg.ID, Error: domain.NewResponseError(err)}
	}

	timer := time.AfterFunc(d.timeout, func() {
		d.deliver(msg.ID, &domain.WorkerResponse{
			ID: msg.ID,
			Error: domain.NewResponseError(domain.ErrRequestTimeout(
				fmt.Sprintf("no response from the inference worker within %s", d.timeout))),
			Metadata: domain.WorkerMetadata{
				Provider:         msg.Target.Provider,
				ModelUsed:        msg.Target.Model,
				ProcessingMethod: msg.Target.Method,
			},
			Privacy: domain.WorkerPrivacy{ExternalAPIUsed: msg.Target.Method.External()},
		})
	})
	resp := <-entry.ch
	timer.Stop()
	return resp
}

// fallback retries once on the local target, excluding the provider that
// failed. It returns an error when no fallback is permitted.
func (d *Dispatcher) fallback(c *call, failed domain.ProviderChoice, cause error) (*domain.WorkerResponse, domain.ProviderChoice, error) {
	if !c.req.Options.FallbackAllowed() {
		return nil, domain.ProviderChoice{}, domain.ErrNoProvider("fallback disabled by the caller").WithCode(domain.ErrorCodeFallbackDisabled)
	}
	task := c.task
	task.ExcludeProviders = append(append([]string(nil), task.ExcludeProviders...), failed.Provider)
	choice, err := d.router.Fallback(task, c.policy)
	if err != nil {
		return nil, domain.ProviderChoice{}, err
	}

	reason := string(domain.ErrorTypeProvider)
	if pe := domain.AsPipelineError(cause); pe != nil {
		reason = string(pe.Type)
	}
	telemetry.DispatchFallbacks.WithLabelValues(reason).Inc()
	d.logger.Info("falling back to local inference",
		slog.String("request_id", c.requestID),
		slog.String("failed_provider", failed.Provider),
		slog.String("fallback_provider", choice.Provider),
		slog.String("reason", reason))

	msg := d.message(c, choice, c.req.Input.PromptText())

	var resp *domain.WorkerResponse
	if domain.IsType(cause, domain.ErrorTypeWorkerUnavailable) && d.direct != nil {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		resp = worker.Execute(ctx, d.direct, msg)
	} else {
		resp = d.attempt(c, msg, false)
	}
	checkReport(c.req.Feature, resp)
	return resp, choice, nil
}

// complete appends the completion event and builds the response. failed is
// the primary attempt's response when a fallback ran.
func (d *Dispatcher) complete(ctx context.Context, span trace.Span, c *call, resp *domain.WorkerResponse, choice domain.ProviderChoice, cause error, failed *domain.WorkerResponse) *domain.Response {
	fallbackTriggered := failed != nil
	method := choice.Method
	external := externalUsed(resp, failed)
	outputLen := 0
	if resp != nil {
		if resp.Metadata.ProcessingMethod != "" {
			method = resp.Metadata.ProcessingMethod
		}
		outputLen = utf8.RuneCountInString(resp.Output.Result)
	}

	draft := domain.AuditDraft{
		TraceID:              c.req.TraceID,
		UserID:               c.req.UserID,
		SessionID:            c.req.SessionID,
		EventType:            domain.EventTypeInferenceCompletion,
		Action:               string(c.req.Feature),
		DataSensitivityLevel: c.env.SensitivityLevel,
		ProcessingMethod:     method,
		SanitizationApplied:  c.sanitized,
		ExternalAPIUsed:      external,
		ComplianceFlags:      c.flags,
		InputLength:          c.inputLen,
		OutputLength:         outputLen,
		ProcessingTimeMs:     time.Since(c.start).Milliseconds(),
		Status:               domain.StatusSuccess,
		FallbackTriggered:    fallbackTriggered,
	}
	if cause != nil {
		draft.Status = domain.StatusError
		if pe := domain.AsPipelineError(cause); pe != nil {
			draft.ErrorType = string(pe.Type)
		}
	}
	if ev, err := d.audit.Append(ctx, draft); err != nil {
		d.logger.Error("failed to record completion event",
			slog.String("request_id", c.requestID),
			slog.String("trace_id", c.req.TraceID),
			slog.String("error", err.Error()))
		c.flags = appendOnce(c.flags, FlagAuditIncomplete)
	} else {
		c.auditIDs = append(c.auditIDs, ev.AuditID)
	}

	return d.finish(span, c, resp, choice, cause, failed)
}

func (d *Dispatcher) finish(span trace.Span, c *call, resp *domain.WorkerResponse, choice domain.ProviderChoice, cause error, failed *domain.WorkerResponse) *domain.Response {
	out := &domain.Response{
		Success: cause == nil,
		Metadata: domain.ResponseMetadata{
			RequestID:         c.requestID,
			TraceID:           c.req.TraceID,
			ProcessingTimeMs:  time.Since(c.start).Milliseconds(),
			Provider:          choice.Provider,
			ModelUsed:         choice.Model,
			ProcessingMethod:  choice.Method,
			FallbackTriggered: failed != nil,
			ComplianceFlags:   c.flags,
			AuditIDs:          c.auditIDs,
		},
	}
	if resp != nil {
		if resp.Metadata.ModelUsed != "" {
			out.Metadata.ModelUsed = resp.Metadata.ModelUsed
		}
		if resp.Metadata.ProcessingMethod != "" {
			out.Metadata.ProcessingMethod = resp.Metadata.ProcessingMethod
		}
		out.Metadata.TokensProcessed = resp.Metadata.TokensProcessed
	}
	out.Metadata.ExternalAPIUsed = externalUsed(resp, failed)
	if failed != nil {
		out.Metadata.OriginalError = failed.Error
	}

	outcome := "success"
	if cause != nil {
		out.Error = domain.NewResponseError(cause)
		outcome = "error"
		span.SetStatus(codes.Error, cause.Error())
	} else {
		out.Output = resp.Output.Result
		out.Metadata.Confidence = confidence(resp, out.Metadata.ProcessingMethod, failed != nil)
		tokens := out.Metadata.TokensProcessed
		if tokens == 0 {
			tokens = c.task.EstimatedTokens
		}
		out.Metadata.EstimatedCost = d.router.EstimateCost(out.Metadata.ModelUsed, tokens)
		if out.Metadata.EstimatedCost > 0 {
			telemetry.DispatchEstimatedCost.WithLabelValues(out.Metadata.Provider).Add(out.Metadata.EstimatedCost)
		}
	}

	span.SetAttributes(
		attribute.String("processing_method", string(out.Metadata.ProcessingMethod)),
		attribute.Bool("fallback_triggered", out.Metadata.FallbackTriggered),
		attribute.Bool("external_api_used", out.Metadata.ExternalAPIUsed),
	)
	telemetry.DispatchRequests.WithLabelValues(string(c.req.Feature), outcome).Inc()
	telemetry.DispatchDuration.WithLabelValues(string(out.Metadata.ProcessingMethod)).Observe(time.Since(c.start).Seconds())
	return out
}

func (d *Dispatcher) countTokens(model, system, prompt string) int {
	if d.tokens == nil {
		return (utf8.RuneCountInString(system) + utf8.RuneCountInString(prompt) + 3) / 4
	}
	return d.tokens.Count(model, system, prompt)
}

func validateRequest(req domain.Request) error {
	if !req.Feature.Valid() {
		return domain.ErrInvalidRequest(fmt.Sprintf("unknown feature %q", req.Feature))
	}
	if req.UserID == "" {
		return domain.ErrInvalidRequest("userId is required")
	}
	if req.Input == nil {
		return domain.ErrInvalidRequest("input is required")
	}
	return domain.Validate(req.Input)
}

// confidence is the engine's estimate or the method default, lowered when a
// fallback produced the answer.
func confidence(resp *domain.WorkerResponse, method domain.ProcessingMethod, fallback bool) float64 {
	c := resp.Metadata.Confidence
	if c <= 0 {
		switch method {
		case domain.MethodExternalAPI:
			c = confidenceExternal
		case domain.MethodLocalInference:
			c = confidenceLocal
		default:
			c = confidenceOffline
		}
	}
	if fallback {
		c -= fallbackPenalty
	}
	if c < 0 {
		c = 0
	}
	return c
}

// externalUsed reports whether any attempt of the request reached an external
// provider.
func externalUsed(resp, failed *domain.WorkerResponse) bool {
	if resp != nil && resp.Privacy.ExternalAPIUsed {
		return true
	}
	return failed != nil && failed.Privacy.ExternalAPIUsed
}

func terminalFor(err error) State {
	if domain.IsType(err, domain.ErrorTypeRequestTimeout) {
		return StateTimedOut
	}
	return StateErrored
}

// responseErr rebuilds a typed error from a response error block.
func responseErr(re *domain.ResponseError) error {
	pe := domain.NewError(re.Type, re.Message)
	if re.Code != "" {
		pe = pe.WithCode(re.Code)
	}
	return pe
}

func appendOnce(flags []string, flag string) []string {
	for _, f := range flags {
		if f == flag {
			return flags
		}
	}
	return append(flags, flag)
}
