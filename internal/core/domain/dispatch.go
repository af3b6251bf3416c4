package domain

// DispatchInput is the input block of a message sent to the inference worker.
type DispatchInput struct {
	Text             string      `json:"text,omitempty"`
	Context          string      `json:"context,omitempty"`
	MBTIType         string      `json:"mbtiType,omitempty"`
	SensitivityLevel Sensitivity `json:"sensitivityLevel"`
	Data             *InputData  `json:"data,omitempty"`
}

// DispatchOptions are caller-tunable inference options.
type DispatchOptions struct {
	Model            string   `json:"model,omitempty"`
	Temperature      *float64 `json:"temperature,omitempty"`
	MaxTokens        int      `json:"maxTokens,omitempty"`
	FallbackEnabled  *bool    `json:"fallbackEnabled,omitempty"`
	MBTIOptimization bool     `json:"mbtiOptimization,omitempty"`
	HighStakes       bool     `json:"highStakes,omitempty"`
	SystemPrompt     string   `json:"systemPrompt,omitempty"`
	PreferredTier    Tier     `json:"preferredTier,omitempty"`
}

// FallbackAllowed reports whether the caller permits a local fallback.
// Unset means allowed.
func (o DispatchOptions) FallbackAllowed() bool {
	return o.FallbackEnabled == nil || *o.FallbackEnabled
}

// DispatchMessage is the message the dispatcher sends to the inference worker.
type DispatchMessage struct {
	ID        string          `json:"id"`
	TraceID   string          `json:"traceId"`
	UserID    string          `json:"userId"`
	SessionID string          `json:"sessionId,omitempty"`
	Feature   Feature         `json:"feature"`
	Input     DispatchInput   `json:"input"`
	Options   DispatchOptions `json:"options"`
	Privacy   PrivacySettings `json:"privacy"`

	// Target is the routing decision the worker executes.
	Target ProviderChoice `json:"target"`
}

// WorkerOutput carries the inference result.
type WorkerOutput struct {
	Result string `json:"result"`
}

// WorkerMetadata describes how the worker produced its output.
type WorkerMetadata struct {
	ProcessingTimeMs  int64            `json:"processingTimeMs"`
	ModelUsed         string           `json:"modelUsed"`
	Provider          string           `json:"provider,omitempty"`
	ProcessingMethod  ProcessingMethod `json:"processingMethod"`
	TokensProcessed   int              `json:"tokensProcessed,omitempty"`
	FallbackTriggered bool             `json:"fallbackTriggered"`
	Confidence        float64          `json:"confidence,omitempty"`
}

// WorkerPrivacy reports what left the device.
type WorkerPrivacy struct {
	ExternalAPIUsed bool `json:"externalAPIUsed"`
}

// WorkerResponse is the message the worker sends back, matched to its
// request by ID only.
type WorkerResponse struct {
	ID       string         `json:"id"`
	Output   WorkerOutput   `json:"output"`
	Metadata WorkerMetadata `json:"metadata"`
	Privacy  WorkerPrivacy  `json:"privacy"`
	Error    *ResponseError `json:"error,omitempty"`
}

// Request is a caller's dispatch request.
type Request struct {
	TraceID   string
	UserID    string
	SessionID string
	Feature   Feature
	Input     FeatureInput

	// Context is an augmented prompt prepended to the input, typically
	// produced by the context aggregator.
	Context string

	Options DispatchOptions

	// Privacy is what the caller asked for; the enforcer decides what applies.
	Privacy PrivacySettings
}

// ResponseError is the uniform error block of a failed response.
type ResponseError struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code,omitempty"`
	Message string    `json:"message"`
}

// NewResponseError converts err into a response error block. The message
// carries the cause but not the type, which has its own field.
func NewResponseError(err error) *ResponseError {
	pe := AsPipelineError(err)
	if pe == nil {
		return nil
	}
	msg := pe.Message
	if pe.cause != nil {
		msg += ": " + pe.cause.Error()
	}
	return &ResponseError{Type: pe.Type, Code: pe.Code, Message: msg}
}

// ResponseMetadata describes how a response was produced.
type ResponseMetadata struct {
	RequestID        string           `json:"requestId"`
	TraceID          string           `json:"traceId"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	ModelUsed        string           `json:"modelUsed,omitempty"`
	Provider         string           `json:"provider,omitempty"`
	ProcessingMethod ProcessingMethod `json:"processingMethod,omitempty"`
	TokensProcessed  int              `json:"tokensProcessed,omitempty"`
	// EstimatedCost is the catalog-relative cost of the answering model.
	EstimatedCost     float64        `json:"estimatedCost,omitempty"`
	FallbackTriggered bool           `json:"fallbackTriggered"`
	ExternalAPIUsed   bool           `json:"externalApiUsed"`
	Confidence        float64        `json:"confidence"`
	ComplianceFlags   []string       `json:"complianceFlags,omitempty"`
	AuditIDs          []string       `json:"auditIds,omitempty"`
	OriginalError     *ResponseError `json:"originalError,omitempty"`
}

// Response is the uniform result of a dispatch. Failures never escape as
// errors; they are carried in Error.
type Response struct {
	Success  bool             `json:"success"`
	Output   string           `json:"output,omitempty"`
	Error    *ResponseError   `json:"error,omitempty"`
	Metadata ResponseMetadata `json:"metadata"`
}
