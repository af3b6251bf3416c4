package domain

// BranchID names an orchestration perspective.
type BranchID string

const (
	BranchAesthetic BranchID = "aesthetic"
	BranchCognitive BranchID = "cognitive"
	BranchEthical   BranchID = "ethical"
)

// AllBranches is the default branch set, in synthesis order.
var AllBranches = []BranchID{BranchAesthetic, BranchCognitive, BranchEthical}

// Mode reports where orchestration inference actually ran.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
	ModeHybrid  Mode = "hybrid"
)

// OrchestrationRequest asks for a multi-perspective response.
type OrchestrationRequest struct {
	UserID           string       `json:"userId" validate:"required"`
	SessionID        string       `json:"sessionId,omitempty"`
	PersonalityType  string       `json:"personalityType" validate:"omitempty,mbti"`
	SessionType      string       `json:"sessionType" validate:"required"`
	UserInput        string       `json:"userInput" validate:"required"`
	Profile          *UserProfile `json:"profile,omitempty"`
	Branches         []BranchID   `json:"branches,omitempty" validate:"max=3,dive,oneof=aesthetic cognitive ethical"`
	SensitivityLevel Sensitivity  `json:"sensitivityLevel,omitempty" validate:"omitempty,sensitivity"`
	AllowExternalAPI bool         `json:"allowExternalAPI"`
	// HighStakes routes every branch to the best available model under the
	// balanced policy.
	HighStakes bool `json:"highStakes,omitempty"`
}

// IndividualResponse is one branch's contribution.
type IndividualResponse struct {
	SystemID         BranchID         `json:"systemId"`
	Response         string           `json:"response"`
	Confidence       float64          `json:"confidence"`
	ProcessingTimeMs int64            `json:"processingTime"`
	ProcessingMethod ProcessingMethod `json:"processingMethod,omitempty"`
	Success          bool             `json:"success"`
	Error            *ResponseError   `json:"error,omitempty"`
}

// OrchestrationResult is the synthesized multi-perspective response.
type OrchestrationResult struct {
	TraceID             string               `json:"traceId"`
	Responses           []IndividualResponse `json:"responses"`
	CoordinatedResponse string               `json:"coordinatedResponse"`
	OverallConfidence   float64              `json:"overallConfidence"`
	Mode                Mode                 `json:"mode"`
	FromCache           bool                 `json:"fromCache,omitempty"`
}
