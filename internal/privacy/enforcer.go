// Package privacy decides what may leave the device and prepares text that
// does.
package privacy

import (
	"context"
	"log/slog"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

// Compliance flags attached to audit events.
const (
	FlagLockedLocal        = "privacy:locked_local"
	FlagSanitizationRaised = "privacy:sanitization_raised"
	FlagAuditRaised        = "privacy:audit_raised"
	FlagSanitized          = "privacy:sanitized"

	downgradePrefix = "privacy:external_downgraded:"
)

// Downgrade reasons.
const (
	ReasonLockedFeature = "locked_feature"
	ReasonConfidential  = "confidential_input"
)

// DowngradeFlag is the compliance flag recorded when an external request is
// processed locally instead.
func DowngradeFlag(reason string) string {
	return downgradePrefix + reason
}

// Request is what the enforcer evaluates.
type Request struct {
	TraceID     string
	UserID      string
	SessionID   string
	Feature     domain.Feature
	Sensitivity domain.Sensitivity
	Requested   domain.PrivacySettings
}

// Decision is the privacy envelope that actually applies to a request.
type Decision struct {
	AllowExternalAPI  bool
	SanitizationLevel domain.SanitizationLevel
	AuditLevel        domain.AuditLevel
	EncryptOutput     bool

	// Downgraded is set when the caller asked for external processing and
	// was refused.
	Downgraded bool
	Reason     string

	ComplianceFlags []string
}

// Settings returns the decision as the privacy block of a dispatch message.
func (d Decision) Settings() domain.PrivacySettings {
	return domain.PrivacySettings{
		AllowExternalAPI:  d.AllowExternalAPI,
		SanitizationLevel: d.SanitizationLevel,
		AuditLevel:        d.AuditLevel,
		EncryptOutput:     d.EncryptOutput,
	}
}

// Enforcer applies the privacy policy. A refused external request is never
// an error: it is downgraded to local processing and flagged.
type Enforcer struct {
	audit  ports.AuditAppender
	logger *slog.Logger
}

// Option configures an Enforcer.
type Option func(*Enforcer)

// WithAudit records downgrades as privacy_policy ledger events.
func WithAudit(a ports.AuditAppender) Option {
	return func(e *Enforcer) { e.audit = a }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Enforcer) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEnforcer creates an enforcer.
func NewEnforcer(opts ...Option) *Enforcer {
	e := &Enforcer{logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Authorize decides the privacy envelope for a request.
func (e *Enforcer) Authorize(ctx context.Context, req Request) Decision {
	requested := req.Requested
	d := Decision{
		AllowExternalAPI:  requested.AllowExternalAPI,
		SanitizationLevel: sanitizationFloor(req.Sensitivity),
		AuditLevel:        auditFloor(req.Sensitivity),
		EncryptOutput:     requested.EncryptOutput || req.Sensitivity.Rank() >= domain.SensitivitySensitive.Rank(),
	}

	if requested.SanitizationLevel != "" {
		if requested.SanitizationLevel.Rank() < d.SanitizationLevel.Rank() {
			d.ComplianceFlags = append(d.ComplianceFlags, FlagSanitizationRaised)
		}
		d.SanitizationLevel = domain.MaxSanitization(d.SanitizationLevel, requested.SanitizationLevel)
	}
	if requested.AuditLevel != "" {
		if requested.AuditLevel.Rank() < d.AuditLevel.Rank() {
			d.ComplianceFlags = append(d.ComplianceFlags, FlagAuditRaised)
		}
		d.AuditLevel = domain.MaxAudit(d.AuditLevel, requested.AuditLevel)
	}

	switch {
	case req.Feature.LockedLocal():
		d.AllowExternalAPI = false
		d.SanitizationLevel = domain.SanitizationAggressive
		d.AuditLevel = domain.AuditComprehensive
		d.ComplianceFlags = append(d.ComplianceFlags, FlagLockedLocal)
		if requested.AllowExternalAPI {
			d.Downgraded = true
			d.Reason = ReasonLockedFeature
		}
	case req.Sensitivity.Rank() >= domain.SensitivityConfidential.Rank():
		d.AllowExternalAPI = false
		if requested.AllowExternalAPI {
			d.Downgraded = true
			d.Reason = ReasonConfidential
		}
	}

	if d.Downgraded {
		d.ComplianceFlags = append(d.ComplianceFlags, DowngradeFlag(d.Reason))
		telemetry.PrivacyDowngrades.WithLabelValues(string(req.Feature), d.Reason).Inc()
		e.logger.Info("external processing downgraded to local",
			slog.String("trace_id", req.TraceID),
			slog.String("feature", string(req.Feature)),
			slog.String("reason", d.Reason))
		e.recordDowngrade(ctx, req, d)
	}

	return d
}

func (e *Enforcer) recordDowngrade(ctx context.Context, req Request, d Decision) {
	if e.audit == nil {
		return
	}
	_, err := e.audit.Append(ctx, domain.AuditDraft{
		TraceID:              req.TraceID,
		UserID:               req.UserID,
		SessionID:            req.SessionID,
		EventType:            domain.EventTypePrivacyPolicy,
		Action:               "external_downgraded",
		DataSensitivityLevel: req.Sensitivity,
		ProcessingMethod:     domain.MethodLocalInference,
		ComplianceFlags:      d.ComplianceFlags,
		Status:               domain.StatusSuccess,
		ErrorType:            string(domain.ErrorTypePrivacyViolation),
	})
	if err != nil {
		e.logger.Warn("failed to record privacy downgrade",
			slog.String("trace_id", req.TraceID),
			slog.String("error", err.Error()))
	}
}

func sanitizationFloor(s domain.Sensitivity) domain.SanitizationLevel {
	switch s {
	case domain.SensitivityPublic, domain.SensitivityPersonal:
		return domain.SanitizationMinimal
	case domain.SensitivitySensitive:
		return domain.SanitizationStandard
	default:
		return domain.SanitizationAggressive
	}
}

func auditFloor(s domain.Sensitivity) domain.AuditLevel {
	switch s {
	case domain.SensitivityPublic:
		return domain.AuditBasic
	case domain.SensitivityPersonal:
		return domain.AuditStandard
	default:
		return domain.AuditComprehensive
	}
}
