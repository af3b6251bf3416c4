package domain

import (
	"fmt"
	"strings"
)

// Sensitivity classifies how private a piece of user data is.
type Sensitivity string

const (
	SensitivityPublic       Sensitivity = "PUBLIC"
	SensitivityPersonal     Sensitivity = "PERSONAL"
	SensitivitySensitive    Sensitivity = "SENSITIVE"
	SensitivityConfidential Sensitivity = "CONFIDENTIAL"
)

// Rank orders sensitivities from least (0) to most (3) private.
// Unknown values rank as confidential.
func (s Sensitivity) Rank() int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityPersonal:
		return 1
	case SensitivitySensitive:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is a known sensitivity.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityPublic, SensitivityPersonal, SensitivitySensitive, SensitivityConfidential:
		return true
	}
	return false
}

// ParseSensitivity parses a sensitivity level case-insensitively.
func ParseSensitivity(s string) (Sensitivity, error) {
	v := Sensitivity(strings.ToUpper(strings.TrimSpace(s)))
	if !v.Valid() {
		return "", fmt.Errorf("unknown sensitivity level %q", s)
	}
	return v, nil
}

// SanitizationLevel controls how much free text is hashed and dropped before
// it may leave the device.
type SanitizationLevel string

const (
	SanitizationMinimal    SanitizationLevel = "MINIMAL"
	SanitizationStandard   SanitizationLevel = "STANDARD"
	SanitizationAggressive SanitizationLevel = "AGGRESSIVE"
)

// Rank orders sanitization levels. Unknown values rank as aggressive.
func (l SanitizationLevel) Rank() int {
	switch l {
	case SanitizationMinimal:
		return 0
	case SanitizationStandard:
		return 1
	default:
		return 2
	}
}

// MaxSanitization returns the stricter of two levels.
func MaxSanitization(a, b SanitizationLevel) SanitizationLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// AuditLevel controls how much detail the ledger records.
type AuditLevel string

const (
	AuditBasic         AuditLevel = "BASIC"
	AuditStandard      AuditLevel = "STANDARD"
	AuditComprehensive AuditLevel = "COMPREHENSIVE"
)

// Rank orders audit levels. Unknown values rank as comprehensive.
func (l AuditLevel) Rank() int {
	switch l {
	case AuditBasic:
		return 0
	case AuditStandard:
		return 1
	default:
		return 2
	}
}

// MaxAudit returns the more detailed of two levels.
func MaxAudit(a, b AuditLevel) AuditLevel {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ProcessingMethod records where inference actually ran.
type ProcessingMethod string

const (
	MethodLocalInference  ProcessingMethod = "local-inference"
	MethodExternalAPI     ProcessingMethod = "external-api"
	MethodOfflineFallback ProcessingMethod = "offline-fallback"
	MethodEmergencyBlock  ProcessingMethod = "emergency-block"
)

// External reports whether the method sends data off the device.
func (m ProcessingMethod) External() bool {
	return m == MethodExternalAPI
}

// PrivacySettings is the privacy envelope carried by every dispatch.
type PrivacySettings struct {
	AllowExternalAPI  bool              `json:"allowExternalAPI"`
	SanitizationLevel SanitizationLevel `json:"sanitizationLevel,omitempty"`
	AuditLevel        AuditLevel        `json:"auditLevel,omitempty"`
	EncryptOutput     bool              `json:"encryptOutput"`
}
