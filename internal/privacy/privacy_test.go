package privacy

import (
	"context"
	"strings"
	"testing"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
)

func TestEnforcer_Authorize(t *testing.T) {
	tests := []struct {
		name         string
		feature      domain.Feature
		sensitivity  domain.Sensitivity
		requested    domain.PrivacySettings
		wantExternal bool
		wantSanitize domain.SanitizationLevel
		wantAudit    domain.AuditLevel
		wantFlag     string
	}{
		{
			name:         "public chat external allowed",
			feature:      domain.FeatureChat,
			sensitivity:  domain.SensitivityPublic,
			requested:    domain.PrivacySettings{AllowExternalAPI: true},
			wantExternal: true,
			wantSanitize: domain.SanitizationMinimal,
			wantAudit:    domain.AuditBasic,
		},
		{
			name:         "external never implied",
			feature:      domain.FeatureChat,
			sensitivity:  domain.SensitivityPublic,
			requested:    domain.PrivacySettings{},
			wantExternal: false,
			wantSanitize: domain.SanitizationMinimal,
			wantAudit:    domain.AuditBasic,
		},
		{
			name:         "journal analysis pinned local",
			feature:      domain.FeatureJournalAnalysis,
			sensitivity:  domain.SensitivityPublic,
			requested:    domain.PrivacySettings{AllowExternalAPI: true, SanitizationLevel: domain.SanitizationMinimal, AuditLevel: domain.AuditBasic},
			wantExternal: false,
			wantSanitize: domain.SanitizationAggressive,
			wantAudit:    domain.AuditComprehensive,
			wantFlag:     DowngradeFlag(ReasonLockedFeature),
		},
		{
			name:         "pattern recognition pinned local",
			feature:      domain.FeaturePatternRecognition,
			sensitivity:  domain.SensitivityPersonal,
			requested:    domain.PrivacySettings{AllowExternalAPI: true},
			wantExternal: false,
			wantSanitize: domain.SanitizationAggressive,
			wantAudit:    domain.AuditComprehensive,
			wantFlag:     DowngradeFlag(ReasonLockedFeature),
		},
		{
			name:         "behavioral insights pinned without request",
			feature:      domain.FeatureBehavioralInsights,
			sensitivity:  domain.SensitivityPublic,
			wantExternal: false,
			wantSanitize: domain.SanitizationAggressive,
			wantAudit:    domain.AuditComprehensive,
			wantFlag:     FlagLockedLocal,
		},
		{
			name:         "confidential input stays local",
			feature:      domain.FeatureWellnessCoaching,
			sensitivity:  domain.SensitivityConfidential,
			requested:    domain.PrivacySettings{AllowExternalAPI: true},
			wantExternal: false,
			wantSanitize: domain.SanitizationAggressive,
			wantAudit:    domain.AuditComprehensive,
			wantFlag:     DowngradeFlag(ReasonConfidential),
		},
		{
			name:         "sensitive floor raises caller levels",
			feature:      domain.FeatureChat,
			sensitivity:  domain.SensitivitySensitive,
			requested:    domain.PrivacySettings{AllowExternalAPI: true, SanitizationLevel: domain.SanitizationMinimal},
			wantExternal: true,
			wantSanitize: domain.SanitizationStandard,
			wantAudit:    domain.AuditComprehensive,
			wantFlag:     FlagSanitizationRaised,
		},
		{
			name:         "caller may raise levels",
			feature:      domain.FeatureChat,
			sensitivity:  domain.SensitivityPublic,
			requested:    domain.PrivacySettings{AllowExternalAPI: true, SanitizationLevel: domain.SanitizationAggressive, AuditLevel: domain.AuditStandard},
			wantExternal: true,
			wantSanitize: domain.SanitizationAggressive,
			wantAudit:    domain.AuditStandard,
		},
	}

	e := NewEnforcer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(context.Background(), Request{
				TraceID:     "t1",
				UserID:      "u1",
				Feature:     tt.feature,
				Sensitivity: tt.sensitivity,
				Requested:   tt.requested,
			})
			if d.AllowExternalAPI != tt.wantExternal {
				t.Errorf("AllowExternalAPI = %v, want %v", d.AllowExternalAPI, tt.wantExternal)
			}
			if d.SanitizationLevel != tt.wantSanitize {
				t.Errorf("SanitizationLevel = %s, want %s", d.SanitizationLevel, tt.wantSanitize)
			}
			if d.AuditLevel != tt.wantAudit {
				t.Errorf("AuditLevel = %s, want %s", d.AuditLevel, tt.wantAudit)
			}
			if tt.wantFlag != "" && !contains(d.ComplianceFlags, tt.wantFlag) {
				t.Errorf("ComplianceFlags = %v, want %s", d.ComplianceFlags, tt.wantFlag)
			}
		})
	}
}

func TestEnforcer_RecordsDowngrade(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	l := ledger.New(store)
	e := NewEnforcer(WithAudit(l))

	d := e.Authorize(ctx, Request{
		TraceID:     "t1",
		UserID:      "u1",
		Feature:     domain.FeatureJournalAnalysis,
		Sensitivity: domain.SensitivityPersonal,
		Requested:   domain.PrivacySettings{AllowExternalAPI: true},
	})
	if !d.Downgraded {
		t.Fatal("expected a downgrade")
	}

	events, err := l.Events(ctx, "user:u1", ports.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1 privacy event", len(events))
	}
	ev := events[0]
	if ev.EventType != domain.EventTypePrivacyPolicy || ev.ExternalAPIUsed {
		t.Errorf("event = %+v", ev)
	}
	if !ev.HasFlag(DowngradeFlag(ReasonLockedFeature)) {
		t.Errorf("event flags = %v, want downgrade flag", ev.ComplianceFlags)
	}

	// No request for external processing, nothing to record.
	e.Authorize(ctx, Request{TraceID: "t2", UserID: "u1", Feature: domain.FeatureJournalAnalysis, Sensitivity: domain.SensitivityPersonal})
	events, _ = l.Events(ctx, "user:u1", ports.ListOptions{})
	if len(events) != 1 {
		t.Errorf("len(events) = %d, want 1", len(events))
	}
}

func TestSanitizer_Levels(t *testing.T) {
	s, err := NewSanitizer()
	if err != nil {
		t.Fatalf("NewSanitizer() error = %v", err)
	}

	text := "Email me at jane.doe@example.com or call 555-123-4567. My therapist says my anxiety is better. See https://example.com/notes"

	minimal := s.Sanitize(text, domain.SanitizationMinimal)
	if strings.Contains(minimal.Text, "jane.doe@example.com") || strings.Contains(minimal.Text, "555-123-4567") {
		t.Errorf("MINIMAL should redact contact details: %q", minimal.Text)
	}
	if strings.Contains(minimal.Text, "https://example.com") {
		t.Errorf("MINIMAL should redact urls: %q", minimal.Text)
	}
	if !strings.Contains(minimal.Text, "anxiety") {
		t.Errorf("MINIMAL should keep health terms: %q", minimal.Text)
	}
	if minimal.Redactions["email"] != 1 || minimal.Redactions["phone"] != 1 {
		t.Errorf("MINIMAL redactions = %v", minimal.Redactions)
	}
	if !minimal.Applied {
		t.Error("Applied should be set")
	}

	standard := s.Sanitize(text, domain.SanitizationStandard)
	for _, word := range []string{"therapist", "anxiety", "jane.doe"} {
		if strings.Contains(standard.Text, word) {
			t.Errorf("STANDARD should redact %q: %q", word, standard.Text)
		}
	}
	if !strings.Contains(standard.Text, "[redacted:health:") {
		t.Errorf("STANDARD should use redaction markers: %q", standard.Text)
	}

	aggressive := s.Sanitize(text, domain.SanitizationAggressive)
	if !strings.HasPrefix(aggressive.Text, "[redacted:text:"+aggressive.Digest[:8]) {
		t.Errorf("AGGRESSIVE text = %q", aggressive.Text)
	}
	if strings.Contains(aggressive.Text, "Email") {
		t.Error("AGGRESSIVE must drop all free text")
	}

	again := s.Sanitize(text, domain.SanitizationStandard)
	if again.Text != standard.Text {
		t.Error("sanitization should be deterministic")
	}
}

func TestSanitizer_CleanTextUnchanged(t *testing.T) {
	s, err := NewSanitizer()
	if err != nil {
		t.Fatal(err)
	}
	out := s.Sanitize("I want to get better at planning my week.", domain.SanitizationStandard)
	if out.Applied || out.Text != "I want to get better at planning my week." {
		t.Errorf("Sanitize() = %+v, want unchanged", out)
	}
	if empty := s.Sanitize("", domain.SanitizationAggressive); empty.Text != "" || empty.Applied {
		t.Errorf("empty input = %+v", empty)
	}
}

func TestParsePatterns_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad level", "patterns:\n  - kind: x\n    level: LOUD\n    regex: 'a'\n"},
		{"bad regex", "patterns:\n  - kind: x\n    level: MINIMAL\n    regex: '('\n"},
		{"missing kind", "patterns:\n  - level: MINIMAL\n    regex: 'a'\n"},
		{"not yaml", "patterns: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePatterns([]byte(tt.yaml)); err == nil {
				t.Error("ParsePatterns() should fail")
			}
		})
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
