package privacy

import (
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

//go:embed patterns.yaml
var defaultPatterns []byte

type patternFile struct {
	Patterns []patternSpec `yaml:"patterns"`
}

type patternSpec struct {
	Kind  string                   `yaml:"kind"`
	Level domain.SanitizationLevel `yaml:"level"`
	Regex string                   `yaml:"regex"`
}

type pattern struct {
	kind  string
	level domain.SanitizationLevel
	re    *regexp.Regexp
}

// Sanitized is text prepared for leaving the device.
type Sanitized struct {
	Text string
	// Redactions counts replaced spans per kind.
	Redactions map[string]int
	// Digest is the SHA-256 of the original text.
	Digest string
	// Applied reports whether the text was changed.
	Applied bool
}

// Sanitizer redacts free text according to a sanitization level.
type Sanitizer struct {
	patterns []pattern
}

// NewSanitizer creates a sanitizer with the built-in patterns.
func NewSanitizer() (*Sanitizer, error) {
	return ParsePatterns(defaultPatterns)
}

// ParsePatterns creates a sanitizer from a YAML pattern file.
func ParsePatterns(data []byte) (*Sanitizer, error) {
	var f patternFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse redaction patterns: %w", err)
	}

	s := &Sanitizer{}
	for i, p := range f.Patterns {
		switch p.Level {
		case domain.SanitizationMinimal, domain.SanitizationStandard, domain.SanitizationAggressive:
		default:
			return nil, fmt.Errorf("pattern %d (%s): unknown level %q", i, p.Kind, p.Level)
		}
		if p.Kind == "" {
			return nil, fmt.Errorf("pattern %d: kind is required", i)
		}
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %d (%s): %w", i, p.Kind, err)
		}
		s.patterns = append(s.patterns, pattern{kind: p.Kind, level: p.Level, re: re})
	}
	return s, nil
}

// Sanitize redacts text. MINIMAL and STANDARD replace matched spans with
// [redacted:<kind>:<digest prefix>] markers. AGGRESSIVE drops the text
// entirely, keeping only a digest marker and the original length.
func (s *Sanitizer) Sanitize(text string, level domain.SanitizationLevel) Sanitized {
	out := Sanitized{
		Text:       text,
		Redactions: make(map[string]int),
		Digest:     digest(text),
	}
	if text == "" {
		return out
	}

	if level.Rank() >= domain.SanitizationAggressive.Rank() {
		out.Text = fmt.Sprintf("[redacted:text:%s:%d]", out.Digest[:8], len(text))
		out.Redactions["text"] = 1
		out.Applied = true
		return out
	}

	for _, p := range s.patterns {
		if p.level.Rank() > level.Rank() {
			continue
		}
		out.Text = p.re.ReplaceAllStringFunc(out.Text, func(match string) string {
			out.Redactions[p.kind]++
			return fmt.Sprintf("[redacted:%s:%s]", p.kind, digest(match)[:8])
		})
	}
	out.Applied = out.Text != text
	return out
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
