package rag

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// minPatternEntries is the number of in-range entries needed before themes
// are extracted. Below it the signal is noise.
const minPatternEntries = 3

// minThemeOccurrences is how many entries must share a theme for it to count
// as recurring.
const minThemeOccurrences = 2

//go:embed themes.yaml
var defaultThemes []byte

// Lexicon maps theme names to keywords.
type Lexicon struct {
	themes   []string
	keywords map[string]map[string]bool
}

// DefaultLexicon returns the built-in theme lexicon.
func DefaultLexicon() (*Lexicon, error) {
	return ParseLexicon(defaultThemes)
}

// ParseLexicon reads a YAML document of the form {themes: {name: [words]}}.
func ParseLexicon(data []byte) (*Lexicon, error) {
	var doc struct {
		Themes map[string][]string `yaml:"themes"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse theme lexicon: %w", err)
	}
	if len(doc.Themes) == 0 {
		return nil, fmt.Errorf("theme lexicon is empty")
	}

	l := &Lexicon{keywords: make(map[string]map[string]bool)}
	for theme, words := range doc.Themes {
		set := make(map[string]bool, len(words))
		for _, w := range words {
			set[strings.ToLower(w)] = true
		}
		l.themes = append(l.themes, theme)
		l.keywords[theme] = set
	}
	sort.Strings(l.themes)
	return l, nil
}

// ExtractPatterns returns recurring themes across entries, most frequent
// first. It returns nothing for fewer than three entries.
func (l *Lexicon) ExtractPatterns(entries []domain.JournalEntry) []domain.ThematicPattern {
	if len(entries) < minPatternEntries {
		return []domain.ThematicPattern{}
	}

	counts := make(map[string]int)
	for _, e := range entries {
		words := tokenize(e.Content)
		for _, tag := range e.Tags {
			words[strings.ToLower(tag)] = true
		}
		for _, theme := range l.themes {
			if words[theme] || overlaps(words, l.keywords[theme]) {
				counts[theme]++
			}
		}
	}

	patterns := []domain.ThematicPattern{}
	for _, theme := range l.themes {
		n := counts[theme]
		if n < minThemeOccurrences {
			continue
		}
		patterns = append(patterns, domain.ThematicPattern{
			Theme:       theme,
			Occurrences: n,
			Strength:    float64(n) / float64(len(entries)),
		})
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		return patterns[i].Occurrences > patterns[j].Occurrences
	})
	return patterns
}

// MoodHistogram counts entries per recorded mood.
func MoodHistogram(entries []domain.JournalEntry) map[string]int {
	hist := make(map[string]int)
	for _, e := range entries {
		if m := strings.ToLower(strings.TrimSpace(e.Mood)); m != "" {
			hist[m]++
		}
	}
	return hist
}

func tokenize(s string) map[string]bool {
	words := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '\''
	}) {
		words[strings.Trim(f, "'")] = true
	}
	return words
}

func overlaps(words, keywords map[string]bool) bool {
	for w := range keywords {
		if words[w] {
			return true
		}
	}
	return false
}

// PatternReport is a model-produced analysis of journal patterns.
type PatternReport struct {
	Patterns []domain.ThematicPattern `json:"patterns" validate:"required,max=20,dive"`
	Summary  string                   `json:"summary" validate:"max=4000"`
}

// DecodePatternReport strictly decodes a model's pattern report. Unknown
// fields, trailing data and out-of-range values are rejected; there is no
// fallback to free text.
func DecodePatternReport(raw []byte) (*PatternReport, error) {
	raw = bytes.TrimSpace(raw)
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var r PatternReport
	if err := dec.Decode(&r); err != nil {
		return nil, domain.ErrInvalidRequest("malformed pattern report").WithCause(err)
	}
	if dec.More() {
		return nil, domain.ErrInvalidRequest("trailing data after pattern report")
	}
	if err := domain.Validate(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
