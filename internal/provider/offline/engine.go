// Package offline produces deterministic templated responses. It is the
// fallback of last resort and never fails for a well-formed request.
package offline

import (
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// Name and Model identify the offline engine.
const (
	Name  = "offline"
	Model = "offline-templates"
)

// topicWords bounds how much of the request is echoed back.
const topicWords = 8

// Confidence reported for templated answers.
const Confidence = 0.5

//go:embed templates.yaml
var defaultTemplates []byte

type templateFile struct {
	Default      string            `yaml:"default"`
	Features     map[string]string `yaml:"features"`
	Temperaments map[string]string `yaml:"temperaments"`
}

// Engine renders responses from templates keyed by feature.
type Engine struct {
	fallback     *template.Template
	features     map[domain.Feature]*template.Template
	temperaments map[string]string
}

var _ ports.InferenceEngine = (*Engine)(nil)

// New creates the offline engine with the built-in templates.
func New() (*Engine, error) {
	return Parse(defaultTemplates)
}

// Parse creates an engine from a YAML template file.
func Parse(data []byte) (*Engine, error) {
	var f templateFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse offline templates: %w", err)
	}
	if f.Default == "" {
		return nil, fmt.Errorf("offline templates: default is required")
	}

	e := &Engine{
		features:     make(map[domain.Feature]*template.Template, len(f.Features)),
		temperaments: f.Temperaments,
	}
	var err error
	if e.fallback, err = template.New("default").Parse(f.Default); err != nil {
		return nil, fmt.Errorf("offline template default: %w", err)
	}
	for name, text := range f.Features {
		feature, err := domain.ParseFeature(name)
		if err != nil {
			return nil, fmt.Errorf("offline templates: %w", err)
		}
		t, err := template.New(name).Parse(text)
		if err != nil {
			return nil, fmt.Errorf("offline template %s: %w", name, err)
		}
		e.features[feature] = t
	}
	return e, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) Type() domain.ProviderType { return domain.ProviderOffline }

// Infer renders the template for req.Feature.
func (e *Engine) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	t, ok := e.features[req.Feature]
	if !ok {
		t = e.fallback
	}

	var mood string
	if req.Data != nil {
		mood = req.Data.Mood
	}
	var buf bytes.Buffer
	err := t.Execute(&buf, struct {
		Temperament string
		Topic       string
		Mood        string
	}{
		Temperament: e.temperaments[Temperament(req.MBTIType)],
		Topic:       topic(req.Prompt),
		Mood:        mood,
	})
	if err != nil {
		return nil, domain.ErrProvider("offline template failed").WithCause(err)
	}
	return &ports.EngineResult{
		Text:       strings.TrimSpace(buf.String()),
		Model:      Model,
		Confidence: Confidence,
	}, nil
}

// Temperament maps a four-letter type to its temperament group: NF, NT, SJ
// or SP. It returns "" for anything else.
func Temperament(mbti string) string {
	t := strings.ToUpper(mbti)
	if !domain.ValidMBTIType(t) {
		return ""
	}
	if t[1] == 'N' {
		return "N" + string(t[2])
	}
	return "S" + string(t[3])
}

// topic is the last paragraph of the prompt, which holds the user's request
// after any context sections, cut to a few words.
func topic(prompt string) string {
	if i := strings.LastIndex(prompt, "\n"); i >= 0 {
		prompt = prompt[i+1:]
	}
	words := strings.Fields(prompt)
	if len(words) > topicWords {
		words = append(words[:topicWords], "...")
	}
	return strings.Join(words, " ")
}
