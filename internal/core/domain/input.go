package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// InputEnvelope is the shared header of every feature input.
type InputEnvelope struct {
	SensitivityLevel Sensitivity `json:"sensitivityLevel" validate:"required,sensitivity"`
	MBTIType         string      `json:"mbtiType,omitempty" validate:"omitempty,mbti"`
}

// FeatureInput is implemented by each per-feature input variant.
type FeatureInput interface {
	Envelope() InputEnvelope
	// PromptText is the free text that will be sanitized and sent for inference.
	PromptText() string
	// Data is the structured part of the input, nil when there is none.
	Data() *InputData
}

// InputData is the structured part of a feature input as the worker sees it.
type InputData struct {
	History   []ChatTurn         `json:"history,omitempty"`
	Mood      string             `json:"mood,omitempty"`
	Goals     []string           `json:"goals,omitempty"`
	EntryIDs  []string           `json:"entryIds,omitempty"`
	Timeframe Timeframe          `json:"timeframe,omitempty"`
	Signals   map[string]float64 `json:"signals,omitempty"`

	// Entries are resolved by the dispatcher from EntryIDs or Timeframe.
	Entries []JournalEntry `json:"entries,omitempty"`
}

// Empty reports whether d carries nothing.
func (d *InputData) Empty() bool {
	return d == nil || (len(d.History) == 0 && d.Mood == "" && len(d.Goals) == 0 &&
		len(d.EntryIDs) == 0 && d.Timeframe == "" && len(d.Signals) == 0 && len(d.Entries) == 0)
}

func orNil(d *InputData) *InputData {
	if d.Empty() {
		return nil
	}
	return d
}

// ChatTurn is one prior exchange in a conversation.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant"`
	Content string `json:"content"`
}

// ChatInput serves free-form conversational features.
type ChatInput struct {
	InputEnvelope
	Text    string     `json:"text" validate:"required"`
	History []ChatTurn `json:"history,omitempty" validate:"max=50,dive"`
}

func (in ChatInput) Envelope() InputEnvelope { return in.InputEnvelope }
func (in ChatInput) PromptText() string      { return in.Text }
func (in ChatInput) Data() *InputData {
	return orNil(&InputData{History: in.History})
}

// WellnessInput serves coaching and recommendation features.
type WellnessInput struct {
	InputEnvelope
	Text  string   `json:"text" validate:"required"`
	Mood  string   `json:"mood,omitempty" validate:"max=64"`
	Goals []string `json:"goals,omitempty" validate:"max=20"`
}

func (in WellnessInput) Envelope() InputEnvelope { return in.InputEnvelope }
func (in WellnessInput) PromptText() string      { return in.Text }
func (in WellnessInput) Data() *InputData {
	return orNil(&InputData{Mood: in.Mood, Goals: in.Goals})
}

// JournalInput serves journal analysis. Without text it needs entry ids or a
// timeframe to select entries from.
type JournalInput struct {
	InputEnvelope
	Text      string    `json:"text,omitempty" validate:"required_without_all=EntryIDs Timeframe"`
	EntryIDs  []string  `json:"entryIds,omitempty" validate:"max=50,dive,required"`
	Timeframe Timeframe `json:"timeframe,omitempty" validate:"omitempty,oneof=week month quarter year"`
}

func (in JournalInput) Envelope() InputEnvelope { return in.InputEnvelope }
func (in JournalInput) PromptText() string      { return in.Text }
func (in JournalInput) Data() *InputData {
	return orNil(&InputData{EntryIDs: in.EntryIDs, Timeframe: in.Timeframe})
}

// InsightInput serves pattern and behavioral analysis. It needs text,
// signals or both.
type InsightInput struct {
	InputEnvelope
	Text    string             `json:"text,omitempty" validate:"required_without=Signals"`
	Signals map[string]float64 `json:"signals,omitempty" validate:"max=50"`
}

func (in InsightInput) Envelope() InputEnvelope { return in.InputEnvelope }
func (in InsightInput) PromptText() string      { return in.Text }
func (in InsightInput) Data() *InputData {
	return orNil(&InputData{Signals: in.Signals})
}

// DecodeInput decodes raw JSON into the input variant for the feature.
// Unknown fields are rejected and the result is validated.
func DecodeInput(f Feature, raw []byte) (FeatureInput, error) {
	var (
		in  FeatureInput
		err error
	)
	switch f {
	case FeatureChat, FeatureImaginationSession, FeatureLifeAreaExploration, FeatureOrchestrationBranch:
		var v ChatInput
		err = decodeStrict(raw, &v)
		in = v
	case FeatureWellnessCoaching, FeatureContentRecommendation:
		var v WellnessInput
		err = decodeStrict(raw, &v)
		in = v
	case FeatureJournalAnalysis:
		var v JournalInput
		err = decodeStrict(raw, &v)
		in = v
	case FeaturePatternRecognition, FeatureBehavioralInsights, FeaturePersonalityInsights:
		var v InsightInput
		err = decodeStrict(raw, &v)
		in = v
	default:
		return nil, ErrInvalidRequest(fmt.Sprintf("unknown feature %q", f))
	}
	if err != nil {
		return nil, ErrInvalidRequest("malformed input for " + string(f)).WithCause(err)
	}
	if err := Validate(in); err != nil {
		return nil, err
	}
	return in, nil
}

func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
