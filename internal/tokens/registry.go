// Package tokens estimates prompt sizes so routing can respect context
// windows and cost.
package tokens

import (
	"unicode/utf8"
)

// Counter counts prompt tokens for the models it supports.
type Counter interface {
	SupportsModel(model string) bool
	Count(model, system, prompt string) (int, error)
}

// charsPerToken is the heuristic ratio used when no exact tokenizer applies.
const charsPerToken = 4

// Estimator approximates token counts from character length. It supports
// every model.
type Estimator struct{}

func (Estimator) SupportsModel(string) bool { return true }

func (Estimator) Count(_, system, prompt string) (int, error) {
	chars := utf8.RuneCountInString(system) + utf8.RuneCountInString(prompt)
	return (chars + charsPerToken - 1) / charsPerToken, nil
}

// Registry picks the first counter supporting a model, falling back to the
// estimator.
type Registry struct {
	counters []Counter
	fallback Counter
}

// NewRegistry creates a registry with the tiktoken counter registered.
func NewRegistry() *Registry {
	return &Registry{
		counters: []Counter{NewTiktokenCounter()},
		fallback: Estimator{},
	}
}

// Register adds a counter ahead of the fallback.
func (r *Registry) Register(c Counter) {
	r.counters = append(r.counters, c)
}

// Count returns the token count for a prompt. When model is empty or an
// exact counter fails, the estimate is used.
func (r *Registry) Count(model, system, prompt string) int {
	for _, c := range r.counters {
		if model == "" || !c.SupportsModel(model) {
			continue
		}
		if n, err := c.Count(model, system, prompt); err == nil {
			return n
		}
		break
	}
	n, _ := r.fallback.Count(model, system, prompt)
	return n
}
