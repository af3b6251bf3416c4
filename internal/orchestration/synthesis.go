package orchestration

import (
	"sort"
	"strings"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// unavailableMessage is returned when no branch and no cache could answer.
const unavailableMessage = "I couldn't put together a considered response right now. " +
	"Please try again in a moment; nothing you wrote has been lost."

type synthesis struct {
	domain.OrchestrationResult
	succeeded int
}

func (s *synthesis) successful() int { return s.succeeded }

// synthesize combines branch responses. The most confident branch leads and
// the others follow under their labels. Overall confidence is the mean
// confidence of the successful branches scaled by the share that succeeded.
func (c *Coordinator) synthesize(traceID string, responses []domain.IndividualResponse) *synthesis {
	s := &synthesis{OrchestrationResult: domain.OrchestrationResult{
		TraceID:   traceID,
		Responses: responses,
	}}

	var ok []domain.IndividualResponse
	for _, r := range responses {
		if r.Success {
			ok = append(ok, r)
		}
	}
	s.succeeded = len(ok)
	if len(ok) == 0 {
		s.CoordinatedResponse = unavailableMessage
		s.Mode = domain.ModeOffline
		return s
	}

	sort.SliceStable(ok, func(i, j int) bool { return ok[i].Confidence > ok[j].Confidence })

	var b strings.Builder
	b.WriteString(strings.TrimSpace(ok[0].Response))
	for _, r := range ok[1:] {
		b.WriteString("\n\n")
		b.WriteString(c.label(r.SystemID))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(r.Response))
	}
	s.CoordinatedResponse = b.String()

	sum := 0.0
	for _, r := range ok {
		sum += r.Confidence
	}
	overall := sum / float64(len(ok)) * float64(len(ok)) / float64(len(responses))
	if overall > 1 {
		overall = 1
	}
	if overall < 0 {
		overall = 0
	}
	s.OverallConfidence = overall
	s.Mode = mode(ok)
	return s
}

func (c *Coordinator) label(id domain.BranchID) string {
	if p, ok := c.profiles[id]; ok && p.Label != "" {
		return p.Label
	}
	return string(id)
}

// mode reports where the successful branches ran.
func mode(ok []domain.IndividualResponse) domain.Mode {
	external, local := 0, 0
	for _, r := range ok {
		if r.ProcessingMethod.External() {
			external++
		} else {
			local++
		}
	}
	switch {
	case local == 0:
		return domain.ModeOnline
	case external == 0:
		return domain.ModeOffline
	default:
		return domain.ModeHybrid
	}
}
