package dispatch

import (
	"encoding/json"
	"strings"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/rag"
)

// reportInstruction is appended to the system prompt of pattern features.
const reportInstruction = `Answer with one JSON object and nothing else, shaped as ` +
	`{"patterns":[{"theme":"<short theme>","occurrences":<count of at least 1>,"strength":<0 to 1>}],"summary":"<a few sentences>"}. ` +
	`Use an empty patterns array when nothing recurs.`

func reportSystemPrompt(system string) string {
	if system == "" {
		return reportInstruction
	}
	return strings.TrimRight(system, "\n") + "\n\n" + reportInstruction
}

// checkReport validates a pattern report answer in place and normalizes it to
// compact JSON. A malformed answer becomes a provider error and its raw text
// is discarded.
func checkReport(feature domain.Feature, resp *domain.WorkerResponse) {
	if !feature.PatternReport() || resp == nil || resp.Error != nil {
		return
	}
	report, err := rag.DecodePatternReport([]byte(resp.Output.Result))
	if err == nil {
		var b []byte
		if b, err = json.Marshal(report); err == nil {
			resp.Output.Result = string(b)
			return
		}
	}
	resp.Output.Result = ""
	resp.Error = domain.NewResponseError(domain.ErrProvider("model returned a malformed pattern report").
		WithCode(domain.ErrorCodeMalformedOutput).WithCause(err))
}
