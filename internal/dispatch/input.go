package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// maxTimeframeEntries bounds the entries a timeframe selects.
const maxTimeframeEntries = 20

// inputData returns the structured input of req with journal entries
// resolved. A request that ends up with neither text nor anything to analyse
// is invalid.
func (d *Dispatcher) inputData(ctx context.Context, req domain.Request) (*domain.InputData, error) {
	data := req.Input.Data()
	if data != nil {
		cp := *data
		data = &cp
	}

	if data != nil && (len(data.EntryIDs) > 0 || data.Timeframe != "") {
		if d.journal == nil {
			return nil, domain.ErrInvalidRequest("journal entries were requested but no journal store is configured")
		}
		var (
			entries []domain.JournalEntry
			err     error
		)
		if len(data.EntryIDs) > 0 {
			entries, err = d.journal.GetEntries(ctx, req.UserID, data.EntryIDs)
		} else {
			entries, err = d.journal.ListEntries(ctx, req.UserID, time.Now().AddDate(0, 0, -data.Timeframe.Days()))
			if len(entries) > maxTimeframeEntries {
				entries = entries[:maxTimeframeEntries]
			}
		}
		if err != nil {
			if domain.AsPipelineError(err) != nil {
				return nil, err
			}
			return nil, domain.ErrNotFound("journal entries could not be loaded").WithCause(err)
		}
		data.Entries = entries
	}

	if req.Input.PromptText() == "" && !analysable(data) {
		return nil, domain.ErrInvalidRequest(fmt.Sprintf("%s needs text or data to analyse", req.Feature))
	}
	return data, nil
}

func analysable(d *domain.InputData) bool {
	return d != nil && (len(d.Entries) > 0 || len(d.Signals) > 0)
}

// sanitizeData returns a copy of data with every free-text field sanitized
// at level. applied reports whether anything was redacted.
func (d *Dispatcher) sanitizeData(data *domain.InputData, level domain.SanitizationLevel) (out *domain.InputData, applied bool) {
	if data == nil {
		return nil, false
	}
	clean := func(s string) string {
		r := d.sanitizer.Sanitize(s, level)
		applied = applied || r.Applied
		return r.Text
	}
	cp := *data
	cp.Mood = clean(data.Mood)
	if len(data.Goals) > 0 {
		cp.Goals = make([]string, len(data.Goals))
		for i, g := range data.Goals {
			cp.Goals[i] = clean(g)
		}
	}
	if len(data.History) > 0 {
		cp.History = make([]domain.ChatTurn, len(data.History))
		for i, t := range data.History {
			cp.History[i] = domain.ChatTurn{Role: t.Role, Content: clean(t.Content)}
		}
	}
	if len(data.Entries) > 0 {
		cp.Entries = make([]domain.JournalEntry, len(data.Entries))
		for i, e := range data.Entries {
			e.Content = clean(e.Content)
			e.Tags = nil
			cp.Entries[i] = e
		}
	}
	return &cp, applied
}
