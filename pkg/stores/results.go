package stores

import (
	"github.com/openfroyo/configurator/pkg/engine"
)

// ResultsFromReport converts a dispatch report into journal rows, keeping
// application order in Seq.
func ResultsFromReport(report *engine.Report) []ResourceResult {
	if report == nil {
		return nil
	}
	out := make([]ResourceResult, 0, len(report.Results))
	for i, r := range report.Results {
		rr := ResourceResult{
			Seq:          i,
			ResourceType: string(r.Type),
			ResourceID:   r.ID,
			Action:       r.Action,
			Changed:      r.Changed,
			Skipped:      r.Skipped,
			Actions:      r.Actions,
			DurationMS:   r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			msg := r.Err.Error()
			rr.Error = &msg
		}
		out = append(out, rr)
	}
	return out
}
