// Package turn applies one agent output to a student's inner state.
package turn

import (
	"github.com/MikeSquared-Agency/closewire/internal/fields"
	"github.com/MikeSquared-Agency/closewire/internal/state"
)

type Result struct {
	Fields fields.ParsedFields     `json:"fields"`
	State  state.StudentInnerState `json:"state"`
}

// Apply parses text and folds its UPDATED_STATE into current. current may be
// partial or nil; missing fields start from state.Default().
func Apply(text string, current map[string]any) Result {
	parsed := fields.Parse(text)
	base := state.Merge(state.Default(), current)
	return Result{
		Fields: parsed,
		State:  state.Merge(base, parsed.UpdatedState),
	}
}
