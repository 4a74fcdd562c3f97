package job

import "time"

// Update is a partial job mutation with merge semantics: only set fields
// overwrite, and output references are never cleared once populated.
// String fields use empty = untouched; numeric fields use pointers so a
// zero can still be recorded.
type Update struct {
	Stage        Stage
	ProgressNote string
	MeshRef      string
	ModelRef     string
	GCodeRef     string
	ErrorDetail  string
	DurationSecs *float64
	PrintMinutes *float64
	FilamentG    *float64
	At           time.Time // completion timestamp source; zero = time.Now()
}

// Apply merges u into j, enforcing the lifecycle invariants:
//
//   - a terminal job is immutable: the update is a no-op
//   - the stage never regresses in pipeline order
//   - CompletedAt is set exactly once, on the first terminal transition
//
// Returns true if anything changed.
func (j *Job) Apply(u Update) bool {
	if j.Terminal() {
		return false
	}

	changed := false

	if u.Stage != "" && u.Stage.Valid() && u.Stage.Rank() > j.Stage.Rank() {
		j.Stage = u.Stage
		changed = true
		if u.Stage.Terminal() && j.CompletedAt == nil {
			at := u.At
			if at.IsZero() {
				at = time.Now().UTC()
			}
			j.CompletedAt = &at
		}
	}

	if u.ProgressNote != "" && u.ProgressNote != j.ProgressNote {
		j.ProgressNote = u.ProgressNote
		changed = true
	}
	if u.MeshRef != "" && u.MeshRef != j.MeshRef {
		j.MeshRef = u.MeshRef
		changed = true
	}
	if u.ModelRef != "" && u.ModelRef != j.ModelRef {
		j.ModelRef = u.ModelRef
		changed = true
	}
	if u.GCodeRef != "" && u.GCodeRef != j.GCodeRef {
		j.GCodeRef = u.GCodeRef
		changed = true
	}
	if u.ErrorDetail != "" && u.ErrorDetail != j.ErrorDetail {
		j.ErrorDetail = u.ErrorDetail
		changed = true
	}
	if u.DurationSecs != nil {
		j.DurationSecs = *u.DurationSecs
		changed = true
	}
	if u.PrintMinutes != nil {
		j.PrintMinutes = *u.PrintMinutes
		changed = true
	}
	if u.FilamentG != nil {
		j.FilamentG = *u.FilamentG
		changed = true
	}

	if changed {
		at := u.At
		if at.IsZero() {
			at = time.Now().UTC()
		}
		j.UpdatedAt = at
	}
	return changed
}
