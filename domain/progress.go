package domain

import "math"

// ProgressResult is the computed display progress of a task. Counted
// reports whether CompletedCount/TotalCount are meaningful; they are
// not for tasks in manual mode.
type ProgressResult struct {
	Ratio          int
	CompletedCount int
	TotalCount     int
	Counted        bool
}

// ClampProgress bounds a progress value to [0, 100].
func ClampProgress(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampWeight rounds a weight to the nearest integer with a floor of 1.
func ClampWeight(w float64) int {
	r := int(math.Round(w))
	if r < 1 {
		return 1
	}
	return r
}

// EffectiveRatio is the ratio a task contributes on its own: the manual
// value when manual mode is on, otherwise 0 or 100 from its completion
// state.
func EffectiveRatio(t Task) int {
	if t.ManualProgress {
		return ClampProgress(t.ProgressValue)
	}
	if t.Done {
		return 100
	}
	return 0
}

// ComputeRatio computes the display progress of task from its subtasks.
// A manual task's stored value is authoritative and subtasks are
// ignored. Weights are re-clamped here even though they are clamped
// before persisting.
func ComputeRatio(task Task, subtasks []Task) ProgressResult {
	if task.ManualProgress {
		return ProgressResult{Ratio: ClampProgress(task.ProgressValue)}
	}
	if len(subtasks) == 0 {
		return ProgressResult{Counted: true}
	}
	var weighted, total int
	completed := 0
	for _, st := range subtasks {
		w := st.Weight
		if w < 1 {
			w = 1
		}
		r := EffectiveRatio(st)
		weighted += r * w
		total += w
		if r == 100 {
			completed++
		}
	}
	if total == 0 {
		return ProgressResult{CompletedCount: completed, TotalCount: len(subtasks), Counted: true}
	}
	ratio := int(math.Round(float64(weighted) / float64(total)))
	return ProgressResult{
		Ratio:          ClampProgress(ratio),
		CompletedCount: completed,
		TotalCount:     len(subtasks),
		Counted:        true,
	}
}

// NewProgressPayload builds the wire payload for a task from its stored
// entity and subtasks.
func NewProgressPayload(ent TaskEntity, subtasks []Task, ts int64) ProgressPayload {
	res := ComputeRatio(ent.Task(), subtasks)
	payload := ProgressPayload{
		ID:            ent.RowKey,
		CompleteRatio: res.Ratio,
		IsManual:      ent.ManualProgress,
		Timestamp:     ts,
	}
	if res.Counted {
		completed := res.CompletedCount
		total := res.TotalCount
		payload.CompletedCount = &completed
		payload.TotalTasksCount = &total
	}
	if ent.ParentTaskID != "" {
		parent := ent.ParentTaskID
		payload.ParentTask = &parent
	}
	return payload
}
