package domain

// Command types accepted from clients.
const (
	CommandGetProgress       = "get_task_progress"
	CommandSetManualProgress = "set_manual_progress"
	CommandUpdateWeight      = "update_task_weight"
)

// Event names pushed to clients.
const (
	EventTaskProgress  = "task_progress"
	EventWeightChanged = "task_progress_weight_changed"
)

// ProgressPayload is the progress state pushed to every viewer of a
// task. CompletedCount and TotalTasksCount are omitted for tasks in
// manual mode.
type ProgressPayload struct {
	ID              string  `json:"id"`
	CompleteRatio   int     `json:"complete_ratio"`
	CompletedCount  *int    `json:"completed_count,omitempty"`
	TotalTasksCount *int    `json:"total_tasks_count,omitempty"`
	IsManual        bool    `json:"is_manual"`
	ParentTask      *string `json:"parent_task,omitempty"`
	Timestamp       int64   `json:"timestamp,omitempty"`
}

// WeightChangedPayload is the lightweight notification broadcast after
// a weight update so other sessions' caches stay consistent without a
// full recompute on their side.
type WeightChangedPayload struct {
	TaskID     string  `json:"task_id"`
	Weight     int     `json:"weight"`
	ParentTask *string `json:"parent_task,omitempty"`
}

// ManualProgressAck acknowledges a set_manual_progress command to the
// originating caller, independent of the room broadcast.
type ManualProgressAck struct {
	Success        bool   `json:"success"`
	TaskID         string `json:"task_id"`
	ManualProgress bool   `json:"manual_progress"`
	CompleteRatio  int    `json:"complete_ratio"`
	IsManual       bool   `json:"is_manual"`
	Message        string `json:"message,omitempty"`
}

// WeightAck acknowledges an update_task_weight command.
type WeightAck struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	TaskID  string `json:"task_id"`
}

// ProgressEvent is what mutations enqueue for the cache refresher.
type ProgressEvent struct {
	TeamID    string `json:"teamId"`
	TaskID    string `json:"taskId"`
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}
