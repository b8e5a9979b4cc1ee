package domain

// Task is the progress-relevant view of a task row. Tasks with a
// non-empty ParentTaskID are subtasks; nesting is a single level, so a
// subtask never has subtasks of its own.
type Task struct {
	ID             string `json:"id"`
	ParentTaskID   string `json:"parent_task_id,omitempty"`
	ManualProgress bool   `json:"manual_progress"`
	ProgressValue  int    `json:"progress_value"`
	Weight         int    `json:"weight"`
	Done           bool   `json:"done"`
}

// Entity represents base table entity keys.
type Entity struct {
	PartitionKey string `json:"PartitionKey"`
	RowKey       string `json:"RowKey"`
}

const (
	EdmInt32   = "Edm.Int32"
	EdmBoolean = "Edm.Boolean"
	EdmInt64   = "Edm.Int64"
)

// TaskEntity is the stored representation of a task's progress fields.
// PartitionKey is the team id, RowKey the task id.
type TaskEntity struct {
	Entity
	ETag               string `json:"odata.etag,omitempty"`
	ParentTaskID       string `json:"ParentTaskId,omitempty"`
	ManualProgress     bool   `json:"ManualProgress"`
	ProgressValue      int    `json:"ProgressValue"`
	ProgressValueType  string `json:"ProgressValue@odata.type,omitempty"`
	Weight             int    `json:"Weight"`
	WeightType         string `json:"Weight@odata.type,omitempty"`
	Done               bool   `json:"Done"`
	EventTimestamp     int64  `json:"EventTimestamp,string"`
	EventTimestampType string `json:"EventTimestamp@odata.type,omitempty"`
}

// Task converts the stored entity into the domain view.
func (e TaskEntity) Task() Task {
	return Task{
		ID:             e.RowKey,
		ParentTaskID:   e.ParentTaskID,
		ManualProgress: e.ManualProgress,
		ProgressValue:  e.ProgressValue,
		Weight:         e.Weight,
		Done:           e.Done,
	}
}

// TaskProgressUpdate carries a partial, ETag-conditional update of a
// task's progress fields.
type TaskProgressUpdate struct {
	Entity
	ManualProgress     *bool   `json:"ManualProgress,omitempty"`
	ManualProgressType *string `json:"ManualProgress@odata.type,omitempty"`
	ProgressValue      *int    `json:"ProgressValue,omitempty"`
	ProgressValueType  *string `json:"ProgressValue@odata.type,omitempty"`
	Weight             *int    `json:"Weight,omitempty"`
	WeightType         *string `json:"Weight@odata.type,omitempty"`
	EventTimestamp     *int64  `json:"EventTimestamp,omitempty,string"`
	EventTimestampType *string `json:"EventTimestamp@odata.type,omitempty"`
}
