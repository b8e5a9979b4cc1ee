package domain

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Command is the transport envelope for a progress command.
type Command struct {
	// ID carries the idempotency key once it is assigned.
	ID             string                 `json:"id,omitempty"`
	IdempotencyKey string                 `json:"idempotencyKey"`
	Type           string                 `json:"type"`
	TeamID         string                 `json:"teamId"`
	Data           sonic.NoCopyRawMessage `json:"data,omitempty"`
	Timestamp      int64                  `json:"timestamp"`
}

// GetProgress requests the current progress of a task.
type GetProgress struct {
	TaskID string `json:"task_id"`
}

// SetManualProgress switches a task's progress mode and, when enabling
// manual mode, sets the literal value. Recalculate forces a switch back
// to automatic aggregation.
type SetManualProgress struct {
	TaskID        string  `json:"task_id"`
	EnableManual  bool    `json:"enable_manual"`
	ProgressValue *int    `json:"progress_value,omitempty"`
	Recalculate   bool    `json:"recalculate,omitempty"`
	ParentTaskID  *string `json:"parent_task_id,omitempty"`
}

// SetWeight changes a subtask's contribution multiplier. Weight stays a
// pointer so a missing value is distinguishable from zero.
type SetWeight struct {
	TaskID string   `json:"task_id"`
	Weight *float64 `json:"weight,omitempty"`
}

// ProgressCommand is the decoded, typed form of a Command.
type ProgressCommand interface {
	progressCommand()
}

func (GetProgress) progressCommand()       {}
func (SetManualProgress) progressCommand() {}
func (SetWeight) progressCommand()         {}

// Decode unmarshals the envelope data into the variant named by Type.
// Unknown types are an error so dispatch stays exhaustive.
func (c Command) Decode() (ProgressCommand, error) {
	switch c.Type {
	case CommandGetProgress:
		var cmd GetProgress
		if len(c.Data) > 0 {
			if err := sonic.Unmarshal(c.Data, &cmd); err != nil {
				return nil, err
			}
		}
		return cmd, nil
	case CommandSetManualProgress:
		var cmd SetManualProgress
		if err := sonic.Unmarshal(c.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	case CommandUpdateWeight:
		var cmd SetWeight
		if err := sonic.Unmarshal(c.Data, &cmd); err != nil {
			return nil, err
		}
		return cmd, nil
	default:
		return nil, fmt.Errorf("unknown command type %q", c.Type)
	}
}
