package domain

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
)

// ProgressStorage defines the persistence operations the command
// handler needs. All progress mutations go through ETag-conditional
// updates so concurrent writers are detected instead of lost.
type ProgressStorage interface {
	GetTask(ctx context.Context, teamID, taskID string) (*TaskEntity, error)
	ListSubtasks(ctx context.Context, teamID, parentID string) ([]TaskEntity, error)
	UpdateTaskProgress(ctx context.Context, upd TaskProgressUpdate, etag string) error
	EnqueueProgressEvents(ctx context.Context, teamID string, evs []ProgressEvent) error
}

// ProgressChannel delivers events to connected sessions. Emit targets
// the originating connection, Broadcast fans out to every session in a
// room. Delivery is at-most-once; offline sessions re-fetch on mount.
type ProgressChannel interface {
	Emit(ctx context.Context, sessionID, event string, payload any) error
	Broadcast(ctx context.Context, room, event string, payload any) error
}

// Session identifies the originating connection and the room its
// broadcasts target.
type Session struct {
	ID   string
	Room string
}

// ProgressService is the authoritative state-transition function for
// progress commands. It mediates every write to the progress fields.
type ProgressService struct {
	st  ProgressStorage
	ch  ProgressChannel
	now func() int64
}

func NewProgressService(st ProgressStorage, ch ProgressChannel) ProgressService {
	return ProgressService{st: st, ch: ch, now: func() int64 { return time.Now().UnixMilli() }}
}

// Handle decodes and dispatches a single command. Business failures are
// folded into the returned acknowledgement; a non-nil error means an
// infrastructure failure for which no acknowledgement should be sent.
func (s ProgressService) Handle(ctx context.Context, sess Session, cmd Command) (any, error) {
	typed, err := cmd.Decode()
	if err != nil {
		switch cmd.Type {
		case CommandUpdateWeight:
			return WeightAck{Success: false, Message: "Weight must be a positive integer"}, nil
		case CommandSetManualProgress:
			return ManualProgressAck{Success: false, Message: "invalid payload"}, nil
		case CommandGetProgress:
			return nil, nil
		default:
			return nil, ValidationError{Message: err.Error()}
		}
	}
	switch c := typed.(type) {
	case GetProgress:
		return s.GetProgress(ctx, sess, c.TaskID)
	case SetManualProgress:
		return s.SetManualProgress(ctx, sess, c)
	case SetWeight:
		return s.SetWeight(ctx, sess, c)
	default:
		return nil, ValidationError{Message: "unsupported command"}
	}
}

// GetProgress loads a task, computes its display progress and pushes it
// to the caller's connection and the team room. A missing task is a
// silent no-op, not an error.
func (s ProgressService) GetProgress(ctx context.Context, sess Session, taskID string) (*ProgressPayload, error) {
	if taskID == "" {
		return nil, nil
	}
	ent, err := s.st.GetTask(ctx, sess.Room, taskID)
	if err != nil {
		return nil, err
	}
	if ent == nil {
		log.WithFields(log.Fields{"team": sess.Room, "task": taskID}).Debug("get_task_progress for missing task")
		return nil, nil
	}
	subtasks, err := s.subtasksOf(ctx, sess.Room, ent)
	if err != nil {
		return nil, err
	}
	payload := s.payloadFor(ent, subtasks)
	s.push(ctx, sess, EventTaskProgress, payload)
	return &payload, nil
}

// SetManualProgress switches a task between automatic and manual
// progress modes. Manual mode is a hard server-side invariant reserved
// for tasks without subtasks.
func (s ProgressService) SetManualProgress(ctx context.Context, sess Session, cmd SetManualProgress) (ManualProgressAck, error) {
	ack := ManualProgressAck{TaskID: cmd.TaskID}
	if cmd.TaskID == "" {
		ack.Message = "task id is required"
		return ack, nil
	}
	if cmd.EnableManual && !cmd.Recalculate && cmd.ProgressValue == nil {
		ack.Message = "progress value is required"
		return ack, nil
	}

	ent, err := s.st.GetTask(ctx, sess.Room, cmd.TaskID)
	if err != nil {
		return ack, err
	}
	for {
		if ent == nil {
			ack.Message = "task not found"
			return ack, nil
		}
		subtasks, err := s.subtasksOf(ctx, sess.Room, ent)
		if err != nil {
			return ack, err
		}
		if cmd.EnableManual && !cmd.Recalculate && len(subtasks) > 0 {
			ack.Message = "manual progress is only available for tasks without subtasks"
			return ack, nil
		}

		manual := cmd.EnableManual
		value := ent.ProgressValue
		if cmd.Recalculate {
			manual = false
			auto := ent.Task()
			auto.ManualProgress = false
			value = ComputeRatio(auto, tasksOf(subtasks)).Ratio
		} else if cmd.ProgressValue != nil {
			value = ClampProgress(*cmd.ProgressValue)
		}

		ts := s.now()
		mpType := EdmBoolean
		pvType := EdmInt32
		tsType := EdmInt64
		upd := TaskProgressUpdate{
			Entity:             ent.Entity,
			ManualProgress:     &manual,
			ManualProgressType: &mpType,
			ProgressValue:      &value,
			ProgressValueType:  &pvType,
			EventTimestamp:     &ts,
			EventTimestampType: &tsType,
		}
		if err := s.st.UpdateTaskProgress(ctx, upd, ent.ETag); err != nil {
			if !errors.Is(err, ErrConcurrencyConflict) {
				return ack, err
			}
			ent, err = s.st.GetTask(ctx, sess.Room, cmd.TaskID)
			if err != nil {
				return ack, err
			}
			continue
		}

		s.enqueueRefresh(ctx, sess.Room, cmd.TaskID, CommandSetManualProgress, ts)

		ack.Success = true
		ack.ManualProgress = manual
		ack.IsManual = manual
		ack.CompleteRatio = value
		if payload, err := s.GetProgress(ctx, sess, cmd.TaskID); err != nil {
			log.WithError(err).WithField("task", cmd.TaskID).Error("progress recompute after manual update failed")
		} else if payload != nil {
			ack.CompleteRatio = payload.CompleteRatio
		}
		if ent.ParentTaskID != "" {
			if _, err := s.GetProgress(ctx, sess, ent.ParentTaskID); err != nil {
				log.WithError(err).WithField("task", ent.ParentTaskID).Error("parent progress recompute failed")
			}
		}
		return ack, nil
	}
}

// SetWeight updates a subtask's contribution multiplier. Any numeric
// weight is persisted as max(1, round(w)); only a missing or
// non-numeric weight is rejected.
func (s ProgressService) SetWeight(ctx context.Context, sess Session, cmd SetWeight) (WeightAck, error) {
	ack := WeightAck{TaskID: cmd.TaskID}
	if cmd.TaskID == "" {
		ack.Message = "task id is required"
		return ack, nil
	}
	if cmd.Weight == nil {
		ack.Message = "Weight must be a positive integer"
		return ack, nil
	}
	weight := ClampWeight(*cmd.Weight)

	ent, err := s.st.GetTask(ctx, sess.Room, cmd.TaskID)
	if err != nil {
		return ack, err
	}
	for {
		if ent == nil {
			ack.Message = "task not found"
			return ack, nil
		}
		ts := s.now()
		wType := EdmInt32
		tsType := EdmInt64
		upd := TaskProgressUpdate{
			Entity:             ent.Entity,
			Weight:             &weight,
			WeightType:         &wType,
			EventTimestamp:     &ts,
			EventTimestampType: &tsType,
		}
		if err := s.st.UpdateTaskProgress(ctx, upd, ent.ETag); err != nil {
			if !errors.Is(err, ErrConcurrencyConflict) {
				return ack, err
			}
			ent, err = s.st.GetTask(ctx, sess.Room, cmd.TaskID)
			if err != nil {
				return ack, err
			}
			continue
		}

		s.enqueueRefresh(ctx, sess.Room, cmd.TaskID, CommandUpdateWeight, ts)
		if ent.ParentTaskID != "" {
			s.enqueueRefresh(ctx, sess.Room, ent.ParentTaskID, CommandUpdateWeight, ts)
		}

		notice := WeightChangedPayload{TaskID: cmd.TaskID, Weight: weight}
		if ent.ParentTaskID != "" {
			parent := ent.ParentTaskID
			notice.ParentTask = &parent
		}
		if err := s.ch.Broadcast(ctx, sess.Room, EventWeightChanged, notice); err != nil {
			log.WithError(err).WithField("task", cmd.TaskID).Error("weight change broadcast failed")
		}
		if _, err := s.GetProgress(ctx, sess, cmd.TaskID); err != nil {
			log.WithError(err).WithField("task", cmd.TaskID).Error("progress recompute after weight update failed")
		}

		ack.Success = true
		return ack, nil
	}
}

func (s ProgressService) subtasksOf(ctx context.Context, teamID string, ent *TaskEntity) ([]TaskEntity, error) {
	// Subtasks are never parents, so only top-level tasks can have any.
	if ent.ParentTaskID != "" {
		return nil, nil
	}
	return s.st.ListSubtasks(ctx, teamID, ent.RowKey)
}

// payloadFor stamps the payload with the newest mutation timestamp of
// the task or any subtask, so identical state always yields an
// identical payload.
func (s ProgressService) payloadFor(ent *TaskEntity, subtasks []TaskEntity) ProgressPayload {
	ts := ent.EventTimestamp
	for _, st := range subtasks {
		if st.EventTimestamp > ts {
			ts = st.EventTimestamp
		}
	}
	return NewProgressPayload(*ent, tasksOf(subtasks), ts)
}

func (s ProgressService) push(ctx context.Context, sess Session, event string, payload any) {
	if sess.ID != "" {
		if err := s.ch.Emit(ctx, sess.ID, event, payload); err != nil {
			log.WithError(err).WithField("session", sess.ID).Error("emit to originating session failed")
		}
	}
	if err := s.ch.Broadcast(ctx, sess.Room, event, payload); err != nil {
		log.WithError(err).WithField("room", sess.Room).Error("room broadcast failed")
	}
}

func (s ProgressService) enqueueRefresh(ctx context.Context, teamID, taskID, typ string, ts int64) {
	ev := ProgressEvent{TeamID: teamID, TaskID: taskID, Type: typ, Timestamp: ts}
	if err := s.st.EnqueueProgressEvents(ctx, teamID, []ProgressEvent{ev}); err != nil {
		log.WithError(err).WithField("task", taskID).Error("failed to enqueue progress event")
	}
}

func tasksOf(ents []TaskEntity) []Task {
	if len(ents) == 0 {
		return nil
	}
	out := make([]Task, len(ents))
	for i, e := range ents {
		out[i] = e.Task()
	}
	return out
}
