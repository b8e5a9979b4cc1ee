// Package client implements the consumer side of the progress stream:
// a local view of task progress kept consistent with server pushes,
// including the optimistic-edit window around manual progress changes.
package client

import (
	"encoding/json"
	"fmt"
	"sync"

	"worklenz-progress/domain"
)

// Reconciler holds the locally displayed progress state for a set of
// tasks. Server state always wins: incoming payloads overwrite local
// state unconditionally, except while the user has an edit in flight,
// in which case conflicting events are deferred until the edit's
// acknowledgement arrives.
type Reconciler struct {
	mu       sync.Mutex
	tasks    map[string]domain.ProgressPayload
	pending  map[string]struct{}
	deferred map[string]domain.ProgressPayload
	refresh  map[string]struct{}
}

func NewReconciler() *Reconciler {
	return &Reconciler{
		tasks:    make(map[string]domain.ProgressPayload),
		pending:  make(map[string]struct{}),
		deferred: make(map[string]domain.ProgressPayload),
		refresh:  make(map[string]struct{}),
	}
}

// MountTasks registers tasks entering view and returns the ids that
// have no local state yet and need a get_task_progress fetch.
func (r *Reconciler) MountTasks(ids ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	missing := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := r.tasks[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// ApplyProgress applies a server progress push. While an edit is
// pending for the task the payload is buffered instead, so the slider
// the user is holding does not flicker; it is applied when the edit is
// acknowledged.
func (r *Reconciler) ApplyProgress(p domain.ProgressPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLocked(p)
}

func (r *Reconciler) applyLocked(p domain.ProgressPayload) {
	if _, editing := r.pending[p.ID]; editing {
		r.deferred[p.ID] = p
		return
	}
	r.tasks[p.ID] = p
	delete(r.refresh, p.ID)
	if p.ParentTask != nil && *p.ParentTask != "" {
		r.refresh[*p.ParentTask] = struct{}{}
	}
}

// ApplyWeightChange handles the lightweight weight notification: the
// task's aggregate contribution changed, so it and its parent need a
// re-fetch.
func (r *Reconciler) ApplyWeightChange(w domain.WeightChangedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.TaskID != "" {
		r.refresh[w.TaskID] = struct{}{}
	}
	if w.ParentTask != nil && *w.ParentTask != "" {
		r.refresh[*w.ParentTask] = struct{}{}
	}
}

// BeginEdit marks a task as having a local edit in flight.
func (r *Reconciler) BeginEdit(taskID string) {
	r.mu.Lock()
	r.pending[taskID] = struct{}{}
	r.mu.Unlock()
}

// AckManualProgress closes the optimistic-edit window: the local buffer
// is discarded and any payload deferred during the edit is applied.
func (r *Reconciler) AckManualProgress(ack domain.ManualProgressAck) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, ack.TaskID)
	if p, ok := r.deferred[ack.TaskID]; ok {
		delete(r.deferred, ack.TaskID)
		r.applyLocked(p)
	}
}

// Progress returns the locally known payload for a task.
func (r *Reconciler) Progress(taskID string) (domain.ProgressPayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.tasks[taskID]
	return p, ok
}

// TakeRefresh drains and returns the tasks flagged for a re-fetch.
func (r *Reconciler) TakeRefresh() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.refresh) == 0 {
		return nil
	}
	ids := make([]string, 0, len(r.refresh))
	for id := range r.refresh {
		ids = append(ids, id)
	}
	r.refresh = make(map[string]struct{})
	return ids
}

// HandleEvent dispatches a raw stream event into the reconciler.
func (r *Reconciler) HandleEvent(event string, data []byte) error {
	switch event {
	case domain.EventTaskProgress:
		var p domain.ProgressPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return err
		}
		r.ApplyProgress(p)
		return nil
	case domain.EventWeightChanged:
		var w domain.WeightChangedPayload
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		r.ApplyWeightChange(w)
		return nil
	default:
		return fmt.Errorf("unknown event %q", event)
	}
}
