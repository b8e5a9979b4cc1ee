// Package refresher keeps the Redis progress cache in sync with the
// task store by consuming the progress events queue. It runs off the
// command path so cache writes never slow down acknowledgements; a
// session that mounts a list view is served the refreshed payloads.
package refresher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"

	"worklenz-progress/domain"
)

// Store reads task rows for recomputation.
type Store interface {
	GetTask(ctx context.Context, teamID, taskID string) (*domain.TaskEntity, error)
	ListSubtasks(ctx context.Context, teamID, parentID string) ([]domain.TaskEntity, error)
}

// Queue supplies progress events to process.
type Queue interface {
	DequeueProgressEvent(ctx context.Context) (*azqueue.DequeuedMessage, error)
	DeleteProgressEvent(ctx context.Context, id, receipt string) error
}

// PayloadCache is where refreshed payloads land.
type PayloadCache interface {
	Load(ctx context.Context, teamID, taskID string) (*domain.ProgressPayload, bool)
	Store(ctx context.Context, teamID string, payload domain.ProgressPayload) error
}

// Refresher consumes progress events and rebuilds cached payloads.
type Refresher struct {
	store Store
	queue Queue
	cache PayloadCache
	idle  time.Duration
}

func New(store Store, queue Queue, cache PayloadCache) *Refresher {
	return &Refresher{store: store, queue: queue, cache: cache, idle: time.Second}
}

// Run processes the events queue until the context is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := r.queue.DequeueProgressEvent(ctx)
		if err != nil {
			log.WithError(err).Error("dequeue progress event failed")
			r.sleep(ctx)
			continue
		}
		if msg == nil {
			r.sleep(ctx)
			continue
		}
		var ev domain.ProgressEvent
		if msg.MessageText != nil {
			if err := json.Unmarshal([]byte(*msg.MessageText), &ev); err != nil {
				log.WithError(err).Error("malformed progress event - dropping")
			} else if err := r.Refresh(ctx, ev); err != nil {
				log.WithError(err).WithFields(log.Fields{"team": ev.TeamID, "task": ev.TaskID}).Error("progress refresh failed")
			}
		}
		if msg.MessageID != nil && msg.PopReceipt != nil {
			if err := r.queue.DeleteProgressEvent(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
				log.WithError(err).Error("delete progress event failed")
			}
		}
	}
}

// Refresh recomputes and caches the payload for a single event. Events
// older than the cached payload are skipped: a fresher recompute has
// already run.
func (r *Refresher) Refresh(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.TeamID == "" || ev.TaskID == "" {
		return nil
	}
	if cached, ok := r.cache.Load(ctx, ev.TeamID, ev.TaskID); ok && cached.Timestamp > ev.Timestamp {
		log.WithFields(log.Fields{"task": ev.TaskID, "ts": ev.Timestamp, "current": cached.Timestamp}).Debug("stale progress event - skipping")
		return nil
	}
	ent, err := r.store.GetTask(ctx, ev.TeamID, ev.TaskID)
	if err != nil {
		return err
	}
	if ent == nil {
		return nil
	}
	var subtasks []domain.TaskEntity
	if ent.ParentTaskID == "" {
		subtasks, err = r.store.ListSubtasks(ctx, ev.TeamID, ev.TaskID)
		if err != nil {
			return err
		}
	}
	ts := ent.EventTimestamp
	if ev.Timestamp > ts {
		ts = ev.Timestamp
	}
	tasks := make([]domain.Task, len(subtasks))
	for i, st := range subtasks {
		tasks[i] = st.Task()
		if st.EventTimestamp > ts {
			ts = st.EventTimestamp
		}
	}
	payload := domain.NewProgressPayload(*ent, tasks, ts)
	return r.cache.Store(ctx, ev.TeamID, payload)
}

func (r *Refresher) sleep(ctx context.Context) {
	timer := time.NewTimer(r.idle)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
