package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"

	"worklenz-progress/domain"
)

// Storage provides access to the task table and the progress events
// queue.
type Storage struct {
	taskTable  *aztables.Client
	eventQueue *azqueue.QueueClient
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, eventsQueue string) (*Storage, error) {
	tablesClientOptions := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &tablesClientOptions)
	if err != nil {
		return nil, err
	}
	tt := svc.NewClient(tasksTable)
	queueClientOptions := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	eq, err := azqueue.NewQueueClientFromConnectionString(connStr, eventsQueue, &queueClientOptions)
	if err != nil {
		return nil, err
	}
	return &Storage{taskTable: tt, eventQueue: eq}, nil
}

// GetTask retrieves a task entity if present. A missing task is
// reported as nil, nil.
func (s *Storage) GetTask(ctx context.Context, teamID, taskID string) (*domain.TaskEntity, error) {
	ent, err := s.taskTable.GetEntity(ctx, teamID, taskID, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 404 {
			return nil, nil
		}
		return nil, err
	}
	return decodeTaskEntity(ent.Value)
}

func decodeTaskEntity(data []byte) (*domain.TaskEntity, error) {
	var task domain.TaskEntity
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func subtaskFilter(teamID, parentID string) string {
	return "PartitionKey eq '" + teamID + "' and ParentTaskId eq '" + parentID + "'"
}

// ListSubtasks retrieves the direct subtasks of the given task.
func (s *Storage) ListSubtasks(ctx context.Context, teamID, parentID string) ([]domain.TaskEntity, error) {
	filter := subtaskFilter(teamID, parentID)
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	subtasks := []domain.TaskEntity{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			ent, err := decodeTaskEntity(e)
			if err != nil {
				return nil, err
			}
			subtasks = append(subtasks, *ent)
		}
	}
	return subtasks, nil
}

// UpdateTaskProgress merges the given progress fields into the task row
// when its ETag still matches. A mismatch surfaces as
// domain.ErrConcurrencyConflict so callers can reload and retry.
func (s *Storage) UpdateTaskProgress(ctx context.Context, upd domain.TaskProgressUpdate, etag string) error {
	payload, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	et := azcore.ETag(etag)
	if etag == "" {
		et = azcore.ETagAny
	}
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeMerge})
	if err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == 412 {
			return domain.ErrConcurrencyConflict
		}
		return err
	}
	return nil
}

// EnqueueProgressEvents sends progress events to the refresher queue.
func (s *Storage) EnqueueProgressEvents(ctx context.Context, teamID string, evs []domain.ProgressEvent) error {
	for _, ev := range evs {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := s.eventQueue.EnqueueMessage(ctx, string(data), nil); err != nil {
			return err
		}
	}
	return nil
}

// DequeueProgressEvent retrieves a single message from the events
// queue, or nil when the queue is empty.
func (s *Storage) DequeueProgressEvent(ctx context.Context) (*azqueue.DequeuedMessage, error) {
	resp, err := s.eventQueue.DequeueMessage(ctx, nil)
	if err != nil {
		return nil, err
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return resp.Messages[0], nil
}

// DeleteProgressEvent removes a processed message from the queue.
func (s *Storage) DeleteProgressEvent(ctx context.Context, id, receipt string) error {
	_, err := s.eventQueue.DeleteMessage(ctx, id, receipt, nil)
	return err
}
