package api

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"worklenz-progress/domain"
	"worklenz-progress/storage"
)

const postCommandMaxSize = 64 * 1024 // 64 KiB

// CommandHandler processes decoded progress commands.
type CommandHandler interface {
	Handle(ctx context.Context, sess domain.Session, cmd domain.Command) (any, error)
	GetProgress(ctx context.Context, sess domain.Session, taskID string) (*domain.ProgressPayload, error)
}

// Deduper prevents reprocessing of duplicate commands.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, teamID, key string) (bool, error)
	// Remove deletes a previously added key, used when processing fails.
	Remove(ctx context.Context, teamID, key string) error
}

// Register wires up all progress routes on the provided Echo instance.
func Register(e *echo.Echo, handler CommandHandler, broker *Broker, cache *storage.Cache, deduper Deduper, logger *log.Logger) {
	e.POST("/api/progress/commands", postCommands(handler, cache, deduper, logger))
	e.GET("/api/progress/stream", streamProgress(broker))
	e.GET("/api/progress/tasks", batchProgress(handler, cache))
	e.GET("/healthz", healthz())
}

type commandResult struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Ack            any    `json:"ack,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	Error          string `json:"error,omitempty"`
}

type postCommandsResponse struct {
	Results []commandResult `json:"results"`
}

type batchProgressResponse struct {
	Tasks []domain.ProgressPayload `json:"tasks"`
}

// taskRef is the minimal view of a mutation payload needed for cache
// eviction.
type taskRef struct {
	TaskID       string  `json:"task_id"`
	ParentTaskID *string `json:"parent_task_id,omitempty"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func postCommands(handler CommandHandler, cache *storage.Cache, deduper Deduper, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics, spanCtx := newCommandRequestMetrics(ctx, logger)
		if spanCtx != nil {
			c.SetRequest(c.Request().WithContext(spanCtx))
			ctx = spanCtx
		}
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		sessionID := c.Request().Header.Get("X-Session-Id")

		decodeStart := time.Now()
		lr := io.LimitReader(c.Request().Body, postCommandMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()
		cmds := make([]domain.Command, 0, 4)
		decodeErr := dec.Decode(&cmds)
		metrics.ObserveDecode(time.Since(decodeStart))
		if decodeErr != nil {
			metrics.SetErrorStage("decode")
			err = c.String(http.StatusBadRequest, "invalid body")
			return err
		}
		metrics.SetCommandCount(len(cmds))

		handleStart := time.Now()
		results := make([]commandResult, 0, len(cmds))
		duplicates := 0
		for i := range cmds {
			if cmds[i].IdempotencyKey == "" {
				cmds[i].IdempotencyKey = uuid.NewString()
			}
			cmds[i].ID = cmds[i].IdempotencyKey
			cmds[i].Timestamp = nextTimestamp()
			results = append(results, processCommand(ctx, handler, cache, deduper, sessionID, cmds[i], &duplicates))
		}
		metrics.ObserveHandle(time.Since(handleStart))
		metrics.SetDuplicateCount(duplicates)

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, postCommandsResponse{Results: results})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func processCommand(ctx context.Context, handler CommandHandler, cache *storage.Cache, deduper Deduper, sessionID string, cmd domain.Command, duplicates *int) commandResult {
	result := commandResult{IdempotencyKey: cmd.IdempotencyKey}
	sess := domain.Session{ID: sessionID, Room: cmd.TeamID}

	mutating := cmd.Type == domain.CommandSetManualProgress || cmd.Type == domain.CommandUpdateWeight
	if mutating && deduper != nil {
		added, err := deduper.Add(ctx, cmd.TeamID, cmd.IdempotencyKey)
		if err != nil {
			log.WithError(err).WithField("key", cmd.IdempotencyKey).Error("deduper add failed")
		} else if !added {
			*duplicates++
			result.Duplicate = true
			return result
		}
	}

	ack, err := handler.Handle(ctx, sess, cmd)
	if err != nil {
		if mutating && deduper != nil {
			if rerr := deduper.Remove(ctx, cmd.TeamID, cmd.IdempotencyKey); rerr != nil {
				log.WithError(rerr).WithField("key", cmd.IdempotencyKey).Error("dedupe rollback failed")
			}
		}
		log.WithError(err).WithFields(log.Fields{"type": cmd.Type, "team": cmd.TeamID}).Error("command processing failed")
		result.Error = "failed to process command"
		return result
	}
	result.Ack = ack

	if mutating && cache != nil {
		var ref taskRef
		if uerr := sonic.Unmarshal(cmd.Data, &ref); uerr == nil && ref.TaskID != "" {
			ids := []string{ref.TaskID}
			if ref.ParentTaskID != nil && *ref.ParentTaskID != "" {
				ids = append(ids, *ref.ParentTaskID)
			}
			cache.Evict(ctx, cmd.TeamID, ids...)
		}
	}
	return result
}

func streamProgress(broker *Broker) echo.HandlerFunc {
	return func(c echo.Context) error {
		team := c.QueryParam("team")
		if team == "" {
			return c.String(http.StatusBadRequest, "missing team")
		}
		sessionID := c.QueryParam("session")
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
		c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
		c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
		c.Response().Header().Set("X-Accel-Buffering", "no")
		flusher, ok := c.Response().Writer.(http.Flusher)
		if !ok {
			return c.String(http.StatusInternalServerError, "stream unsupported")
		}
		c.Response().WriteHeader(http.StatusOK)
		flusher.Flush()

		ctx := c.Request().Context()
		ch, cancel := broker.Subscribe(team, sessionID)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return nil
			case env := <-ch:
				if _, err := c.Response().Write([]byte("event: " + env.Event + "\n")); err != nil {
					return err
				}
				if _, err := c.Response().Write([]byte("data: ")); err != nil {
					return err
				}
				if _, err := c.Response().Write(env.Data); err != nil {
					return err
				}
				if _, err := c.Response().Write([]byte("\n\n")); err != nil {
					return err
				}
				flusher.Flush()
			}
		}
	}
}

func batchProgress(handler CommandHandler, cache *storage.Cache) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		team := c.QueryParam("team")
		if team == "" {
			return c.String(http.StatusBadRequest, "missing team")
		}
		sess := domain.Session{ID: c.QueryParam("session"), Room: team}

		tasks := []domain.ProgressPayload{}
		for _, id := range strings.Split(c.QueryParam("ids"), ",") {
			id = strings.TrimSpace(id)
			if id == "" {
				continue
			}
			if payload, ok := cache.Load(ctx, team, id); ok {
				tasks = append(tasks, *payload)
				continue
			}
			payload, err := handler.GetProgress(ctx, sess, id)
			if err != nil {
				c.Logger().Error(err)
				return c.String(http.StatusInternalServerError, "failed to load progress")
			}
			if payload == nil {
				continue
			}
			tasks = append(tasks, *payload)
			if err := cache.Store(ctx, team, *payload); err != nil {
				log.WithError(err).WithField("task", id).Error("failed to cache progress payload")
			}
		}
		return c.JSON(http.StatusOK, batchProgressResponse{Tasks: tasks})
	}
}
