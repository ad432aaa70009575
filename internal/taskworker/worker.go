// Package taskworker is an optional embedded worker for queued step
// tasks: it claims tasks, calls the queue's configured handler URL,
// heartbeats its lease while the call is in flight, and reports the
// outcome back through the engine. External worker pools use the same
// claim/heartbeat/complete surface over HTTP.
package taskworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
)

type Config struct {
	Queues       []string
	Handlers     map[string]string
	PollInterval time.Duration
	Lease        time.Duration
}

type Worker struct {
	cfg       Config
	tasks     queue.Store
	engine    *engine.Service
	collector *metrics.Collector
	client    *http.Client
	logger    *zap.Logger
	id        string
}

func New(cfg Config, tasks queue.Store, eng *engine.Service, collector *metrics.Collector, client *http.Client, logger *zap.Logger) *Worker {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	host, _ := os.Hostname()
	return &Worker{
		cfg:       cfg,
		tasks:     tasks,
		engine:    eng,
		collector: collector,
		client:    client,
		logger:    logger,
		id:        fmt.Sprintf("%s/%d", host, os.Getpid()),
	}
}

func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("task worker started",
		zap.Strings("queues", w.cfg.Queues), zap.String("worker_id", w.id))
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("task worker stopped")
			return
		default:
		}
		task, ok := w.tasks.Claim(w.cfg.Queues, w.id, w.cfg.Lease)
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.PollInterval):
			}
			continue
		}
		w.collector.TaskClaimed(task.QueueName)
		w.handle(ctx, task)
	}
}

// handle performs the HTTP call for a claimed task and settles the
// task row plus the owning step.
func (w *Worker) handle(ctx context.Context, task queue.Task) {
	handler, ok := w.cfg.Handlers[task.QueueName]
	if !ok {
		w.settle(task, nil, fmt.Sprintf("no handler configured for queue %q", task.QueueName))
		return
	}

	stop := w.heartbeatLoop(ctx, task.ID)
	defer stop()

	payload := map[string]any{
		"task_id":         task.ID,
		"execution_id":    task.ExecutionID,
		"step_slug":       task.StepSlug,
		"attempt":         task.Attempt,
		"idempotency_key": task.IdempotencyKey,
		"input":           task.Payload,
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handler, bytes.NewReader(body))
	if err != nil {
		w.settle(task, nil, err.Error())
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		w.settle(task, nil, err.Error())
		return
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 300 {
		w.settle(task, nil, fmt.Sprintf("handler returned status %d", resp.StatusCode))
		return
	}
	var out struct {
		Status string `json:"status"`
		Output any    `json:"output,omitempty"`
		Error  string `json:"error,omitempty"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		w.settle(task, map[string]any{"raw": string(raw)}, "")
		return
	}
	if out.Status == "failed" {
		w.settle(task, nil, out.Error)
		return
	}
	w.settle(task, out.Output, "")
}

func (w *Worker) settle(task queue.Task, result any, taskErr string) {
	if _, ok := w.tasks.Complete(task.ID, result, taskErr); !ok {
		// Lease expired and someone else owns the outcome now.
		w.logger.Warn("task completion rejected", zap.String("task_id", task.ID))
		return
	}
	if taskErr == "" {
		w.engine.ApplyStepOutcome(task.ExecutionID, task.StepSlug, task.Attempt, result, "", "")
	} else {
		w.engine.ApplyStepOutcome(task.ExecutionID, task.StepSlug, task.Attempt, nil, taskErr, engine.ClassTransient)
	}
}

// heartbeatLoop extends the task lease at a third of its duration until
// stopped.
func (w *Worker) heartbeatLoop(ctx context.Context, taskID string) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(w.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.tasks.Heartbeat(taskID, w.id, w.cfg.Lease); err != nil {
					w.logger.Warn("task heartbeat failed", zap.String("task_id", taskID), zap.Error(err))
					return
				}
			}
		}
	}()
	return cancel
}
