package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/windlass-io/windlass/internal/ledger"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/workflow"
)

// Router maps a ready step to its execution channel. Remote calls are
// awaited inline by the dispatch worker; queued targets enqueue and
// return immediately, with the outcome arriving later through
// ApplyStepOutcome; conditional and delay steps never leave the
// process.
type Router struct {
	client *http.Client
	tasks  queue.Store
}

func NewRouter(client *http.Client, tasks queue.Store) *Router {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Router{client: client, tasks: tasks}
}

// dispatchPayload is the contract every executor target receives.
type dispatchPayload struct {
	ExecutionID    string `json:"execution_id"`
	StepSlug       string `json:"step_slug"`
	Attempt        int    `json:"attempt"`
	IdempotencyKey string `json:"idempotency_key"`
	Input          any    `json:"input,omitempty"`
}

// targetResponse is what a target responds/completes with.
type targetResponse struct {
	Status string `json:"status"`
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// IdempotencyKey makes every attempt's side effect addressable exactly
// once: retries replay the same key against at-least-once targets.
func IdempotencyKey(executionID, slug string, attempt int) string {
	return fmt.Sprintf("%s|%s|%d", executionID, slug, attempt)
}

// Dispatch issues one attempt. async is true for queued targets whose
// outcome will arrive later.
func (r *Router) Dispatch(ctx context.Context, ex ledger.Execution, spec workflow.StepSpec, attempt int, timeout time.Duration) (output any, async bool, derr *DispatchError) {
	switch spec.Target.Type {
	case workflow.TargetHTTP:
		out, err := r.dispatchHTTP(ctx, ex, spec, attempt, timeout)
		return out, false, err
	case workflow.TargetQueue:
		return nil, true, r.dispatchQueue(ex, spec, attempt)
	case workflow.TargetDelay:
		return nil, false, r.dispatchDelay(ctx, spec)
	case workflow.TargetConditional:
		// The resolver only dispatches conditional steps whose
		// expression held; the step succeeds as a marker.
		return map[string]any{"condition": true}, false, nil
	default:
		return nil, false, permanentErr("unsupported target type %q", spec.Target.Type)
	}
}

func (r *Router) dispatchHTTP(ctx context.Context, ex ledger.Execution, spec workflow.StepSpec, attempt int, timeout time.Duration) (any, *DispatchError) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload := dispatchPayload{
		ExecutionID:    ex.ID,
		StepSlug:       spec.Slug,
		Attempt:        attempt,
		IdempotencyKey: IdempotencyKey(ex.ID, spec.Slug, attempt),
		Input:          resolveInput(ex, spec),
	}
	body, _ := json.Marshal(payload)

	method := spec.Target.Method
	if strings.TrimSpace(method) == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequestWithContext(callCtx, method, spec.Target.URL, bytes.NewReader(body))
	if err != nil {
		return nil, permanentErr("failed to build request for %s: %v", spec.Target.URL, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range spec.Target.Headers {
		req.Header.Set(k, v)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, timeoutErr("step %s timed out after %v", spec.Slug, timeout)
		}
		return nil, transientErr("call to %s failed: %v", spec.Target.URL, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusAccepted:
		var tr targetResponse
		if err := json.Unmarshal(raw, &tr); err != nil {
			// A bare 2xx with a non-contract body still counts.
			return map[string]any{"raw": string(raw)}, nil
		}
		if tr.Status == "failed" {
			return nil, transientErr("target reported failure: %s", tr.Error)
		}
		return tr.Output, nil
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return nil, permanentErr("target rejected input with status %d: %s", resp.StatusCode, truncate(raw))
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, transientErr("target returned status %d: %s", resp.StatusCode, truncate(raw))
	default:
		return nil, permanentErr("target returned status %d: %s", resp.StatusCode, truncate(raw))
	}
}

func (r *Router) dispatchQueue(ex ledger.Execution, spec workflow.StepSpec, attempt int) *DispatchError {
	key := IdempotencyKey(ex.ID, spec.Slug, attempt)
	r.tasks.Enqueue(queue.Task{
		ID:             workflow.NewID("task"),
		QueueName:      spec.Target.Queue,
		ExecutionID:    ex.ID,
		StepSlug:       spec.Slug,
		Attempt:        attempt,
		IdempotencyKey: key,
		Payload:        resolveInput(ex, spec),
	})
	return nil
}

func (r *Router) dispatchDelay(ctx context.Context, spec workflow.StepSpec) *DispatchError {
	delay := time.Duration(spec.Target.DelaySeconds) * time.Second
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return timeoutErr("delay step interrupted: %v", ctx.Err())
	}
}

// resolveInput is the step's declared input; the execution context is
// attached alongside so targets can read upstream outputs.
func resolveInput(ex ledger.Execution, spec workflow.StepSpec) any {
	if spec.Input == nil && len(ex.Context) == 0 {
		return nil
	}
	return map[string]any{
		"input":   spec.Input,
		"context": ex.Context,
	}
}

func truncate(raw []byte) string {
	const max = 256
	s := string(raw)
	if len(s) > max {
		return s[:max]
	}
	return s
}
