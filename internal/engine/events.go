package engine

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/windlass-io/windlass/internal/ledger"
)

// Event is one structured state transition: run created, step
// dispatched, circuit opened, reconciliation report and so on. Every
// event is logged, appended to the execution's durable event log, and
// shipped fire-and-forget to the configured observability sink.
type Event struct {
	Type        string         `json:"type"`
	ExecutionID string         `json:"execution_id,omitempty"`
	ScheduleID  string         `json:"schedule_id,omitempty"`
	StepSlug    string         `json:"step_slug,omitempty"`
	Fields      map[string]any `json:"fields,omitempty"`
	TS          time.Time      `json:"ts"`
}

type Emitter struct {
	logger  *zap.Logger
	store   ledger.Store
	sinkURL string
	client  *http.Client
	ch      chan Event
	closed  atomic.Bool
}

func NewEmitter(logger *zap.Logger, store ledger.Store, sinkURL string) *Emitter {
	e := &Emitter{
		logger:  logger,
		store:   store,
		sinkURL: strings.TrimRight(sinkURL, "/"),
		client:  &http.Client{Timeout: 3 * time.Second},
		ch:      make(chan Event, 200),
	}
	if e.sinkURL != "" {
		go e.pump()
	}
	return e
}

func (e *Emitter) Emit(event Event) {
	if e == nil {
		return
	}
	event.TS = time.Now().UTC()

	e.logger.Info(event.Type,
		zap.String("execution_id", event.ExecutionID),
		zap.String("schedule_id", event.ScheduleID),
		zap.String("step_slug", event.StepSlug),
		zap.Any("fields", event.Fields))

	if event.ExecutionID != "" && e.store != nil {
		raw, _ := json.Marshal(event)
		e.store.AppendEvent(event.ExecutionID, string(raw))
	}

	if e.sinkURL != "" && !e.closed.Load() {
		// Drop rather than block when the sink is slow.
		select {
		case e.ch <- event:
		default:
		}
	}
}

// Close stops the sink pump. Already-buffered events are still
// delivered.
func (e *Emitter) Close() {
	if e.sinkURL != "" && e.closed.CompareAndSwap(false, true) {
		close(e.ch)
	}
}

func (e *Emitter) pump() {
	for event := range e.ch {
		raw, _ := json.Marshal(event)
		req, err := http.NewRequest(http.MethodPost, e.sinkURL+"/v1/events", bytes.NewReader(raw))
		if err != nil {
			continue
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			continue
		}
		_ = resp.Body.Close()
	}
}
