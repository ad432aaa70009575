package workflow

import (
	"net/url"
	"time"
)

// Definition is an immutable (per version) workflow template. The
// dependency graph over step slugs must be acyclic; this is enforced at
// save time, never at dispatch time.
type Definition struct {
	ID             string      `json:"id"`
	Name           string      `json:"name"`
	Description    string      `json:"description,omitempty"`
	Steps          []StepSpec  `json:"steps"`
	Trigger        TriggerSpec `json:"trigger,omitempty"`
	TimeoutMinutes int         `json:"timeout_minutes,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
}

type StepSpec struct {
	Slug           string          `json:"slug"`
	Name           string          `json:"name,omitempty"`
	Target         TargetSpec      `json:"target"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	Condition      *Expr           `json:"condition,omitempty"`
	Input          any             `json:"input,omitempty"`
	Output         []OutputMapping `json:"output,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	Optional       bool            `json:"optional,omitempty"`
	NonRecoverable bool            `json:"non_recoverable,omitempty"`
}

type TargetType string

const (
	TargetHTTP        TargetType = "http"
	TargetQueue       TargetType = "queue"
	TargetConditional TargetType = "conditional"
	TargetDelay       TargetType = "delay"
)

type TargetSpec struct {
	Type         TargetType        `json:"type"`
	URL          string            `json:"url,omitempty"`
	Method       string            `json:"method,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Queue        string            `json:"queue,omitempty"`
	DelaySeconds int               `json:"delay_seconds,omitempty"`
}

// Key identifies the external system behind a target for circuit
// breaking: queue name for queued targets, host for remote calls.
// In-process targets have no key and are never gated.
func (t TargetSpec) Key() string {
	switch t.Type {
	case TargetQueue:
		return "queue:" + t.Queue
	case TargetHTTP:
		return "http:" + hostOf(t.URL)
	default:
		return ""
	}
}

type TriggerType string

const (
	TriggerInterval       TriggerType = "interval"
	TriggerCalendar       TriggerType = "calendar"
	TriggerDelay          TriggerType = "delay"
	TriggerEvent          TriggerType = "event"
	TriggerReconciliation TriggerType = "reconciliation"
)

type TriggerSpec struct {
	Type            TriggerType `json:"type,omitempty"`
	IntervalSeconds int         `json:"interval_seconds,omitempty"`
	Cron            string      `json:"cron,omitempty"`
	AtEpoch         int64       `json:"at_epoch,omitempty"`
	Event           string      `json:"event,omitempty"`
}

// OutputMapping merges one field of a completed step's output into the
// execution context: context[ContextPath] = value at OutputPath inside
// the step output. OutputPath is a $.dotted.path; "$" maps the whole
// output.
type OutputMapping struct {
	ContextPath string `json:"context_path"`
	OutputPath  string `json:"output_path"`
}

type DefinitionVersion struct {
	ID           string     `json:"id"`
	DefinitionID string     `json:"definition_id"`
	Version      int        `json:"version"`
	Payload      Definition `json:"payload"`
	CreatedAt    time.Time  `json:"created_at"`
}

// hostOf extracts the authority of a target URL, credentials stripped,
// port kept. Unparseable URLs fall back to the raw string so distinct
// targets still get distinct breakers.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
