// Package scheduler owns temporal triggering: schedules with interval,
// calendar, delay and event triggers, the policies that govern missed
// occurrences and overlap, and the stateless tick loop that turns due
// schedules into workflow executions.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/windlass-io/windlass/internal/engine"
	"github.com/windlass-io/windlass/internal/workflow"
)

// MissedRunPolicy decides what happens to due-times that elapsed while
// the scheduler was down.
type MissedRunPolicy string

const (
	CatchUpAll           MissedRunPolicy = "catch_up_all"
	CatchUpLatestOnly    MissedRunPolicy = "catch_up_latest_only"
	SkipMissed           MissedRunPolicy = "skip_missed"
	Coalesce             MissedRunPolicy = "coalesce"
	ResumeIfCheckpointed MissedRunPolicy = "resume_if_checkpointed"
)

// ConcurrencyPolicy decides what a due schedule does when a previous
// run is still going.
type ConcurrencyPolicy string

const (
	ForbidOverlap  ConcurrencyPolicy = "forbid_overlap"
	AllowOverlap   ConcurrencyPolicy = "allow_overlap"
	EnqueueOne     ConcurrencyPolicy = "enqueue_one"
	ReplaceRunning ConcurrencyPolicy = "replace_running"
)

// ShutdownPolicy decides how an in-flight run is treated when the
// process stops.
type ShutdownPolicy string

const (
	GracefulFinish         ShutdownPolicy = "graceful_finish"
	CheckpointAndStop      ShutdownPolicy = "checkpoint_and_stop"
	InterruptAndRetryLater ShutdownPolicy = "interrupt_and_retry_later"
	MustNotInterrupt       ShutdownPolicy = "must_not_interrupt"
)

// CoalesceContext decides which initial context a coalesced catch-up
// run receives when several missed occurrences fold into one.
type CoalesceContext string

const (
	CoalesceLatestWins CoalesceContext = "latest_wins"
	CoalesceMerge      CoalesceContext = "merge"
)

type RiskTier string

const (
	RiskLow      RiskTier = "low"
	RiskStandard RiskTier = "standard"
	RiskCritical RiskTier = "critical"
)

// Schedule binds a workflow definition to a trigger and the policies
// around it. NextDueAt is the only piece of timer state; there is no
// in-memory timer list to rebuild after a crash.
type Schedule struct {
	ID              string                  `json:"id"`
	Name            string                  `json:"name"`
	DefinitionID    string                  `json:"definition_id"`
	Trigger         workflow.TriggerSpec    `json:"trigger"`
	MissedRun       MissedRunPolicy         `json:"missed_run_policy"`
	Concurrency     ConcurrencyPolicy       `json:"concurrency_policy"`
	Shutdown        ShutdownPolicy          `json:"shutdown_policy"`
	CoalesceContext CoalesceContext         `json:"coalesce_context,omitempty"`
	RiskTier        RiskTier                `json:"risk_tier,omitempty"`
	Enabled         bool                    `json:"enabled"`
	InitialContext  map[string]any          `json:"initial_context,omitempty"`
	NextDueAt       *time.Time              `json:"next_due_at,omitempty"`
	LastFiredAt     *time.Time              `json:"last_fired_at,omitempty"`
	Breaker         *engine.BreakerSnapshot `json:"breaker,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
	RunOrphaned  RunStatus = "orphaned"
	RunCoalesced RunStatus = "coalesced"
)

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunSkipped, RunCoalesced:
		return true
	}
	return false
}

// ScheduledRun records one intended occurrence of a schedule and links
// it to the execution that realized it. CheckpointRef points at the
// execution row, which doubles as the checkpoint.
type ScheduledRun struct {
	ID             string     `json:"id"`
	ScheduleID     string     `json:"schedule_id"`
	IntendedAt     time.Time  `json:"intended_at"`
	Status         RunStatus  `json:"status"`
	ExecutionID    string     `json:"execution_id,omitempty"`
	CheckpointRef  string     `json:"checkpoint_ref,omitempty"`
	CatchUp        bool       `json:"catch_up,omitempty"`
	CoalescedFrom  int        `json:"coalesced_from,omitempty"`
	ClaimedBy      string     `json:"claimed_by,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// Validate applies defaults in place and rejects inconsistent policy
// combinations.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule requires a name")
	}
	if s.DefinitionID == "" {
		return fmt.Errorf("schedule requires a definition_id")
	}
	if err := workflow.ValidateTrigger(s.Trigger); err != nil {
		return err
	}
	if s.Trigger.Type == "" {
		return fmt.Errorf("schedule requires a trigger")
	}
	if s.MissedRun == "" {
		s.MissedRun = SkipMissed
	}
	switch s.MissedRun {
	case CatchUpAll, CatchUpLatestOnly, SkipMissed, Coalesce, ResumeIfCheckpointed:
	default:
		return fmt.Errorf("unknown missed_run_policy %q", s.MissedRun)
	}
	if s.Concurrency == "" {
		s.Concurrency = ForbidOverlap
	}
	switch s.Concurrency {
	case ForbidOverlap, AllowOverlap, EnqueueOne, ReplaceRunning:
	default:
		return fmt.Errorf("unknown concurrency_policy %q", s.Concurrency)
	}
	if s.Shutdown == "" {
		s.Shutdown = GracefulFinish
	}
	switch s.Shutdown {
	case GracefulFinish, CheckpointAndStop, InterruptAndRetryLater, MustNotInterrupt:
	default:
		return fmt.Errorf("unknown shutdown_policy %q", s.Shutdown)
	}
	if s.CoalesceContext == "" {
		s.CoalesceContext = CoalesceLatestWins
	}
	switch s.CoalesceContext {
	case CoalesceLatestWins, CoalesceMerge:
	default:
		return fmt.Errorf("unknown coalesce_context %q", s.CoalesceContext)
	}
	if s.RiskTier == "" {
		s.RiskTier = RiskStandard
	}
	return nil
}

// NextDue computes the first due-time strictly after the given instant.
// Delay and event triggers have no recurrence: delay fires once at its
// epoch, events only when fired explicitly.
func NextDue(trigger workflow.TriggerSpec, after time.Time) (*time.Time, error) {
	switch trigger.Type {
	case workflow.TriggerInterval:
		next := after.Add(time.Duration(trigger.IntervalSeconds) * time.Second)
		return &next, nil
	case workflow.TriggerCalendar:
		sched, err := cron.ParseStandard(trigger.Cron)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", trigger.Cron, err)
		}
		next := sched.Next(after)
		return &next, nil
	case workflow.TriggerDelay:
		at := time.Unix(trigger.AtEpoch, 0).UTC()
		if !at.After(after) {
			return nil, nil
		}
		return &at, nil
	case workflow.TriggerEvent, workflow.TriggerReconciliation:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown trigger type %q", trigger.Type)
	}
}

// MissedOccurrences lists the due-times in [firstDue, until], oldest
// first. The list is capped so a schedule that was down for months
// cannot flood the engine.
func MissedOccurrences(trigger workflow.TriggerSpec, firstDue, until time.Time, cap int) ([]time.Time, error) {
	if cap <= 0 {
		cap = 1000
	}
	var out []time.Time
	switch trigger.Type {
	case workflow.TriggerInterval:
		step := time.Duration(trigger.IntervalSeconds) * time.Second
		if step <= 0 {
			return nil, nil
		}
		for t := firstDue; !t.After(until) && len(out) < cap; t = t.Add(step) {
			out = append(out, t)
		}
	case workflow.TriggerCalendar:
		sched, err := cron.ParseStandard(trigger.Cron)
		if err != nil {
			return nil, err
		}
		for t := sched.Next(firstDue.Add(-time.Nanosecond)); !t.After(until) && len(out) < cap; t = sched.Next(t) {
			out = append(out, t)
		}
	case workflow.TriggerDelay:
		at := time.Unix(trigger.AtEpoch, 0).UTC()
		if !at.Before(firstDue) && !at.After(until) {
			out = append(out, at)
		}
	}
	return out, nil
}
