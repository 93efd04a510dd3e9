// Package reminder runs the poll loop: find due reminders, claim them in the
// ledger, deliver them through the messenger registry and escalate the ones
// that could not be delivered.
package reminder

import (
	"context"
	"time"

	"oncallnotifier/internal/backoff"
	"oncallnotifier/internal/escalation"
	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/window"
)

// State is where the poll loop currently is.
type State string

const (
	StateIdle        State = "idle"
	StatePolling     State = "polling"
	StateDispatching State = "dispatching"
	StateSleeping    State = "sleeping"
)

var allStates = []string{string(StateIdle), string(StatePolling), string(StateDispatching), string(StateSleeping)}

// CursorName is the ledger cursor the loop advances after a complete cycle.
const CursorName = "reminder"

// Config is the resolved poll loop configuration.
//
// Defaults (when zero):
//   - Interval: 360s
//   - MaxCatchup: 6h
//   - MaxAttempts: 3 (total sends per item per cycle)
//   - Retry: base 1s, max 30s
//   - SendTimeout: 10s
//   - Workers: 16
//   - MaxCycles: 1
//   - ClaimLease: 2m
//   - ShutdownTimeout: 30s
type Config struct {
	Interval   time.Duration
	MaxCatchup time.Duration
	// Location formats times in messages when the user has no timezone of their own.
	Location *time.Location
	Rules    []window.Rule

	MaxAttempts int
	Retry       backoff.Policy
	SendTimeout time.Duration
	Workers     int
	MaxCycles   int

	ClaimLease      time.Duration
	ShutdownTimeout time.Duration
	// Retention prunes settled records older than this; 0 keeps them.
	Retention time.Duration

	// EscalateOnFailure escalates records that end as failed.
	EscalateOnFailure bool
	// AckGrace escalates sent reminders nobody acknowledged in time; 0 disables.
	AckGrace time.Duration

	Subject string
	Body    string

	// ReplicaID identifies this process in claims. Generated when empty.
	ReplicaID string
}

// Messenger delivers messages. *messenger.Registry satisfies it.
type Messenger interface {
	Supports(mode string) bool
	Send(ctx context.Context, m messenger.Message) (messenger.Result, error)
}

// Escalator turns a trigger into an incident. *escalation.Planner satisfies it.
type Escalator interface {
	Escalate(ctx context.Context, tr escalation.Trigger) (escalation.Outcome, error)
}

// CycleReport summarizes one poll cycle.
type CycleReport struct {
	Started  time.Time
	Finished time.Time
	Span     window.Span

	Due         int
	Sent        int
	Failed      int
	NoContact   int
	AlreadySent int
	Conflicts   int
	Released    int
	Escalated   int
	Pruned      int64

	// Complete is true when the cursor was advanced to Span.To.
	Complete bool
	Err      error
}

// Outcome of one work item, also used as the reminders_total label.
type outcome string

const (
	outcomeSent        outcome = "sent"
	outcomeFailed      outcome = "failed"
	outcomeNoContact   outcome = "no_contact"
	outcomeAlreadySent outcome = "already_sent"
	outcomeConflict    outcome = "conflict"
	outcomeReleased    outcome = "released"
	outcomeSkipped     outcome = "skipped"
	outcomeError       outcome = "error"
)
