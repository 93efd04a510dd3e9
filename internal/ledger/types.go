package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("ledger: record not found")
	ErrClosed   = errors.New("ledger: closed")

	// ErrClaimLost means another claimant re-claimed the record after our lease expired.
	ErrClaimLost = errors.New("ledger: claim lost")
)

// Status of a dispatch record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusNoContact Status = "skipped_no_contact"
)

// Key identifies one notification. At most one record per key may ever be sent.
type Key struct {
	EventID  int64
	Role     string
	LeadTime time.Duration // stored as whole seconds
	Mode     string
}

// Record is the durable state of one Key.
type Record struct {
	ID  string
	Key Key

	User       string
	Team       string
	EventStart time.Time

	Status    Status
	Attempts  int
	Cycles    int
	ClaimedBy string
	LastError string
	// Abandoned failed records are never re-claimed; they wait for (or already had) escalation.
	Abandoned bool

	LeaseUntil  time.Time
	SentAt      time.Time
	AckedAt     time.Time
	EscalatedAt time.Time
	// Escalation holds the escalation outcome ("ok", "failed", "no_tier", ...) once attempted.
	Escalation string
	IncidentID string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Claim asks for the right to send Key.
type Claim struct {
	Key        Key
	User       string
	Team       string
	EventStart time.Time
	Claimant   string
	Now        time.Time
	Lease      time.Duration
	// MaxCycles bounds how many cycles a failed record may be re-claimed in.
	MaxCycles int
}

// Outcome of TryClaim.
type Outcome int

const (
	// Claimed: the caller owns the record until Lease expires and must send.
	Claimed Outcome = iota + 1
	// AlreadySent: a previous claim delivered it. Never send again.
	AlreadySent
	// Conflict: another claimant holds a live lease, or the record is settled
	// (skipped, exhausted, escalated) and must not be re-sent.
	Conflict
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case AlreadySent:
		return "already_sent"
	case Conflict:
		return "conflict"
	default:
		return "unknown"
	}
}

type ClaimResult struct {
	Outcome Outcome
	Record  Record
}

// Store is the durable dispatch ledger. Every method is safe for concurrent use,
// including from several processes sharing one database.
type Store interface {
	// TryClaim atomically inserts or re-claims the record for c.Key.
	TryClaim(ctx context.Context, c Claim) (ClaimResult, error)
	// MarkSent, MarkFailed and MarkNoContact settle a pending record and only
	// succeed for the claimant holding it; otherwise they return ErrClaimLost.
	MarkSent(ctx context.Context, id, claimant string, attempts int, at time.Time) error
	// MarkFailed records a failed cycle. abandon stops further cycles (permanent error or cycle budget spent).
	MarkFailed(ctx context.Context, id, claimant string, attempts int, reason string, abandon bool, at time.Time) error
	MarkNoContact(ctx context.Context, id, claimant string, at time.Time) error
	// Release expires the lease of a claimed record that was never sent so any replica can re-claim it.
	Release(ctx context.Context, id, claimant string) error

	Get(ctx context.Context, id string) (Record, error)
	// ListRetryable returns non-abandoned failed records below maxCycles and pending records whose lease expired, oldest first.
	ListRetryable(ctx context.Context, now time.Time, maxCycles, limit int) ([]Record, error)
	// ListUnescalated returns abandoned failed records whose reminder was never escalated.
	ListUnescalated(ctx context.Context, limit int) ([]Record, error)
	// ListUnacknowledged returns sent, unacknowledged, unescalated records sent before sentBefore.
	ListUnacknowledged(ctx context.Context, sentBefore time.Time, limit int) ([]Record, error)

	// Acknowledge marks every record of the same reminder (event, role, lead time) as acknowledged.
	Acknowledge(ctx context.Context, id string, at time.Time) (Record, error)
	// ClaimEscalation reserves the single escalation of the reminder that id belongs to.
	// It returns false when another caller already escalated it.
	ClaimEscalation(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordEscalation stores the escalation outcome.
	RecordEscalation(ctx context.Context, id, result, incidentID string) error

	// Cursor returns the end of the last fully processed poll window (zero if none).
	Cursor(ctx context.Context, name string) (time.Time, error)
	// AdvanceCursor moves the cursor forward; it never moves it back.
	AdvanceCursor(ctx context.Context, name string, to time.Time) error

	// Prune deletes settled records whose event started before before.
	Prune(ctx context.Context, before time.Time) (int64, error)
	// Counts returns the number of records per status.
	Counts(ctx context.Context) (map[Status]int, error)

	Close() error
}
