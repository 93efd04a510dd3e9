package schedule

import (
	"context"
	"errors"
	"time"
)

// ErrNoHolder is returned when nobody holds a role for a team at the requested instant.
var ErrNoHolder = errors.New("schedule: no current holder")

// Event is one on-call shift. Start and End are absolute instants (UTC).
type Event struct {
	ID    int64
	Team  string
	Role  string
	User  string
	Start time.Time
	End   time.Time
	// UserTimezone is the assignee's IANA zone if the schedule store knows it.
	UserTimezone string
}

// ContactMethod is a delivery address for one user and mode.
type ContactMethod struct {
	User    string
	Mode    string
	Address string
}

// Store is the read-only view of the on-call schedule.
type Store interface {
	// EventsStarting returns events whose start is in [from, to), restricted to roles when non-empty.
	EventsStarting(ctx context.Context, from, to time.Time, roles []string) ([]Event, error)
	// CurrentHolder resolves who holds role for team at instant at.
	CurrentHolder(ctx context.Context, team, role string, at time.Time) (string, error)
	// UsersWithEventsBetween lists distinct users with an event starting in [from, to).
	UsersWithEventsBetween(ctx context.Context, from, to time.Time) ([]string, error)
}

// Directory is the read-only contact lookup.
type Directory interface {
	ContactMethods(ctx context.Context, user string) ([]ContactMethod, error)
}
