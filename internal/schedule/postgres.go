package schedule

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	logx "oncallnotifier/pkg/logx"
)

// Postgres reads events, holders and contacts from the oncall schema.
// event.start and event."end" are unix seconds.
type Postgres struct {
	db      *sql.DB
	log     logx.Logger
	timeout time.Duration
}

// OpenPostgres opens dsn with lib/pq and verifies the connection.
func OpenPostgres(ctx context.Context, dsn string, maxOpen int, timeout time.Duration, log logx.Logger) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("schedule: open: %w", err)
	}
	if maxOpen > 0 {
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
	}
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schedule: ping: %w", err)
	}
	return NewPostgres(db, timeout, log), nil
}

// NewPostgres wraps an existing handle. Tests pass a sqlmock DB here.
func NewPostgres(db *sql.DB, timeout time.Duration, log logx.Logger) *Postgres {
	if log.IsZero() {
		log = logx.Nop()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Postgres{db: db, log: log, timeout: timeout}
}

func (p *Postgres) Close() error { return p.db.Close() }

// ceilUnix rounds an exclusive upper bound up to whole seconds so an event
// starting at floor(t) stays inside [from, t). Callers filter exactly.
func ceilUnix(t time.Time) int64 {
	sec := t.Unix()
	if t.Nanosecond() > 0 {
		sec++
	}
	return sec
}

const eventsStartingSQL = `SELECT event.id, team.name, role.name, "user".name, event.start, event."end", COALESCE("user".time_zone, '')
FROM event
JOIN team ON event.team_id = team.id
JOIN role ON event.role_id = role.id
JOIN "user" ON event.user_id = "user".id
WHERE event.start >= $1 AND event.start < $2 AND (cardinality($3::text[]) = 0 OR role.name = ANY($3))
ORDER BY event.start, event.id`

func (p *Postgres) EventsStarting(ctx context.Context, from, to time.Time, roles []string) ([]Event, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if roles == nil {
		roles = []string{}
	}
	rows, err := p.db.QueryContext(ctx, eventsStartingSQL, from.Unix(), ceilUnix(to), pq.Array(roles))
	if err != nil {
		return nil, fmt.Errorf("schedule: events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev         Event
			start, end int64
		)
		if err := rows.Scan(&ev.ID, &ev.Team, &ev.Role, &ev.User, &start, &end, &ev.UserTimezone); err != nil {
			return nil, fmt.Errorf("schedule: scan event: %w", err)
		}
		ev.Start = time.Unix(start, 0).UTC()
		ev.End = time.Unix(end, 0).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule: events: %w", err)
	}
	return out, nil
}

const currentHolderSQL = `SELECT "user".name
FROM event
JOIN team ON event.team_id = team.id
JOIN role ON event.role_id = role.id
JOIN "user" ON event.user_id = "user".id
WHERE team.name = $1 AND role.name = $2 AND event.start <= $3 AND event."end" > $3
ORDER BY event.start DESC
LIMIT 1`

func (p *Postgres) CurrentHolder(ctx context.Context, team, role string, at time.Time) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var user string
	err := p.db.QueryRowContext(ctx, currentHolderSQL, team, role, at.Unix()).Scan(&user)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: team=%s role=%s", ErrNoHolder, team, role)
	}
	if err != nil {
		return "", fmt.Errorf("schedule: holder: %w", err)
	}
	return user, nil
}

const usersBetweenSQL = `SELECT DISTINCT "user".name
FROM event
JOIN "user" ON event.user_id = "user".id
WHERE event.start >= $1 AND event.start < $2
ORDER BY "user".name`

func (p *Postgres) UsersWithEventsBetween(ctx context.Context, from, to time.Time) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, usersBetweenSQL, from.Unix(), ceilUnix(to))
	if err != nil {
		return nil, fmt.Errorf("schedule: users: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("schedule: scan user: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

const contactMethodsSQL = `SELECT contact_mode.name, user_contact.destination
FROM user_contact
JOIN contact_mode ON user_contact.mode_id = contact_mode.id
JOIN "user" ON user_contact.user_id = "user".id
WHERE "user".name = $1`

func (p *Postgres) ContactMethods(ctx context.Context, user string) ([]ContactMethod, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	rows, err := p.db.QueryContext(ctx, contactMethodsSQL, user)
	if err != nil {
		return nil, fmt.Errorf("schedule: contacts: %w", err)
	}
	defer rows.Close()

	var out []ContactMethod
	for rows.Next() {
		cm := ContactMethod{User: user}
		if err := rows.Scan(&cm.Mode, &cm.Address); err != nil {
			return nil, fmt.Errorf("schedule: scan contact: %w", err)
		}
		out = append(out, cm)
	}
	return out, rows.Err()
}
