package schedule

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "oncallnotifier/pkg/logx"
)

func TestPostgresEventsStarting(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(6 * time.Minute)
	start := from.Add(time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM event`)).
		WithArgs(from.Unix(), to.Unix(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "team", "role", "user", "start", "end", "tz"}).
			AddRow(int64(7), "core", "primary", "alice", start.Unix(), start.Add(7*24*time.Hour).Unix(), "US/Pacific"))

	p := NewPostgres(db, time.Second, logx.Nop())
	events, err := p.EventsStarting(context.Background(), from, to, []string{"primary"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].ID)
	assert.Equal(t, "alice", events[0].User)
	assert.True(t, events[0].Start.Equal(start))
	assert.Equal(t, time.UTC, events[0].Start.Location())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEventsStartingRoundsUpFractionalUpperBound(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	start := from.Add(time.Minute)
	to := start.Add(500 * time.Millisecond)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM event`)).
		WithArgs(from.Unix(), start.Unix()+1, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "team", "role", "user", "start", "end", "tz"}).
			AddRow(int64(9), "core", "primary", "alice", start.Unix(), start.Add(time.Hour).Unix(), ""))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT`)).
		WithArgs(from.Unix(), start.Unix()+1).
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("alice"))

	p := NewPostgres(db, time.Second, logx.Nop())
	events, err := p.EventsStarting(context.Background(), from, to, nil)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Start.Equal(start))

	users, err := p.UsersWithEventsBetween(context.Background(), from, to)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, users)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCurrentHolderNoRows(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "user".name`)).
		WithArgs("core", "manager", at.Unix()).
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	p := NewPostgres(db, time.Second, logx.Nop())
	_, err = p.CurrentHolder(context.Background(), "core", "manager", at)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoHolder))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresContactMethods(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`FROM user_contact`)).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"mode", "destination"}).
			AddRow("email", "alice@example.com").
			AddRow("call", "+15550100"))

	p := NewPostgres(db, time.Second, logx.Nop())
	cms, err := p.ContactMethods(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, []ContactMethod{
		{User: "alice", Mode: "email", Address: "alice@example.com"},
		{User: "alice", Mode: "call", Address: "+15550100"},
	}, cms)
}

func TestPostgresQueryError(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT DISTINCT`)).WillReturnError(errors.New("connection refused"))

	p := NewPostgres(db, time.Second, logx.Nop())
	_, err = p.UsersWithEventsBetween(context.Background(), time.Now(), time.Now().Add(time.Hour))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

const fixture = `
events:
  - id: 1
    team: core
    role: primary
    user: alice
    start: 2026-03-02T00:00:00Z
    end: 2026-03-09T00:00:00Z
  - id: 2
    team: core
    role: manager
    user: carol
    start: 2026-03-01T00:00:00Z
    end: 2026-04-01T00:00:00Z
  - id: 3
    team: core
    role: secondary
    user: bob
    start: 2026-03-02T00:00:00Z
    end: 2026-03-09T00:00:00Z
contacts:
  alice:
    email: alice@example.com
`

func TestStaticFixture(t *testing.T) {
	t.Parallel()

	p := filepath.Join(t.TempDir(), "schedule.yaml")
	require.NoError(t, os.WriteFile(p, []byte(fixture), 0o600))
	s, err := LoadStatic(p)
	require.NoError(t, err)

	ctx := context.Background()
	from := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	evs, err := s.EventsStarting(ctx, from, from.Add(time.Hour), []string{"primary"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "alice", evs[0].User)

	// Half-open: an event starting exactly at "to" is excluded.
	evs, err = s.EventsStarting(ctx, from.Add(-time.Hour), from, nil)
	require.NoError(t, err)
	assert.Empty(t, evs)

	holder, err := s.CurrentHolder(ctx, "core", "manager", from)
	require.NoError(t, err)
	assert.Equal(t, "carol", holder)

	_, err = s.CurrentHolder(ctx, "core", "shadow", from)
	assert.ErrorIs(t, err, ErrNoHolder)

	users, err := s.UsersWithEventsBetween(ctx, from, from.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, users)

	cms, err := s.ContactMethods(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, cms)
}
