package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "oncallnotifier/pkg/logx"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func openTemp(t *testing.T, path string) Store {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "ledger.db")
	}
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func claimFor(mode string) Claim {
	return Claim{
		Key:        Key{EventID: 42, Role: "primary", LeadTime: 86400 * time.Second, Mode: mode},
		User:       "alice",
		Team:       "core",
		EventStart: base.Add(24 * time.Hour),
		Claimant:   "replica-a",
		Now:        base,
		Lease:      time.Minute,
		MaxCycles:  2,
	}
}

func TestClaimThenAlreadySent(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	res, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.Equal(t, Claimed, res.Outcome)
	assert.Equal(t, StatusPending, res.Record.Status)
	assert.Equal(t, 1, res.Record.Cycles)
	assert.Equal(t, 86400*time.Second, res.Record.Key.LeadTime)

	require.NoError(t, st.MarkSent(ctx, res.Record.ID, "replica-a", 1, base.Add(time.Second)))

	for i := 0; i < 3; i++ {
		c := claimFor("email")
		c.Now = base.Add(time.Duration(i+1) * time.Hour)
		again, err := st.TryClaim(ctx, c)
		require.NoError(t, err)
		assert.Equal(t, AlreadySent, again.Outcome)
		assert.Equal(t, res.Record.ID, again.Record.ID)
	}

	// Other modes of the same reminder are independent keys.
	sms, err := st.TryClaim(ctx, claimFor("sms"))
	require.NoError(t, err)
	assert.Equal(t, Claimed, sms.Outcome)
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := claimFor("email")
			c.Claimant = "replica-" + string(rune('a'+i))
			res, err := st.TryClaim(context.Background(), c)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			if res.Outcome == Claimed {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, claimed)
}

func TestSentSurvivesRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "ledger.db")
	ctx := context.Background()

	first, err := Open(ctx, Config{Driver: "sqlite", Path: path}, logx.Nop())
	require.NoError(t, err)
	res, err := first.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.NoError(t, first.MarkSent(ctx, res.Record.ID, "replica-a", 1, base))
	require.NoError(t, first.Close())

	second := openTemp(t, path)
	again, err := second.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, again.Outcome)
}

func TestLeaseExpiryAndRelease(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	res, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.Equal(t, Claimed, res.Outcome)

	// Live lease: another replica is refused.
	other := claimFor("email")
	other.Claimant = "replica-b"
	other.Now = base.Add(30 * time.Second)
	held, err := st.TryClaim(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, Conflict, held.Outcome)

	// Expired lease: re-claimable, and a crash does not burn a cycle.
	other.Now = base.Add(2 * time.Minute)
	taken, err := st.TryClaim(ctx, other)
	require.NoError(t, err)
	require.Equal(t, Claimed, taken.Outcome)
	assert.Equal(t, "replica-b", taken.Record.ClaimedBy)
	assert.Equal(t, 1, taken.Record.Cycles)

	// Release by a non-owner is a no-op; by the owner it frees the record immediately.
	require.NoError(t, st.Release(ctx, taken.Record.ID, "replica-a"))
	third := claimFor("email")
	third.Claimant = "replica-c"
	third.Now = base.Add(2*time.Minute + time.Second)
	res3, err := st.TryClaim(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, Conflict, res3.Outcome)

	require.NoError(t, st.Release(ctx, taken.Record.ID, "replica-b"))
	res3, err = st.TryClaim(ctx, third)
	require.NoError(t, err)
	assert.Equal(t, Claimed, res3.Outcome)
}

func TestStaleClaimantCannotSettle(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	res, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.Equal(t, Claimed, res.Outcome)

	other := claimFor("email")
	other.Claimant = "replica-b"
	other.Now = base.Add(2 * time.Minute)
	taken, err := st.TryClaim(ctx, other)
	require.NoError(t, err)
	require.Equal(t, Claimed, taken.Outcome)

	id := res.Record.ID
	assert.ErrorIs(t, st.MarkSent(ctx, id, "replica-a", 1, base.Add(3*time.Minute)), ErrClaimLost)
	assert.ErrorIs(t, st.MarkFailed(ctx, id, "replica-a", 3, "timeout", true, base.Add(3*time.Minute)), ErrClaimLost)
	assert.ErrorIs(t, st.MarkNoContact(ctx, id, "replica-a", base.Add(3*time.Minute)), ErrClaimLost)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, "replica-b", got.ClaimedBy)

	require.NoError(t, st.MarkSent(ctx, id, "replica-b", 1, base.Add(3*time.Minute)))
}

func TestFailedRecordIsReclaimedUntilCycleBudget(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	res, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.NoError(t, st.MarkFailed(ctx, res.Record.ID, "replica-a", 3, "smtp 451", false, base.Add(time.Second)))

	retry, err := st.ListRetryable(ctx, base.Add(time.Minute), 2, 10)
	require.NoError(t, err)
	require.Len(t, retry, 1)
	assert.Equal(t, "smtp 451", retry[0].LastError)

	c := claimFor("email")
	c.Now = base.Add(6 * time.Minute)
	second, err := st.TryClaim(ctx, c)
	require.NoError(t, err)
	require.Equal(t, Claimed, second.Outcome)
	assert.Equal(t, 2, second.Record.Cycles)
	assert.Equal(t, 3, second.Record.Attempts)

	require.NoError(t, st.MarkFailed(ctx, second.Record.ID, "replica-a", 3, "smtp 451", true, base.Add(7*time.Minute)))

	c.Now = base.Add(12 * time.Minute)
	third, err := st.TryClaim(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, Conflict, third.Outcome)
	assert.True(t, third.Record.Abandoned)
	assert.Equal(t, 6, third.Record.Attempts)

	retry, err = st.ListRetryable(ctx, base.Add(time.Hour), 2, 10)
	require.NoError(t, err)
	assert.Empty(t, retry)

	unesc, err := st.ListUnescalated(ctx, 10)
	require.NoError(t, err)
	require.Len(t, unesc, 1)
}

func TestNoContactIsSettled(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	res, err := st.TryClaim(ctx, claimFor("call"))
	require.NoError(t, err)
	require.NoError(t, st.MarkNoContact(ctx, res.Record.ID, "replica-a", base))

	got, err := st.Get(ctx, res.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoContact, got.Status)

	again, err := st.TryClaim(ctx, claimFor("call"))
	require.NoError(t, err)
	assert.Equal(t, Conflict, again.Outcome)

	// Settling twice is a caller bug and is reported.
	assert.Error(t, st.MarkSent(ctx, res.Record.ID, "replica-a", 1, base))
}

func TestEscalationIsClaimedOncePerReminder(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	email, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	sms, err := st.TryClaim(ctx, claimFor("sms"))
	require.NoError(t, err)
	require.NoError(t, st.MarkFailed(ctx, email.Record.ID, "replica-a", 3, "boom", true, base))
	require.NoError(t, st.MarkFailed(ctx, sms.Record.ID, "replica-a", 3, "boom", true, base))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for _, id := range []string{email.Record.ID, sms.Record.ID, email.Record.ID, sms.Record.ID} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			ok, err := st.ClaimEscalation(ctx, id, base.Add(time.Second))
			if err != nil {
				t.Errorf("claim escalation: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	require.NoError(t, st.RecordEscalation(ctx, email.Record.ID, "ok", "incident-7"))
	got, err := st.Get(ctx, email.Record.ID)
	require.NoError(t, err)
	assert.Equal(t, "incident-7", got.IncidentID)
	assert.False(t, got.EscalatedAt.IsZero())

	unesc, err := st.ListUnescalated(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, unesc)
}

func TestAcknowledgeCoversAllModes(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	var ids []string
	for _, mode := range []string{"email", "sms"} {
		res, err := st.TryClaim(ctx, claimFor(mode))
		require.NoError(t, err)
		require.NoError(t, st.MarkSent(ctx, res.Record.ID, "replica-a", 1, base))
		ids = append(ids, res.Record.ID)
	}

	unacked, err := st.ListUnacknowledged(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Len(t, unacked, 2)

	rec, err := st.Acknowledge(ctx, ids[0], base.Add(30*time.Second))
	require.NoError(t, err)
	assert.False(t, rec.AckedAt.IsZero())

	unacked, err = st.ListUnacknowledged(ctx, base.Add(time.Minute), 10)
	require.NoError(t, err)
	assert.Empty(t, unacked)

	_, err = st.Acknowledge(ctx, "missing", base)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCursorOnlyMovesForward(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	cur, err := st.Cursor(ctx, "reminder")
	require.NoError(t, err)
	assert.True(t, cur.IsZero())

	require.NoError(t, st.AdvanceCursor(ctx, "reminder", base))
	require.NoError(t, st.AdvanceCursor(ctx, "reminder", base.Add(-time.Hour)))
	cur, err = st.Cursor(ctx, "reminder")
	require.NoError(t, err)
	assert.True(t, cur.Equal(base), "cursor=%s", cur)

	require.NoError(t, st.AdvanceCursor(ctx, "reminder", base.Add(6*time.Minute)))
	cur, err = st.Cursor(ctx, "reminder")
	require.NoError(t, err)
	assert.True(t, cur.Equal(base.Add(6*time.Minute)))
}

func TestPruneAndCounts(t *testing.T) {
	t.Parallel()
	st := openTemp(t, "")
	ctx := context.Background()

	sent, err := st.TryClaim(ctx, claimFor("email"))
	require.NoError(t, err)
	require.NoError(t, st.MarkSent(ctx, sent.Record.ID, "replica-a", 1, base))
	_, err = st.TryClaim(ctx, claimFor("sms"))
	require.NoError(t, err)

	counts, err := st.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[Status]int{StatusSent: 1, StatusPending: 1}, counts)

	n, err := st.Prune(ctx, base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "pending records are kept")
}

func TestPostgresClaimUsesDollarPlaceholders(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := NewPostgresDB(db, logx.Nop())
	c := claimFor("email")

	mock.ExpectQuery(regexp.QuoteMeta(`VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'pending', 0, 1, 0, $9, $10, $11, $12)`)).
		WithArgs(sqlmock.AnyArg(), int64(42), "primary", int64(86400), "email", "alice", "core",
			c.EventStart.UnixMilli(), "replica-a", sqlmock.AnyArg(), base.UnixMilli(), base.UnixMilli(),
			base.UnixMilli(), 2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(`WHERE event_id = $1 AND role = $2 AND lead_time = $3 AND mode = $4`)).
		WithArgs(int64(42), "primary", int64(86400), "email").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "event_id", "role", "lead_time", "mode", "user_name", "team", "event_start", "status", "attempts", "cycles", "abandoned",
			"claimed_by", "lease_until", "last_error", "sent_at", "acked_at", "escalated_at", "escalation_result", "incident_id", "created_at", "updated_at",
		}).AddRow("rec-1", int64(42), "primary", int64(86400), "email", "alice", "core", c.EventStart.UnixMilli(), "sent", 1, 1, 0,
			"replica-z", nil, nil, base.UnixMilli(), nil, nil, nil, nil, base.UnixMilli(), base.UnixMilli()))

	res, err := st.TryClaim(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, AlreadySent, res.Outcome)
	assert.Equal(t, "rec-1", res.Record.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDollarPlaceholders(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a = $1 AND b IN ($2, $3)", dollarPlaceholders("a = ? AND b IN (?, ?)"))
}
