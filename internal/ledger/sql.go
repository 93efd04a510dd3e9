package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	logx "oncallnotifier/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// sqlStore implements Store for every SQL driver. Queries are written with '?'
// placeholders and rebound per dialect. Times are unix milliseconds.
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	driver string
	rebind func(string) string
}

func newSQLStore(db *sql.DB, driver string, log logx.Logger) *sqlStore {
	s := &sqlStore{db: db, log: log, driver: driver, rebind: func(q string) string { return q }}
	if driver == "postgres" {
		s.rebind = dollarPlaceholders
	}
	return s
}

// dollarPlaceholders rewrites '?' to $1, $2, ... Queries here never contain a literal '?'.
func dollarPlaceholders(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
		return fmt.Errorf("ledger: migrate: %w", err)
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const recordColumns = `id, event_id, role, lead_time, mode, user_name, team, event_start, status, attempts, cycles, abandoned,
claimed_by, lease_until, last_error, sent_at, acked_at, escalated_at, escalation_result, incident_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc rowScanner) (Record, error) {
	var (
		r                                    Record
		lead, eventStart, created, updated   int64
		abandoned                            int
		claimedBy, lastErr, escResult, incID sql.NullString
		lease, sent, acked, escalated        sql.NullInt64
		status                               string
	)
	err := sc.Scan(&r.ID, &r.Key.EventID, &r.Key.Role, &lead, &r.Key.Mode, &r.User, &r.Team, &eventStart,
		&status, &r.Attempts, &r.Cycles, &abandoned,
		&claimedBy, &lease, &lastErr, &sent, &acked, &escalated, &escResult, &incID, &created, &updated)
	if err != nil {
		return Record{}, err
	}
	r.Key.LeadTime = time.Duration(lead) * time.Second
	r.EventStart = time.UnixMilli(eventStart).UTC()
	r.Status = Status(status)
	r.Abandoned = abandoned != 0
	r.ClaimedBy = claimedBy.String
	r.LastError = lastErr.String
	r.Escalation = escResult.String
	r.IncidentID = incID.String
	r.LeaseUntil = fromMillis(lease)
	r.SentAt = fromMillis(sent)
	r.AckedAt = fromMillis(acked)
	r.EscalatedAt = fromMillis(escalated)
	r.CreatedAt = time.UnixMilli(created).UTC()
	r.UpdatedAt = time.UnixMilli(updated).UTC()
	return r, nil
}

func fromMillis(v sql.NullInt64) time.Time {
	if !v.Valid || v.Int64 == 0 {
		return time.Time{}
	}
	return time.UnixMilli(v.Int64).UTC()
}

func leadSeconds(d time.Duration) int64 { return int64(d / time.Second) }

const claimSQL = `INSERT INTO dispatch_record
    (id, event_id, role, lead_time, mode, user_name, team, event_start, status, attempts, cycles, abandoned, claimed_by, lease_until, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, 1, 0, ?, ?, ?, ?)
ON CONFLICT (event_id, role, lead_time, mode) DO UPDATE SET
    status = 'pending',
    cycles = CASE WHEN dispatch_record.status = 'failed' THEN dispatch_record.cycles + 1 ELSE dispatch_record.cycles END,
    claimed_by = excluded.claimed_by,
    lease_until = excluded.lease_until,
    updated_at = excluded.updated_at
WHERE dispatch_record.escalated_at IS NULL AND dispatch_record.abandoned = 0 AND (
    (dispatch_record.status = 'pending' AND dispatch_record.lease_until < ?)
    OR (dispatch_record.status = 'failed' AND dispatch_record.cycles < ?))
RETURNING ` + recordColumns

func (s *sqlStore) TryClaim(ctx context.Context, c Claim) (ClaimResult, error) {
	if c.Now.IsZero() {
		c.Now = time.Now()
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	maxCycles := max(c.MaxCycles, 1)
	now := c.Now.UnixMilli()

	row := s.db.QueryRowContext(ctx, s.rebind(claimSQL),
		uuid.NewString(), c.Key.EventID, c.Key.Role, leadSeconds(c.Key.LeadTime), c.Key.Mode,
		c.User, c.Team, c.EventStart.UnixMilli(),
		c.Claimant, now+c.Lease.Milliseconds(), now, now,
		now, maxCycles,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return ClaimResult{Outcome: Claimed, Record: rec}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return ClaimResult{}, fmt.Errorf("ledger: claim: %w", err)
	}

	// The conditional update did not fire: report why.
	rec, err = s.getByKey(ctx, c.Key)
	if err != nil {
		return ClaimResult{}, fmt.Errorf("ledger: claim lookup: %w", err)
	}
	if rec.Status == StatusSent {
		return ClaimResult{Outcome: AlreadySent, Record: rec}, nil
	}
	return ClaimResult{Outcome: Conflict, Record: rec}, nil
}

func (s *sqlStore) getByKey(ctx context.Context, k Key) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM dispatch_record
WHERE event_id = ? AND role = ? AND lead_time = ? AND mode = ?`),
		k.EventID, k.Role, leadSeconds(k.LeadTime), k.Mode)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (s *sqlStore) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM dispatch_record WHERE id = ?`), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("ledger: get: %w", err)
	}
	return rec, nil
}

// settle applies a terminal-for-this-cycle update to a record still pending
// under claimant's claim.
func (s *sqlStore) settle(ctx context.Context, op, id, claimant, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("ledger: %s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		rec, gerr := s.Get(ctx, id)
		if gerr != nil {
			return gerr
		}
		if rec.Status == StatusPending && rec.ClaimedBy != claimant {
			return fmt.Errorf("ledger: %s: record %s: %w (now held by %s)", op, id, ErrClaimLost, rec.ClaimedBy)
		}
		return fmt.Errorf("ledger: %s: record %s is %s, not pending", op, id, rec.Status)
	}
	return nil
}

func (s *sqlStore) MarkSent(ctx context.Context, id, claimant string, attempts int, at time.Time) error {
	ms := at.UnixMilli()
	return s.settle(ctx, "mark sent", id, claimant, `UPDATE dispatch_record
SET status = 'sent', attempts = attempts + ?, sent_at = ?, last_error = NULL, lease_until = NULL, updated_at = ?
WHERE id = ? AND status = 'pending' AND claimed_by = ?`, attempts, ms, ms, id, claimant)
}

func (s *sqlStore) MarkFailed(ctx context.Context, id, claimant string, attempts int, reason string, abandon bool, at time.Time) error {
	ms := at.UnixMilli()
	ab := 0
	if abandon {
		ab = 1
	}
	return s.settle(ctx, "mark failed", id, claimant, `UPDATE dispatch_record
SET status = 'failed', attempts = attempts + ?, last_error = ?, abandoned = ?, lease_until = NULL, updated_at = ?
WHERE id = ? AND status = 'pending' AND claimed_by = ?`, attempts, nullStr(truncate(reason, 1024)), ab, ms, id, claimant)
}

func (s *sqlStore) MarkNoContact(ctx context.Context, id, claimant string, at time.Time) error {
	ms := at.UnixMilli()
	return s.settle(ctx, "mark no contact", id, claimant, `UPDATE dispatch_record
SET status = 'skipped_no_contact', lease_until = NULL, updated_at = ?
WHERE id = ? AND status = 'pending' AND claimed_by = ?`, ms, id, claimant)
}

func (s *sqlStore) Release(ctx context.Context, id, claimant string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE dispatch_record SET lease_until = 0, updated_at = ?
WHERE id = ? AND status = 'pending' AND claimed_by = ?`), time.Now().UnixMilli(), id, claimant)
	if err != nil {
		return fmt.Errorf("ledger: release: %w", err)
	}
	return nil
}

func (s *sqlStore) list(ctx context.Context, op, where string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT `+recordColumns+` FROM dispatch_record WHERE `+where), args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", op, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: %s: %w", op, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: %s: %w", op, err)
	}
	return out, nil
}

func (s *sqlStore) ListRetryable(ctx context.Context, now time.Time, maxCycles, limit int) ([]Record, error) {
	return s.list(ctx, "list retryable", `escalated_at IS NULL AND abandoned = 0 AND (
    (status = 'failed' AND cycles < ?) OR (status = 'pending' AND lease_until < ?))
ORDER BY updated_at, id LIMIT ?`, max(maxCycles, 1), now.UnixMilli(), limitOrDefault(limit))
}

func (s *sqlStore) ListUnescalated(ctx context.Context, limit int) ([]Record, error) {
	return s.list(ctx, "list unescalated", `status = 'failed' AND abandoned = 1 AND escalated_at IS NULL
ORDER BY updated_at, id LIMIT ?`, limitOrDefault(limit))
}

func (s *sqlStore) ListUnacknowledged(ctx context.Context, sentBefore time.Time, limit int) ([]Record, error) {
	return s.list(ctx, "list unacknowledged", `status = 'sent' AND acked_at IS NULL AND escalated_at IS NULL AND sent_at < ?
ORDER BY sent_at, id LIMIT ?`, sentBefore.UnixMilli(), limitOrDefault(limit))
}

func (s *sqlStore) Acknowledge(ctx context.Context, id string, at time.Time) (Record, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	ms := at.UnixMilli()
	_, err = s.db.ExecContext(ctx, s.rebind(`UPDATE dispatch_record SET acked_at = ?, updated_at = ?
WHERE event_id = ? AND role = ? AND lead_time = ? AND acked_at IS NULL`),
		ms, ms, rec.Key.EventID, rec.Key.Role, leadSeconds(rec.Key.LeadTime))
	if err != nil {
		return Record{}, fmt.Errorf("ledger: acknowledge: %w", err)
	}
	return s.Get(ctx, id)
}

func (s *sqlStore) ClaimEscalation(ctx context.Context, id string, at time.Time) (bool, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	ms := at.UnixMilli()
	lead := leadSeconds(rec.Key.LeadTime)
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE dispatch_record SET escalated_at = ?, updated_at = ?
WHERE event_id = ? AND role = ? AND lead_time = ? AND escalated_at IS NULL
AND NOT EXISTS (SELECT 1 FROM dispatch_record d2
    WHERE d2.event_id = ? AND d2.role = ? AND d2.lead_time = ? AND d2.escalated_at IS NOT NULL)`),
		ms, ms, rec.Key.EventID, rec.Key.Role, lead, rec.Key.EventID, rec.Key.Role, lead)
	if err != nil {
		return false, fmt.Errorf("ledger: claim escalation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger: claim escalation: %w", err)
	}
	return n > 0, nil
}

func (s *sqlStore) RecordEscalation(ctx context.Context, id, result, incidentID string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`UPDATE dispatch_record SET escalation_result = ?, incident_id = ?, updated_at = ?
WHERE id = ?`), result, nullStr(incidentID), time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("ledger: record escalation: %w", err)
	}
	return nil
}

func (s *sqlStore) Cursor(ctx context.Context, name string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT last_success FROM poll_cursor WHERE name = ?`), name).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: cursor: %w", err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *sqlStore) AdvanceCursor(ctx context.Context, name string, to time.Time) error {
	ms := to.UnixMilli()
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO poll_cursor (name, last_success, updated_at) VALUES (?, ?, ?)
ON CONFLICT (name) DO UPDATE SET last_success = excluded.last_success, updated_at = excluded.updated_at
WHERE poll_cursor.last_success < excluded.last_success`), name, ms, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: advance cursor: %w", err)
	}
	return nil
}

func (s *sqlStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM dispatch_record WHERE event_start < ? AND status <> 'pending'`), before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger: prune: %w", err)
	}
	return res.RowsAffected()
}

func (s *sqlStore) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM dispatch_record GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("ledger: counts: %w", err)
	}
	defer rows.Close()
	out := map[Status]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("ledger: counts: %w", err)
		}
		out[Status(st)] = n
	}
	return out, rows.Err()
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return 500
	}
	return n
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
