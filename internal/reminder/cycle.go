package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"oncallnotifier/internal/contact"
	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/schedule"
	"oncallnotifier/internal/window"
	logx "oncallnotifier/pkg/logx"
)

// sweepLimit bounds how many records one sweep looks at per cycle.
const sweepLimit = 500

// item is one (event, role, lead time, mode) to deliver.
type item struct {
	event schedule.Event
	lead  time.Duration
	mode  string
	// retry marks items taken from the ledger rather than the due window.
	retry bool
}

func (it item) key() ledger.Key {
	return ledger.Key{EventID: it.event.ID, Role: it.event.Role, LeadTime: it.lead, Mode: it.mode}
}

type tally struct {
	mu   sync.Mutex
	rep  *CycleReport
	errs []error
}

func (t *tally) add(o outcome, escalated bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch o {
	case outcomeSent:
		t.rep.Sent++
	case outcomeFailed:
		t.rep.Failed++
	case outcomeNoContact:
		t.rep.NoContact++
	case outcomeAlreadySent:
		t.rep.AlreadySent++
	case outcomeConflict:
		t.rep.Conflicts++
	case outcomeReleased:
		t.rep.Released++
	}
	if escalated {
		t.rep.Escalated++
	}
	if err != nil {
		t.errs = append(t.errs, err)
	}
}

// RunOnce runs one poll cycle. Canceling ctx stops it from starting new
// work; work already started is finished. The cursor only moves when the
// whole due window was handled.
func (s *Service) RunOnce(ctx context.Context) CycleReport {
	now := s.now().UTC()
	rep := CycleReport{Started: now}
	s.setState(StatePolling)

	cursor, err := s.ledger.Cursor(ctx, CursorName)
	if err != nil {
		rep.Err = fmt.Errorf("load cursor: %w", err)
		return s.finish(rep)
	}
	span := window.Lookback(now, cursor, s.cfg.Interval, s.cfg.MaxCatchup)
	rep.Span = span
	if span.Clamped {
		s.log.Warn("catch-up window clamped; older reminders are skipped",
			logx.Time("from", span.From), logx.Duration("dropped", span.Dropped))
	}

	retries, err := s.ledger.ListRetryable(ctx, now, s.cfg.MaxCycles, sweepLimit)
	if err != nil {
		rep.Err = fmt.Errorf("list retryable: %w", err)
		return s.finish(rep)
	}
	from, to := window.EventRange(span, s.cfg.Rules)
	events, err := s.sched.EventsStarting(ctx, from, to, window.Roles(s.cfg.Rules))
	if err != nil {
		rep.Err = fmt.Errorf("query events: %w", err)
		return s.finish(rep)
	}
	tuples := window.Due(span, s.cfg.Rules, events)
	rep.Due = len(tuples)
	items := s.plan(tuples, retries)
	s.log.Debug("poll cycle",
		logx.Time("from", span.From), logx.Time("to", span.To), logx.Int("events", len(events)),
		logx.Int("due", len(tuples)), logx.Int("retries", len(retries)), logx.Int("items", len(items)))

	s.setState(StateDispatching)
	t := &tally{rep: &rep}
	s.dispatch(ctx, items, t)

	// Sweeps and bookkeeping must not be cut short by shutdown.
	work := context.WithoutCancel(ctx)
	interrupted := ctx.Err() != nil
	if !interrupted {
		s.sweepUnescalated(work, t)
		s.sweepUnacknowledged(work, t)
	}
	if err := errors.Join(t.errs...); err != nil {
		rep.Err = err
	} else if !interrupted && !span.Empty() {
		if err := s.ledger.AdvanceCursor(work, CursorName, span.To); err != nil {
			rep.Err = fmt.Errorf("advance cursor: %w", err)
		} else {
			rep.Complete = true
		}
	} else if !interrupted {
		rep.Complete = true
	}
	if s.cfg.Retention > 0 && !interrupted {
		n, err := s.ledger.Prune(work, now.Add(-s.cfg.Retention))
		if err != nil {
			s.log.Warn("ledger prune failed", logx.Err(err))
		}
		rep.Pruned = n
	}
	return s.finish(rep)
}

// plan expands due tuples into per-mode items and appends ledger retries not
// already covered by the window.
func (s *Service) plan(tuples []window.Tuple, retries []ledger.Record) []item {
	seen := map[ledger.Key]bool{}
	var out []item
	for _, tp := range tuples {
		ev := tp.Event
		ev.Role = tp.Role
		for _, mode := range tp.Modes {
			it := item{event: ev, lead: tp.LeadTime, mode: mode}
			seen[it.key()] = true
			out = append(out, it)
		}
	}
	for _, rec := range retries {
		if seen[rec.Key] {
			continue
		}
		seen[rec.Key] = true
		out = append(out, item{
			event: schedule.Event{ID: rec.Key.EventID, Team: rec.Team, Role: rec.Key.Role, User: rec.User, Start: rec.EventStart},
			lead:  rec.Key.LeadTime,
			mode:  rec.Key.Mode,
			retry: true,
		})
	}
	return out
}

func (s *Service) dispatch(ctx context.Context, items []item, t *tally) {
	if len(items) == 0 {
		return
	}
	contacts := s.contacts.ForCycle()
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for _, it := range items {
		it := it
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			o, escalated, err := s.process(ctx, contacts, it)
			s.metrics.Reminder(string(o))
			t.add(o, escalated, err)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) finish(rep CycleReport) CycleReport {
	rep.Finished = s.now().UTC()
	took := rep.Finished.Sub(rep.Started)
	result := "ok"
	switch {
	case rep.Err != nil:
		result = "error"
	case !rep.Complete:
		result = "partial"
	}
	s.metrics.Cycle(result, took, rep.Span.Clamped)
	if rep.Complete {
		s.metrics.LastSuccess(rep.Span.To)
	}
	s.mu.Lock()
	s.last = rep
	s.mu.Unlock()

	fields := []logx.Field{
		logx.String("result", result), logx.Duration("took", took), logx.Int("due", rep.Due),
		logx.Int("sent", rep.Sent), logx.Int("failed", rep.Failed), logx.Int("no_contact", rep.NoContact),
		logx.Int("already_sent", rep.AlreadySent), logx.Int("conflicts", rep.Conflicts),
		logx.Int("released", rep.Released), logx.Int("escalated", rep.Escalated),
	}
	if rep.Err != nil {
		fields = append(fields, logx.Err(rep.Err))
	}
	if rep.Sent+rep.Failed+rep.NoContact+rep.Escalated > 0 || rep.Err != nil {
		s.log.Info("poll cycle finished", fields...)
	} else {
		s.log.Debug("poll cycle finished", fields...)
	}
	return rep
}

// contactChecker is the per-cycle contact view.
type contactChecker interface {
	Check(ctx context.Context, user, mode string) (schedule.ContactMethod, bool, error)
}

var _ contactChecker = (*contact.Cycle)(nil)
