package reminder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"oncallnotifier/internal/backoff"
	"oncallnotifier/internal/escalation"
	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/render"
	"oncallnotifier/internal/schedule"
	logx "oncallnotifier/pkg/logx"
)

// process handles one item: claim, contact check, send with retry, record,
// escalate. The returned error is a store error; delivery failures are outcomes.
func (s *Service) process(ctx context.Context, contacts contactChecker, it item) (outcome, bool, error) {
	work := context.WithoutCancel(ctx)
	log := s.log.With(logx.Int64("event", it.event.ID), logx.String("role", it.event.Role),
		logx.Duration("lead", it.lead), logx.String("mode", it.mode), logx.String("user", it.event.User))

	now := s.now()
	started := !it.event.Start.After(now)
	if started && !it.retry {
		log.Warn("event already started; reminder skipped", logx.Time("start", it.event.Start))
		return outcomeSkipped, false, nil
	}

	res, err := s.ledger.TryClaim(work, ledger.Claim{
		Key:        it.key(),
		User:       it.event.User,
		Team:       it.event.Team,
		EventStart: it.event.Start,
		Claimant:   s.cfg.ReplicaID,
		Now:        now,
		Lease:      s.cfg.ClaimLease,
		MaxCycles:  s.cfg.MaxCycles,
	})
	if err != nil {
		return outcomeError, false, err
	}
	switch res.Outcome {
	case ledger.AlreadySent:
		log.Debug("reminder already sent", logx.String("record", res.Record.ID))
		return outcomeAlreadySent, false, nil
	case ledger.Conflict:
		s.metrics.ClaimConflict()
		log.Debug("reminder claimed elsewhere", logx.String("record", res.Record.ID),
			logx.String("status", string(res.Record.Status)), logx.String("claimed_by", res.Record.ClaimedBy))
		return outcomeConflict, false, nil
	}
	rec := res.Record
	log = log.With(logx.String("record", rec.ID))

	if ctx.Err() != nil {
		return s.release(work, rec, log)
	}
	if started {
		return s.fail(work, rec, 0, "event started before the reminder was delivered", true, log)
	}

	cm, ok, err := contacts.Check(work, it.event.User, it.mode)
	if err != nil {
		if _, _, rerr := s.release(work, rec, log); rerr != nil {
			return outcomeError, false, errors.Join(err, rerr)
		}
		return outcomeError, false, fmt.Errorf("contact lookup %s: %w", it.event.User, err)
	}
	if !ok {
		if err := s.ledger.MarkNoContact(work, rec.ID, s.cfg.ReplicaID, s.now()); err != nil {
			return outcomeError, false, err
		}
		log.Info("no contact for mode; reminder skipped")
		return outcomeNoContact, false, nil
	}

	msg, err := s.message(rec, it, cm)
	if err != nil {
		return s.fail(work, rec, 0, "render: "+err.Error(), true, log)
	}

	attempts, interrupted, err := s.deliver(ctx, msg, log)
	switch {
	case err == nil:
		if err := s.ledger.MarkSent(work, rec.ID, s.cfg.ReplicaID, attempts, s.now()); err != nil {
			return outcomeError, false, err
		}
		log.Info("reminder sent", logx.Int("attempts", attempts))
		return outcomeSent, false, nil
	case interrupted:
		return s.release(work, rec, log)
	default:
		abandon := messenger.IsPermanent(err) || rec.Cycles >= s.cfg.MaxCycles || !it.event.Start.After(s.now())
		return s.fail(work, rec, attempts, err.Error(), abandon, log)
	}
}

// deliver sends msg up to MaxAttempts times. interrupted reports that ctx
// was canceled while waiting to retry.
func (s *Service) deliver(ctx context.Context, msg messenger.Message, log logx.Logger) (attempts int, interrupted bool, err error) {
	work := context.WithoutCancel(ctx)
	for attempt := 1; ; attempt++ {
		sendCtx, cancel := context.WithTimeout(work, s.cfg.SendTimeout)
		res, err := s.msgr.Send(sendCtx, msg)
		cancel()
		if err == nil {
			log.Debug("delivered", logx.String("backend", res.Backend), logx.Bool("blackhole", res.Blackhole),
				logx.Duration("took", res.Duration))
			return attempt, false, nil
		}
		if messenger.IsPermanent(err) || attempt >= s.cfg.MaxAttempts {
			return attempt, false, err
		}
		hint, _ := messenger.RetryAfterOf(err)
		delay := s.cfg.Retry.Next(attempt, hint)
		s.metrics.Retry()
		log.Warn("send failed; retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if backoff.Sleep(ctx, delay) != nil {
			return attempt, true, err
		}
	}
}

func (s *Service) release(ctx context.Context, rec ledger.Record, log logx.Logger) (outcome, bool, error) {
	if err := s.ledger.Release(ctx, rec.ID, s.cfg.ReplicaID); err != nil {
		return outcomeError, false, err
	}
	log.Info("claim released for shutdown")
	return outcomeReleased, false, nil
}

// fail records a failure. Abandoned records get no further cycles and are escalated.
func (s *Service) fail(ctx context.Context, rec ledger.Record, attempts int, reason string, abandon bool, log logx.Logger) (outcome, bool, error) {
	if err := s.ledger.MarkFailed(ctx, rec.ID, s.cfg.ReplicaID, attempts, reason, abandon, s.now()); err != nil {
		return outcomeError, false, err
	}
	if !abandon {
		log.Warn("reminder failed; will retry next cycle", logx.Int("attempts", attempts),
			logx.Int("cycle", rec.Cycles), logx.String("reason", reason))
		return outcomeFailed, false, nil
	}
	log.Error("reminder failed", logx.Int("attempts", attempts), logx.Int("cycle", rec.Cycles), logx.String("reason", reason))
	rec.Status = ledger.StatusFailed
	rec.LastError = reason
	return outcomeFailed, s.escalate(ctx, rec, escalation.TriggerFailure, reason), nil
}

// escalate claims the record's escalation and hands it to the escalator. It
// reports whether an incident was created.
func (s *Service) escalate(ctx context.Context, rec ledger.Record, kind, reason string) bool {
	if s.esc == nil || (kind == escalation.TriggerFailure && !s.cfg.EscalateOnFailure) {
		return false
	}
	log := s.log.With(logx.String("record", rec.ID), logx.String("trigger", kind))
	now := s.now()
	ok, err := s.ledger.ClaimEscalation(ctx, rec.ID, now)
	if err != nil {
		log.Error("escalation claim failed", logx.Err(err))
		return false
	}
	if !ok {
		log.Debug("already escalated")
		return false
	}
	out, err := s.esc.Escalate(ctx, escalation.Trigger{
		Kind:       kind,
		RecordID:   rec.ID,
		EventID:    rec.Key.EventID,
		Team:       rec.Team,
		Role:       rec.Key.Role,
		User:       rec.User,
		Mode:       rec.Key.Mode,
		LeadTime:   rec.Key.LeadTime,
		EventStart: rec.EventStart,
		At:         now,
		Reason:     reason,
	})
	result := "ok"
	if err != nil {
		result = escalationResult(err)
	}
	if rerr := s.ledger.RecordEscalation(ctx, rec.ID, result, out.IncidentID); rerr != nil {
		log.Error("recording escalation failed", logx.Err(rerr))
	}
	return err == nil
}

func escalationResult(err error) string {
	switch {
	case errors.Is(err, escalation.ErrNoTier), errors.Is(err, escalation.ErrNoPlan):
		return "config_gap"
	case errors.Is(err, escalation.ErrUnresolved):
		return "unresolved"
	case messenger.IsPermanent(err):
		return "rejected"
	default:
		return "error"
	}
}

// sweepUnescalated escalates failed records whose escalation never happened,
// for example because the process stopped in between.
func (s *Service) sweepUnescalated(ctx context.Context, t *tally) {
	if s.esc == nil || !s.cfg.EscalateOnFailure {
		return
	}
	recs, err := s.ledger.ListUnescalated(ctx, sweepLimit)
	if err != nil {
		t.add("", false, fmt.Errorf("list unescalated: %w", err))
		return
	}
	for _, rec := range recs {
		t.add("", s.escalate(ctx, rec, escalation.TriggerFailure, rec.LastError), nil)
	}
}

// sweepUnacknowledged escalates sent reminders nobody acknowledged within AckGrace.
func (s *Service) sweepUnacknowledged(ctx context.Context, t *tally) {
	if s.esc == nil || s.cfg.AckGrace <= 0 {
		return
	}
	recs, err := s.ledger.ListUnacknowledged(ctx, s.now().Add(-s.cfg.AckGrace), sweepLimit)
	if err != nil {
		t.add("", false, fmt.Errorf("list unacknowledged: %w", err))
		return
	}
	reason := "not acknowledged within " + render.Human(s.cfg.AckGrace)
	for _, rec := range recs {
		t.add("", s.escalate(ctx, rec, escalation.TriggerUnacknowledged, reason), nil)
	}
}

type messageData struct {
	User      string
	Team      string
	Role      string
	Mode      string
	RecordID  string
	Start     string
	StartTime time.Time
	LeadTime  string
	Lead      time.Duration
}

func (s *Service) message(rec ledger.Record, it item, cm schedule.ContactMethod) (messenger.Message, error) {
	start := it.event.Start.In(s.location(it.event.UserTimezone))
	subject, body, err := s.tmpl.Execute(messageData{
		User:      it.event.User,
		Team:      it.event.Team,
		Role:      it.event.Role,
		Mode:      it.mode,
		RecordID:  rec.ID,
		Start:     start.Format("Mon Jan 2 2006 15:04 MST"),
		StartTime: start,
		LeadTime:  render.Human(it.lead),
		Lead:      it.lead,
	})
	if err != nil {
		return messenger.Message{}, err
	}
	return messenger.Message{
		ID:      rec.ID,
		User:    it.event.User,
		Mode:    it.mode,
		Address: cm.Address,
		Subject: subject,
		Body:    body,
	}, nil
}
