package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"oncallnotifier/internal/contact"
	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/metrics"
	"oncallnotifier/internal/render"
	rtsup "oncallnotifier/internal/runtime/supervisor"
	"oncallnotifier/internal/schedule"
	logx "oncallnotifier/pkg/logx"
)

const (
	defaultSubject = "Reminder: {{.Role}} on-call for {{.Team}} starts in {{.LeadTime}}"
	defaultBody    = "Hi {{.User}},\n\nyour {{.Role}} on-call shift for team {{.Team}} starts {{.Start}} (in {{.LeadTime}}).\n\n" +
		"Reminder {{.RecordID}} via {{.Mode}}.\n"
)

// Deps are the poll loop's collaborators. Escalator may be nil.
type Deps struct {
	Ledger    ledger.Store
	Schedule  schedule.Store
	Contacts  *contact.Validator
	Messenger Messenger
	Escalator Escalator
	Log       logx.Logger
	Metrics   *metrics.Metrics
}

type Service struct {
	cfg      Config
	tmpl     render.Pair
	ledger   ledger.Store
	sched    schedule.Store
	contacts *contact.Validator
	msgr     Messenger
	esc      Escalator
	log      logx.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu    sync.Mutex
	sup   *rtsup.Supervisor
	state State
	last  CycleReport

	tzMu sync.Mutex
	tz   map[string]*time.Location
}

// New validates cfg against the collaborators. Every rule mode must have a
// messenger backend.
func New(cfg Config, d Deps) (*Service, error) {
	if d.Ledger == nil || d.Schedule == nil || d.Contacts == nil || d.Messenger == nil {
		return nil, errors.New("reminder: ledger, schedule, contacts and messenger are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 360 * time.Second
	}
	if cfg.MaxCatchup <= 0 {
		cfg.MaxCatchup = 6 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Retry.Base <= 0 {
		cfg.Retry.Base = time.Second
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 1
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	if cfg.ReplicaID == "" {
		cfg.ReplicaID = uuid.NewString()
	}
	if len(cfg.Rules) == 0 {
		return nil, errors.New("reminder: no rules")
	}
	for _, r := range cfg.Rules {
		for _, m := range r.Modes {
			if !d.Messenger.Supports(m) {
				return nil, fmt.Errorf("reminder: rule %s/%s: mode %q has no messenger backend", r.Role, r.LeadTime, m)
			}
		}
	}
	tmpl, err := render.Parse("reminder", cfg.Subject, cfg.Body, defaultSubject, defaultBody)
	if err != nil {
		return nil, fmt.Errorf("reminder: %w", err)
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg,
		tmpl:     tmpl,
		ledger:   d.Ledger,
		sched:    d.Schedule,
		contacts: d.Contacts,
		msgr:     d.Messenger,
		esc:      d.Escalator,
		log:      log,
		metrics:  d.Metrics,
		now:      time.Now,
		state:    StateIdle,
		tz:       map[string]*time.Location{},
	}
	s.metrics.State(string(StateIdle), allStates)
	return s, nil
}

// State reports the loop state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastCycle returns the report of the most recent finished cycle.
func (s *Service) LastCycle() CycleReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
	s.metrics.State(string(st), allStates)
}

// Start runs the loop in the background: one cycle right away, then one per
// interval. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))
	s.sup.GoRestart("reminder.loop", s.loop, rtsup.WithRestartBackoff(time.Second, s.cfg.Interval))
	s.log.Info("reminder loop started",
		logx.Duration("interval", s.cfg.Interval), logx.Int("rules", len(s.cfg.Rules)),
		logx.Int("workers", s.cfg.Workers), logx.String("replica", s.cfg.ReplicaID))
}

// Stop stops ticking and waits for the running cycle to drain, bounded by
// ShutdownTimeout and ctx. Sends already in flight finish under their own
// timeout; claimed items that were not started are released.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	err := sup.Stop(ctx)
	s.setState(StateIdle)
	if errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("reminder loop did not drain in time", logx.Duration("timeout", s.cfg.ShutdownTimeout))
		return err
	}
	s.log.Info("reminder loop stopped")
	return nil
}

func (s *Service) loop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		rep := s.RunOnce(ctx)
		if rep.Err != nil && ctx.Err() == nil {
			s.log.Error("poll cycle failed", logx.Err(rep.Err))
		}
		if ctx.Err() != nil {
			return nil
		}
		s.setState(StateSleeping)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Acknowledge marks a reminder (and its sibling modes) as acknowledged, which
// stops the grace-period escalation for it.
func (s *Service) Acknowledge(ctx context.Context, id string) (ledger.Record, error) {
	rec, err := s.ledger.Acknowledge(ctx, id, s.now())
	if err != nil {
		return ledger.Record{}, err
	}
	s.log.Info("reminder acknowledged", logx.String("record", id), logx.String("user", rec.User),
		logx.Int64("event", rec.Key.EventID), logx.String("role", rec.Key.Role))
	return rec, nil
}

// location returns the zone a user's times are shown in.
func (s *Service) location(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.cfg.Location
	}
	s.tzMu.Lock()
	defer s.tzMu.Unlock()
	if loc, ok := s.tz[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		s.log.Debug("unknown user timezone; using default", logx.String("tz", name), logx.Err(err))
		loc = s.cfg.Location
	}
	s.tz[name] = loc
	return loc
}
