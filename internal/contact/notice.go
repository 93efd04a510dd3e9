package contact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/metrics"
	"oncallnotifier/internal/render"
	"oncallnotifier/internal/schedule"
	logx "oncallnotifier/pkg/logx"
)

const (
	defaultNoticeSubject = "Warning: missing phone number in Oncall"
	defaultNoticeBody    = "You are scheduled for an on-call shift in the future, but have no {{join .Missing \", \"}} contact configured. " +
		"Please add one so that you can be reached."
)

// NoticeConfig configures the missing-contact notice job.
type NoticeConfig struct {
	Schedule       string
	Location       *time.Location
	Horizon        time.Duration
	RequiredModes  []string
	NoticeMode     string
	SuppressPeriod time.Duration
	Subject        string
	Body           string
}

// Sender delivers one message. *messenger.Registry satisfies it.
type Sender interface {
	Send(ctx context.Context, m messenger.Message) (messenger.Result, error)
	Supports(mode string) bool
}

// NoticeReport summarizes one run.
type NoticeReport struct {
	Users      int
	Missing    int
	Sent       int
	Suppressed int
	Failed     int
}

// NoticeJob tells users with upcoming shifts that they lack a required
// contact method. It is independent of the dispatch ledger: suppression
// alone limits it to one notice per user per SuppressPeriod.
type NoticeJob struct {
	cfg       NoticeConfig
	tmpl      render.Pair
	spec      cron.Schedule
	store     schedule.Store
	validator *Validator
	sender    Sender
	suppress  Suppressor
	log       logx.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu      sync.Mutex
	c       *cron.Cron
	running sync.Mutex
}

// NoticeDeps are the collaborators of NoticeJob.
type NoticeDeps struct {
	Store      schedule.Store
	Validator  *Validator
	Sender     Sender
	Suppressor Suppressor
	Log        logx.Logger
	Metrics    *metrics.Metrics
}

var noticeParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func NewNoticeJob(cfg NoticeConfig, d NoticeDeps) (*NoticeJob, error) {
	if d.Store == nil || d.Validator == nil || d.Sender == nil {
		return nil, errors.New("notice job: store, validator and sender are required")
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = "@daily"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 7 * 24 * time.Hour
	}
	if len(cfg.RequiredModes) == 0 {
		cfg.RequiredModes = []string{messenger.ModeCall}
	}
	if cfg.NoticeMode == "" {
		cfg.NoticeMode = messenger.ModeEmail
	}
	if !d.Sender.Supports(cfg.NoticeMode) {
		return nil, fmt.Errorf("notice job: notice_mode: %w %q", messenger.ErrUnknownMode, cfg.NoticeMode)
	}
	if cfg.SuppressPeriod <= 0 {
		cfg.SuppressPeriod = 24 * time.Hour
	}
	spec, err := noticeParser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("notice job: schedule %q: %w", cfg.Schedule, err)
	}
	tmpl, err := render.Parse("notice", cfg.Subject, cfg.Body, defaultNoticeSubject, defaultNoticeBody)
	if err != nil {
		return nil, fmt.Errorf("notice job: %w", err)
	}
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	sup := d.Suppressor
	if sup == nil {
		sup = NewMemorySuppressor()
	}
	return &NoticeJob{
		cfg:       cfg,
		tmpl:      tmpl,
		spec:      spec,
		store:     d.Store,
		validator: d.Validator,
		sender:    d.Sender,
		suppress:  sup,
		log:       log,
		metrics:   d.Metrics,
		now:       time.Now,
	}, nil
}

// Next reports when the job fires after t.
func (j *NoticeJob) Next(t time.Time) time.Time { return j.spec.Next(t.In(j.cfg.Location)) }

// Start registers the job with a cron runner. Runs never overlap; a run that
// is still going when the next fires is skipped.
func (j *NoticeJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return
	}
	c := cron.New(cron.WithParser(noticeParser), cron.WithLocation(j.cfg.Location))
	c.Schedule(j.spec, cron.FuncJob(func() {
		if !j.running.TryLock() {
			j.log.Warn("previous notice run still active; skipping")
			return
		}
		defer j.running.Unlock()
		if _, err := j.RunOnce(ctx); err != nil && ctx.Err() == nil {
			j.log.Error("notice run failed", logx.Err(err))
		}
	}))
	c.Start()
	j.c = c
	j.log.Info("notice job started", logx.String("schedule", j.cfg.Schedule), logx.Time("next", j.Next(j.now())))
}

// Stop stops triggering and waits for a running pass, bounded by ctx.
func (j *NoticeJob) Stop(ctx context.Context) {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
}

type noticeData struct {
	User    string
	Missing []string
	Horizon time.Duration
}

// RunOnce scans users with events in [now, now+Horizon) once.
func (j *NoticeJob) RunOnce(ctx context.Context) (NoticeReport, error) {
	var rep NoticeReport
	now := j.now()
	users, err := j.store.UsersWithEventsBetween(ctx, now, now.Add(j.cfg.Horizon))
	if err != nil {
		return rep, fmt.Errorf("notice: list users: %w", err)
	}
	rep.Users = len(users)

	var errs []error
	for _, user := range users {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		missing, err := j.validator.Missing(ctx, user, j.cfg.RequiredModes)
		if err != nil {
			rep.Failed++
			errs = append(errs, fmt.Errorf("%s: %w", user, err))
			continue
		}
		if len(missing) == 0 {
			continue
		}
		rep.Missing++
		j.log.Warn("user has upcoming shifts but no contact", logx.String("user", user), logx.Strings("missing", missing))

		ok, err := j.suppress.Allow(ctx, user, j.cfg.SuppressPeriod)
		if err != nil {
			// Suppressor down: skip the user this run.
			rep.Failed++
			j.metrics.Notice("error")
			errs = append(errs, fmt.Errorf("%s: suppressor: %w", user, err))
			continue
		}
		if !ok {
			rep.Suppressed++
			j.metrics.Notice("suppressed")
			continue
		}
		if err := j.send(ctx, user, missing); err != nil {
			rep.Failed++
			j.metrics.Notice("failed")
			_ = j.suppress.Forget(ctx, user)
			j.log.Error("notice send failed", logx.String("user", user), logx.Err(err))
			errs = append(errs, fmt.Errorf("%s: %w", user, err))
			continue
		}
		rep.Sent++
		j.metrics.Notice("sent")
		j.log.Info("sent missing-contact notice", logx.String("user", user))
	}
	j.log.Info("notice run finished",
		logx.Int("users", rep.Users), logx.Int("missing", rep.Missing), logx.Int("sent", rep.Sent),
		logx.Int("suppressed", rep.Suppressed), logx.Int("failed", rep.Failed))
	return rep, errors.Join(errs...)
}

func (j *NoticeJob) send(ctx context.Context, user string, missing []string) error {
	subject, body, err := j.tmpl.Execute(noticeData{User: user, Missing: missing, Horizon: j.cfg.Horizon})
	if err != nil {
		return err
	}
	// Backends that resolve contacts themselves ignore the address.
	cm, _, err := j.validator.Check(ctx, user, j.cfg.NoticeMode)
	if err != nil {
		return err
	}
	_, err = j.sender.Send(ctx, messenger.Message{
		User:    user,
		Mode:    j.cfg.NoticeMode,
		Address: cm.Address,
		Subject: subject,
		Body:    body,
	})
	return err
}
