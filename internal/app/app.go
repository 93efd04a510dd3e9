// Package app wires configuration into the notifier components and owns
// their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"oncallnotifier/internal/config"
	"oncallnotifier/internal/contact"
	"oncallnotifier/internal/escalation"
	"oncallnotifier/internal/httpapi"
	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/metrics"
	"oncallnotifier/internal/reminder"
	rtsup "oncallnotifier/internal/runtime/supervisor"
	"oncallnotifier/internal/schedule"
	logx "oncallnotifier/pkg/logx"
)

// StopReason is logged when the app stops.
type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
	StopAppStop    StopReason = "app_stop"
)

// scheduleSource is what the notifier reads from the on-call database.
type scheduleSource interface {
	schedule.Store
	schedule.Directory
}

type App struct {
	cfgm    *config.Manager
	cfg     *config.Config
	replica string

	logs *logx.Service
	log  logx.Logger

	metrics  *metrics.Metrics
	ledger   ledger.Store
	sched    scheduleSource
	redis    *redis.Client
	msgr     *messenger.Registry
	reminder *reminder.Service
	notice   *contact.NoticeJob
	http     *httpapi.Server

	sup      *rtsup.Supervisor
	stopOnce sync.Once
}

// NewApp loads the config at cfgPath and builds every component. Any
// configuration or connectivity problem is returned; nothing is started.
func NewApp(ctx context.Context, cfgPath string) (a *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	replica := uuid.NewString()
	logs, log := logx.New(mapLoggingConfig(cfg.Logging),
		logx.String("svc", "oncall-notifier"), logx.String("replica", replica[:8]))
	a = &App{cfgm: cfgm, cfg: cfg, replica: replica, logs: logs, log: log, metrics: metrics.New()}
	defer func() {
		if err != nil {
			_ = a.closeResources()
			_ = logs.Close()
		}
	}()
	if err := a.build(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	comp := func(name string) logx.Logger { return a.log.With(logx.String("comp", name)) }

	lc, err := mapLedgerConfig(cfg)
	if err != nil {
		return err
	}
	if a.ledger, err = ledger.Open(ctx, lc, comp("ledger")); err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	if err := a.metrics.WatchLedger(ledgerCounts(a.ledger)); err != nil {
		return err
	}

	if a.sched, err = openSchedule(ctx, cfg.Schedule, comp("schedule")); err != nil {
		return err
	}

	mcs, err := mapMessengerConfigs(cfg)
	if err != nil {
		return err
	}
	a.msgr, err = messenger.New(ctx, mcs, messenger.Options{
		Skipsend: cfg.Reminder.Skipsend,
		Log:      comp("messenger"),
		Metrics:  a.metrics,
	})
	if err != nil {
		return fmt.Errorf("messengers: %w", err)
	}
	if cfg.Reminder.Skipsend {
		a.log.Warn("skipsend enabled; messages are logged, not delivered")
	}

	loc, err := loadLocation(cfg.Reminder.DefaultTimezone)
	if err != nil {
		return err
	}

	var esc reminder.Escalator
	ic, pc, ok, err := mapEscalationConfig(cfg)
	if err != nil {
		return err
	}
	if ok {
		client, err := escalation.NewIrisClient(ic, nil, comp("escalation"))
		if err != nil {
			return err
		}
		planner, err := escalation.NewPlanner(pc, escalation.Deps{
			Holders: a.sched,
			Service: client,
			Log:     comp("escalation"),
			Metrics: a.metrics,
		})
		if err != nil {
			return err
		}
		esc = planner
	}

	validator := contact.NewValidator(a.sched)
	if cfg.Reminder.Activated {
		rc, err := mapReminderConfig(cfg, a.msgr.Supports)
		if err != nil {
			return err
		}
		rc.ReplicaID = a.replica
		if need := time.Duration(max(rc.MaxAttempts, 3)) * rc.SendTimeout; rc.ClaimLease < need {
			a.log.Warn("claim lease shorter than a full retry budget; a slow send may be re-claimed",
				logx.Duration("claim_lease", rc.ClaimLease), logx.Duration("budget", need))
		}
		a.reminder, err = reminder.New(rc, reminder.Deps{
			Ledger:    a.ledger,
			Schedule:  a.sched,
			Contacts:  validator,
			Messenger: a.msgr,
			Escalator: esc,
			Log:       comp("reminder"),
			Metrics:   a.metrics,
		})
		if err != nil {
			return err
		}
	}

	if cfg.UserValidator.Activated {
		nc, err := mapNoticeConfig(cfg, loc)
		if err != nil {
			return err
		}
		var sup contact.Suppressor
		if cfg.Redis != nil && strings.TrimSpace(cfg.Redis.Addr) != "" {
			if a.redis, err = openRedis(ctx, cfg.Redis); err != nil {
				return err
			}
			sup = contact.NewRedisSuppressor(a.redis, cfg.Redis.Prefix)
		}
		a.notice, err = contact.NewNoticeJob(nc, contact.NoticeDeps{
			Store:      a.sched,
			Validator:  validator,
			Sender:     a.msgr,
			Suppressor: sup,
			Log:        comp("notice"),
			Metrics:    a.metrics,
		})
		if err != nil {
			return err
		}
	}

	hc, ok, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	if ok {
		deps := httpapi.Deps{Metrics: a.metrics, Log: comp("http")}
		if a.reminder != nil {
			deps.Poller = a.reminder
		}
		a.http = httpapi.New(hc, deps)
	}
	return nil
}

func openSchedule(ctx context.Context, sc config.ScheduleConfig, log logx.Logger) (scheduleSource, error) {
	switch strings.ToLower(strings.TrimSpace(sc.Driver)) {
	case "postgres", "postgresql":
		timeout, err := config.ParseDurationOrDefault("schedule.query_timeout", sc.QueryTimeout, 10*time.Second)
		if err != nil {
			return nil, err
		}
		pg, err := schedule.OpenPostgres(ctx, sc.DSN, sc.MaxOpenConns, timeout, log)
		if err != nil {
			return nil, err
		}
		return pg, nil
	case "static":
		st, err := schedule.LoadStatic(sc.Path)
		if err != nil {
			return nil, fmt.Errorf("schedule: %w", err)
		}
		log.Info("static schedule loaded", logx.String("path", sc.Path))
		return st, nil
	default:
		return nil, fmt.Errorf("unknown schedule.driver: %s", sc.Driver)
	}
}

func openRedis(ctx context.Context, rc *config.RedisConfig) (*redis.Client, error) {
	c := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := c.Ping(pctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("redis ping %s: %w", rc.Addr, err)
	}
	return c, nil
}

func ledgerCounts(st ledger.Store) metrics.CountsFunc {
	return func(ctx context.Context) (map[string]int, error) {
		counts, err := st.Counts(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int, len(counts))
		for s, n := range counts {
			out[string(s)] = n
		}
		return out, nil
	}
}

func (a *App) Logger() logx.Logger { return a.log }

// Start launches the poll loop, the notice job, the HTTP surface and the
// config watcher. It returns once they are running.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	run := a.sup.Context()

	if a.http != nil {
		if err := a.http.Start(run); err != nil {
			return fmt.Errorf("http: %w", err)
		}
	}
	if a.reminder != nil {
		a.reminder.Start(run)
	} else {
		a.log.Warn("reminder disabled (reminder.activated=false)")
	}
	if a.notice != nil {
		a.notice.Start(run)
	}

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				newCfg = coalesce(sub, newCfg)
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("notifier started",
		logx.Bool("reminder", a.reminder != nil),
		logx.Bool("user_validator", a.notice != nil),
		logx.Bool("http", a.http != nil),
		logx.Strings("modes", a.msgr.Modes()))
	return nil
}

// coalesce drains bursts so only the newest config is applied.
func coalesce(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

// applyConfig applies the live-reloadable sections. Everything else needs a restart.
func (a *App) applyConfig(old, cur *config.Config) {
	sections, attrs := config.SummarizeConfigChange(old, cur)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if err := a.logs.Apply(mapLoggingConfig(cur.Logging)); err != nil {
		a.log.Warn("logging config applied with errors", logx.Err(err))
	}
	if rest := config.RestartRequired(sections); len(rest) > 0 {
		a.log.Warn("config sections changed; restart required for changes to take effect",
			logx.String("sections", strings.Join(rest, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Done is closed when a supervised goroutine fails fatally.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal goroutine error, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Stop cancels background work and shuts components down in reverse order.
// In-flight sends finish within reminder.shutdown_timeout.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var errs []error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))
		if a.sup != nil {
			a.sup.Cancel()
		}
		if a.http != nil {
			a.step(ctx, "http", 5*time.Second, func(c context.Context) error {
				a.http.Stop(c)
				return nil
			})
		}
		if a.notice != nil {
			a.step(ctx, "notice", 10*time.Second, func(c context.Context) error {
				a.notice.Stop(c)
				return nil
			})
		}
		if a.reminder != nil {
			// The reminder bounds itself with shutdown_timeout.
			a.step(ctx, "reminder", 0, a.reminder.Stop)
		}
		if a.sup != nil {
			a.step(ctx, "supervisor", 5*time.Second, a.sup.Stop)
			if err := a.sup.Err(); err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, err)
			}
		}
		errs = append(errs, a.closeResources())
		a.log.Info("stopped")
		if a.logs != nil {
			_ = a.logs.Close()
		}
	})
	return errors.Join(errs...)
}

// step runs one shutdown step bounded by max (and never past ctx).
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	stepCtx := ctx
	if max > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, max)
		defer cancel()
	}
	if err := fn(stepCtx); err != nil {
		a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
	}
	took := time.Since(start)
	if took >= 500*time.Millisecond {
		a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
	} else {
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
	}
}

func (a *App) closeResources() error {
	var errs []error
	if a.ledger != nil {
		errs = append(errs, a.ledger.Close())
		a.ledger = nil
	}
	if c, ok := a.sched.(io.Closer); ok && c != nil {
		errs = append(errs, c.Close())
	}
	a.sched = nil
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	return errors.Join(errs...)
}
