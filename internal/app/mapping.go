package app

import (
	"fmt"
	"strings"
	"time"

	"oncallnotifier/internal/backoff"
	"oncallnotifier/internal/config"
	"oncallnotifier/internal/contact"
	"oncallnotifier/internal/escalation"
	"oncallnotifier/internal/httpapi"
	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/reminder"
	"oncallnotifier/internal/window"
	logx "oncallnotifier/pkg/logx"
)

const defaultTimezone = "US/Pacific"

func mapLoggingConfig(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		JSON:    c.JSON,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
	}
}

func mapLedgerConfig(cfg *config.Config) (ledger.Config, error) {
	lc := cfg.Ledger
	driver := strings.ToLower(strings.TrimSpace(lc.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		path := strings.TrimSpace(lc.Path)
		if path == "" {
			path = "./data/ledger.db"
		}
		busy, err := config.ParseDurationOrDefault("ledger.busy_timeout", lc.BusyTimeout, time.Second)
		if err != nil {
			return ledger.Config{}, err
		}
		return ledger.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	case "postgres", "postgresql":
		if strings.TrimSpace(lc.DSN) == "" {
			return ledger.Config{}, fmt.Errorf("ledger.dsn is required when ledger.driver=postgres")
		}
		return ledger.Config{Driver: "postgres", DSN: lc.DSN}, nil
	default:
		return ledger.Config{}, fmt.Errorf("unknown ledger.driver: %s", lc.Driver)
	}
}

func mapMessengerConfigs(cfg *config.Config) ([]messenger.Config, error) {
	out := make([]messenger.Config, 0, len(cfg.Messengers))
	for i, mc := range cfg.Messengers {
		timeout, err := config.ParseDurationField(fmt.Sprintf("messengers[%d].timeout", i), mc.Timeout)
		if err != nil {
			return nil, err
		}
		out = append(out, messenger.Config{
			Name:            mc.Name,
			Type:            mc.Type,
			Application:     mc.Application,
			APIKey:          mc.APIKey,
			APIHost:         mc.APIHost,
			Webhook:         mc.Webhook,
			User:            mc.User,
			Password:        mc.Password,
			RefreshInterval: config.Seconds(int64(mc.RefreshInterval)),
			CredentialsFile: mc.CredentialsFile,
			Modes:           mc.Modes,
			RatePerSec:      mc.RatePerSec,
			Burst:           mc.Burst,
			Timeout:         timeout,
		})
	}
	return out, nil
}

func loadLocation(tz string) (*time.Location, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("reminder.default_timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func secondsList(in []int64) []time.Duration {
	out := make([]time.Duration, 0, len(in))
	for _, s := range in {
		out = append(out, config.Seconds(s))
	}
	return out
}

// mapReminderConfig resolves the poll loop settings. supports reports
// whether a mode has a backend; rules naming other modes are rejected.
func mapReminderConfig(cfg *config.Config, supports func(string) bool) (reminder.Config, error) {
	rc := cfg.Reminder
	var out reminder.Config

	loc, err := loadLocation(rc.DefaultTimezone)
	if err != nil {
		return out, err
	}
	extra := make([]window.Rule, 0, len(rc.Rules))
	for _, r := range rc.Rules {
		extra = append(extra, window.Rule{Role: r.Role, LeadTime: config.Seconds(r.LeadTime), Modes: r.Modes})
	}
	rules, err := reminder.BuildRules(reminder.RuleSet{
		DefaultRoles: rc.DefaultRoles,
		DefaultTimes: secondsList(rc.DefaultTimes),
		DefaultModes: rc.DefaultModes,
		Extra:        extra,
		Roles:        rc.Roles,
		AllowedTimes: secondsList(rc.AllowedTimes),
	}, supports)
	if err != nil {
		return out, fmt.Errorf("reminder: %w", err)
	}

	durations := []struct {
		path string
		raw  string
		def  time.Duration
		dst  *time.Duration
	}{
		{"reminder.max_catchup", rc.MaxCatchup, 6 * time.Hour, &out.MaxCatchup},
		{"reminder.retry_base", rc.RetryBase, time.Second, &out.Retry.Base},
		{"reminder.retry_max_delay", rc.RetryMaxDelay, 30 * time.Second, &out.Retry.Max},
		{"reminder.send_timeout", rc.SendTimeout, 10 * time.Second, &out.SendTimeout},
		{"reminder.shutdown_timeout", rc.ShutdownTimeout, 30 * time.Second, &out.ShutdownTimeout},
		{"ledger.claim_lease", cfg.Ledger.ClaimLease, 2 * time.Minute, &out.ClaimLease},
		{"ledger.retention", cfg.Ledger.Retention, 30 * 24 * time.Hour, &out.Retention},
	}
	for _, d := range durations {
		v, err := config.ParseDurationOrDefault(d.path, d.raw, d.def)
		if err != nil {
			return out, err
		}
		*d.dst = v
	}

	out.Interval = config.Seconds(int64(rc.PollingInterval))
	out.Location = loc
	out.Rules = rules
	out.MaxAttempts = rc.MaxAttempts
	out.Workers = rc.Workers
	out.MaxCycles = rc.MaxCycles
	out.Subject = rc.Subject
	out.Body = rc.Body
	out.Retry = backoff.Policy{Base: out.Retry.Base, Max: out.Retry.Max}

	if esc := cfg.Escalation; esc != nil && esc.Activated {
		out.EscalateOnFailure = esc.TriggerOnFailure == nil || *esc.TriggerOnFailure
		grace, err := config.ParseDurationField("escalation.ack_grace", esc.AckGrace)
		if err != nil {
			return out, err
		}
		out.AckGrace = grace
	}
	return out, nil
}

func mapNoticeConfig(cfg *config.Config, loc *time.Location) (contact.NoticeConfig, error) {
	uv := cfg.UserValidator
	horizon, err := config.ParseDurationOrDefault("user_validator.horizon", uv.Horizon, 7*24*time.Hour)
	if err != nil {
		return contact.NoticeConfig{}, err
	}
	suppress, err := config.ParseDurationOrDefault("user_validator.suppress_period", uv.SuppressPeriod, 24*time.Hour)
	if err != nil {
		return contact.NoticeConfig{}, err
	}
	return contact.NoticeConfig{
		Schedule:       uv.Schedule,
		Location:       loc,
		Horizon:        horizon,
		RequiredModes:  uv.RequiredModes,
		NoticeMode:     uv.NoticeMode,
		SuppressPeriod: suppress,
		Subject:        uv.Subject,
		Body:           uv.Body,
	}, nil
}

// mapEscalationConfig returns ok=false when escalation is not activated.
func mapEscalationConfig(cfg *config.Config) (escalation.IrisConfig, escalation.Config, bool, error) {
	ec := cfg.Escalation
	if ec == nil || !ec.Activated {
		return escalation.IrisConfig{}, escalation.Config{}, false, nil
	}
	retryBase, err := config.ParseDurationOrDefault("escalation.retry_base", ec.RetryBase, time.Second)
	if err != nil {
		return escalation.IrisConfig{}, escalation.Config{}, false, err
	}
	timeout, err := config.ParseDurationOrDefault("escalation.timeout", ec.Timeout, 10*time.Second)
	if err != nil {
		return escalation.IrisConfig{}, escalation.Config{}, false, err
	}
	ic := escalation.IrisConfig{
		APIHost:     ec.APIHost,
		Application: ec.Application,
		APIKey:      ec.APIKey,
		MaxAttempts: ec.MaxAttempts,
		RetryBase:   retryBase,
		Timeout:     timeout,
	}

	pc := escalation.Config{
		Plans: []escalation.Plan{
			mapPlan(escalation.Urgent, ec.UrgentPlan),
			mapPlan(escalation.Medium, ec.MediumPlan),
		},
		TeamTiers:   make(map[string]escalation.Tier, len(ec.TeamTiers)),
		DefaultTier: escalation.Tier(strings.ToLower(strings.TrimSpace(ec.DefaultTier))),
	}
	for team, tier := range ec.TeamTiers {
		pc.TeamTiers[team] = escalation.Tier(strings.ToLower(strings.TrimSpace(tier)))
	}
	return ic, pc, true, nil
}

func mapPlan(tier escalation.Tier, p config.PlanConfig) escalation.Plan {
	slots := make([]escalation.Slot, 0, len(p.DynamicTargets))
	for _, t := range p.DynamicTargets {
		slots = append(slots, escalation.Slot{Role: strings.TrimSpace(t.Role)})
	}
	return escalation.Plan{Tier: tier, Name: strings.TrimSpace(p.Name), DynamicTargets: slots}
}

// mapHTTPConfig returns ok=false when the HTTP surface is disabled.
func mapHTTPConfig(cfg *config.Config) (httpapi.Config, bool, error) {
	hc := cfg.HTTP
	if hc == nil || !hc.Enabled {
		return httpapi.Config{}, false, nil
	}
	out := httpapi.Config{
		Addr:          strings.TrimSpace(hc.Addr),
		Token:         strings.TrimSpace(hc.Token),
		AllowInsecure: hc.AllowInsecure,
		Pprof:         hc.Pprof,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("http.read_timeout", hc.ReadTimeout, 10*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("http.write_timeout", hc.WriteTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("http.idle_timeout", hc.IdleTimeout, 60*time.Second); err != nil {
		return httpapi.Config{}, false, err
	}
	return out, true, nil
}
