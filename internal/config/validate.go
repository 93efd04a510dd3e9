package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	logx "oncallnotifier/pkg/logx"
)

// Validate checks the structural rules that do not need any collaborator.
// Cross-references (modes to messengers, roles to allowed roles) are checked by
// the components that own them when they are constructed.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" {
		if _, ok := logx.ParseLevel(lvl); !ok {
			add("logging.level: unknown level %q", lvl)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Ledger.Driver)) {
	case "sqlite", "sqlite3":
		if strings.TrimSpace(c.Ledger.Path) == "" {
			add("ledger.path is required when ledger.driver=sqlite")
		}
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Ledger.DSN) == "" {
			add("ledger.dsn is required when ledger.driver=postgres")
		}
	case "":
		add("ledger.driver is required")
	default:
		add("ledger.driver: unknown driver %q", c.Ledger.Driver)
	}
	for path, raw := range map[string]string{
		"ledger.busy_timeout": c.Ledger.BusyTimeout,
		"ledger.claim_lease":  c.Ledger.ClaimLease,
		"ledger.retention":    c.Ledger.Retention,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Schedule.Driver)) {
	case "postgres", "postgresql":
		if strings.TrimSpace(c.Schedule.DSN) == "" {
			add("schedule.dsn is required when schedule.driver=postgres")
		}
	case "static":
		if strings.TrimSpace(c.Schedule.Path) == "" {
			add("schedule.path is required when schedule.driver=static")
		}
	case "":
		add("schedule.driver is required")
	default:
		add("schedule.driver: unknown driver %q", c.Schedule.Driver)
	}

	names := map[string]bool{}
	for i, mc := range c.Messengers {
		if strings.TrimSpace(mc.Type) == "" {
			add("messengers[%d].type is required", i)
		}
		name := mc.Name
		if name == "" {
			name = mc.Type
		}
		if names[name] {
			add("messengers[%d]: duplicate name %q", i, name)
		}
		names[name] = true
		if mc.RefreshInterval < 0 {
			add("messengers[%d].refresh_interval must be >= 0", i)
		}
		if _, err := ParseDurationField(fmt.Sprintf("messengers[%d].timeout", i), mc.Timeout); err != nil {
			errs = append(errs, err)
		}
	}

	errs = append(errs, c.Reminder.validate()...)
	errs = append(errs, c.UserValidator.validate()...)
	if c.Escalation != nil {
		errs = append(errs, c.Escalation.validate()...)
	}
	return errors.Join(errs...)
}

func (r ReminderConfig) validate() []error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }

	if r.PollingInterval < 0 || (r.Activated && r.PollingInterval == 0) {
		add("reminder.polling_interval must be > 0")
	}
	if tz := strings.TrimSpace(r.DefaultTimezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add("reminder.default_timezone: %v", err)
		}
	}
	for _, t := range r.DefaultTimes {
		if t <= 0 {
			add("reminder.default_times: lead time %d must be > 0", t)
		}
	}
	for _, t := range r.AllowedTimes {
		if t <= 0 {
			add("reminder.allowed_times: lead time %d must be > 0", t)
		}
	}
	for i, rule := range r.Rules {
		if strings.TrimSpace(rule.Role) == "" {
			add("reminder.rules[%d].role is required", i)
		}
		if rule.LeadTime <= 0 {
			add("reminder.rules[%d].lead_time must be > 0", i)
		}
		if len(rule.Modes) == 0 {
			add("reminder.rules[%d].modes must not be empty", i)
		}
	}
	if r.MaxAttempts < 0 || r.Workers < 0 || r.MaxCycles < 0 {
		add("reminder: max_attempts, workers and max_cycles must be >= 0")
	}
	for path, raw := range map[string]string{
		"reminder.max_catchup":      r.MaxCatchup,
		"reminder.retry_base":       r.RetryBase,
		"reminder.retry_max_delay":  r.RetryMaxDelay,
		"reminder.send_timeout":     r.SendTimeout,
		"reminder.shutdown_timeout": r.ShutdownTimeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (u UserValidatorConfig) validate() []error {
	var errs []error
	if spec := strings.TrimSpace(u.Schedule); spec != "" {
		p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := p.Parse(spec); err != nil {
			errs = append(errs, fmt.Errorf("user_validator.schedule: %w", err))
		}
	}
	for path, raw := range map[string]string{
		"user_validator.horizon":         u.Horizon,
		"user_validator.suppress_period": u.SuppressPeriod,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func (e *EscalationConfig) validate() []error {
	var errs []error
	add := func(format string, args ...any) { errs = append(errs, fmt.Errorf(format, args...)) }
	if !e.Activated {
		return nil
	}
	if strings.TrimSpace(e.APIHost) == "" {
		add("escalation.api_host is required")
	}
	for tier, plan := range map[string]PlanConfig{"urgent": e.UrgentPlan, "medium": e.MediumPlan} {
		if plan.Name == "" && len(plan.DynamicTargets) > 0 {
			add("escalation.%s_plan.name is required", tier)
		}
		for i, t := range plan.DynamicTargets {
			if strings.TrimSpace(t.Role) == "" {
				add("escalation.%s_plan.dynamic_targets[%d].role is required", tier, i)
			}
		}
	}
	for team, tier := range e.TeamTiers {
		if tier != "urgent" && tier != "medium" {
			add("escalation.team_tiers[%s]: unknown tier %q", team, tier)
		}
	}
	if e.DefaultTier != "" && e.DefaultTier != "urgent" && e.DefaultTier != "medium" {
		add("escalation.default_tier: unknown tier %q", e.DefaultTier)
	}
	for path, raw := range map[string]string{
		"escalation.ack_grace":  e.AckGrace,
		"escalation.retry_base": e.RetryBase,
		"escalation.timeout":    e.Timeout,
	} {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
