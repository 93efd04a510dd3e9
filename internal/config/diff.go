package config

import (
	"reflect"
	"sort"
	"strings"

	logx "oncallnotifier/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections and safe
// structured attrs for logging (never includes secrets like tokens or DSNs).
//
// Only "logging" is applied live; callers warn that other sections need a restart.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		if newCfg.HTTP != nil {
			attrs = append(attrs,
				logx.Bool("http.enabled", newCfg.HTTP.Enabled),
				logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
				logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			)
		}
	}

	if oldCfg.Ledger.Driver != newCfg.Ledger.Driver || oldCfg.Ledger.Path != newCfg.Ledger.Path ||
		(oldCfg.Ledger.DSN != "") != (newCfg.Ledger.DSN != "") || oldCfg.Ledger.ClaimLease != newCfg.Ledger.ClaimLease {
		changed = append(changed, "ledger")
		attrs = append(attrs, logx.String("ledger.driver", newCfg.Ledger.Driver))
	}

	if oldCfg.Schedule.Driver != newCfg.Schedule.Driver || oldCfg.Schedule.Path != newCfg.Schedule.Path ||
		oldCfg.Schedule.DSN != newCfg.Schedule.DSN {
		changed = append(changed, "schedule")
		attrs = append(attrs, logx.String("schedule.driver", newCfg.Schedule.Driver))
	}

	if !reflect.DeepEqual(oldCfg.Redis, newCfg.Redis) {
		changed = append(changed, "redis")
	}

	if !reflect.DeepEqual(oldCfg.Messengers, newCfg.Messengers) {
		changed = append(changed, "messengers")
		types := make([]string, 0, len(newCfg.Messengers))
		for _, m := range newCfg.Messengers {
			types = append(types, m.Type)
		}
		attrs = append(attrs, logx.Strings("messengers.types", types))
	}

	if !reflect.DeepEqual(oldCfg.Reminder, newCfg.Reminder) {
		changed = append(changed, "reminder")
		attrs = append(attrs,
			logx.Bool("reminder.activated", newCfg.Reminder.Activated),
			logx.Int("reminder.polling_interval", newCfg.Reminder.PollingInterval),
			logx.Bool("reminder.skipsend", newCfg.Reminder.Skipsend),
		)
	}

	if !reflect.DeepEqual(oldCfg.UserValidator, newCfg.UserValidator) {
		changed = append(changed, "user_validator")
		attrs = append(attrs, logx.Bool("user_validator.activated", newCfg.UserValidator.Activated))
	}

	if !reflect.DeepEqual(oldCfg.Escalation, newCfg.Escalation) {
		changed = append(changed, "escalation")
		if newCfg.Escalation != nil {
			attrs = append(attrs,
				logx.Bool("escalation.activated", newCfg.Escalation.Activated),
				logx.Int("escalation.team_tiers", len(newCfg.Escalation.TeamTiers)),
			)
		}
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters out sections that are applied live.
func RestartRequired(changed []string) []string {
	out := make([]string, 0, len(changed))
	for _, s := range changed {
		if s != "logging" {
			out = append(out, s)
		}
	}
	return out
}
