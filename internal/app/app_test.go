package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncallnotifier/internal/config"
	"oncallnotifier/internal/escalation"
	"oncallnotifier/internal/ledger"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func supportsEmail(mode string) bool { return mode == "email" || mode == "sms" }

func TestMapReminderConfigDefaults(t *testing.T) {
	cfg := &config.Config{Reminder: config.ReminderConfig{
		Activated:       true,
		PollingInterval: 360,
		DefaultRoles:    []string{"primary", "secondary"},
		DefaultTimes:    []int64{86400},
		DefaultModes:    []string{"email"},
		Rules:           []config.RuleConfig{{Role: "primary", LeadTime: 3600, Modes: []string{"sms"}}},
	}}
	rc, err := mapReminderConfig(cfg, supportsEmail)
	require.NoError(t, err)

	assert.Equal(t, 360*time.Second, rc.Interval)
	assert.Equal(t, "US/Pacific", rc.Location.String())
	assert.Equal(t, 6*time.Hour, rc.MaxCatchup)
	assert.Equal(t, time.Second, rc.Retry.Base)
	assert.Equal(t, 30*time.Second, rc.Retry.Max)
	assert.Equal(t, 10*time.Second, rc.SendTimeout)
	assert.Equal(t, 2*time.Minute, rc.ClaimLease)
	assert.Len(t, rc.Rules, 3)
	assert.False(t, rc.EscalateOnFailure)
	assert.Zero(t, rc.AckGrace)
}

func TestMapReminderConfigEscalationSwitches(t *testing.T) {
	off := false
	cfg := &config.Config{
		Reminder: config.ReminderConfig{
			PollingInterval: 60, DefaultRoles: []string{"primary"}, DefaultTimes: []int64{60}, DefaultModes: []string{"email"},
		},
		Escalation: &config.EscalationConfig{Activated: true, APIHost: "http://iris", AckGrace: "30m"},
	}
	rc, err := mapReminderConfig(cfg, supportsEmail)
	require.NoError(t, err)
	assert.True(t, rc.EscalateOnFailure)
	assert.Equal(t, 30*time.Minute, rc.AckGrace)

	cfg.Escalation.TriggerOnFailure = &off
	rc, err = mapReminderConfig(cfg, supportsEmail)
	require.NoError(t, err)
	assert.False(t, rc.EscalateOnFailure)
}

func TestMapReminderConfigRejectsUnsupportedModeAndZone(t *testing.T) {
	cfg := &config.Config{Reminder: config.ReminderConfig{
		PollingInterval: 60, DefaultRoles: []string{"primary"}, DefaultTimes: []int64{60}, DefaultModes: []string{"call"},
	}}
	_, err := mapReminderConfig(cfg, supportsEmail)
	assert.ErrorContains(t, err, "call")

	cfg.Reminder.DefaultModes = []string{"email"}
	cfg.Reminder.DefaultTimezone = "Mars/Olympus"
	_, err = mapReminderConfig(cfg, supportsEmail)
	assert.ErrorContains(t, err, "default_timezone")
}

func TestMapEscalationConfig(t *testing.T) {
	_, _, ok, err := mapEscalationConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	ic, pc, ok, err := mapEscalationConfig(&config.Config{Escalation: &config.EscalationConfig{
		Activated: true, APIHost: "http://iris", Application: "oncall", APIKey: "k",
		UrgentPlan: config.PlanConfig{Name: "urgent", DynamicTargets: []config.TargetConfig{
			{Role: "oncall-primary"}, {Role: "team"}, {Role: "manager"},
		}},
		TeamTiers:   map[string]string{"core": "Urgent"},
		DefaultTier: "medium",
	}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "http://iris", ic.APIHost)
	assert.Equal(t, 10*time.Second, ic.Timeout)
	assert.Equal(t, escalation.Urgent, pc.TeamTiers["core"])
	assert.Equal(t, escalation.Medium, pc.DefaultTier)
	require.Len(t, pc.Plans, 2)
	assert.Equal(t, []escalation.Slot{{Role: "oncall-primary"}, {Role: "team"}, {Role: "manager"}}, pc.Plans[0].DynamicTargets)
	assert.Empty(t, pc.Plans[1].Name)
}

func TestMapLedgerAndMessengers(t *testing.T) {
	lc, err := mapLedgerConfig(&config.Config{Ledger: config.LedgerConfig{Driver: "SQLite", Path: "/tmp/l.db"}})
	require.NoError(t, err)
	assert.Equal(t, ledger.Config{Driver: "sqlite", Path: "/tmp/l.db", BusyTimeout: time.Second}, lc)

	_, err = mapLedgerConfig(&config.Config{Ledger: config.LedgerConfig{Driver: "postgres"}})
	assert.Error(t, err)

	mcs, err := mapMessengerConfigs(&config.Config{Messengers: []config.MessengerConfig{
		{Type: "rocketchat", RefreshInterval: 60, Timeout: "3s"},
	}})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, mcs[0].RefreshInterval)
	assert.Equal(t, 3*time.Second, mcs[0].Timeout)

	_, err = mapMessengerConfigs(&config.Config{Messengers: []config.MessengerConfig{{Type: "slack", Timeout: "soon"}}})
	assert.Error(t, err)
}

func TestMapHTTPConfig(t *testing.T) {
	_, ok, err := mapHTTPConfig(&config.Config{})
	require.NoError(t, err)
	assert.False(t, ok)

	hc, ok, err := mapHTTPConfig(&config.Config{HTTP: &config.HTTPConfig{Enabled: true, Addr: " 127.0.0.1:0 ", Token: "t"}})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:0", hc.Addr)
	assert.Equal(t, 60*time.Second, hc.WriteTimeout)
}

const appConfig = `
logging:
  level: error
ledger:
  driver: sqlite
  path: %s
schedule:
  driver: static
  path: %s
messengers:
  - type: dummy
    modes: [email]
http:
  enabled: true
  addr: 127.0.0.1:0
reminder:
  activated: true
  polling_interval: 360
  default_timezone: UTC
  default_roles: [primary]
  default_times: [86400]
  default_modes: [email]
`

func TestAppSendsDueReminderAndStops(t *testing.T) {
	dir := t.TempDir()
	start := time.Now().UTC().Add(24*time.Hour - time.Minute).Truncate(time.Second)
	sched := writeFile(t, dir, "schedule.yaml", fmt.Sprintf(`
events:
  - id: 1
    team: core
    role: primary
    user: alice
    start: %s
    end: %s
contacts:
  alice:
    email: alice@example.com
`, start.Format(time.RFC3339), start.Add(7*24*time.Hour).Format(time.RFC3339)))
	cfgPath := writeFile(t, dir, "config.yaml", fmt.Sprintf(appConfig, filepath.Join(dir, "ledger.db"), sched))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, err := NewApp(ctx, cfgPath)
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))

	require.Eventually(t, func() bool {
		return a.reminder.LastCycle().Sent == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, a.reminder.LastCycle().Complete)
	assert.NotEmpty(t, a.http.Addr())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
	// idempotent
	require.NoError(t, a.Stop(stopCtx, StopAppStop))
}

func TestNewAppRejectsUnknownMessenger(t *testing.T) {
	dir := t.TempDir()
	sched := writeFile(t, dir, "schedule.yaml", "events: []\n")
	cfg := fmt.Sprintf(appConfig, filepath.Join(dir, "ledger.db"), sched)
	cfgPath := writeFile(t, dir, "config.yaml", strings.Replace(cfg, "type: dummy", "type: pager", 1))

	_, err := NewApp(context.Background(), cfgPath)
	assert.ErrorContains(t, err, "pager")
}

func TestNewAppRejectsModesWithoutBackend(t *testing.T) {
	dir := t.TempDir()
	sched := writeFile(t, dir, "schedule.yaml", "events: []\n")
	base := fmt.Sprintf(appConfig, filepath.Join(dir, "ledger.db"), sched)

	cases := map[string]string{
		"reminder mode with skipsend": strings.Replace(base, "default_modes: [email]", "default_modes: [pager]\n  skipsend: true", 1),
		"notice mode":                 base + "user_validator:\n  activated: true\n  notice_mode: pager\n",
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			cfgPath := writeFile(t, t.TempDir(), "config.yaml", cfg)
			_, err := NewApp(context.Background(), cfgPath)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "pager")
		})
	}
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "ledger:\n  driver: nosql\nschedule:\n  driver: static\n  path: x\n")
	_, err := NewApp(context.Background(), cfgPath)
	assert.ErrorContains(t, err, "ledger.driver")
}
