package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: info
  console: true
ledger:
  driver: sqlite
  path: ./data/ledger.db
schedule:
  driver: postgres
  dsn: ${ONCALL_TEST_DSN}
messengers:
  - type: dummy
    application: oncall
  - name: chat
    type: rocketchat
    api_host: https://chat.example.com
    user: bot
    password: secret
    refresh_interval: 2592000
reminder:
  activated: true
  polling_interval: 360
  default_timezone: US/Pacific
  default_roles: [primary, secondary]
  default_times: [86400]
  default_modes: [email]
  skipsend: false
user_validator:
  activated: true
  subject: Warning, missing phone number in oncall
escalation:
  activated: true
  api_host: https://iris.example.com
  application: oncall
  api_key: k
  urgent_plan:
    name: Oncall test
    dynamic_targets:
      - role: oncall-primary
      - role: team
      - role: manager
  team_tiers:
    core: urgent
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestLoadYAMLExpandsEnv(t *testing.T) {
	t.Setenv("ONCALL_TEST_DSN", "postgres://oncall@db/oncall")

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "postgres://oncall@db/oncall", cfg.Schedule.DSN)
	assert.Equal(t, 360, cfg.Reminder.PollingInterval)
	assert.Equal(t, []int64{86400}, cfg.Reminder.DefaultTimes)
	require.Len(t, cfg.Messengers, 2)
	assert.Equal(t, 2592000, cfg.Messengers[1].RefreshInterval)
	require.NotNil(t, cfg.Escalation)
	assert.Equal(t, []TargetConfig{{Role: "oncall-primary"}, {Role: "team"}, {Role: "manager"}}, cfg.Escalation.UrgentPlan.DynamicTargets)
	assert.Same(t, cfg, m.Get())
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := ParseBytes("config.json", []byte(`{"reminder":{"activated":true,"polling_intervall":60}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "polling_intervall")
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()

	_, err := ParseBytes("config.json", []byte(`{} {}`))
	require.Error(t, err)
}

func TestValidateReportsAllProblems(t *testing.T) {
	t.Parallel()

	cfg := &Config{
		Ledger:   LedgerConfig{Driver: "mongo"},
		Schedule: ScheduleConfig{Driver: "static"},
		Messengers: []MessengerConfig{
			{Type: "dummy"},
			{Type: "dummy"},
		},
		Reminder: ReminderConfig{
			Activated:       true,
			DefaultTimezone: "Mars/Olympus",
			DefaultTimes:    []int64{0},
			Rules:           []RuleConfig{{Role: "primary", LeadTime: 60}},
		},
		UserValidator: UserValidatorConfig{Schedule: "every tuesday"},
		Escalation: &EscalationConfig{
			Activated: true,
			TeamTiers: map[string]string{"core": "critical"},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	for _, want := range []string{
		"ledger.driver",
		"schedule.path",
		"duplicate name",
		"polling_interval",
		"default_timezone",
		"default_times",
		"rules[0].modes",
		"user_validator.schedule",
		"escalation.api_host",
		"team_tiers[core]",
	} {
		assert.Contains(t, msg, want)
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()

	d, err := ParseDurationOrDefault("x", "", 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, d)

	d, err = ParseDurationOrDefault("x", "0s", 5*time.Second)
	require.NoError(t, err)
	assert.Zero(t, d, "explicit zero disables")

	_, err = ParseDurationOrDefault("x", "-1s", 5*time.Second)
	require.Error(t, err)
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()

	a := &Config{Logging: LoggingConfig{Level: "info"}, Reminder: ReminderConfig{PollingInterval: 60}}
	b := &Config{Logging: LoggingConfig{Level: "debug"}, Reminder: ReminderConfig{PollingInterval: 120}}

	changed, attrs := SummarizeConfigChange(a, b)
	assert.Equal(t, []string{"logging", "reminder"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"reminder"}, RestartRequired(changed))
}

func TestWatchPublishesReload(t *testing.T) {
	path := writeFile(t, "config.json", `{"logging":{"level":"info"}}`)
	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)

	ch := m.Subscribe(1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()

	// Give the watcher a moment to register before writing.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte(`{"logging":{"level":"debug"}}`), 0o600))

	select {
	case cfg := <-ch:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("no reload published")
	}
}
