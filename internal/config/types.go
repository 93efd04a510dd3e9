package config

// Config is the root of the notifier configuration file (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "2m") unless a field says
// it is in seconds. polling_interval and lead times stay in integer seconds so
// existing oncall configs carry over unchanged.
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	HTTP     *HTTPConfig    `json:"http,omitempty"`
	Ledger   LedgerConfig   `json:"ledger"`
	Schedule ScheduleConfig `json:"schedule"`
	Redis    *RedisConfig   `json:"redis,omitempty"`

	Messengers []MessengerConfig `json:"messengers"`

	Reminder      ReminderConfig      `json:"reminder"`
	UserValidator UserValidatorConfig `json:"user_validator"`
	Escalation    *EscalationConfig   `json:"escalation,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operator HTTP surface (health, metrics, pprof, ack).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:9180").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:9180"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// LedgerConfig selects the durable dispatch ledger.
//
// Example:
//
//	"ledger": { "driver": "sqlite", "path": "./data/ledger.db" }
//	"ledger": { "driver": "postgres", "dsn": "${LEDGER_DSN}" }
type LedgerConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`         // sqlite
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	ClaimLease  string `json:"claim_lease,omitempty"`
	Retention   string `json:"retention,omitempty"` // prune settled records older than this; "0s" keeps forever
}

// ScheduleConfig selects where events, on-call holders and contacts are read from.
//
// driver "postgres" reads the oncall schema; driver "static" reads a fixture
// file (JSON or YAML) and is meant for local runs.
type ScheduleConfig struct {
	Driver       string `json:"driver"`
	DSN          string `json:"dsn,omitempty"`
	Path         string `json:"path,omitempty"`
	MaxOpenConns int    `json:"max_open_conns,omitempty"`
	QueryTimeout string `json:"query_timeout,omitempty"`
}

type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
}

// MessengerConfig configures one backend instance. Type selects the
// implementation; the remaining keys are interpreted per type.
type MessengerConfig struct {
	Name            string   `json:"name,omitempty"`
	Type            string   `json:"type"`
	Application     string   `json:"application,omitempty"`
	APIKey          string   `json:"api_key,omitempty"`
	APIHost         string   `json:"api_host,omitempty"`
	Webhook         string   `json:"webhook,omitempty"`
	User            string   `json:"user,omitempty"`
	Password        string   `json:"password,omitempty"`
	RefreshInterval int      `json:"refresh_interval,omitempty"` // seconds
	CredentialsFile string   `json:"credentials_file,omitempty"`
	Modes           []string `json:"modes,omitempty"`
	RatePerSec      float64  `json:"rate_per_sec,omitempty"`
	Burst           int      `json:"burst,omitempty"`
	Timeout         string   `json:"timeout,omitempty"`
}

// ReminderConfig drives the poll loop.
//
// Defaults (when fields are omitted/zero):
//   - polling_interval: 360
//   - default_timezone: "US/Pacific"
//   - max_catchup: "6h"
//   - max_attempts: 3
//   - retry_base: "1s", retry_max_delay: "30s"
//   - send_timeout: "10s"
//   - workers: 16
//   - max_cycles: 1
//   - shutdown_timeout: "30s"
type ReminderConfig struct {
	Activated       bool     `json:"activated"`
	PollingInterval int      `json:"polling_interval"` // seconds
	DefaultTimezone string   `json:"default_timezone"`
	DefaultRoles    []string `json:"default_roles"`
	DefaultTimes    []int64  `json:"default_times"` // seconds
	DefaultModes    []string `json:"default_modes"`
	Skipsend        bool     `json:"skipsend"`

	// Roles and AllowedTimes bound what rules may reference. Empty AllowedTimes accepts any positive lead time.
	Roles        []string     `json:"roles,omitempty"`
	AllowedTimes []int64      `json:"allowed_times,omitempty"`
	Rules        []RuleConfig `json:"rules,omitempty"`

	MaxCatchup      string `json:"max_catchup,omitempty"`
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	SendTimeout     string `json:"send_timeout,omitempty"`
	Workers         int    `json:"workers,omitempty"`
	MaxCycles       int    `json:"max_cycles,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`

	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

// RuleConfig adds a reminder rule on top of default_roles x default_times x default_modes.
type RuleConfig struct {
	Role     string   `json:"role"`
	LeadTime int64    `json:"lead_time"` // seconds
	Modes    []string `json:"modes"`
}

// UserValidatorConfig controls the missing-contact notice job.
type UserValidatorConfig struct {
	Activated      bool     `json:"activated"`
	Schedule       string   `json:"schedule,omitempty"` // cron spec, default "@daily"
	Horizon        string   `json:"horizon,omitempty"`
	RequiredModes  []string `json:"required_modes,omitempty"`
	NoticeMode     string   `json:"notice_mode,omitempty"`
	SuppressPeriod string   `json:"suppress_period,omitempty"`
	Subject        string   `json:"subject,omitempty"`
	Body           string   `json:"body,omitempty"`
}

// EscalationConfig wires failed or unacknowledged reminders to Iris incidents.
type EscalationConfig struct {
	Activated   bool   `json:"activated"`
	APIHost     string `json:"api_host"`
	Application string `json:"application"`
	APIKey      string `json:"api_key"`

	UrgentPlan PlanConfig `json:"urgent_plan"`
	MediumPlan PlanConfig `json:"medium_plan"`

	TeamTiers   map[string]string `json:"team_tiers,omitempty"`
	DefaultTier string            `json:"default_tier,omitempty"`

	// TriggerOnFailure escalates records that end as failed. Nil means true.
	TriggerOnFailure *bool `json:"trigger_on_failure,omitempty"`
	// AckGrace escalates sent reminders nobody acknowledged within this period. "0s" disables.
	AckGrace string `json:"ack_grace,omitempty"`

	MaxAttempts int    `json:"max_attempts,omitempty"`
	RetryBase   string `json:"retry_base,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type PlanConfig struct {
	Name           string         `json:"name"`
	DynamicTargets []TargetConfig `json:"dynamic_targets"`
}

type TargetConfig struct {
	Role string `json:"role"`
}
