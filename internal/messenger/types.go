package messenger

import (
	"context"
	"errors"
	"time"
)

// Modes known to the built-in backends. Custom modes are plain strings.
const (
	ModeEmail      = "email"
	ModeSMS        = "sms"
	ModeCall       = "call"
	ModeSlack      = "slack"
	ModeRocketChat = "rocketchat"
	ModeTelegram   = "telegram"
	ModePush       = "push"
	ModeWebhook    = "webhook"
)

var (
	ErrUnknownMode = errors.New("messenger: no backend for mode")
	ErrUnknownType = errors.New("messenger: unknown backend type")
)

// Message is one rendered notification for one user on one mode.
type Message struct {
	ID       string // ledger record id; used as idempotency key where the backend supports it
	User     string
	Mode     string
	Address  string
	Subject  string
	Body     string
	Priority string
}

// Backend delivers messages for the modes it supports. Send must honor ctx and
// classify failures with Permanent / RetryAfter where it can tell.
type Backend interface {
	Name() string
	Type() string
	Modes() []string
	Send(ctx context.Context, m Message) error
}

// Config configures one backend instance.
type Config struct {
	Name            string
	Type            string
	Application     string
	APIKey          string
	APIHost         string
	Webhook         string
	User            string
	Password        string
	RefreshInterval time.Duration
	CredentialsFile string
	Modes           []string
	RatePerSec      float64
	Burst           int
	Timeout         time.Duration
}

// Metrics is the subset of counters the registry reports. Nil means none.
type Metrics interface {
	MessageSent(backend, mode string)
	MessageFailed(backend, mode string)
	MessageBlackholed(mode string)
}

// Result describes a successful dispatch.
type Result struct {
	Backend   string
	Blackhole bool
	Duration  time.Duration
}
