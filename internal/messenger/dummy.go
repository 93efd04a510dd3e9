package messenger

import (
	"context"

	logx "oncallnotifier/pkg/logx"
)

// dummy logs messages instead of sending them.
type dummy struct {
	name  string
	modes []string
	log   logx.Logger
}

func newDummy(_ context.Context, cfg Config, d buildDeps) (Backend, error) {
	return &dummy{name: cfg.Name, modes: modesOr(cfg.Modes, ModeEmail, ModeSMS, ModeCall), log: d.log}, nil
}

func (d *dummy) Name() string    { return d.name }
func (d *dummy) Type() string    { return "dummy" }
func (d *dummy) Modes() []string { return d.modes }

func (d *dummy) Send(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("sent message",
		logx.String("user", m.User), logx.String("mode", m.Mode), logx.String("address", m.Address),
		logx.String("subject", m.Subject))
	return nil
}

// blackhole drops every message. The registry routes to it when skipsend is on.
type blackhole struct {
	name string
	log  logx.Logger
}

func newBlackhole(name string, log logx.Logger) *blackhole {
	if name == "" {
		name = "blackhole"
	}
	return &blackhole{name: name, log: log}
}

func (b *blackhole) Name() string    { return b.name }
func (b *blackhole) Type() string    { return "blackhole" }
func (b *blackhole) Modes() []string { return nil }

func (b *blackhole) Send(_ context.Context, m Message) error {
	b.log.Debug("message blackholed", logx.String("user", m.User), logx.String("mode", m.Mode), logx.String("id", m.ID))
	return nil
}

func modesOr(configured []string, defaults ...string) []string {
	if len(configured) > 0 {
		return append([]string(nil), configured...)
	}
	return defaults
}
