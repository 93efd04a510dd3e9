package messenger

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// telegramLimit is the Bot API text length limit.
const telegramLimit = 4096

// telegram sends direct messages through a bot. Address is the numeric chat id.
type telegram struct {
	name  string
	modes []string
	bot   *tele.Bot
}

func newTelegram(_ context.Context, cfg Config, d buildDeps) (Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("telegram: api_key (bot token) is required")
	}
	// Offline skips getMe at construction; sending only needs the token.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.APIKey,
		URL:     strings.TrimRight(cfg.APIHost, "/"),
		Client:  d.http,
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &telegram{name: cfg.Name, modes: modesOr(cfg.Modes, ModeTelegram), bot: b}, nil
}

func (t *telegram) Name() string    { return t.name }
func (t *telegram) Type() string    { return "telegram" }
func (t *telegram) Modes() []string { return t.modes }

func (t *telegram) Send(ctx context.Context, m Message) error {
	chatID, err := strconv.ParseInt(strings.TrimSpace(m.Address), 10, 64)
	if err != nil {
		return Permanent(fmt.Errorf("telegram: bad chat id %q for %s", m.Address, m.User))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	text := m.Body
	if m.Subject != "" {
		text = m.Subject + "\n\n" + m.Body
	}
	if len(text) > telegramLimit {
		text = text[:telegramLimit]
	}
	_, err = t.bot.Send(tele.ChatID(chatID), text, &tele.SendOptions{DisableWebPagePreview: true})
	return classifyTelegram(err)
}

func classifyTelegram(err error) error {
	if err == nil {
		return nil
	}
	var flood tele.FloodError
	if errors.As(err, &flood) {
		return RetryAfter(fmt.Errorf("telegram: %w", err), time.Duration(flood.RetryAfter)*time.Second)
	}
	var te *tele.Error
	if errors.As(err, &te) && (te.Code == 400 || te.Code == 403) {
		return Permanent(fmt.Errorf("telegram: %w", err))
	}
	return fmt.Errorf("telegram: %w", err)
}
