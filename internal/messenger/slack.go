package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const slackAPI = "https://slack.com/api"

var slackPermanent = map[string]bool{
	"channel_not_found": true,
	"user_not_found":    true,
	"not_in_channel":    true,
	"is_archived":       true,
	"invalid_auth":      true,
	"not_authed":        true,
	"account_inactive":  true,
	"token_revoked":     true,
	"missing_scope":     true,
}

// slackBackend posts with the Web API chat.postMessage method. Address is a
// member ID or channel ID.
type slackBackend struct {
	name  string
	modes []string
	url   string
	token string
	http  *http.Client
}

func newSlack(_ context.Context, cfg Config, d buildDeps) (Backend, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("slack: api_key (bot token) is required")
	}
	host := cfg.APIHost
	if strings.TrimSpace(host) == "" {
		host = slackAPI
	}
	return &slackBackend{
		name:  cfg.Name,
		modes: modesOr(cfg.Modes, ModeSlack),
		url:   joinURL(host, "/chat.postMessage"),
		token: cfg.APIKey,
		http:  d.http,
	}, nil
}

func (s *slackBackend) Name() string    { return s.name }
func (s *slackBackend) Type() string    { return "slack" }
func (s *slackBackend) Modes() []string { return s.modes }

func (s *slackBackend) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Address) == "" {
		return Permanent(fmt.Errorf("slack: no destination for %s", m.User))
	}
	text := m.Body
	if m.Subject != "" {
		text = "*" + m.Subject + "*\n" + m.Body
	}
	var out struct {
		OK    bool   `json:"ok"`
		Error string `json:"error"`
	}
	err := postJSON(ctx, s.http, "slack", s.url, map[string]string{"Authorization": "Bearer " + s.token},
		map[string]any{"channel": m.Address, "text": text, "unfurl_links": false}, &out)
	if err != nil {
		return err
	}
	if !out.OK {
		err := fmt.Errorf("slack: %s", out.Error)
		if slackPermanent[out.Error] {
			return Permanent(err)
		}
		return err
	}
	return nil
}
