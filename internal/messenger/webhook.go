package messenger

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// webhook posts the message as JSON to a fixed URL.
type webhook struct {
	name  string
	modes []string
	url   string
	token string
	http  *http.Client
}

type webhookPayload struct {
	ID       string `json:"id,omitempty"`
	User     string `json:"user"`
	Mode     string `json:"mode"`
	Address  string `json:"address,omitempty"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

func newWebhook(_ context.Context, cfg Config, d buildDeps) (Backend, error) {
	if strings.TrimSpace(cfg.Webhook) == "" {
		return nil, errors.New("webhook: webhook url is required")
	}
	return &webhook{
		name:  cfg.Name,
		modes: modesOr(cfg.Modes, ModeWebhook),
		url:   cfg.Webhook,
		token: cfg.APIKey,
		http:  d.http,
	}, nil
}

func (w *webhook) Name() string    { return w.name }
func (w *webhook) Type() string    { return "webhook" }
func (w *webhook) Modes() []string { return w.modes }

func (w *webhook) Send(ctx context.Context, m Message) error {
	headers := map[string]string{}
	if m.ID != "" {
		headers["Idempotency-Key"] = m.ID
	}
	if w.token != "" {
		headers["Authorization"] = "Bearer " + w.token
	}
	return postJSON(ctx, w.http, "webhook", w.url, headers, webhookPayload{
		ID: m.ID, User: m.User, Mode: m.Mode, Address: m.Address,
		Subject: m.Subject, Body: m.Body, Priority: m.Priority,
	}, nil)
}
