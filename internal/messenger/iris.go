package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"oncallnotifier/internal/iris"
)

// irisMessenger delivers through the Iris notification API, which resolves
// the user's contact itself.
type irisMessenger struct {
	name   string
	modes  []string
	url    string
	signer iris.Signer
	http   *http.Client
}

func newIrisMessenger(_ context.Context, cfg Config, d buildDeps) (Backend, error) {
	if strings.TrimSpace(cfg.APIHost) == "" {
		return nil, errors.New("iris: api_host is required")
	}
	if cfg.Application == "" || cfg.APIKey == "" {
		return nil, errors.New("iris: application and api_key are required")
	}
	return &irisMessenger{
		name:   cfg.Name,
		modes:  modesOr(cfg.Modes, ModeEmail, ModeSMS, ModeCall, ModeSlack),
		url:    joinURL(cfg.APIHost, "/v0/notifications"),
		signer: iris.NewSigner(cfg.Application, cfg.APIKey),
		http:   d.http,
	}, nil
}

func (b *irisMessenger) Name() string    { return b.name }
func (b *irisMessenger) Type() string    { return "iris" }
func (b *irisMessenger) Modes() []string { return b.modes }

type irisNotification struct {
	Role     string `json:"role"`
	Target   string `json:"target"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
	Mode     string `json:"mode,omitempty"`
	Priority string `json:"priority,omitempty"`
}

func (b *irisMessenger) Send(ctx context.Context, m Message) error {
	n := irisNotification{Role: "user", Target: m.User, Subject: m.Subject, Body: m.Body}
	// Iris accepts either an explicit mode or a priority, not both.
	if m.Priority != "" {
		n.Priority = m.Priority
	} else {
		n.Mode = m.Mode
	}
	body, err := json.Marshal(n)
	if err != nil {
		return Permanent(fmt.Errorf("iris: encode: %w", err))
	}
	req, err := b.signer.NewRequest(ctx, http.MethodPost, b.url, body)
	if err != nil {
		return Permanent(fmt.Errorf("iris: %w", err))
	}
	return doJSON(b.http, "iris", req, nil)
}
