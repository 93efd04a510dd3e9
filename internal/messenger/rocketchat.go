package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultRocketRefresh = 30 * 24 * time.Hour

// rocketChat posts direct messages as a bot user. The session token is
// refreshed after RefreshInterval or when the server rejects it.
type rocketChat struct {
	name     string
	modes    []string
	host     string
	user     string
	password string
	refresh  time.Duration
	http     *http.Client
	now      func() time.Time

	mu       sync.Mutex
	token    string
	userID   string
	lastAuth time.Time
}

func newRocketChat(ctx context.Context, cfg Config, d buildDeps) (Backend, error) {
	if strings.TrimSpace(cfg.APIHost) == "" {
		return nil, errors.New("rocketchat: api_host is required")
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, errors.New("rocketchat: user and password are required")
	}
	refresh := cfg.RefreshInterval
	if refresh <= 0 {
		refresh = defaultRocketRefresh
	}
	rc := &rocketChat{
		name:     cfg.Name,
		modes:    modesOr(cfg.Modes, ModeRocketChat),
		host:     cfg.APIHost,
		user:     cfg.User,
		password: cfg.Password,
		refresh:  refresh,
		http:     d.http,
		now:      time.Now,
	}
	// Bad credentials are a startup error.
	if err := rc.login(ctx); err != nil {
		return nil, err
	}
	return rc, nil
}

func (r *rocketChat) Name() string    { return r.name }
func (r *rocketChat) Type() string    { return "rocketchat" }
func (r *rocketChat) Modes() []string { return r.modes }

type rocketLoginResponse struct {
	Status string `json:"status"`
	Data   struct {
		AuthToken string `json:"authToken"`
		UserID    string `json:"userId"`
	} `json:"data"`
}

func (r *rocketChat) login(ctx context.Context) error {
	var out rocketLoginResponse
	err := postJSON(ctx, r.http, "rocketchat", joinURL(r.host, "/api/v1/login"), nil,
		map[string]string{"username": r.user, "password": r.password}, &out)
	if err != nil {
		return fmt.Errorf("rocketchat login: %w", err)
	}
	if out.Status != "success" || out.Data.AuthToken == "" {
		return Permanent(errors.New("rocketchat: invalid credentials"))
	}
	r.mu.Lock()
	r.token, r.userID, r.lastAuth = out.Data.AuthToken, out.Data.UserID, r.now()
	r.mu.Unlock()
	return nil
}

func (r *rocketChat) session(ctx context.Context) (token, userID string, err error) {
	r.mu.Lock()
	stale := r.token == "" || r.now().Sub(r.lastAuth) > r.refresh
	r.mu.Unlock()
	if stale {
		if err := r.login(ctx); err != nil {
			return "", "", err
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token, r.userID, nil
}

type rocketPostResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func (r *rocketChat) Send(ctx context.Context, m Message) error {
	if strings.TrimSpace(m.Address) == "" {
		return Permanent(fmt.Errorf("rocketchat: no destination for %s", m.User))
	}
	token, userID, err := r.session(ctx)
	if err != nil {
		return err
	}
	payload := map[string]string{
		"channel": "@" + strings.TrimPrefix(m.Address, "@"),
		"text":    m.Subject + " -- " + m.Body,
	}
	var out rocketPostResponse
	err = postJSON(ctx, r.http, "rocketchat", joinURL(r.host, "/api/v1/chat.postMessage"),
		map[string]string{"X-User-Id": userID, "X-Auth-Token": token}, payload, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusUnauthorized {
		// Expired session: force a fresh login on the next attempt.
		r.mu.Lock()
		r.token = ""
		r.mu.Unlock()
		return fmt.Errorf("rocketchat: session rejected: %v", se)
	}
	if err != nil {
		return err
	}
	if !out.Success {
		return fmt.Errorf("rocketchat: postMessage failed: %s", out.Error)
	}
	return nil
}
