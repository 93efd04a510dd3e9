package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"oncallnotifier/internal/backoff"
	"oncallnotifier/internal/iris"
	"oncallnotifier/internal/messenger"
	logx "oncallnotifier/pkg/logx"
)

// IrisConfig configures the incidents client.
type IrisConfig struct {
	APIHost     string
	Application string
	APIKey      string
	MaxAttempts int
	RetryBase   time.Duration
	Timeout     time.Duration
}

// IrisClient posts incidents to Iris with bounded retry.
type IrisClient struct {
	url         string
	signer      iris.Signer
	http        *http.Client
	maxAttempts int
	policy      backoff.Policy
	log         logx.Logger
}

func NewIrisClient(cfg IrisConfig, hc *http.Client, log logx.Logger) (*IrisClient, error) {
	if strings.TrimSpace(cfg.APIHost) == "" {
		return nil, errors.New("escalation: api_host is required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &IrisClient{
		url:         strings.TrimRight(cfg.APIHost, "/") + "/v0/incidents",
		signer:      iris.NewSigner(cfg.Application, cfg.APIKey),
		http:        hc,
		maxAttempts: cfg.MaxAttempts,
		policy:      backoff.Policy{Base: cfg.RetryBase, Max: 30 * time.Second},
		log:         log,
	}, nil
}

// CreateIncident returns the incident id Iris assigned.
func (c *IrisClient) CreateIncident(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("iris: encode incident: %w", err)
	}
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		id, err := c.post(ctx, body)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if messenger.IsPermanent(err) || attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}
		hint, _ := messenger.RetryAfterOf(err)
		delay := c.policy.Next(attempt, hint)
		c.log.Debug("iris incident failed; retrying", logx.Int("attempt", attempt), logx.Duration("delay", delay), logx.Err(err))
		if err := backoff.Sleep(ctx, delay); err != nil {
			break
		}
	}
	return "", lastErr
}

func (c *IrisClient) post(ctx context.Context, body []byte) (string, error) {
	req, err := c.signer.NewRequest(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return "", messenger.Permanent(err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("iris: %w", err)
	}
	defer resp.Body.Close()
	if err := messenger.CheckResponse("iris", resp); err != nil {
		return "", err
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("iris: read response: %w", err)
	}
	return parseIncidentID(raw)
}

// parseIncidentID accepts a bare JSON number or string.
func parseIncidentID(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("iris: decode incident id: %w", err)
	}
	switch id := v.(type) {
	case json.Number:
		return id.String(), nil
	case string:
		return id, nil
	default:
		return "", fmt.Errorf("iris: unexpected incident id %s", strings.TrimSpace(string(raw)))
	}
}
