package messenger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/time/rate"

	logx "oncallnotifier/pkg/logx"
)

// Options are registry-wide settings.
type Options struct {
	// Skipsend routes every mode to the blackhole backend.
	Skipsend bool
	Log      logx.Logger
	Metrics  Metrics
	// HTTPClient is shared by HTTP backends. Nil means a client with a 15s timeout.
	HTTPClient *http.Client
}

type entry struct {
	b       Backend
	lim     *rate.Limiter
	timeout time.Duration
}

// Registry maps modes to backends. Backends registered for the same mode are
// tried in configuration order until one accepts the message.
//
// It is safe for concurrent use once built.
type Registry struct {
	log       logx.Logger
	metrics   Metrics
	skipsend  bool
	backends  []*entry
	byMode    map[string][]*entry
	blackhole *entry
}

type builder func(ctx context.Context, cfg Config, deps buildDeps) (Backend, error)

type buildDeps struct {
	log  logx.Logger
	http *http.Client
}

var builders = map[string]builder{
	"dummy":      newDummy,
	"blackhole":  func(_ context.Context, cfg Config, d buildDeps) (Backend, error) { return newBlackhole(cfg.Name, d.log), nil },
	"iris":       newIrisMessenger,
	"rocketchat": newRocketChat,
	"slack":      newSlack,
	"webhook":    newWebhook,
	"telegram":   newTelegram,
	"fcm":        newFCM,
}

// Types lists the backend kinds New understands.
func Types() []string {
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// New builds every configured backend. An unknown type or a backend that
// fails to initialize is an error: the caller treats it as fatal.
func New(ctx context.Context, cfgs []Config, opts Options) (*Registry, error) {
	log := opts.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	r := &Registry{
		log:      log,
		metrics:  opts.Metrics,
		skipsend: opts.Skipsend,
		byMode:   map[string][]*entry{},
	}
	r.blackhole = &entry{b: newBlackhole("blackhole", log)}

	seen := map[string]bool{}
	for i, cfg := range cfgs {
		typ := strings.ToLower(strings.TrimSpace(cfg.Type))
		build, ok := builders[typ]
		if !ok {
			return nil, fmt.Errorf("messengers[%d]: %w %q", i, ErrUnknownType, cfg.Type)
		}
		cfg.Type = typ
		if strings.TrimSpace(cfg.Name) == "" {
			cfg.Name = typ
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("messengers[%d]: duplicate name %q", i, cfg.Name)
		}
		seen[cfg.Name] = true

		b, err := build(ctx, cfg, buildDeps{log: log.With(logx.String("messenger", cfg.Name)), http: hc})
		if err != nil {
			return nil, fmt.Errorf("messengers[%d] (%s): %w", i, cfg.Name, err)
		}
		e := &entry{b: b, timeout: cfg.Timeout}
		if cfg.RatePerSec > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = max(1, int(cfg.RatePerSec))
			}
			e.lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
		}
		r.backends = append(r.backends, e)
		for _, m := range b.Modes() {
			r.byMode[m] = append(r.byMode[m], e)
		}
	}
	return r, nil
}

// Supports reports whether some configured backend handles mode. Skipsend
// does not change the answer: it only reroutes delivery.
func (r *Registry) Supports(mode string) bool {
	return len(r.byMode[mode]) > 0
}

// Modes returns the modes served by configured backends.
func (r *Registry) Modes() []string {
	out := make([]string, 0, len(r.byMode))
	for m := range r.byMode {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Backends returns the configured backends in configuration order.
func (r *Registry) Backends() []Backend {
	out := make([]Backend, 0, len(r.backends))
	for _, e := range r.backends {
		out = append(out, e.b)
	}
	return out
}

// Skipsend reports whether the registry blackholes all messages.
func (r *Registry) Skipsend() bool { return r.skipsend }

// Send delivers m once; retries are the caller's business. When several
// backends serve the mode they are tried in order. The returned error is
// permanent only when every backend failed permanently.
func (r *Registry) Send(ctx context.Context, m Message) (Result, error) {
	if r.skipsend {
		start := time.Now()
		_ = r.blackhole.b.Send(ctx, m)
		if r.metrics != nil {
			r.metrics.MessageBlackholed(m.Mode)
		}
		return Result{Backend: r.blackhole.b.Name(), Blackhole: true, Duration: time.Since(start)}, nil
	}

	entries := r.byMode[m.Mode]
	if len(entries) == 0 {
		return Result{}, Permanent(fmt.Errorf("%w %q", ErrUnknownMode, m.Mode))
	}

	var (
		errs      []error
		allPerm   = true
		retryHint time.Duration
	)
	for _, e := range entries {
		start := time.Now()
		err := r.sendOne(ctx, e, m)
		if err == nil {
			if r.metrics != nil {
				r.metrics.MessageSent(e.b.Name(), m.Mode)
			}
			return Result{Backend: e.b.Name(), Duration: time.Since(start)}, nil
		}
		if r.metrics != nil {
			r.metrics.MessageFailed(e.b.Name(), m.Mode)
		}
		r.log.Debug("backend send failed",
			logx.String("backend", e.b.Name()), logx.String("mode", m.Mode), logx.String("user", m.User), logx.Err(err))
		errs = append(errs, err)
		if !IsPermanent(err) {
			allPerm = false
		}
		if d, ok := RetryAfterOf(err); ok && d > retryHint {
			retryHint = d
		}
		if ctx.Err() != nil {
			break
		}
	}

	if len(errs) == 1 {
		return Result{}, errs[0]
	}
	if allPerm {
		return Result{}, Permanent(errors.Join(errs...))
	}
	// Mixed failures stay retryable: the summary does not wrap the permanent markers.
	err := fmt.Errorf("all %d backends failed for mode %q: %v", len(errs), m.Mode, errors.Join(errs...))
	if retryHint > 0 {
		err = RetryAfter(err, retryHint)
	}
	return Result{}, err
}

func (r *Registry) sendOne(ctx context.Context, e *entry, m Message) error {
	if e.lim != nil {
		if err := e.lim.Wait(ctx); err != nil {
			return err
		}
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return e.b.Send(ctx, m)
}
