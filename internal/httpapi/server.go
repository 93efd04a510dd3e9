// Package httpapi serves the operator HTTP surface: health, Prometheus
// metrics, optional pprof and reminder acknowledgement.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/metrics"
	"oncallnotifier/internal/reminder"
	rtsup "oncallnotifier/internal/runtime/supervisor"
	logx "oncallnotifier/pkg/logx"
)

// Config controls the operator HTTP server.
//
// Security:
//   - Prefer binding to localhost (default).
//   - If binding to a non-loopback address, set Token or enable AllowInsecure.
type Config struct {
	Addr          string
	Token         string
	AllowInsecure bool
	Pprof         bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

const defaultAddr = "127.0.0.1:9180"

// Poller is the part of the poll loop the API exposes. *reminder.Service satisfies it.
type Poller interface {
	State() reminder.State
	LastCycle() reminder.CycleReport
	Acknowledge(ctx context.Context, id string) (ledger.Record, error)
}

type Deps struct {
	Poller  Poller
	Metrics *metrics.Metrics
	Log     logx.Logger
}

type Server struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	h   http.Handler

	ln  net.Listener
	srv *http.Server
	sup *rtsup.Supervisor
}

func New(cfg Config, d Deps) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = defaultAddr
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Server{cfg: cfg, log: d.Log, h: NewHandler(cfg, d)}
}

// NewHandler builds the router without binding a listener.
func NewHandler(cfg Config, d Deps) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	log := d.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLog(log))

	// Liveness stays open so probes need no token.
	r.GET("/healthz", healthHandler(d.Poller))

	auth := withAuth(cfg.Token)
	if d.Metrics != nil {
		r.GET("/metrics", auth, gin.WrapH(d.Metrics.Handler()))
	}
	if d.Poller != nil {
		r.POST("/v0/reminders/:id/ack", auth, ackHandler(d.Poller, log))
	}
	if cfg.Pprof {
		r.Any("/debug/pprof/*name", auth, pprofHandler)
	}
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	cur := s.cfg
	if !cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		return errors.New("http: non-loopback addr requires a token or allow_insecure")
	}
	if cur.AllowInsecure && cur.Token == "" && !isLoopbackAddr(cur.Addr) {
		s.log.Warn("http running without token on non-loopback addr (insecure)", logx.String("addr", cur.Addr))
	}
	ln, err := net.Listen("tcp", cur.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.h,
		ReadTimeout:       cur.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cur.WriteTimeout,
		IdleTimeout:       cur.IdleTimeout,
	}
	s.ln, s.srv = ln, srv
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log.With(logx.String("comp", "http"))))
	s.sup.Go("http.serve", func(context.Context) error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	s.log.Info("http started", logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", cur.Token != ""), logx.Bool("pprof", cur.Pprof))
	return nil
}

// Addr is the bound address, empty before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop shuts the server down gracefully, bounded by ctx.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv, sup := s.srv, s.sup
	s.srv, s.ln, s.sup = nil, nil, nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
	_ = sup.Stop(ctx)
	s.log.Info("http stopped")
}

func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http request",
			logx.String("method", c.Request.Method), logx.String("path", c.FullPath()),
			logx.Int("status", c.Writer.Status()), logx.Duration("took", time.Since(start)))
	}
}

func withAuth(token string) gin.HandlerFunc {
	tok := strings.TrimSpace(token)
	return func(c *gin.Context) {
		if tok == "" {
			return
		}
		// Accept either "Authorization: Bearer <token>" or ?token=<token>.
		if got := c.Query("token"); got != "" && got == tok {
			return
		}
		const p = "Bearer "
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(strings.TrimPrefix(ah, p)) == tok {
			return
		}
		c.Header("WWW-Authenticate", "Bearer")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

type cycleView struct {
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished"`
	From        time.Time `json:"from"`
	To          time.Time `json:"to"`
	Clamped     bool      `json:"clamped,omitempty"`
	Complete    bool      `json:"complete"`
	Due         int       `json:"due"`
	Sent        int       `json:"sent"`
	Failed      int       `json:"failed"`
	NoContact   int       `json:"no_contact"`
	AlreadySent int       `json:"already_sent"`
	Conflicts   int       `json:"conflicts"`
	Escalated   int       `json:"escalated"`
	Error       string    `json:"error,omitempty"`
}

func healthHandler(p Poller) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p == nil {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		last := p.LastCycle()
		body := gin.H{"status": "ok", "state": p.State()}
		code := http.StatusOK
		if !last.Started.IsZero() {
			v := cycleView{
				Started: last.Started, Finished: last.Finished, From: last.Span.From, To: last.Span.To,
				Clamped: last.Span.Clamped, Complete: last.Complete, Due: last.Due, Sent: last.Sent,
				Failed: last.Failed, NoContact: last.NoContact, AlreadySent: last.AlreadySent,
				Conflicts: last.Conflicts, Escalated: last.Escalated,
			}
			if last.Err != nil {
				v.Error = last.Err.Error()
				body["status"] = "degraded"
				code = http.StatusServiceUnavailable
			}
			body["last_cycle"] = v
		}
		c.JSON(code, body)
	}
}

func ackHandler(p Poller, log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		if id == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
			return
		}
		rec, err := p.Acknowledge(c.Request.Context(), id)
		switch {
		case errors.Is(err, ledger.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "reminder not found"})
			return
		case err != nil:
			log.Error("acknowledge failed", logx.String("record", id), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "acknowledge failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"id":       rec.ID,
			"event_id": rec.Key.EventID,
			"role":     rec.Key.Role,
			"user":     rec.User,
			"status":   rec.Status,
			"acked_at": rec.AckedAt,
		})
	}
}

func pprofHandler(c *gin.Context) {
	w, r := c.Writer, c.Request
	switch strings.TrimPrefix(c.Param("name"), "/") {
	case "cmdline":
		hpprof.Cmdline(w, r)
	case "profile":
		hpprof.Profile(w, r)
	case "symbol":
		hpprof.Symbol(w, r)
	case "trace":
		hpprof.Trace(w, r)
	default:
		hpprof.Index(w, r)
	}
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
