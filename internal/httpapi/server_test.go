package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncallnotifier/internal/ledger"
	"oncallnotifier/internal/metrics"
	"oncallnotifier/internal/reminder"
	"oncallnotifier/internal/window"
)

type fakePoller struct {
	state reminder.State
	last  reminder.CycleReport
	acked []string
}

func (f *fakePoller) State() reminder.State            { return f.state }
func (f *fakePoller) LastCycle() reminder.CycleReport { return f.last }

func (f *fakePoller) Acknowledge(_ context.Context, id string) (ledger.Record, error) {
	if id != "rec-1" {
		return ledger.Record{}, ledger.ErrNotFound
	}
	f.acked = append(f.acked, id)
	return ledger.Record{ID: id, User: "alice", Status: ledger.StatusSent, AckedAt: time.Unix(100, 0).UTC(),
		Key: ledger.Key{EventID: 7, Role: "primary"}}, nil
}

func do(t *testing.T, h http.Handler, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthReportsLastCycle(t *testing.T) {
	p := &fakePoller{state: reminder.StateSleeping}
	h := NewHandler(Config{Token: "s3cret"}, Deps{Poller: p})

	w := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","state":"sleeping"}`, w.Body.String())

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p.last = reminder.CycleReport{
		Started: start, Finished: start.Add(time.Second),
		Span: window.Span{From: start.Add(-time.Hour), To: start}, Complete: true, Due: 2, Sent: 2,
	}
	w = do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Status    string `json:"status"`
		LastCycle struct {
			Sent     int  `json:"sent"`
			Complete bool `json:"complete"`
		} `json:"last_cycle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.LastCycle.Sent)
	assert.True(t, body.LastCycle.Complete)

	p.last.Err = errors.New("query events: connection refused")
	w = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}

func TestAckRequiresTokenAndReportsNotFound(t *testing.T) {
	p := &fakePoller{}
	h := NewHandler(Config{Token: "s3cret"}, Deps{Poller: p})

	w := do(t, h, http.MethodPost, "/v0/reminders/rec-1/ack", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	assert.Empty(t, p.acked)

	w = do(t, h, http.MethodPost, "/v0/reminders/rec-1/ack", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, h, http.MethodPost, "/v0/reminders/rec-1/ack", "s3cret")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"user":"alice"`)
	assert.Equal(t, []string{"rec-1"}, p.acked)

	w = do(t, h, http.MethodPost, "/v0/reminders/missing/ack?token=s3cret", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	m := metrics.New()
	m.Reminder("sent")
	h := NewHandler(Config{}, Deps{Metrics: m})

	w := do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `oncall_notifier_reminders_total{outcome="sent"} 1`)

	w = do(t, h, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestPprofWhenEnabled(t *testing.T) {
	h := NewHandler(Config{Pprof: true}, Deps{})
	w := do(t, h, http.MethodGet, "/debug/pprof/", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "goroutine")

	w = do(t, h, http.MethodGet, "/debug/pprof/cmdline", "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServerStartStop(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Deps{Poller: &fakePoller{state: reminder.StateIdle}})
	require.NoError(t, s.Start(context.Background()))
	addr := s.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(b), "idle"))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Empty(t, s.Addr())
}

func TestInsecureBindRefused(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, Deps{})
	assert.Error(t, s.Start(context.Background()))

	assert.True(t, isLoopbackAddr("127.0.0.1:9180"))
	assert.True(t, isLoopbackAddr("localhost:1"))
	assert.False(t, isLoopbackAddr(":9180"))
	assert.False(t, isLoopbackAddr("10.0.0.1:9180"))
}
