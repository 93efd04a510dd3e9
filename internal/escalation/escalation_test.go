package escalation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oncallnotifier/internal/iris"
	"oncallnotifier/internal/messenger"
	"oncallnotifier/internal/schedule"
	logx "oncallnotifier/pkg/logx"
)

var at = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeService struct {
	mu   sync.Mutex
	reqs []Request
	err  error
}

func (f *fakeService) CreateIncident(_ context.Context, req Request) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "42", nil
}

func teamSchedule() *schedule.Static {
	st := schedule.NewStatic()
	st.AddEvent(schedule.Event{ID: 1, Team: "core", Role: "primary", User: "pat", Start: at.Add(-time.Hour), End: at.Add(time.Hour)})
	st.AddEvent(schedule.Event{ID: 2, Team: "core", Role: "manager", User: "morgan", Start: at.Add(-24 * time.Hour), End: at.Add(24 * time.Hour)})
	return st
}

func urgentConfig() Config {
	return Config{
		Plans: []Plan{
			{Tier: Urgent, Name: "oncall-urgent", DynamicTargets: []Slot{{Role: "oncall-primary"}, {Role: "team"}, {Role: "manager"}}},
			{Tier: Medium, Name: "oncall-medium", DynamicTargets: []Slot{{Role: "user"}, {Role: "team"}}},
		},
		TeamTiers: map[string]Tier{"core": Urgent},
	}
}

func failure(team string) Trigger {
	return Trigger{
		Kind: TriggerFailure, RecordID: "rec-1", EventID: 7, Team: team, Role: "primary", User: "alice",
		Mode: "sms", LeadTime: 24 * time.Hour, EventStart: at.Add(24 * time.Hour), At: at, Reason: "http 503",
	}
}

func TestUrgentPlanResolvesTargetsInOrder(t *testing.T) {
	svc := &fakeService{}
	p, err := NewPlanner(urgentConfig(), Deps{Holders: teamSchedule(), Service: svc})
	require.NoError(t, err)

	out, err := p.Escalate(context.Background(), failure("core"))
	require.NoError(t, err)
	assert.Equal(t, "42", out.IncidentID)
	assert.Equal(t, Urgent, out.Tier)

	want := []Target{{Role: "user", Target: "pat"}, {Role: "team", Target: "core"}, {Role: "user", Target: "morgan"}}
	assert.Equal(t, want, out.Targets)
	require.Len(t, svc.reqs, 1)
	assert.Equal(t, "oncall-urgent", svc.reqs[0].Plan)
	assert.Equal(t, want, svc.reqs[0].DynamicTargets)
	assert.Equal(t, "rec-1", svc.reqs[0].Context["record_id"])
	assert.Equal(t, int64(86400), svc.reqs[0].Context["lead_time"])
}

func TestDefaultTierAndUserSlot(t *testing.T) {
	cfg := urgentConfig()
	cfg.DefaultTier = Medium
	svc := &fakeService{}
	p, err := NewPlanner(cfg, Deps{Holders: teamSchedule(), Service: svc})
	require.NoError(t, err)

	out, err := p.Escalate(context.Background(), failure("infra"))
	require.NoError(t, err)
	assert.Equal(t, Medium, out.Tier)
	assert.Equal(t, []Target{{Role: "user", Target: "alice"}, {Role: "team", Target: "infra"}}, out.Targets)
}

func TestMissingTierIsConfigGap(t *testing.T) {
	svc := &fakeService{}
	p, err := NewPlanner(urgentConfig(), Deps{Holders: teamSchedule(), Service: svc})
	require.NoError(t, err)

	_, err = p.Escalate(context.Background(), failure("infra"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoTier))
	assert.Empty(t, svc.reqs)
}

func TestMissingPlanIsConfigGap(t *testing.T) {
	cfg := urgentConfig()
	cfg.Plans = cfg.Plans[1:]
	svc := &fakeService{}
	p, err := NewPlanner(cfg, Deps{Holders: teamSchedule(), Service: svc})
	require.NoError(t, err)

	_, err = p.Escalate(context.Background(), failure("core"))
	assert.True(t, errors.Is(err, ErrNoPlan))
	assert.Empty(t, svc.reqs)
}

func TestUnresolvedSlotSendsNothing(t *testing.T) {
	st := schedule.NewStatic()
	st.AddEvent(schedule.Event{ID: 1, Team: "core", Role: "primary", User: "pat", Start: at.Add(-time.Hour), End: at.Add(time.Hour)})
	svc := &fakeService{}
	p, err := NewPlanner(urgentConfig(), Deps{Holders: st, Service: svc})
	require.NoError(t, err)

	_, err = p.Escalate(context.Background(), failure("core"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnresolved))
	assert.Contains(t, err.Error(), "slot 2 (manager)")
	assert.Empty(t, svc.reqs)
}

func TestServiceErrorIsReturned(t *testing.T) {
	svc := &fakeService{err: errors.New("iris down")}
	p, err := NewPlanner(urgentConfig(), Deps{Holders: teamSchedule(), Service: svc})
	require.NoError(t, err)
	_, err = p.Escalate(context.Background(), failure("core"))
	assert.EqualError(t, err, "iris down")
}

func TestPlannerValidation(t *testing.T) {
	_, err := NewPlanner(Config{Plans: []Plan{{Tier: Urgent, Name: "x", DynamicTargets: []Slot{{Role: "boss"}}}}},
		Deps{Holders: teamSchedule(), Service: &fakeService{}})
	assert.Error(t, err)

	_, err = NewPlanner(Config{Plans: []Plan{{Tier: Urgent, Name: "x"}}}, Deps{Holders: teamSchedule(), Service: &fakeService{}})
	assert.Error(t, err)

	_, err = NewPlanner(Config{TeamTiers: map[string]Tier{"core": "critical"}}, Deps{Holders: teamSchedule(), Service: &fakeService{}})
	assert.Error(t, err)

	_, err = NewPlanner(Config{}, Deps{})
	assert.Error(t, err)
}

func TestIrisClientRetriesTransientFailures(t *testing.T) {
	signer := iris.NewSigner("oncall", "key")
	var (
		calls atomic.Int32
		got   Request
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if r.URL.Path != "/v0/incidents" || !signer.Verify(r, body) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.Unmarshal(body, &got)
		_, _ = w.Write([]byte("1234"))
	}))
	defer srv.Close()

	c, err := NewIrisClient(IrisConfig{APIHost: srv.URL, Application: "oncall", APIKey: "key", RetryBase: time.Millisecond}, nil, logx.Nop())
	require.NoError(t, err)
	id, err := c.CreateIncident(context.Background(), Request{Plan: "oncall-urgent", DynamicTargets: []Target{{Role: "team", Target: "core"}}})
	require.NoError(t, err)
	assert.Equal(t, "1234", id)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "oncall-urgent", got.Plan)
}

func TestIrisClientStopsOnPermanentError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c, err := NewIrisClient(IrisConfig{APIHost: srv.URL, Application: "oncall", APIKey: "key", RetryBase: time.Millisecond}, nil, logx.Nop())
	require.NoError(t, err)
	_, err = c.CreateIncident(context.Background(), Request{Plan: "p"})
	require.Error(t, err)
	assert.True(t, messenger.IsPermanent(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestIrisClientGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := NewIrisClient(IrisConfig{APIHost: srv.URL, MaxAttempts: 2, RetryBase: time.Millisecond}, nil, logx.Nop())
	require.NoError(t, err)
	_, err = c.CreateIncident(context.Background(), Request{Plan: "p"})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestParseIncidentID(t *testing.T) {
	id, err := parseIncidentID([]byte(`"abc"`))
	require.NoError(t, err)
	assert.Equal(t, "abc", id)
	id, err = parseIncidentID([]byte("98765432101"))
	require.NoError(t, err)
	assert.Equal(t, "98765432101", id)
	_, err = parseIncidentID([]byte(`{"id":1}`))
	assert.Error(t, err)
}
