// Package escalation turns failed or unacknowledged reminders into Iris
// incidents routed by a tiered plan.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"oncallnotifier/internal/metrics"
	logx "oncallnotifier/pkg/logx"
)

// Tier selects which configured plan a team escalates with.
type Tier string

const (
	Urgent Tier = "urgent"
	Medium Tier = "medium"
)

var (
	// ErrNoTier means the team has no tier and there is no default: a configuration gap.
	ErrNoTier = errors.New("escalation: no tier configured for team")
	// ErrNoPlan means the tier has no plan configured.
	ErrNoPlan = errors.New("escalation: no plan configured for tier")
	// ErrUnresolved means a dynamic target slot could not be filled.
	ErrUnresolved = errors.New("escalation: unresolved target")
)

// Slot roles understood in dynamic_targets, besides "oncall-<role>".
const (
	SlotTeam    = "team"
	SlotUser    = "user"
	SlotManager = "manager"
	slotOncall  = "oncall-"
)

// Plan is one configured escalation plan.
type Plan struct {
	Tier           Tier
	Name           string
	DynamicTargets []Slot
}

// Slot is one positional dynamic target; Role names how to fill it.
type Slot struct {
	Role string
}

// Target is a resolved dynamic target as Iris expects it.
type Target struct {
	Role   string `json:"role"`
	Target string `json:"target"`
}

// Trigger kinds.
const (
	TriggerFailure        = "failure"
	TriggerUnacknowledged = "unacknowledged"
)

// Trigger describes the reminder that needs escalating.
type Trigger struct {
	Kind       string
	RecordID   string
	EventID    int64
	Team       string
	Role       string
	User       string
	Mode       string
	LeadTime   time.Duration
	EventStart time.Time
	At         time.Time
	Reason     string
}

// Request is what the escalation service receives.
type Request struct {
	Plan           string         `json:"plan"`
	Context        map[string]any `json:"context"`
	DynamicTargets []Target       `json:"dynamic_targets"`
}

// Service creates incidents.
type Service interface {
	CreateIncident(ctx context.Context, req Request) (string, error)
}

// HolderResolver answers who holds a role for a team at an instant. schedule.Store satisfies it.
type HolderResolver interface {
	CurrentHolder(ctx context.Context, team, role string, at time.Time) (string, error)
}

// Config is the planner's static configuration.
type Config struct {
	Plans       []Plan
	TeamTiers   map[string]Tier
	DefaultTier Tier
}

// Outcome is a successful escalation.
type Outcome struct {
	IncidentID string
	Tier       Tier
	Plan       string
	Targets    []Target
}

// Planner picks a plan per team and fills its dynamic targets.
type Planner struct {
	plans       map[Tier]Plan
	teamTiers   map[string]Tier
	defaultTier Tier
	holders     HolderResolver
	svc         Service
	log         logx.Logger
	metrics     *metrics.Metrics
}

// Deps are the planner's collaborators.
type Deps struct {
	Holders HolderResolver
	Service Service
	Log     logx.Logger
	Metrics *metrics.Metrics
}

func NewPlanner(cfg Config, d Deps) (*Planner, error) {
	if d.Holders == nil || d.Service == nil {
		return nil, errors.New("escalation: holders and service are required")
	}
	p := &Planner{
		plans:       map[Tier]Plan{},
		teamTiers:   map[string]Tier{},
		defaultTier: cfg.DefaultTier,
		holders:     d.Holders,
		svc:         d.Service,
		log:         d.Log,
		metrics:     d.Metrics,
	}
	if p.log.IsZero() {
		p.log = logx.Nop()
	}
	var errs []error
	for _, pl := range cfg.Plans {
		if err := validatePlan(pl); err != nil {
			errs = append(errs, err)
			continue
		}
		p.plans[pl.Tier] = pl
	}
	for team, tier := range cfg.TeamTiers {
		if !validTier(tier) {
			errs = append(errs, fmt.Errorf("escalation: team %q has unknown tier %q", team, tier))
			continue
		}
		p.teamTiers[team] = tier
	}
	if cfg.DefaultTier != "" && !validTier(cfg.DefaultTier) {
		errs = append(errs, fmt.Errorf("escalation: unknown default tier %q", cfg.DefaultTier))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return p, nil
}

func validTier(t Tier) bool { return t == Urgent || t == Medium }

func validatePlan(pl Plan) error {
	if !validTier(pl.Tier) {
		return fmt.Errorf("escalation: unknown tier %q", pl.Tier)
	}
	if strings.TrimSpace(pl.Name) == "" {
		// An unnamed plan is "not configured"; Escalate reports ErrNoPlan for it.
		return nil
	}
	if len(pl.DynamicTargets) == 0 {
		return fmt.Errorf("escalation: %s plan %q has no dynamic_targets", pl.Tier, pl.Name)
	}
	for i, s := range pl.DynamicTargets {
		if !validSlot(s.Role) {
			return fmt.Errorf("escalation: %s plan dynamic_targets[%d]: unknown role %q", pl.Tier, i, s.Role)
		}
	}
	return nil
}

func validSlot(role string) bool {
	switch role {
	case SlotTeam, SlotUser, SlotManager:
		return true
	}
	return strings.HasPrefix(role, slotOncall) && len(role) > len(slotOncall)
}

// TierFor returns the tier of team, or ErrNoTier.
func (p *Planner) TierFor(team string) (Tier, error) {
	if t, ok := p.teamTiers[team]; ok {
		return t, nil
	}
	if p.defaultTier != "" {
		return p.defaultTier, nil
	}
	return "", fmt.Errorf("%w %q", ErrNoTier, team)
}

// Plan builds the request for tr without sending it. Targets keep the plan's order.
func (p *Planner) Plan(ctx context.Context, tr Trigger) (Request, Tier, error) {
	tier, err := p.TierFor(tr.Team)
	if err != nil {
		return Request{}, "", err
	}
	plan, ok := p.plans[tier]
	if !ok || strings.TrimSpace(plan.Name) == "" {
		return Request{}, tier, fmt.Errorf("%w %q", ErrNoPlan, tier)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now()
	}
	targets := make([]Target, 0, len(plan.DynamicTargets))
	for i, slot := range plan.DynamicTargets {
		t, err := p.resolve(ctx, slot, tr, at)
		if err != nil {
			return Request{}, tier, fmt.Errorf("%w: slot %d (%s): %v", ErrUnresolved, i, slot.Role, err)
		}
		targets = append(targets, t)
	}
	return Request{Plan: plan.Name, Context: requestContext(tr), DynamicTargets: targets}, tier, nil
}

func (p *Planner) resolve(ctx context.Context, slot Slot, tr Trigger, at time.Time) (Target, error) {
	switch {
	case slot.Role == SlotTeam:
		if tr.Team == "" {
			return Target{}, errors.New("trigger has no team")
		}
		return Target{Role: "team", Target: tr.Team}, nil
	case slot.Role == SlotUser:
		if tr.User == "" {
			return Target{}, errors.New("trigger has no user")
		}
		return Target{Role: "user", Target: tr.User}, nil
	case slot.Role == SlotManager:
		return p.holder(ctx, tr.Team, "manager", at)
	case strings.HasPrefix(slot.Role, slotOncall):
		return p.holder(ctx, tr.Team, strings.TrimPrefix(slot.Role, slotOncall), at)
	default:
		return Target{}, fmt.Errorf("unknown role %q", slot.Role)
	}
}

func (p *Planner) holder(ctx context.Context, team, role string, at time.Time) (Target, error) {
	user, err := p.holders.CurrentHolder(ctx, team, role, at)
	if err != nil {
		return Target{}, err
	}
	if user == "" {
		return Target{}, fmt.Errorf("no %s holder for %s", role, team)
	}
	return Target{Role: "user", Target: user}, nil
}

func requestContext(tr Trigger) map[string]any {
	c := map[string]any{
		"trigger":     tr.Kind,
		"team":        tr.Team,
		"role":        tr.Role,
		"user":        tr.User,
		"event_id":    tr.EventID,
		"event_start": tr.EventStart.UTC().Format(time.RFC3339),
		"lead_time":   int64(tr.LeadTime / time.Second),
		"description": describe(tr),
	}
	if tr.RecordID != "" {
		c["record_id"] = tr.RecordID
	}
	if tr.Mode != "" {
		c["mode"] = tr.Mode
	}
	if tr.Reason != "" {
		c["reason"] = tr.Reason
	}
	return c
}

func describe(tr Trigger) string {
	switch tr.Kind {
	case TriggerUnacknowledged:
		return fmt.Sprintf("%s did not acknowledge the %s on-call reminder for %s", tr.User, tr.Role, tr.Team)
	default:
		return fmt.Sprintf("could not deliver the %s on-call reminder to %s for %s", tr.Role, tr.User, tr.Team)
	}
}

// Escalate plans and sends. Configuration gaps are logged, counted and
// returned; nothing is sent for them.
func (p *Planner) Escalate(ctx context.Context, tr Trigger) (Outcome, error) {
	log := p.log.With(logx.String("team", tr.Team), logx.String("role", tr.Role), logx.String("user", tr.User),
		logx.String("trigger", tr.Kind))
	req, tier, err := p.Plan(ctx, tr)
	if err != nil {
		if errors.Is(err, ErrNoTier) || errors.Is(err, ErrNoPlan) {
			p.metrics.EscalationConfigGap()
			p.metrics.Escalation(tr.Kind, "config_gap")
			log.Warn("escalation skipped: configuration gap", logx.Err(err))
			return Outcome{}, err
		}
		p.metrics.Escalation(tr.Kind, "unresolved")
		log.Error("escalation plan could not be resolved", logx.Err(err))
		return Outcome{}, err
	}
	id, err := p.svc.CreateIncident(ctx, req)
	if err != nil {
		p.metrics.Escalation(tr.Kind, "error")
		log.Error("escalation failed", logx.String("plan", req.Plan), logx.Err(err))
		return Outcome{}, err
	}
	p.metrics.Escalation(tr.Kind, "ok")
	log.Info("escalated", logx.String("plan", req.Plan), logx.String("incident", id))
	return Outcome{IncidentID: id, Tier: tier, Plan: req.Plan, Targets: req.DynamicTargets}, nil
}
