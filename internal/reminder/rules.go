package reminder

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"oncallnotifier/internal/window"
)

// RuleSet is the rule part of the reminder configuration.
//
// The effective rules are DefaultRoles x DefaultTimes with DefaultModes,
// plus the explicit Extra rules. Rules sharing (role, lead time) merge their modes.
type RuleSet struct {
	DefaultRoles []string
	DefaultTimes []time.Duration
	DefaultModes []string
	Extra        []window.Rule

	// Roles restricts which roles rules may name; empty allows any.
	Roles []string
	// AllowedTimes restricts lead times; empty allows any positive lead time.
	AllowedTimes []time.Duration
}

// BuildRules expands and validates rs. supports reports whether a mode has a backend.
func BuildRules(rs RuleSet, supports func(mode string) bool) ([]window.Rule, error) {
	var candidates []window.Rule
	for _, role := range rs.DefaultRoles {
		for _, lead := range rs.DefaultTimes {
			candidates = append(candidates, window.Rule{Role: role, LeadTime: lead, Modes: rs.DefaultModes})
		}
	}
	candidates = append(candidates, rs.Extra...)

	type key struct {
		role string
		lead time.Duration
	}
	idx := map[key]int{}
	var (
		out  []window.Rule
		errs []error
	)
	for i, r := range candidates {
		r.Role = strings.TrimSpace(r.Role)
		if err := checkRule(rs, r, supports); err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		k := key{r.Role, r.LeadTime}
		if j, ok := idx[k]; ok {
			for _, m := range r.Modes {
				if !slices.Contains(out[j].Modes, m) {
					out[j].Modes = append(out[j].Modes, m)
				}
			}
			continue
		}
		idx[k] = len(out)
		out = append(out, window.Rule{Role: r.Role, LeadTime: r.LeadTime, Modes: slices.Clone(r.Modes)})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, errors.New("no reminder rules configured")
	}
	for i := range out {
		sort.Strings(out[i].Modes)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Role != out[j].Role {
			return out[i].Role < out[j].Role
		}
		return out[i].LeadTime < out[j].LeadTime
	})
	return out, nil
}

func checkRule(rs RuleSet, r window.Rule, supports func(string) bool) error {
	if r.Role == "" {
		return errors.New("role is required")
	}
	if len(rs.Roles) > 0 && !slices.Contains(rs.Roles, r.Role) {
		return fmt.Errorf("role %q is not one of %v", r.Role, rs.Roles)
	}
	if r.LeadTime <= 0 || r.LeadTime%time.Second != 0 {
		return fmt.Errorf("lead time %s must be a positive whole number of seconds", r.LeadTime)
	}
	if len(rs.AllowedTimes) > 0 && !slices.Contains(rs.AllowedTimes, r.LeadTime) {
		return fmt.Errorf("lead time %s is not allowed", r.LeadTime)
	}
	if len(r.Modes) == 0 {
		return fmt.Errorf("role %q lead %s has no modes", r.Role, r.LeadTime)
	}
	for _, m := range r.Modes {
		if supports != nil && !supports(m) {
			return fmt.Errorf("mode %q has no messenger backend", m)
		}
	}
	return nil
}
