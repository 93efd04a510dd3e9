// Package window decides which reminders are due in a polling cycle.
//
// All comparisons are on absolute instants. Windows are half-open [From, To):
// consecutive cycles share their boundary, so an instant lands in exactly one window.
package window

import (
	"slices"
	"sort"
	"time"

	"oncallnotifier/internal/schedule"
)

// Span is the half-open interval of due instants scanned by one cycle.
type Span struct {
	From time.Time
	To   time.Time
	// Clamped reports that the gap since the last successful poll exceeded the
	// catch-up limit; Dropped is the part of the gap that will never be scanned.
	Clamped bool
	Dropped time.Duration
}

func (s Span) Empty() bool { return !s.From.Before(s.To) }

func (s Span) Width() time.Duration { return s.To.Sub(s.From) }

// Contains reports whether t is in [From, To).
func (s Span) Contains(t time.Time) bool { return !t.Before(s.From) && t.Before(s.To) }

// Lookback computes the span for a cycle running at now.
//
// With no previous successful poll the span is one interval. Otherwise it starts
// where the last successful span ended, so missed cycles are covered by one wider
// span, limited to maxCatchup (never narrower than one interval).
func Lookback(now, lastSuccess time.Time, interval, maxCatchup time.Duration) Span {
	now = now.UTC()
	if maxCatchup > 0 && maxCatchup < interval {
		maxCatchup = interval
	}
	if lastSuccess.IsZero() {
		return Span{From: now.Add(-interval), To: now}
	}
	lastSuccess = lastSuccess.UTC()
	if !lastSuccess.Before(now) {
		// Cursor ahead of the local clock: another replica with a faster clock already scanned this.
		return Span{From: now, To: now}
	}
	gap := now.Sub(lastSuccess)
	if maxCatchup > 0 && gap > maxCatchup {
		return Span{From: now.Add(-maxCatchup), To: now, Clamped: true, Dropped: gap - maxCatchup}
	}
	return Span{From: lastSuccess, To: now}
}

// Rule is one (role, lead time) reminder with its delivery modes.
type Rule struct {
	Role     string
	LeadTime time.Duration
	Modes    []string
}

// Tuple is a due reminder: the event, which rule's role and lead time matched, and the modes to send.
type Tuple struct {
	Event    schedule.Event
	Role     string
	LeadTime time.Duration
	Modes    []string
	DueAt    time.Time
}

// EventRange returns the range of event start instants that can produce a due
// tuple in span for the given rules. The schedule query uses it.
func EventRange(span Span, rules []Rule) (from, to time.Time) {
	if len(rules) == 0 || span.Empty() {
		return span.From, span.From
	}
	minLead, maxLead := rules[0].LeadTime, rules[0].LeadTime
	for _, r := range rules[1:] {
		minLead = min(minLead, r.LeadTime)
		maxLead = max(maxLead, r.LeadTime)
	}
	return span.From.Add(minLead), span.To.Add(maxLead)
}

// Roles returns the distinct roles referenced by rules, sorted.
func Roles(rules []Rule) []string {
	var out []string
	for _, r := range rules {
		if !slices.Contains(out, r.Role) {
			out = append(out, r.Role)
		}
	}
	sort.Strings(out)
	return out
}

type tupleKey struct {
	event int64
	role  string
	lead  time.Duration
}

// Due returns every (event, role, lead time) whose due instant start-lead lies in span.
// Rules sharing a (role, lead time) are merged so each tuple appears once with the union of modes.
// Output is ordered by due instant, then event id, role and lead time.
func Due(span Span, rules []Rule, events []schedule.Event) []Tuple {
	if span.Empty() {
		return nil
	}
	idx := map[tupleKey]int{}
	var out []Tuple
	for _, ev := range events {
		for _, r := range rules {
			if r.Role != ev.Role || r.LeadTime <= 0 {
				continue
			}
			due := ev.Start.UTC().Add(-r.LeadTime)
			if !span.Contains(due) {
				continue
			}
			k := tupleKey{event: ev.ID, role: r.Role, lead: r.LeadTime}
			if i, ok := idx[k]; ok {
				out[i].Modes = mergeModes(out[i].Modes, r.Modes)
				continue
			}
			idx[k] = len(out)
			out = append(out, Tuple{
				Event:    ev,
				Role:     r.Role,
				LeadTime: r.LeadTime,
				Modes:    mergeModes(nil, r.Modes),
				DueAt:    due,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.Event.ID != b.Event.ID {
			return a.Event.ID < b.Event.ID
		}
		if a.Role != b.Role {
			return a.Role < b.Role
		}
		return a.LeadTime < b.LeadTime
	})
	return out
}

func mergeModes(dst, src []string) []string {
	for _, m := range src {
		if !slices.Contains(dst, m) {
			dst = append(dst, m)
		}
	}
	sort.Strings(dst)
	return dst
}
