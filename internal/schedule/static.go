package schedule

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

// Static is an in-memory Store and Directory. It backs local runs (loaded from
// a fixture file) and tests.
type Static struct {
	mu       sync.RWMutex
	events   []Event
	contacts map[string]map[string]string // user -> mode -> address
}

func NewStatic() *Static {
	return &Static{contacts: map[string]map[string]string{}}
}

type staticFile struct {
	Events []struct {
		ID       int64     `yaml:"id"`
		Team     string    `yaml:"team"`
		Role     string    `yaml:"role"`
		User     string    `yaml:"user"`
		Start    time.Time `yaml:"start"`
		End      time.Time `yaml:"end"`
		Timezone string    `yaml:"timezone"`
	} `yaml:"events"`
	Contacts map[string]map[string]string `yaml:"contacts"`
}

// LoadStatic reads a YAML (or JSON) fixture with "events" and "contacts".
func LoadStatic(path string) (*Static, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f staticFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("schedule: parse %s: %w", path, err)
	}
	s := NewStatic()
	for _, e := range f.Events {
		s.AddEvent(Event{ID: e.ID, Team: e.Team, Role: e.Role, User: e.User, Start: e.Start, End: e.End, UserTimezone: e.Timezone})
	}
	for user, modes := range f.Contacts {
		for mode, addr := range modes {
			s.SetContact(user, mode, addr)
		}
	}
	return s, nil
}

func (s *Static) AddEvent(ev Event) {
	ev.Start = ev.Start.UTC()
	ev.End = ev.End.UTC()
	s.mu.Lock()
	s.events = append(s.events, ev)
	s.mu.Unlock()
}

func (s *Static) SetContact(user, mode, address string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.contacts[user]
	if m == nil {
		m = map[string]string{}
		s.contacts[user] = m
	}
	m[mode] = address
}

func (s *Static) RemoveContact(user, mode string) {
	s.mu.Lock()
	delete(s.contacts[user], mode)
	s.mu.Unlock()
}

func (s *Static) EventsStarting(_ context.Context, from, to time.Time, roles []string) ([]Event, error) {
	want := map[string]bool{}
	for _, r := range roles {
		want[r] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Event
	for _, ev := range s.events {
		if ev.Start.Before(from) || !ev.Start.Before(to) {
			continue
		}
		if len(want) > 0 && !want[ev.Role] {
			continue
		}
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Static) CurrentHolder(_ context.Context, team, role string, at time.Time) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  Event
		found bool
	)
	for _, ev := range s.events {
		if ev.Team != team || ev.Role != role {
			continue
		}
		if ev.Start.After(at) || !ev.End.After(at) {
			continue
		}
		if !found || ev.Start.After(best.Start) {
			best, found = ev, true
		}
	}
	if !found {
		return "", fmt.Errorf("%w: team=%s role=%s", ErrNoHolder, team, role)
	}
	return best.User, nil
}

func (s *Static) UsersWithEventsBetween(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := map[string]bool{}
	var out []string
	for _, ev := range s.events {
		if ev.Start.Before(from) || !ev.Start.Before(to) || seen[ev.User] {
			continue
		}
		seen[ev.User] = true
		out = append(out, ev.User)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Static) ContactMethods(_ context.Context, user string) ([]ContactMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ContactMethod
	for mode, addr := range s.contacts[user] {
		out = append(out, ContactMethod{User: user, Mode: mode, Address: addr})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Mode < out[j].Mode })
	return out, nil
}
