// Package contact checks whether responders can be reached, and nags the ones
// who cannot.
package contact

import (
	"context"
	"strings"
	"sync"

	"oncallnotifier/internal/schedule"
)

// Validator answers "does user have an address for mode" from the contact directory.
type Validator struct {
	dir schedule.Directory
}

func NewValidator(dir schedule.Directory) *Validator {
	return &Validator{dir: dir}
}

// Check looks the user up directly. A missing method is (zero, false, nil).
func (v *Validator) Check(ctx context.Context, user, mode string) (schedule.ContactMethod, bool, error) {
	methods, err := v.dir.ContactMethods(ctx, user)
	if err != nil {
		return schedule.ContactMethod{}, false, err
	}
	return pick(methods, mode)
}

// Missing returns the modes in required that user has no usable address for.
func (v *Validator) Missing(ctx context.Context, user string, required []string) ([]string, error) {
	methods, err := v.dir.ContactMethods(ctx, user)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, mode := range required {
		if _, ok, _ := pick(methods, mode); !ok {
			out = append(out, mode)
		}
	}
	return out, nil
}

// ForCycle returns a view that looks each user up at most once. It is meant
// to live for one poll cycle so contact edits are picked up on the next one.
func (v *Validator) ForCycle() *Cycle {
	return &Cycle{v: v, users: map[string]*lookup{}}
}

type lookup struct {
	done    chan struct{}
	methods []schedule.ContactMethod
	err     error
}

// Cycle is a per-cycle cached Validator. Safe for concurrent use.
type Cycle struct {
	v     *Validator
	mu    sync.Mutex
	users map[string]*lookup
}

func (c *Cycle) Check(ctx context.Context, user, mode string) (schedule.ContactMethod, bool, error) {
	c.mu.Lock()
	l, ok := c.users[user]
	if !ok {
		l = &lookup{done: make(chan struct{})}
		c.users[user] = l
		c.mu.Unlock()
		l.methods, l.err = c.v.dir.ContactMethods(ctx, user)
		close(l.done)
		if l.err != nil {
			// Do not cache failures; the next caller retries.
			c.mu.Lock()
			if c.users[user] == l {
				delete(c.users, user)
			}
			c.mu.Unlock()
		}
	} else {
		c.mu.Unlock()
		select {
		case <-l.done:
		case <-ctx.Done():
			return schedule.ContactMethod{}, false, ctx.Err()
		}
	}
	if l.err != nil {
		return schedule.ContactMethod{}, false, l.err
	}
	return pick(l.methods, mode)
}

func pick(methods []schedule.ContactMethod, mode string) (schedule.ContactMethod, bool, error) {
	for _, m := range methods {
		if m.Mode == mode && strings.TrimSpace(m.Address) != "" {
			return m, true, nil
		}
	}
	return schedule.ContactMethod{}, false, nil
}
