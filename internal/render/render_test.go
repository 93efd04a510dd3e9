package render

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDefaultsAndExecute(t *testing.T) {
	p, err := Parse("reminder", "", "{{.User}} is {{.Role}} in {{human .Lead}}", "Reminder for {{.Team}}", "unused")
	require.NoError(t, err)

	subject, body, err := p.Execute(map[string]any{"User": "alice", "Role": "primary", "Team": "core", "Lead": 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "Reminder for core", subject)
	assert.Equal(t, "alice is primary in 1d", body)
}

func TestMissingKeyFails(t *testing.T) {
	p, err := Parse("x", "{{.Nope}}", "b", "", "")
	require.NoError(t, err)
	_, _, err = p.Execute(map[string]any{})
	assert.Error(t, err)
}

func TestParseError(t *testing.T) {
	_, err := Parse("x", "{{.Broken", "b", "", "")
	assert.Error(t, err)
}

func TestHuman(t *testing.T) {
	assert.Equal(t, "1d", Human(24*time.Hour))
	assert.Equal(t, "7d", Human(7*24*time.Hour))
	assert.Equal(t, "25h", Human(25*time.Hour))
	assert.Equal(t, "1h30m", Human(90*time.Minute))
	assert.Equal(t, "45s", Human(45*time.Second))
	assert.Equal(t, "0s", Human(0))
}
