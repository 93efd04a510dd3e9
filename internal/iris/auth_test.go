package iris

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignAndVerify(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 2, 0, time.UTC)
	s := NewSigner("oncall", "secret")
	s.Now = func() time.Time { return fixed }

	body := []byte(`{"plan":"urgent"}`)
	req, err := s.NewRequest(context.Background(), http.MethodPost, "http://iris.local/v0/incidents?x=1", body)
	require.NoError(t, err)
	assert.Contains(t, req.Header.Get("Authorization"), "hmac oncall:")
	assert.True(t, s.Verify(req, body))

	// Next window still accepts the previous one.
	later := s
	later.Now = func() time.Time { return fixed.Add(Window) }
	assert.True(t, later.Verify(req, body))

	assert.False(t, s.Verify(req, []byte(`{"plan":"medium"}`)))

	other := NewSigner("oncall", "different")
	other.Now = s.Now
	assert.False(t, other.Verify(req, body))
}
