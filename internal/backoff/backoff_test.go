package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayDoublesUpToMax(t *testing.T) {
	p := Policy{Base: time.Second, Max: 5 * time.Second, NoJitter: true}
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 5*time.Second, p.Delay(4))
	assert.Equal(t, 5*time.Second, p.Delay(40))
}

func TestDelayJitterBounds(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute}
	for i := 0; i < 200; i++ {
		d := p.Delay(2)
		assert.GreaterOrEqual(t, d, 1400*time.Millisecond)
		assert.LessOrEqual(t, d, 2600*time.Millisecond)
	}
}

func TestNextPrefersRequested(t *testing.T) {
	p := Policy{Base: time.Second, Max: 30 * time.Second, NoJitter: true}
	assert.Equal(t, 7*time.Second, p.Next(1, 7*time.Second))
	assert.Equal(t, 30*time.Second, p.Next(1, time.Hour))
	assert.Equal(t, 2*time.Second, p.Next(2, 0))
}

func TestSleepCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}
