package reminders

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRetryLadder(t *testing.T) {
	p := DefaultRetryPolicy()

	want := []time.Duration{300 * time.Second, 900 * time.Second, 1800 * time.Second, 3600 * time.Second, 3600 * time.Second}
	for i, d := range want {
		assert.Equal(t, d, p.Delay(i+1), "retry %d", i+1)
	}
	assert.Equal(t, 300*time.Second, p.Delay(0))
}

func TestRetryBackoffBeyondLadder(t *testing.T) {
	p := RetryPolicy{Ladder: []time.Duration{time.Minute}, Cap: 10 * time.Minute}

	assert.Equal(t, time.Minute, p.Delay(1))
	assert.Equal(t, 2*time.Minute, p.Delay(2))
	assert.Equal(t, 4*time.Minute, p.Delay(3))
	assert.Equal(t, 8*time.Minute, p.Delay(4))
	assert.Equal(t, 10*time.Minute, p.Delay(5))
	assert.Equal(t, 10*time.Minute, p.Delay(60))
}

func TestRetryIntervalIsAFloor(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 300*time.Second, p.DelayFor(1, 60*time.Second))
	assert.Equal(t, 600*time.Second, p.DelayFor(1, 600*time.Second))
	assert.Equal(t, 900*time.Second, p.DelayFor(2, 600*time.Second))
}

func TestEmptyLadderFallsBackToCap(t *testing.T) {
	p := RetryPolicy{Cap: time.Hour}
	assert.Equal(t, time.Hour, p.Delay(3))
}
