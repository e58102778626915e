package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowWithinBurst(t *testing.T) {
	l := New()
	rule := Rule{Events: 5, Per: 15 * time.Minute}

	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("198.51.100.7", rule), "request %d should pass", i+1)
	}
	assert.False(t, l.Allow("198.51.100.7", rule))
}

func TestKeysAreIndependent(t *testing.T) {
	l := New()
	rule := Rule{Events: 1, Per: time.Hour}

	assert.True(t, l.Allow("a", rule))
	assert.False(t, l.Allow("a", rule))
	assert.True(t, l.Allow("b", rule))
}

func TestRulesDoNotShareBuckets(t *testing.T) {
	l := New()
	tight := Rule{Events: 1, Per: time.Hour}
	loose := Rule{Events: 100, Per: time.Hour}

	assert.True(t, l.Allow("a", tight))
	assert.False(t, l.Allow("a", tight))
	// The same key under the generous rule is unaffected.
	assert.True(t, l.Allow("a", loose))
}

func TestRefillOverTime(t *testing.T) {
	l := New()
	rule := Rule{Events: 2, Per: 100 * time.Millisecond}

	assert.True(t, l.Allow("a", rule))
	assert.True(t, l.Allow("a", rule))
	assert.False(t, l.Allow("a", rule))

	time.Sleep(120 * time.Millisecond)
	assert.True(t, l.Allow("a", rule))
}

func TestPrune(t *testing.T) {
	l := New()
	rule := Rule{Events: 1, Per: time.Hour}

	l.Allow("a", rule)
	l.Allow("b", rule)
	assert.Equal(t, 0, l.Prune(time.Minute))

	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, l.Prune(time.Nanosecond))
	assert.Equal(t, 0, l.Prune(time.Nanosecond))
}
