package routing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStrikeTracker_NotInCooldownInitially(t *testing.T) {
	tr := NewStrikeTracker(time.Minute, 3, time.Minute)
	assert.False(t, tr.InCooldown("inst-1"))
}

func TestStrikeTracker_CooldownAfterThreshold(t *testing.T) {
	tr := NewStrikeTracker(time.Minute, 3, time.Minute)
	tr.RecordFailure("inst-1")
	assert.False(t, tr.InCooldown("inst-1"))
	tr.RecordFailure("inst-1")
	assert.False(t, tr.InCooldown("inst-1"))
	tr.RecordFailure("inst-1")
	assert.True(t, tr.InCooldown("inst-1"))
}

func TestStrikeTracker_OldStrikesOutsideWindowDontCount(t *testing.T) {
	tr := NewStrikeTracker(time.Millisecond, 3, time.Minute)
	tr.RecordFailure("inst-1")
	time.Sleep(5 * time.Millisecond)
	tr.RecordFailure("inst-1")
	tr.RecordFailure("inst-1")
	assert.False(t, tr.InCooldown("inst-1"))
}

func TestStrikeTracker_CooldownExpires(t *testing.T) {
	tr := NewStrikeTracker(time.Minute, 1, time.Millisecond)
	tr.RecordFailure("inst-1")
	assert.True(t, tr.InCooldown("inst-1"))
	time.Sleep(5 * time.Millisecond)
	assert.False(t, tr.InCooldown("inst-1"))
}
