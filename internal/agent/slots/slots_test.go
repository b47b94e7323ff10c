package slots

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOf(t *testing.T) {
	assert.Equal(t, int64(0), Of(0, 300))
	assert.Equal(t, int64(0), Of(299.9, 300))
	assert.Equal(t, int64(1), Of(300, 300))
	assert.Equal(t, int64(2), Of(600, 300))
	assert.Equal(t, int64(3), Of(900, 300))
}

func TestOfNegativeClampsToZero(t *testing.T) {
	assert.Equal(t, int64(0), Of(-5, 300))
}

func TestOfUnixSeconds(t *testing.T) {
	// real-time operation: large slot ids are fine
	assert.Equal(t, int64(5748307), Of(1724492365, 300))
}

func TestSlotBounds(t *testing.T) {
	assert.Equal(t, 600.0, StartTime(2, 300))
	assert.Equal(t, 900.0, EndTime(2, 300))
}
