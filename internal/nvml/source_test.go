package nvml

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClockType_String(t *testing.T) {
	assert.Equal(t, "graphics", ClockGraphics.String())
	assert.Equal(t, "sm", ClockSM.String())
	assert.Equal(t, "memory", ClockMemory.String())
	assert.Equal(t, "unknown", ClockType(42).String())
}
