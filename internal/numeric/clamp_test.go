package numeric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClamp(t *testing.T) {
	assert.Equal(t, 5, Clamp(5, 0, 10))
	assert.Equal(t, 0, Clamp(-3, 0, 10))
	assert.Equal(t, 10, Clamp(15, 0, 10))
	assert.Equal(t, uint32(2), Clamp(uint32(2), uint32(2), uint32(20)))
	assert.Equal(t, 1.5, Clamp(1.5, 0.0, 2.0))
}
