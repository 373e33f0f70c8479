package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestChatLimiterSlidingWindow(t *testing.T) {
	l := newChatLimiter(3, 10*time.Second)
	t0 := time.Unix(1700000000, 0)

	assert.True(t, l.allow("c1", t0))
	assert.True(t, l.allow("c1", t0.Add(time.Second)))
	assert.True(t, l.allow("c1", t0.Add(2*time.Second)))
	assert.False(t, l.allow("c1", t0.Add(3*time.Second)))

	// the first event slides out of the window
	assert.True(t, l.allow("c1", t0.Add(11*time.Second)))
}

func TestChatLimiterPerConnection(t *testing.T) {
	l := newChatLimiter(1, 10*time.Second)
	t0 := time.Unix(1700000000, 0)

	assert.True(t, l.allow("c1", t0))
	assert.False(t, l.allow("c1", t0))
	assert.True(t, l.allow("c2", t0))
}

func TestChatLimiterForget(t *testing.T) {
	l := newChatLimiter(1, 10*time.Second)
	t0 := time.Unix(1700000000, 0)

	assert.True(t, l.allow("c1", t0))
	l.forget("c1")
	assert.True(t, l.allow("c1", t0))
}
