package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCache(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewTTLCache[[]string](time.Minute)
	c.now = func() time.Time { return now }

	_, ok := c.Get()
	assert.False(t, ok)

	c.Set([]string{"relay.mail"})
	v, ok := c.Get()
	assert.True(t, ok)
	assert.Equal(t, []string{"relay.mail"}, v)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get()
	assert.False(t, ok, "过期后失效")

	c.Set([]string{"x"})
	c.Invalidate()
	_, ok = c.Get()
	assert.False(t, ok)
}

func TestTTLCache_Disabled(t *testing.T) {
	c := NewTTLCache[int](0)
	c.Set(1)
	_, ok := c.Get()
	assert.False(t, ok)
}
