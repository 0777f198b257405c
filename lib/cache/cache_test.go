package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheBasics(t *testing.T) {
	c := New(10)
	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Put("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 1, c.Len())

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCacheEvictsOldest(t *testing.T) {
	c := New(3)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)
	c.Put("d", 4) // evicts a

	_, ok := c.Get("a")
	assert.False(t, ok)
	for _, k := range []string{"b", "c", "d"} {
		_, ok := c.Get(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, c.Len())
}

func TestCacheReplaceKeepsOrder(t *testing.T) {
	c := New(2)
	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("a", 10) // replace, not insert
	c.Put("c", 3)  // evicts a, the oldest insertion

	_, ok := c.Get("a")
	assert.False(t, ok)
	v, ok := c.Get("b")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestCacheClear(t *testing.T) {
	c := New(2)
	c.Put("a", 1)
	c.Clear()
	assert.Equal(t, 0, c.Len())
	c.Put("b", 2)
	c.Put("c", 3)
	c.Put("d", 4)
	assert.Equal(t, 2, c.Len())
}
