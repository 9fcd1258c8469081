package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValueCacheEviction(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)
	require.True(t, c.Enabled())

	c.Add("a", "1")
	c.Add("b", "2")

	// Touch a so b becomes the least recently used
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, "1", v)

	c.Add("c", "3")
	_, ok = c.Get("b")
	require.False(t, ok, "b should have been evicted")
	require.Equal(t, 2, c.Len())

	c.Remove("a")
	_, ok = c.Get("a")
	require.False(t, ok)

	c.Purge()
	require.Equal(t, 0, c.Len())
}

func TestValueCacheOverwrite(t *testing.T) {
	c, err := New(8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c.Add("k", fmt.Sprintf("v%d", i))
	}
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, "v2", v)
	require.Equal(t, 1, c.Len())
}

func TestValueCacheDisabled(t *testing.T) {
	c, err := New(0)
	require.NoError(t, err)
	require.False(t, c.Enabled())

	c.Add("a", "1")
	_, ok := c.Get("a")
	require.False(t, ok)
	require.Equal(t, 0, c.Len())
	c.Remove("a")
	c.Purge()

	_, err = New(-1)
	require.Error(t, err)
}
