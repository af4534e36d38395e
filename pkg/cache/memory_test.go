package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCacheRoundTrip(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	_, ok, err := c.Get(ctx, ChatKey("c1"))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, ChatKey("c1"), []byte(`[{"role":"user"}]`), 0))

	val, ok, err := c.Get(ctx, ChatKey("c1"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `[{"role":"user"}]`, string(val))

	require.NoError(t, c.Delete(ctx, ChatKey("c1")))
	_, ok, err = c.Get(ctx, ChatKey("c1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheTTL(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheCopiesValues(t *testing.T) {
	c := NewMemoryCache()
	ctx := context.Background()

	src := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", src, 0))
	src[0] = 'z'

	val, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(val))
}
