package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestLRU_GetAdd(t *testing.T) {
	c := NewLRU[string, []float32](2, 0)

	c.Add("a", []float32{1})
	c.Add("b", []float32{2})

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float32{1}, v)

	// a 最近被读取，c 写入时淘汰 b
	c.Add("c", []float32{3})
	_, ok = c.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRU_LazyExpiry(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	c.Add("k", 7)
	now = now.Add(30 * time.Second)
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	now = now.Add(31 * time.Second)
	assert.Equal(t, 1, c.Len())
	_, ok = c.Get("k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry removed on read")
}

func TestLRU_RemoveAndPurge(t *testing.T) {
	c := NewLRU[int, int](0, 0)
	c.Add(1, 1)
	c.Add(2, 2)

	c.Remove(1)
	_, ok := c.Get(1)
	assert.False(t, ok)

	c.Purge()
	assert.Zero(t, c.Len())
}

func TestLRU_NeverExceedsCapacity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		size := rapid.IntRange(1, 16).Draw(t, "size")
		keys := rapid.SliceOf(rapid.IntRange(0, 64)).Draw(t, "keys")

		c := NewLRU[int, int](size, 0)
		for _, k := range keys {
			c.Add(k, k)
			if c.Len() > size {
				t.Fatalf("len %d exceeds capacity %d", c.Len(), size)
			}
		}
		if len(keys) > 0 {
			last := keys[len(keys)-1]
			if v, ok := c.Get(last); !ok || v != last {
				t.Fatalf("most recent key %d must be present", last)
			}
		}
	})
}

func TestLRU_Concurrent(t *testing.T) {
	c := NewLRU[int, int](32, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Add(id*100+j, j)
				c.Get(id*100 + j/2)
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 32)
}
