package streams

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueWithSizes(t *testing.T) {
	t.Parallel()

	t.Run("fifo and total size", func(t *testing.T) {
		t.Parallel()
		var q queueWithSizes
		require.True(t, q.enqueue("a", 1))
		require.True(t, q.enqueue("b", 2.5))
		require.True(t, q.enqueue("c", 0))
		assert.Equal(t, 3, q.len())
		assert.Equal(t, 3.5, q.totalSize)

		assert.Equal(t, "a", q.peek())
		assert.Equal(t, "a", q.dequeue())
		assert.Equal(t, 2.5, q.totalSize)
		assert.Equal(t, "b", q.dequeue())
		assert.Equal(t, "c", q.dequeue())
		assert.Equal(t, 0, q.len())
		assert.Zero(t, q.totalSize)
	})

	t.Run("invalid sizes", func(t *testing.T) {
		t.Parallel()
		for _, size := range []float64{-1, math.NaN(), math.Inf(1), math.Inf(-1)} {
			var q queueWithSizes
			assert.False(t, q.enqueue("x", size), "size %v", size)
			assert.Equal(t, 0, q.len())
			assert.Zero(t, q.totalSize)
		}
	})

	t.Run("rounding residue is clamped", func(t *testing.T) {
		t.Parallel()
		var q queueWithSizes
		require.True(t, q.enqueue("a", 0.1))
		require.True(t, q.enqueue("b", 0.2))
		q.totalSize -= 1e-12
		q.dequeue()
		q.dequeue()
		assert.GreaterOrEqual(t, q.totalSize, 0.0)
	})

	t.Run("reset", func(t *testing.T) {
		t.Parallel()
		var q queueWithSizes
		require.True(t, q.enqueue("a", 4))
		q.reset()
		assert.Equal(t, 0, q.len())
		assert.Zero(t, q.totalSize)
	})
}
