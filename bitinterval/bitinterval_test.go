package bitinterval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromRange(t *testing.T) {
	t.Run("should encode aligned ranges exactly", func(t *testing.T) {
		b := FromRange(0, 4)
		assert.Equal(t, 2, Rank(b))
		assert.Equal(t, uint64(0), Base(b))
		assert.Equal(t, uint64(4), Upper(b))

		b = FromRange(4, 8)
		assert.Equal(t, 2, Rank(b))
		assert.Equal(t, uint64(4), Base(b))
	})

	t.Run("should round unaligned ranges up to the enclosing interval", func(t *testing.T) {
		b := FromRange(3, 5)
		assert.Equal(t, uint64(0), Base(b))
		assert.Equal(t, uint64(8), Upper(b))
	})

	t.Run("should treat empty ranges as points", func(t *testing.T) {
		b := FromRange(7, 7)
		assert.Equal(t, 0, Rank(b))
		assert.Equal(t, uint64(7), Base(b))
	})
}

func TestUnion(t *testing.T) {
	t.Run("should cover both operands", func(t *testing.T) {
		a := FromRange(0, 4)
		b := FromRange(4, 8)
		u := Union(a, b)
		require.Equal(t, FromRange(0, 8), u)
		assert.True(t, Contains(u, a))
		assert.True(t, Contains(u, b))
	})

	t.Run("should be idempotent", func(t *testing.T) {
		a := FromRange(16, 32)
		assert.Equal(t, a, Union(a, a))
	})

	t.Run("should saturate at the full range", func(t *testing.T) {
		u := Union(FromPoint(0), FromPoint(uint64(1)<<57))
		assert.Equal(t, Full, u)
	})
}

func TestContainsAndIntersects(t *testing.T) {
	q := FromRange(0, 2)
	a := FromRange(0, 4)
	b := FromRange(4, 8)

	t.Run("should detect nesting", func(t *testing.T) {
		assert.True(t, Contains(a, q))
		assert.False(t, Contains(q, a))
		assert.False(t, Contains(a, b))
	})

	t.Run("should detect overlap in either direction", func(t *testing.T) {
		assert.True(t, Intersects(q, a))
		assert.True(t, Intersects(a, q))
		assert.False(t, Intersects(q, b))
		assert.True(t, Intersects(Full, b))
	})
}

func TestHalf(t *testing.T) {
	extent := FromRange(0, 8)

	t.Run("should classify tiles by side of the midpoint", func(t *testing.T) {
		assert.Equal(t, 0, Half(extent, FromRange(0, 4)))
		assert.Equal(t, 1, Half(extent, FromRange(4, 8)))
		assert.Equal(t, 1, Half(extent, FromPoint(6)))
	})

	t.Run("should report straddling tiles", func(t *testing.T) {
		assert.Equal(t, -1, Half(extent, extent))
		assert.Equal(t, -1, Half(FromPoint(3), FromPoint(3)))
	})
}

func TestCompare(t *testing.T) {
	t.Run("should sort enclosing ranges first", func(t *testing.T) {
		assert.Equal(t, -1, Compare(FromRange(0, 8), FromRange(0, 4)))
		assert.Equal(t, 1, Compare(FromRange(4, 8), FromRange(0, 8)))
		assert.Equal(t, 0, Compare(FromPoint(5), FromPoint(5)))
	})
}
