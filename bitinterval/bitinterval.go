// Package bitinterval encodes power-of-two aligned ranges of unsigned
// integers as single 64-bit codes.
//
// A code packs a rank into its top 6 bits and a base into the low 58 bits.
// The code with rank r and base b denotes the half-open range
// [b, b + 2^r), where b is always a multiple of 2^r. Two aligned ranges
// either nest or are disjoint, which makes union, containment and
// intersection tests a handful of shifts.
//
// Q-tree tiles are pairs of codes, one per axis.
package bitinterval

import (
	"fmt"
	"math/bits"
)

const (
	// BaseBits is the width of the base field.
	BaseBits = 58

	// MaxRank is the rank of the code that spans the whole base space.
	MaxRank = BaseBits

	baseMask = uint64(1)<<BaseBits - 1
)

// Full is the code that covers every representable coordinate.
var Full = From(MaxRank, 0)

// From returns the code of rank r whose range contains base. The base is
// aligned down to a multiple of 2^r.
func From(r int, base uint64) uint64 {
	if r < 0 {
		r = 0
	}
	if r >= MaxRank {
		return uint64(MaxRank) << BaseBits
	}
	return uint64(r)<<BaseBits | base&baseMask&^(uint64(1)<<r-1)
}

// FromPoint returns the rank 0 code for the single coordinate x.
func FromPoint(x uint64) uint64 {
	return From(0, x)
}

// FromRange returns the smallest code whose range covers [lo, hi).
// An empty range yields the point code for lo.
func FromRange(lo, hi uint64) uint64 {
	if hi <= lo+1 {
		return FromPoint(lo)
	}
	return Union(FromPoint(lo), FromPoint(hi-1))
}

// Rank returns the rank of a code.
func Rank(b uint64) int {
	return int(b >> BaseBits)
}

// Base returns the inclusive lower bound of a code's range.
func Base(b uint64) uint64 {
	return b & baseMask
}

// Lower is an alias of Base.
func Lower(b uint64) uint64 {
	return Base(b)
}

// Upper returns the exclusive upper bound of a code's range.
func Upper(b uint64) uint64 {
	r := Rank(b)
	if r >= MaxRank {
		return baseMask + 1
	}
	return Base(b) + uint64(1)<<r
}

// Union returns the smallest code whose range covers both a and b.
func Union(a, b uint64) uint64 {
	r := max(Rank(a), Rank(b))
	if d := Base(a) ^ Base(b); d != 0 {
		r = max(r, bits.Len64(d))
	}
	return From(r, Base(a))
}

// Contains reports whether the range of a covers the range of b.
func Contains(a, b uint64) bool {
	ra := Rank(a)
	if ra < Rank(b) {
		return false
	}
	if ra >= MaxRank {
		return true
	}
	return Base(a)>>ra == Base(b)>>ra
}

// Intersects reports whether the ranges of a and b overlap.
func Intersects(a, b uint64) bool {
	r := max(Rank(a), Rank(b))
	if r >= MaxRank {
		return true
	}
	return Base(a)>>r == Base(b)>>r
}

// Compare orders codes by base, then by descending rank, so that an
// enclosing range sorts before the ranges it contains.
func Compare(a, b uint64) int {
	switch ba, bb := Base(a), Base(b); {
	case ba < bb:
		return -1
	case ba > bb:
		return 1
	}
	switch ra, rb := Rank(a), Rank(b); {
	case ra > rb:
		return -1
	case ra < rb:
		return 1
	}
	return 0
}

// Half classifies b against the two halves of extent. It returns 0 when b
// lies in the lower half, 1 when it lies in the upper half, and -1 when b
// straddles the midpoint or extent cannot be halved.
func Half(extent, b uint64) int {
	r := Rank(extent)
	if r == 0 || Rank(b) >= r {
		return -1
	}
	return int(Base(b)>>(r-1)) & 1
}

// String formats a code as its half-open range.
func String(b uint64) string {
	return fmt.Sprintf("[%d,%d)", Base(b), Upper(b))
}
