package storage

// Entry is a key and value pair. In an S-tree the key is the slot's
// identity key.
type Entry struct {
	Key   []byte
	Value []byte
}

// QEntry is a Q-tree entry: a key placed at a tile of two bit-intervals.
type QEntry struct {
	Key   []byte
	X     uint64
	Y     uint64
	Value []byte
}

// Accumulator folds one value into an accumulated result.
type Accumulator func(acc, value []byte) []byte

// Combiner merges two folded results.
type Combiner func(a, b []byte) []byte

func cloneEntries(s []Entry, extra int) []Entry {
	out := make([]Entry, len(s), len(s)+extra)
	copy(out, s)
	return out
}

func insertAt[T any](s []T, i int, v ...T) []T {
	out := make([]T, 0, len(s)+len(v))
	out = append(out, s[:i]...)
	out = append(out, v...)
	return append(out, s[i:]...)
}

func removeAt[T any](s []T, i int) []T {
	out := make([]T, 0, len(s)-1)
	out = append(out, s[:i]...)
	return append(out, s[i+1:]...)
}

func clone[T any](s []T) []T {
	out := make([]T, len(s))
	copy(out, s)
	return out
}
