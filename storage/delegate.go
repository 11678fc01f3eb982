package storage

// TreeDelegate is told about every change a facade makes, after the typed
// callback fired.
type TreeDelegate interface {
	TreeDidChange(name string, tree Tree)
}

type BTreeDelegate interface {
	BTreeDidUpdate(key, newValue, oldValue []byte)
	BTreeDidRemove(key, oldValue []byte)
	BTreeDidDrop(lower int64)
	BTreeDidTake(upper int64)
	BTreeDidClear()
}

type QTreeDelegate interface {
	QTreeDidUpdate(key []byte, x, y uint64, newValue, oldValue []byte)
	QTreeDidMove(key []byte, oldX, oldY, newX, newY uint64, newValue, oldValue []byte)
	QTreeDidRemove(key []byte, x, y uint64, oldValue []byte)
	QTreeDidClear()
}

type STreeDelegate interface {
	STreeDidUpdate(index int64, key, newValue, oldValue []byte)
	STreeDidInsert(index int64, key, value []byte)
	STreeDidRemove(index int64, key, oldValue []byte)
	STreeDidMove(from, to int64, key, value []byte)
	STreeDidDrop(lower int64)
	STreeDidTake(upper int64)
	STreeDidClear()
}

type UTreeDelegate interface {
	UTreeDidUpdate(newValue, oldValue []byte)
}
