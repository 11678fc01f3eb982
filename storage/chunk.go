package storage

// Commit describes a commit request.
type Commit struct {
	// Closed commits are the last before the store closes.
	Closed bool

	// Forced commits are synced to stable storage, and written even when
	// nothing changed.
	Forced bool

	// Shifted commits start a new zone once written.
	Shifted bool
}

// merged combines two pending requests.
func (c Commit) merged(o Commit) Commit {
	return Commit{
		Closed:  c.Closed || o.Closed,
		Forced:  c.Forced || o.Forced,
		Shifted: c.Shifted || o.Shifted,
	}
}

// Chunk is the output of one commit: the bytes to append to a zone at
// Base, and the germ to write once they are down.
type Chunk struct {
	Version int64
	Post    int32
	Zone    int32
	Base    int64
	Size    int64
	Data    []byte
	Germ    Germ
	Commit  Commit

	trunks []committedTrunk
}

type committedTrunk struct {
	trunk trunk
	tree  Tree
}
