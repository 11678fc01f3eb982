package storage

import (
	"bytes"

	"github.com/pkg/errors"
)

// GermSize is the size of each of the two germ blocks at the head of a
// zone file.
const GermSize = 1024

// Germ anchors a zone: the database counters and the seed of its meta
// tree. It's written twice, once per block, so a torn write of one block
// leaves the other intact.
type Germ struct {
	Stem    int64
	Version int64
	Created int64
	Updated int64

	// Seed is the encoded seed of the meta tree. Nil for a database that
	// has never been committed.
	Seed []byte
}

// Encode returns the germ padded to exactly GermSize bytes.
func (g Germ) Encode() ([]byte, error) {
	rec := germRecord{
		Stem:    g.Stem,
		Version: g.Version,
		Created: g.Created,
		Updated: g.Updated,
	}
	if g.Seed != nil {
		var s seedRecord
		if err := decode(g.Seed, &s); err != nil {
			return nil, err
		}
		rec.Seed = &s
	}
	b, err := encode(rec)
	if err != nil {
		return nil, err
	}
	if len(b) > GermSize {
		return nil, errors.Wrapf(ErrGermTooLarge, "germ takes %d bytes", len(b))
	}
	block := make([]byte, GermSize)
	copy(block, b)
	return block, nil
}

// DecodeGerm parses one germ block.
func DecodeGerm(block []byte) (Germ, error) {
	if len(block) != GermSize {
		return Germ{}, corruptError("germ", errors.Errorf("germ block of %d bytes", len(block)))
	}
	if isZero(block) {
		return Germ{}, ErrNoGerm
	}

	var rec germRecord
	rest, err := decMode.UnmarshalFirst(block, &rec)
	if err != nil {
		return Germ{}, corruptError("germ", errors.Wrap(err, "failed to decode germ"))
	}
	if !isZero(rest) {
		return Germ{}, corruptError("germ", errors.New("germ padding is not zero"))
	}
	if rec.Version < 0 || rec.Stem < 0 {
		return Germ{}, corruptError("germ", errors.Errorf("germ has negative counters"))
	}

	g := Germ{
		Stem:    rec.Stem,
		Version: rec.Version,
		Created: rec.Created,
		Updated: rec.Updated,
	}
	if rec.Seed != nil {
		if g.Seed, err = encode(rec.Seed); err != nil {
			return Germ{}, corruptError("germ", err)
		}
	}
	return g, nil
}

// ReadGerm picks the newer of the two germ blocks. One unreadable block is
// tolerated.
func ReadGerm(header []byte) (Germ, error) {
	if len(header) < 2*GermSize {
		return Germ{}, ErrNoGerm
	}
	g0, err0 := DecodeGerm(header[:GermSize])
	g1, err1 := DecodeGerm(header[GermSize : 2*GermSize])
	switch {
	case err0 == nil && err1 == nil:
		if g1.Updated > g0.Updated {
			return g1, nil
		}
		return g0, nil
	case err0 == nil:
		return g0, nil
	case err1 == nil:
		return g1, nil
	case errors.Is(err0, ErrNoGerm) && errors.Is(err1, ErrNoGerm):
		return Germ{}, ErrNoGerm
	case errors.Is(err0, ErrNoGerm):
		return Germ{}, err1
	}
	return Germ{}, err0
}

func isZero(b []byte) bool {
	return len(bytes.Trim(b, "\x00")) == 0
}
