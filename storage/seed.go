package storage

import (
	"time"

	"github.com/pkg/errors"
)

// Seed is the persisted pointer to a tree's root.
type Seed struct {
	Type    TreeType
	Stem    int64
	Created int64
	Updated int64
	Root    *PageRef
}

func (s Seed) record() (seedRecord, error) {
	if s.Root == nil || !s.Root.IsCommitted() {
		return seedRecord{}, errors.Errorf("seed of stem %d has an uncommitted root", s.Stem)
	}
	return seedRecord{
		Type:    s.Type.String(),
		Stem:    s.Stem,
		Created: s.Created,
		Updated: s.Updated,
		Root:    s.Root.record(),
	}, nil
}

func encodeSeed(s Seed) ([]byte, error) {
	rec, err := s.record()
	if err != nil {
		return nil, err
	}
	return encode(rec)
}

func seedFromRecord(ctx *PageContext, rec seedRecord, resident bool) (Seed, error) {
	typ, err := ParseTreeType(rec.Type)
	if err != nil {
		return Seed{}, err
	}
	root, err := decodeRef(ctx, rec.Root, resident)
	if err != nil {
		return Seed{}, err
	}
	if root.typ != typ || root.stem != rec.Stem {
		return Seed{}, errors.Errorf("seed root %s does not match %s stem %d", root, typ, rec.Stem)
	}
	return Seed{
		Type:    typ,
		Stem:    rec.Stem,
		Created: rec.Created,
		Updated: rec.Updated,
		Root:    root,
	}, nil
}

func decodeSeed(ctx *PageContext, b []byte, resident bool) (Seed, error) {
	var rec seedRecord
	if err := decode(b, &rec); err != nil {
		return Seed{}, corruptError("seed", err)
	}
	s, err := seedFromRecord(ctx, rec, resident)
	if err != nil {
		return Seed{}, corruptError("seed", err)
	}
	return s, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
