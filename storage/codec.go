package storage

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// TreeType identifies the kind of tree a page or seed belongs to.
type TreeType uint8

const (
	BTreeType TreeType = iota + 1
	QTreeType
	STreeType
	UTreeType
)

func (t TreeType) String() string {
	switch t {
	case BTreeType:
		return "btree"
	case QTreeType:
		return "qtree"
	case STreeType:
		return "stree"
	case UTreeType:
		return "utree"
	default:
		return fmt.Sprintf("tree(%d)", uint8(t))
	}
}

// ParseTreeType is the inverse of TreeType.String.
func ParseTreeType(s string) (TreeType, error) {
	for _, t := range []TreeType{BTreeType, QTreeType, STreeType, UTreeType} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, errors.Errorf("unknown tree type %q", s)
}

// pageTag is the header tag written first in every page record.
func pageTag(t TreeType, leaf bool) string {
	if leaf {
		return t.String() + "-leaf"
	}
	return t.String() + "-node"
}

func parsePageTag(tag string) (TreeType, bool, error) {
	for _, t := range []TreeType{BTreeType, QTreeType, STreeType, UTreeType} {
		switch tag {
		case pageTag(t, true):
			return t, true, nil
		case pageTag(t, false):
			if t == UTreeType {
				break
			}
			return t, false, nil
		}
	}
	return 0, false, errors.Errorf("unknown page tag %q", tag)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic(err)
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic(err)
	}
}

func encode(v any) ([]byte, error) {
	b, err := encMode.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode record")
	}
	return b, nil
}

func decode(b []byte, v any) error {
	if err := decMode.Unmarshal(b, v); err != nil {
		return errors.Wrap(err, "failed to decode record")
	}
	return nil
}

// refRecord is the encoding of a PageRef inside its parent node, a seed or
// a germ.
type refRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Stem    int64
	Post    int32
	Zone    int32
	Base    int64
	Size    int64
	Area    int64
	Span    int64
	Version int64
	X       uint64
	Y       uint64
	Fold    []byte
	HasFold bool
}

type slotRecord struct {
	_     struct{} `cbor:",toarray"`
	Key   []byte
	Value []byte
}

type qslotRecord struct {
	_     struct{} `cbor:",toarray"`
	Key   []byte
	X     uint64
	Y     uint64
	Value []byte
}

type btreeLeafRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Stem    int64
	Version int64
	Slots   []slotRecord
}

type btreeNodeRecord struct {
	_        struct{} `cbor:",toarray"`
	Tag      string
	Stem     int64
	Version  int64
	Span     int64
	Children []refRecord
	Knots    [][]byte
}

type qtreeLeafRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Stem    int64
	Version int64
	X       uint64
	Y       uint64
	Slots   []qslotRecord
}

type qtreeNodeRecord struct {
	_        struct{} `cbor:",toarray"`
	Tag      string
	Stem     int64
	Version  int64
	Span     int64
	X        uint64
	Y        uint64
	Children []refRecord
}

type streeLeafRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Stem    int64
	Version int64
	Slots   []slotRecord
}

type streeNodeRecord struct {
	_        struct{} `cbor:",toarray"`
	Tag      string
	Stem     int64
	Version  int64
	Span     int64
	Children []refRecord
	Knots    []int64
}

type utreeLeafRecord struct {
	_       struct{} `cbor:",toarray"`
	Tag     string
	Stem    int64
	Version int64
	Value   []byte
}

type seedRecord struct {
	_       struct{} `cbor:",toarray"`
	Type    string
	Stem    int64
	Created int64
	Updated int64
	Root    refRecord
}

type germRecord struct {
	_       struct{} `cbor:",toarray"`
	Stem    int64
	Version int64
	Created int64
	Updated int64
	Seed    *seedRecord
}

func entrySlots(entries []Entry) []slotRecord {
	slots := make([]slotRecord, len(entries))
	for i, e := range entries {
		slots[i] = slotRecord{Key: e.Key, Value: e.Value}
	}
	return slots
}

func slotEntries(slots []slotRecord) []Entry {
	entries := make([]Entry, len(slots))
	for i, s := range slots {
		entries[i] = Entry{Key: s.Key, Value: s.Value}
	}
	return entries
}

func encodeInt(v int64) []byte {
	b, err := encMode.Marshal(v)
	if err != nil {
		// Integers always encode
		panic(err)
	}
	return b
}

func decodeInt(b []byte) (int64, error) {
	var v int64
	if err := decode(b, &v); err != nil {
		return 0, err
	}
	return v, nil
}
