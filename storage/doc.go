// Package storage is an embedded, copy-on-write storage engine.
//
// Data lives in immutable trees of pages. There are four kinds of tree:
// B-trees (sorted maps), Q-trees (spatial maps keyed by tile), S-trees
// (lists addressed by position) and U-trees (single values). Changing a
// tree produces a new tree that shares every untouched page with the old
// one. A Trunk holds the current tree for a name and swaps in new ones
// with compare-and-swap.
//
// A Database owns the trunks. Committing gathers every changed page,
// assigns it a place in the current zone file and serializes it into one
// Chunk. The Store appends chunks to zone files and compacts old zones
// away.
//
// # Zone Layout
//
// A store is a directory of numbered zone files:
//
//	path/to/store/
//	├── {{ NAME }}-1.zdb
//	├── {{ NAME }}-2.zdb
//	├── {{ NAME }}-3.zdb.corrupt-{{ UUID }}
//
// Each zone file starts with two 1024 byte germ blocks. Both hold the same
// germ; the one with the later update time wins when the zone is opened,
// so a torn write of either leaves the other usable. The germ points at
// the meta tree, which points at the seed tree, which points at the root
// of every named tree.
//
// After the germs come the committed chunks. Each page is a CBOR array
// whose first element names the page kind, followed by a newline. Within
// a chunk pages are written children first, data trees before the seed
// tree and the seed tree before the meta tree.
//
// Zones that can't be read on open are renamed aside, never deleted.
package storage
