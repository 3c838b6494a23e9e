package xed

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/relab/bbhash"
)

// offsetLookup maps an event's file offset back to its global position
// through a minimal perfect hash. Slots keep the offset they were built
// from so foreign offsets are rejected.
type offsetLookup struct {
	mph       *bbhash.BBHash2
	offsets   []uint64
	positions []int
}

// buildOffsetLookup indexes the first global position of every distinct
// offset. It returns nil for an empty index.
func buildOffsetLookup(g GlobalIndex, offsetOf func(GlobalRef) uint64) (*offsetLookup, error) {
	first := make(map[uint64]int, g.Len())
	keys := make([]uint64, 0, g.Len())
	for i := 0; i < g.Len(); i++ {
		off := offsetOf(g.At(i))
		if _, dup := first[off]; dup {
			continue
		}
		first[off] = i
		keys = append(keys, off)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	hashes := make([]uint64, len(keys))
	for i, off := range keys {
		hashes[i] = hashOffset(off)
	}
	mph, err := bbhash.New(hashes, bbhash.Gamma(2.0))
	if err != nil {
		return nil, fmt.Errorf("build offset MPHF: %w", err)
	}

	l := &offsetLookup{
		mph:       mph,
		offsets:   make([]uint64, len(keys)),
		positions: make([]int, len(keys)),
	}
	for _, off := range keys {
		// BBHash returns 1-indexed values.
		v := mph.Find(hashOffset(off))
		if v == 0 || v > uint64(len(keys)) {
			return nil, fmt.Errorf("MPHF lookup failed for offset %d", off)
		}
		l.offsets[v-1] = off
		l.positions[v-1] = first[off]
	}
	return l, nil
}

// find returns the global position of the event at off.
func (l *offsetLookup) find(off uint64) (int, bool) {
	if l == nil {
		return 0, false
	}
	v := l.mph.Find(hashOffset(off))
	if v == 0 || v > uint64(len(l.offsets)) {
		return 0, false
	}
	if l.offsets[v-1] != off {
		return 0, false
	}
	return l.positions[v-1], true
}

func hashOffset(off uint64) uint64 {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], off)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}
