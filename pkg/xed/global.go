package xed

import (
	"container/heap"
	"unsafe"
)

// GlobalRef points at one record of a stream index.
type GlobalRef struct {
	Stream uint16
	Index  uint32
}

var globalRefBytes = uint64(unsafe.Sizeof(GlobalRef{}))

// GlobalIndex orders the records of every stream by file offset. It refers
// to stream indices and owns no entry data.
type GlobalIndex struct {
	refs []GlobalRef
}

// Len returns the number of references.
func (g GlobalIndex) Len() int {
	return len(g.refs)
}

// At returns the reference at position i.
func (g GlobalIndex) At(i int) GlobalRef {
	return g.refs[i]
}

// mergeItem is the head of one stream during the merge.
type mergeItem struct {
	offset uint64
	slot   int // position in the streams slice; breaks offset ties
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if h[i].offset != h[j].offset {
		return h[i].offset < h[j].offset
	}
	return h[i].slot < h[j].slot
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// BuildGlobalIndex merges the stream indices into file-offset order. Each
// stream is consumed in its own order; when two heads share an offset the
// stream earlier in streams wins.
func BuildGlobalIndex(streams []StreamIndex) GlobalIndex {
	total := 0
	for _, s := range streams {
		total += s.Len()
	}

	refs := make([]GlobalRef, 0, total)
	next := make([]int, len(streams))
	h := make(mergeHeap, 0, len(streams))
	for i, s := range streams {
		if s.Len() > 0 {
			h = append(h, mergeItem{offset: s.Records[0].Entry.FrameFileOffset, slot: i})
		}
	}
	heap.Init(&h)

	for h.Len() > 0 {
		item := heap.Pop(&h).(mergeItem)
		s := streams[item.slot]
		refs = append(refs, GlobalRef{Stream: s.Stream, Index: uint32(next[item.slot])})
		next[item.slot]++
		if next[item.slot] < s.Len() {
			heap.Push(&h, mergeItem{
				offset: s.Records[next[item.slot]].Entry.FrameFileOffset,
				slot:   item.slot,
			})
		}
	}
	return GlobalIndex{refs: refs}
}
