// Package xedtest assembles synthetic containers for tests. The output
// follows the on-disk layout exactly; tests corrupt it through Layout.
package xedtest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Frame is the part of the big-endian frame metadata tests care about.
type Frame struct {
	Width     uint16
	Height    uint16
	Sequence  uint32
	Timestamp uint32
}

// Bytes encodes f as a 24-byte big-endian metadata block.
func (f Frame) Bytes() []byte {
	b := make([]byte, 24)
	be := binary.BigEndian
	be.PutUint16(b[8:10], f.Width)
	be.PutUint16(b[10:12], f.Height)
	be.PutUint32(b[12:16], f.Sequence)
	be.PutUint32(b[20:24], f.Timestamp)
	return b
}

// Event is one record to place in the event sequence.
type Event struct {
	Stream uint16
	// Timestamp != 0 makes the record carry a metadata block.
	Timestamp uint64
	Frame     Frame
	Payload   []byte
	// SizeSkew is added to the second length field and the second data size.
	SizeSkew uint32
}

// Builder describes a container. The zero value of each knob is a sane default.
type Builder struct {
	Version uint32
	// Streams is the header stream count. Default: highest event stream + 1.
	Streams int
	// Extra is the per-entry metadata size. Use NoExtra for trimmed files.
	Extra uint16
	// NoExtra forces Extra to 0.
	NoExtra bool
	// MaxPerBlock is the number of entries per index block. Default: 2.
	MaxPerBlock uint32
	Events      []Event

	// TrailerStreams overrides the trailer's stream count field.
	TrailerStreams *uint16
	// ReverseTrailer writes stream records in descending stream order.
	ReverseTrailer bool
	// ExtraRecords appends trailer records for these stream numbers with no entries.
	ExtraRecords []uint16
}

// Layout records where each structure was written.
type Layout struct {
	EventOffsets  []int64         // by event order
	StreamEvents  map[uint16][]int // stream -> indices into Builder.Events
	BlockOffsets  map[uint16][]int64
	TrailerOffset int64
	RecordOffsets map[uint16]int64 // start of each stream record
	Size          int64
}

type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *writer) zero(n int)   { w.buf = append(w.buf, make([]byte, n)...) }
func (w *writer) pos() int64   { return int64(len(w.buf)) }

type entry struct {
	offset    uint64
	timestamp uint64
	size      uint32
	size2     uint32
	frame     Frame
}

func (w *writer) entry(e entry) {
	w.u64(e.offset)
	w.u64(e.timestamp)
	w.u32(e.size)
	w.u32(e.size2)
}

func (b Builder) extra() uint16 {
	if b.NoExtra {
		return 0
	}
	if b.Extra == 0 {
		return 24
	}
	return b.Extra
}

func (b Builder) streams() int {
	if b.Streams > 0 {
		return b.Streams
	}
	n := 0
	for _, ev := range b.Events {
		if int(ev.Stream)+1 > n {
			n = int(ev.Stream) + 1
		}
	}
	return n
}

// Build assembles the container bytes.
func (b Builder) Build() ([]byte, Layout) {
	maxPer := b.MaxPerBlock
	if maxPer == 0 {
		maxPer = 2
	}
	extra := b.extra()
	streams := b.streams()

	w := &writer{}
	w.zero(24)

	lay := Layout{
		StreamEvents:  make(map[uint16][]int),
		BlockOffsets:  make(map[uint16][]int64),
		RecordOffsets: make(map[uint16]int64),
	}
	entries := make(map[uint16][]entry)

	for i, ev := range b.Events {
		off := w.pos()
		lay.EventOffsets = append(lay.EventOffsets, off)
		lay.StreamEvents[ev.Stream] = append(lay.StreamEvents[ev.Stream], i)

		size := uint32(len(ev.Payload))
		w.u16(ev.Stream)
		w.u16(0)
		w.u32(size)
		w.u64(ev.Timestamp)
		w.u32(0)
		w.u32(size + ev.SizeSkew)
		if ev.Timestamp != 0 {
			w.raw(ev.Frame.Bytes())
		}
		w.raw(ev.Payload)

		entries[ev.Stream] = append(entries[ev.Stream], entry{
			offset:    uint64(off),
			timestamp: ev.Timestamp,
			size:      size,
			size2:     size + ev.SizeSkew,
			frame:     ev.Frame,
		})
	}

	for s := 0; s < streams; s++ {
		list := entries[uint16(s)]
		for start := 0; start < len(list); start += int(maxPer) {
			chunk := list[start:min(start+int(maxPer), len(list))]
			lay.BlockOffsets[uint16(s)] = append(lay.BlockOffsets[uint16(s)], w.pos())
			w.u16(0xFFFF)
			w.u16(0)
			w.u32(uint32(len(chunk)))
			w.zero(16)
			for _, e := range chunk {
				w.entry(e)
			}
			if extra > 0 {
				for _, e := range chunk {
					meta := make([]byte, extra)
					copy(meta, e.frame.Bytes())
					w.raw(meta)
				}
			}
		}
	}

	lay.TrailerOffset = w.pos()
	count := uint16(streams + len(b.ExtraRecords))
	if b.TrailerStreams != nil {
		count = *b.TrailerStreams
	}
	w.u16(count)

	order := make([]uint16, 0, streams)
	for s := 0; s < streams; s++ {
		order = append(order, uint16(s))
	}
	if b.ReverseTrailer {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}
	order = append(order, b.ExtraRecords...)

	for _, s := range order {
		lay.RecordOffsets[s] = w.pos()
		list := entries[s]
		blocks := lay.BlockOffsets[s]
		w.u16(0xFFFF)
		w.u16(0xFFFF)
		w.u16(s)
		w.u16(extra)
		w.u32(uint32(len(list)))
		w.u32(0)
		w.u32(maxPer)
		w.u32(uint32(len(blocks)))
		for k := 0; k < 2; k++ {
			if k < len(list) {
				w.entry(list[k])
			} else {
				w.zero(24)
			}
		}
		w.zero(48)
		if extra > 0 {
			w.zero(2 * int(extra))
		}
		for _, off := range blocks {
			w.u64(uint64(off))
		}
		w.u32(0)
	}

	out := w.buf
	copy(out[0:8], "EVENTS1\x00")
	binary.LittleEndian.PutUint32(out[8:12], b.Version)
	binary.LittleEndian.PutUint32(out[12:16], uint32(streams))
	binary.LittleEndian.PutUint64(out[16:24], uint64(lay.TrailerOffset))
	lay.Size = int64(len(out))
	return out, lay
}

// WriteFile builds the container into a file under t.TempDir.
func (b Builder) WriteFile(t testing.TB) (string, Layout) {
	t.Helper()
	data, lay := b.Build()
	path := filepath.Join(t.TempDir(), "recording.xed")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write container: %v", err)
	}
	return path, lay
}

// Uint16Ptr returns a pointer to v.
func Uint16Ptr(v uint16) *uint16 {
	return &v
}
