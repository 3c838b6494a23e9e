package xed

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/internal/xedtest"
	"github.com/eunmann/xed-reader/pkg/membudget"
)

func quietCtx() context.Context {
	return logctx.WithLogger(context.Background(), zerolog.Nop())
}

func bigBudget() *membudget.Budget {
	return membudget.New(membudget.Config{TotalBytes: 64 << 20, Source: membudget.BudgetSourceCLI})
}

// twoStreams interleaves three events of each of two streams. With two
// entries per block each stream has two index blocks.
func twoStreams() xedtest.Builder {
	return xedtest.Builder{
		Version: 1,
		Events: []xedtest.Event{
			{Stream: 0, Timestamp: 10, Frame: xedtest.Frame{Width: 640, Height: 480, Sequence: 1, Timestamp: 100}, Payload: []byte("aaaa")},
			{Stream: 1, Payload: []byte("bb")},
			{Stream: 0, Payload: []byte("cccccc")},
			{Stream: 1, Timestamp: 20, Frame: xedtest.Frame{Width: 320, Height: 240, Sequence: 2, Timestamp: 200}, Payload: []byte("dddddddd")},
			{Stream: 0, Timestamp: 30, Frame: xedtest.Frame{Width: 640, Height: 480, Sequence: 3, Timestamp: 300}, Payload: []byte("e")},
			{Stream: 1, Payload: []byte("ff")},
		},
	}
}

func openBytes(t *testing.T, data []byte, opts Options) (*Reader, error) {
	t.Helper()
	if opts.Budget == nil {
		opts.Budget = bigBudget()
	}
	return NewReader(quietCtx(), bytes.NewReader(data), int64(len(data)), opts)
}

func mustOpen(t *testing.T, data []byte, opts Options) *Reader {
	t.Helper()
	r, err := openBytes(t, data, opts)
	if err != nil {
		t.Fatalf("NewReader failed: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func hasDiag(r *Reader, code DiagCode) bool {
	for _, d := range r.Diagnostics() {
		if d.Code == code {
			return true
		}
	}
	return false
}

func TestOpen_IndexesEveryStream(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	h := r.Header()
	if h.Version != 1 || h.StreamCount != 2 || h.TrailerOffset != uint64(lay.TrailerOffset) {
		t.Errorf("header = %+v", h)
	}
	if r.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", r.Size(), len(data))
	}

	for stream := 0; stream < 2; stream++ {
		n, err := r.EventCount(stream)
		if err != nil {
			t.Fatalf("EventCount(%d): %v", stream, err)
		}
		if n != 3 {
			t.Errorf("EventCount(%d) = %d, want 3", stream, n)
		}
	}
	if n, _ := r.EventCount(AllStreams); n != 6 {
		t.Errorf("EventCount(AllStreams) = %d, want 6", n)
	}

	summaries := r.Streams()
	if len(summaries) != 2 {
		t.Fatalf("Streams() returned %d summaries, want 2", len(summaries))
	}
	for i, s := range summaries {
		if int(s.StreamNumber) != i || s.TotalIndexEntries != 3 || s.NumIndexBlocks != 2 || s.MaxEntriesPerBlock != 2 {
			t.Errorf("summary %d = %+v", i, s)
		}
		if s.ExtraMetadataSize != 24 {
			t.Errorf("summary %d extra = %d, want 24", i, s.ExtraMetadataSize)
		}
		if s.RecordSize() != 120+48+16+4 {
			t.Errorf("summary %d RecordSize() = %d, want 188", i, s.RecordSize())
		}
	}
	if summaries[0].Event0.FrameFileOffset != uint64(lay.EventOffsets[0]) {
		t.Errorf("Event0 offset = %d, want %d", summaries[0].Event0.FrameFileOffset, lay.EventOffsets[0])
	}

	if diags := r.Diagnostics(); len(diags) != 0 {
		t.Errorf("unexpected diagnostics: %v", diags)
	}
}

func TestOpen_StreamIndexEntries(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	for stream, events := range lay.StreamEvents {
		for i, ev := range events {
			rec, err := r.IndexEntry(int(stream), i)
			if err != nil {
				t.Fatalf("IndexEntry(%d, %d): %v", stream, i, err)
			}
			if rec.Stream != stream {
				t.Errorf("IndexEntry(%d, %d).Stream = %d", stream, i, rec.Stream)
			}
			if rec.Entry.FrameFileOffset != uint64(lay.EventOffsets[ev]) {
				t.Errorf("IndexEntry(%d, %d) offset = %d, want %d", stream, i, rec.Entry.FrameFileOffset, lay.EventOffsets[ev])
			}
			if !rec.Meta.Present {
				t.Errorf("IndexEntry(%d, %d) metadata missing", stream, i)
			}
		}
	}

	rec, _ := r.IndexEntry(1, 1)
	if rec.Meta.Info.Width != 320 || rec.Meta.Info.SequenceNumber != 2 {
		t.Errorf("stream 1 entry 1 meta = %+v", rec.Meta.Info)
	}
	if rec.Entry.FrameTimestamp != 20 || rec.Entry.DataSize != 8 || rec.Entry.DataSize2 != 8 {
		t.Errorf("stream 1 entry 1 = %+v", rec.Entry)
	}
}

func TestOpen_GlobalOrder(t *testing.T) {
	want := []GlobalRef{{0, 0}, {1, 0}, {0, 1}, {1, 1}, {0, 2}, {1, 2}}

	for _, reverse := range []bool{false, true} {
		b := twoStreams()
		b.ReverseTrailer = reverse
		data, _ := b.Build()
		r := mustOpen(t, data, Options{})

		var prev uint64
		for i, w := range want {
			ref, err := r.GlobalRef(i)
			if err != nil {
				t.Fatal(err)
			}
			if ref != w {
				t.Errorf("reverse=%v position %d = %+v, want %+v", reverse, i, ref, w)
			}
			rec, _ := r.IndexEntry(AllStreams, i)
			if rec.Entry.FrameFileOffset < prev {
				t.Errorf("reverse=%v position %d offset decreased", reverse, i)
			}
			prev = rec.Entry.FrameFileOffset
		}

		if reverse && !hasDiag(r, DiagStreamNumberMismatch) {
			t.Error("expected stream number mismatch diagnostic for reversed trailer")
		}
		wantPos := 0
		if reverse {
			wantPos = 1
		}
		if s := r.Streams(); s[0].StreamNumber != 0 || s[0].Position != wantPos {
			t.Errorf("reverse=%v first summary = stream %d position %d", reverse, s[0].StreamNumber, s[0].Position)
		}
	}
}

func TestReadEvent(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})
	buf := make([]byte, 64)

	ev, err := r.ReadEvent(1, 1, buf)
	if err != nil {
		t.Fatalf("ReadEvent(1, 1): %v", err)
	}
	if string(ev.Payload) != "dddddddd" {
		t.Errorf("payload = %q", ev.Payload)
	}
	if ev.Kind != EventData || ev.StreamID != 1 || ev.Offset != lay.EventOffsets[3] {
		t.Errorf("event = kind %v stream %d offset %d", ev.Kind, ev.StreamID, ev.Offset)
	}
	if !ev.Meta.Present || ev.Meta.Info.Width != 320 || ev.Meta.Info.Height != 240 {
		t.Errorf("meta = %+v", ev.Meta)
	}
	if ev.Position != 3 {
		t.Errorf("Position = %d, want 3", ev.Position)
	}
	if ev.Truncated() || !ev.LengthsAgree() {
		t.Errorf("Truncated() = %v LengthsAgree() = %v", ev.Truncated(), ev.LengthsAgree())
	}

	ev, err = r.ReadEvent(AllStreams, 4, buf)
	if err != nil {
		t.Fatalf("ReadEvent(AllStreams, 4): %v", err)
	}
	if string(ev.Payload) != "e" || ev.StreamID != 0 || ev.Position != 4 {
		t.Errorf("global 4 = stream %d payload %q position %d", ev.StreamID, ev.Payload, ev.Position)
	}
}

func TestReadEvent_MetadataOnlyWithTimestamp(t *testing.T) {
	data, _ := twoStreams().Build()
	r := mustOpen(t, data, Options{})
	buf := make([]byte, 64)

	ev, err := r.ReadEvent(1, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Timestamp != 0 || ev.Meta.Present {
		t.Errorf("timestamp %d present %v, want 0 false", ev.Timestamp, ev.Meta.Present)
	}
	if string(ev.Payload) != "bb" {
		t.Errorf("payload = %q; metadata may have been consumed", ev.Payload)
	}

	ev, err = r.ReadEvent(0, 0, buf)
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Meta.Present || ev.Meta.Info.Width != 640 {
		t.Errorf("meta = %+v, want width 640 decoded big-endian", ev.Meta)
	}
	if string(ev.Payload) != "aaaa" {
		t.Errorf("payload = %q", ev.Payload)
	}
}

func TestReadEvent_SmallBufferThenReadNext(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	small := make([]byte, 2)
	ev, err := r.ReadEvent(0, 0, small)
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Payload) != "aa" || ev.PayloadSize != 4 || !ev.Truncated() {
		t.Errorf("payload %q size %d truncated %v", ev.Payload, ev.PayloadSize, ev.Truncated())
	}

	next, err := r.ReadNext(make([]byte, 64))
	if err != nil {
		t.Fatalf("ReadNext: %v", err)
	}
	if next.Offset != lay.EventOffsets[1] || string(next.Payload) != "bb" || next.Position != 1 {
		t.Errorf("next = offset %d payload %q position %d, want offset %d", next.Offset, next.Payload, next.Position, lay.EventOffsets[1])
	}
}

func TestReadEvent_NilBuffer(t *testing.T) {
	data, _ := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	ev, err := r.ReadEvent(1, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ev.Payload) != 0 || ev.PayloadSize != 8 {
		t.Errorf("payload len %d size %d", len(ev.Payload), ev.PayloadSize)
	}
	next, err := r.ReadNext(nil)
	if err != nil {
		t.Fatal(err)
	}
	if next.Position != 4 {
		t.Errorf("next position = %d, want 4", next.Position)
	}
}

func TestScan(t *testing.T) {
	data, _ := twoStreams().Build()
	r := mustOpen(t, data, Options{})
	if err := r.Rewind(); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 256)
	var positions []int
	var blocks int
	for {
		ev, err := r.ReadNext(buf)
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		if err != nil {
			t.Fatalf("ReadNext: %v", err)
		}
		switch ev.Kind {
		case EventIndexBlock:
			blocks++
			if ev.Position != -1 {
				t.Errorf("index block has position %d", ev.Position)
			}
			if ev.PayloadSize != int64(ev.Length)*48 {
				t.Errorf("index block payload %d for %d entries", ev.PayloadSize, ev.Length)
			}
		case EventData:
			positions = append(positions, ev.Position)
		}
	}

	if len(positions) != 6 {
		t.Fatalf("scanned %d data events, want 6", len(positions))
	}
	for i, p := range positions {
		if p != i {
			t.Errorf("event %d position = %d", i, p)
		}
	}
	if blocks != 4 {
		t.Errorf("scanned %d index blocks, want 4", blocks)
	}

	if _, err := r.ReadNext(buf); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("ReadNext after end = %v, want ErrEndOfStream", err)
	}

	if err := r.Rewind(); err != nil {
		t.Fatal(err)
	}
	ev, err := r.ReadNext(buf)
	if err != nil || ev.Position != 0 {
		t.Errorf("after Rewind: position %d err %v", ev.Position, err)
	}
}

func TestScan_StartsAtFirstEventAfterOpen(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	ev, err := r.ReadNext(nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Offset != lay.EventOffsets[0] || ev.Offset != HeaderSize {
		t.Errorf("first event at %d, want %d", ev.Offset, HeaderSize)
	}
}

func TestScan_StreamIDBeyondCount(t *testing.T) {
	b := xedtest.Builder{
		Streams: 1,
		Events: []xedtest.Event{
			{Stream: 0, Payload: []byte("ok")},
			{Stream: 2, Payload: []byte("bad")},
		},
	}
	data, _ := b.Build()
	r := mustOpen(t, data, Options{})

	if _, err := r.ReadNext(nil); err != nil {
		t.Fatalf("first ReadNext: %v", err)
	}
	if _, err := r.ReadNext(nil); !errors.Is(err, ErrInvalidData) {
		t.Errorf("err = %v, want ErrInvalidData", err)
	}
}

func TestSelectorsOutOfRange(t *testing.T) {
	data, _ := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	if _, err := r.EventCount(2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EventCount(2) err = %v", err)
	}
	if _, err := r.EventCount(-2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EventCount(-2) err = %v", err)
	}
	if _, err := r.IndexEntry(0, 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("IndexEntry(0, 3) err = %v", err)
	}
	if _, err := r.IndexEntry(0, -1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("IndexEntry(0, -1) err = %v", err)
	}
	if _, err := r.ReadEvent(AllStreams, 6, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("ReadEvent(AllStreams, 6) err = %v", err)
	}
	if _, err := r.GlobalRef(-1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("GlobalRef(-1) err = %v", err)
	}
}

func TestOpen_HeaderErrors(t *testing.T) {
	good, _ := twoStreams().Build()

	tests := []struct {
		name    string
		mutate  func([]byte) []byte
		wantErr error
	}{
		{
			name:    "short file",
			mutate:  func(b []byte) []byte { return b[:10] },
			wantErr: ErrTruncated,
		},
		{
			name:    "empty file",
			mutate:  func(b []byte) []byte { return nil },
			wantErr: ErrTruncated,
		},
		{
			name: "bad magic",
			mutate: func(b []byte) []byte {
				b[6] = '2'
				return b
			},
			wantErr: ErrInvalidMagic,
		},
		{
			name: "zero trailer offset",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[16:24], 0)
				return b
			},
			wantErr: ErrInvalidData,
		},
		{
			name: "trailer offset beyond file",
			mutate: func(b []byte) []byte {
				binary.LittleEndian.PutUint64(b[16:24], uint64(len(b)))
				return b
			},
			wantErr: ErrInvalidData,
		},
		{
			name:    "truncated trailer",
			mutate:  func(b []byte) []byte { return b[:len(b)-3] },
			wantErr: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(bytes.Clone(good))
			_, err := openBytes(t, data, Options{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestOpen_EveryMagicByteMatters(t *testing.T) {
	good, _ := twoStreams().Build()
	for i := 0; i < len(Magic); i++ {
		data := bytes.Clone(good)
		data[i] ^= 0xFF
		if _, err := openBytes(t, data, Options{}); !errors.Is(err, ErrInvalidMagic) {
			t.Errorf("byte %d: err = %v, want ErrInvalidMagic", i, err)
		}
	}
}

func TestOpen_StructuralErrors(t *testing.T) {
	good, lay := twoStreams().Build()

	tests := []struct {
		name    string
		mutate  func([]byte)
		wantErr error
	}{
		{
			name:    "record sentinel",
			mutate:  func(b []byte) { b[lay.RecordOffsets[1]+2] = 0 },
			wantErr: ErrInvalidData,
		},
		{
			name:    "block marker",
			mutate:  func(b []byte) { b[lay.BlockOffsets[1][0]] = 0 },
			wantErr: ErrInvalidData,
		},
		{
			name: "block overflows stream index",
			mutate: func(b []byte) {
				off := lay.BlockOffsets[1][1]
				binary.LittleEndian.PutUint32(b[off+4:off+8], 2)
			},
			wantErr: ErrInvalidData,
		},
		{
			name: "block offset beyond file",
			mutate: func(b []byte) {
				table := lay.RecordOffsets[0] + 120 + 48
				binary.LittleEndian.PutUint64(b[table:table+8], uint64(len(b))+100)
			},
			wantErr: ErrTruncated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := bytes.Clone(good)
			tt.mutate(data)
			_, err := openBytes(t, data, Options{})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIndexLoader_FailureKeepsEarlierStreams(t *testing.T) {
	data, lay := twoStreams().Build()
	off := lay.BlockOffsets[1][1]
	binary.LittleEndian.PutUint32(data[off+4:off+8], 2)

	ctx := quietCtx()
	c := newCursor(bytes.NewReader(data), int64(len(data)))
	diag := newDiagnostics(zerolog.Nop())
	h, err := readHeader(c)
	if err != nil {
		t.Fatal(err)
	}
	summaries, err := readTrailer(ctx, c, h, DefaultMaxStreams, diag)
	if err != nil {
		t.Fatal(err)
	}

	loader := &indexLoader{c: c, diag: diag}
	first, err := loader.load(ctx, summaries[0])
	if err != nil {
		t.Fatalf("stream 0: %v", err)
	}
	if _, err := loader.load(ctx, summaries[1]); !errors.Is(err, ErrInvalidData) {
		t.Fatalf("stream 1 err = %v, want ErrInvalidData", err)
	}

	if first.Len() != 3 {
		t.Fatalf("stream 0 has %d records after stream 1 failed", first.Len())
	}
	for i, ev := range lay.StreamEvents[0] {
		if first.Records[i].Entry.FrameFileOffset != uint64(lay.EventOffsets[ev]) {
			t.Errorf("stream 0 record %d changed", i)
		}
	}
}

func TestOpen_Diagnostics(t *testing.T) {
	t.Run("trailer count mismatch", func(t *testing.T) {
		b := twoStreams()
		b.Streams = 3
		b.TrailerStreams = xedtest.Uint16Ptr(2)
		data, _ := b.Build()
		r := mustOpen(t, data, Options{})

		if !hasDiag(r, DiagStreamCountMismatch) {
			t.Error("missing stream count mismatch diagnostic")
		}
		if n, err := r.EventCount(2); err != nil || n != 0 {
			t.Errorf("EventCount(2) = %d, %v; want 0, nil", n, err)
		}
		if n, _ := r.EventCount(AllStreams); n != 6 {
			t.Errorf("EventCount(AllStreams) = %d, want 6", n)
		}
	})

	t.Run("ignored records", func(t *testing.T) {
		b := twoStreams()
		b.ExtraRecords = []uint16{5}
		data, _ := b.Build()
		r := mustOpen(t, data, Options{})

		if !hasDiag(r, DiagStreamIgnored) {
			t.Error("missing stream ignored diagnostic")
		}
		if !hasDiag(r, DiagStreamCountMismatch) {
			t.Error("missing stream count mismatch diagnostic")
		}
		if len(r.Streams()) != 2 {
			t.Errorf("Streams() = %d summaries, want 2", len(r.Streams()))
		}
	})

	t.Run("max streams", func(t *testing.T) {
		data, _ := twoStreams().Build()
		r := mustOpen(t, data, Options{MaxStreams: 1})

		if !hasDiag(r, DiagStreamIgnored) {
			t.Error("missing stream ignored diagnostic")
		}
		if _, err := r.EventCount(1); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("EventCount(1) err = %v, want ErrInvalidArgument", err)
		}
		if n, _ := r.EventCount(AllStreams); n != 3 {
			t.Errorf("EventCount(AllStreams) = %d, want 3", n)
		}
	})

	t.Run("length mismatch", func(t *testing.T) {
		b := twoStreams()
		b.Events[2].SizeSkew = 1
		data, _ := b.Build()
		r := mustOpen(t, data, Options{})

		if !hasDiag(r, DiagLengthMismatch) {
			t.Error("missing length mismatch diagnostic")
		}
		ev, err := r.ReadEvent(0, 1, make([]byte, 16))
		if err != nil {
			t.Fatal(err)
		}
		if ev.LengthsAgree() {
			t.Error("LengthsAgree() = true for skewed event")
		}
		if string(ev.Payload) != "cccccc" {
			t.Errorf("payload = %q, Length must drive the read", ev.Payload)
		}
	})

	t.Run("reserved non-zero", func(t *testing.T) {
		data, lay := twoStreams().Build()
		off := lay.BlockOffsets[0][0]
		data[off+2] = 1
		r := mustOpen(t, data, Options{})
		if !hasDiag(r, DiagReservedNonZero) {
			t.Error("missing reserved non-zero diagnostic")
		}
	})

	t.Run("block coverage", func(t *testing.T) {
		data, lay := twoStreams().Build()
		rec := lay.RecordOffsets[0]
		binary.LittleEndian.PutUint32(data[rec+16:rec+20], 1)
		r := mustOpen(t, data, Options{})
		if !hasDiag(r, DiagBlockCoverage) {
			t.Error("missing block coverage diagnostic")
		}
	})
}

func TestOpen_DuplicateStreamRecord(t *testing.T) {
	b := twoStreams()
	b.ExtraRecords = []uint16{0}
	data, _ := b.Build()

	if _, err := openBytes(t, data, Options{}); !errors.Is(err, ErrInvalidData) {
		t.Errorf("err = %v, want ErrInvalidData", err)
	}
}

func TestOpen_TrimmedStreams(t *testing.T) {
	b := twoStreams()
	b.NoExtra = true
	data, lay := b.Build()
	r := mustOpen(t, data, Options{})

	if s := r.Streams(); s[0].ExtraMetadataSize != 0 || s[0].RecordSize() != 120+16+4 {
		t.Errorf("summary = %+v size %d", s[0], s[0].RecordSize())
	}
	for stream := 0; stream < 2; stream++ {
		for i := 0; i < 3; i++ {
			rec, err := r.IndexEntry(stream, i)
			if err != nil {
				t.Fatal(err)
			}
			if rec.Meta.Present {
				t.Errorf("IndexEntry(%d, %d) has metadata on a trimmed file", stream, i)
			}
			ev := lay.StreamEvents[uint16(stream)][i]
			if rec.Entry.FrameFileOffset != uint64(lay.EventOffsets[ev]) {
				t.Errorf("IndexEntry(%d, %d) offset wrong", stream, i)
			}
		}
	}

	ev, err := r.ReadEvent(0, 0, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	if !ev.Meta.Present || ev.Meta.Info.Width != 640 {
		t.Errorf("in-event metadata not decoded: %+v", ev.Meta)
	}
}

func TestOpen_OtherExtraSizes(t *testing.T) {
	tests := []struct {
		extra     uint16
		wantTS    uint32
		wantWidth uint16
	}{
		{extra: 16, wantTS: 0, wantWidth: 640},
		{extra: 32, wantTS: 100, wantWidth: 640},
	}

	for _, tt := range tests {
		b := twoStreams()
		b.Extra = tt.extra
		data, _ := b.Build()
		r := mustOpen(t, data, Options{})

		rec, err := r.IndexEntry(0, 0)
		if err != nil {
			t.Fatal(err)
		}
		if !rec.Meta.Present || rec.Meta.Info.Width != tt.wantWidth || rec.Meta.Info.Timestamp != tt.wantTS {
			t.Errorf("extra %d: meta = %+v", tt.extra, rec.Meta)
		}
		if n, _ := r.EventCount(1); n != 3 {
			t.Errorf("extra %d: stream 1 count = %d", tt.extra, n)
		}
	}
}

func TestPositionOf(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{})

	for i, off := range lay.EventOffsets {
		pos, ok := r.PositionOf(uint64(off))
		if !ok || pos != i {
			t.Errorf("PositionOf(%d) = %d, %v; want %d", off, pos, ok, i)
		}
	}
	if _, ok := r.PositionOf(uint64(lay.TrailerOffset)); ok {
		t.Error("PositionOf(trailer) reported a hit")
	}
}

func TestSkipOffsetLookup(t *testing.T) {
	data, lay := twoStreams().Build()
	r := mustOpen(t, data, Options{SkipOffsetLookup: true})

	if _, ok := r.PositionOf(uint64(lay.EventOffsets[0])); ok {
		t.Error("PositionOf hit with lookup disabled")
	}
	ev, err := r.ReadEvent(0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ev.Position != -1 {
		t.Errorf("Position = %d, want -1", ev.Position)
	}
}

func TestOpen_OutOfMemory(t *testing.T) {
	data, _ := twoStreams().Build()

	tests := []struct {
		name  string
		total uint64
	}{
		{"stream index refused", indexRecordBytes},
		{"global index refused", 6 * indexRecordBytes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			budget := membudget.New(membudget.Config{TotalBytes: tt.total, Source: membudget.BudgetSourceCLI})
			_, err := openBytes(t, data, Options{Budget: budget})
			if !errors.Is(err, ErrOutOfMemory) {
				t.Fatalf("err = %v, want ErrOutOfMemory", err)
			}
			if !strings.Contains(err.Error(), "available") {
				t.Errorf("err = %v, want the available budget in the message", err)
			}
			if budget.InUse() != 0 {
				t.Errorf("InUse() = %d after failed open, want 0", budget.InUse())
			}
		})
	}
}

func TestClose(t *testing.T) {
	data, _ := twoStreams().Build()
	budget := bigBudget()
	r, err := openBytes(t, data, Options{Budget: budget})
	if err != nil {
		t.Fatal(err)
	}
	want := 6*indexRecordBytes + 6*globalRefBytes
	if budget.InUse() != want {
		t.Errorf("InUse() = %d, want %d", budget.InUse(), want)
	}

	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if budget.InUse() != 0 {
		t.Errorf("InUse() = %d after Close, want 0", budget.InUse())
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}

	if _, err := r.EventCount(0); !errors.Is(err, ErrClosed) {
		t.Errorf("EventCount after Close err = %v", err)
	}
	if _, err := r.ReadNext(nil); !errors.Is(err, ErrClosed) {
		t.Errorf("ReadNext after Close err = %v", err)
	}
	if err := r.Rewind(); !errors.Is(err, ErrClosed) {
		t.Errorf("Rewind after Close err = %v", err)
	}
}

func TestOpen_Cancelled(t *testing.T) {
	data, _ := twoStreams().Build()
	ctx, cancel := context.WithCancel(quietCtx())
	cancel()

	budget := bigBudget()
	_, err := NewReader(ctx, bytes.NewReader(data), int64(len(data)), Options{Budget: budget})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if budget.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", budget.InUse())
	}
}

func TestOpen_EmptyStreams(t *testing.T) {
	data, _ := xedtest.Builder{Streams: 2}.Build()
	r := mustOpen(t, data, Options{})

	if n, _ := r.EventCount(AllStreams); n != 0 {
		t.Errorf("EventCount(AllStreams) = %d, want 0", n)
	}
	if _, err := r.ReadNext(nil); !errors.Is(err, ErrEndOfStream) {
		t.Errorf("ReadNext on empty container err = %v, want ErrEndOfStream", err)
	}
}

func TestOpenFile(t *testing.T) {
	path, lay := twoStreams().WriteFile(t)

	r, err := Open(quietCtx(), path, Options{Budget: bigBudget()})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.Size() != lay.Size {
		t.Errorf("Size() = %d, want %d", r.Size(), lay.Size)
	}
	ev, err := r.ReadEvent(1, 2, make([]byte, 8))
	if err != nil {
		t.Fatal(err)
	}
	if string(ev.Payload) != "ff" {
		t.Errorf("payload = %q, want ff", ev.Payload)
	}
}

func TestOpenFile_Errors(t *testing.T) {
	dir := t.TempDir()

	if _, err := Open(quietCtx(), filepath.Join(dir, "missing.xed"), Options{}); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(dir, "empty.xed")
	if err := os.WriteFile(empty, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(quietCtx(), empty, Options{Budget: bigBudget()}); !errors.Is(err, ErrTruncated) {
		t.Errorf("empty file err = %v, want ErrTruncated", err)
	}
}

func TestReadEvent_PayloadRunsPastEnd(t *testing.T) {
	data, lay := twoStreams().Build()
	binary.LittleEndian.PutUint32(data[lay.EventOffsets[0]+4:], 0xFFFFFF00)
	r := mustOpen(t, data, Options{})

	ev, err := r.ReadEvent(0, 0, make([]byte, 2))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("err = %v, want ErrTruncated", err)
	}
	if string(ev.Payload) != "aa" || ev.PayloadSize != 0xFFFFFF00 || ev.Position != 0 {
		t.Errorf("partial event = payload %q size %d position %d", ev.Payload, ev.PayloadSize, ev.Position)
	}
	if !ev.Meta.Present || ev.Meta.Info.Width != 640 {
		t.Errorf("metadata lost on partial event: %+v", ev.Meta)
	}

	_, err = r.ReadEvent(0, 0, make([]byte, 1<<20))
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("large buffer err = %v, want ErrTruncated", err)
	}

	ev, err = r.ReadEvent(1, 0, make([]byte, 64))
	if err != nil {
		t.Fatalf("intact event after truncated one: %v", err)
	}
	if string(ev.Payload) != "bb" {
		t.Errorf("payload = %q, want bb", ev.Payload)
	}
}

func TestStreamLimit(t *testing.T) {
	tests := []struct {
		name       string
		count      uint32
		maxStreams int
		want       int
	}{
		{"header below max", 2, 16, 2},
		{"max below header", 40, 16, 16},
		{"large max", 1 << 31, 1 << 30, 1 << 16},
		{"large header", 1<<32 - 1, 1 << 20, 1 << 16},
		{"exact space", 1 << 16, 1 << 16, 1 << 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := streamLimit(Header{StreamCount: tt.count}, tt.maxStreams); got != tt.want {
				t.Errorf("streamLimit = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOpen_LargeMaxStreamsCorruptCount(t *testing.T) {
	b := twoStreams()
	data, _ := b.Build()
	binary.LittleEndian.PutUint32(data[12:], 1<<32-1)
	r := mustOpen(t, data, Options{MaxStreams: 1 << 30})

	if _, err := r.EventCount(1 << 16); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("EventCount(65536) err = %v, want ErrInvalidArgument", err)
	}
	if n, err := r.EventCount(1); err != nil || n != 3 {
		t.Errorf("EventCount(1) = %d, %v; want 3", n, err)
	}
}

func TestOpen_PhaseLoggers(t *testing.T) {
	prev := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })

	var buf bytes.Buffer
	ctx := logctx.WithLogger(context.Background(), zerolog.New(&buf))
	data, _ := twoStreams().Build()
	r, err := NewReader(ctx, bytes.NewReader(data), int64(len(data)), Options{Budget: bigBudget()})
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	phases := map[string]string{
		"trailer record":      `"phase":"trailer"`,
		"stream index loaded": `"phase":"index"`,
		"global index built":  `"phase":"merge"`,
		"container indexed":   `"phase":"open"`,
	}
	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		for msg, phase := range phases {
			if !strings.Contains(line, `"message":"`+msg+`"`) {
				continue
			}
			seen[msg] = true
			if !strings.Contains(line, phase) {
				t.Errorf("%q logged without %s: %s", msg, phase, line)
			}
			if strings.Count(line, `"phase"`) != 1 {
				t.Errorf("%q logged with nested phases: %s", msg, line)
			}
		}
	}
	if !strings.Contains(buf.String(), `"record_bytes":188`) {
		t.Errorf("trailer record size not logged:\n%s", buf.String())
	}
	for msg := range phases {
		if !seen[msg] {
			t.Errorf("no %q line in output:\n%s", msg, buf.String())
		}
	}
}
