package xed

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/logging"
	"github.com/eunmann/xed-reader/pkg/membudget"
)

// AllStreams selects the global index instead of a single stream.
const AllStreams = -1

// DefaultMaxStreams is the number of streams a reader indexes unless
// configured otherwise.
const DefaultMaxStreams = 16

// Options configures how a container is opened.
type Options struct {
	// MaxStreams caps the number of streams indexed. Trailer records for
	// higher stream numbers are skipped. Default: DefaultMaxStreams.
	MaxStreams int

	// Budget gates index allocations. If nil, a budget of half the system
	// RAM is used.
	Budget *membudget.Budget

	// SkipOffsetLookup disables the offset-to-position table used to fill
	// Event.Position.
	SkipOffsetLookup bool
}

func (o Options) withDefaults() Options {
	if o.MaxStreams <= 0 {
		o.MaxStreams = DefaultMaxStreams
	}
	if o.Budget == nil {
		o.Budget = membudget.NewFromSystemRAM()
	}
	return o
}

// Reader serves random and sequential reads from an opened container.
// The indices are built once at open and never change. A Reader keeps a
// single file position and is not safe for concurrent use.
type Reader struct {
	c      *cursor
	closer io.Closer
	log    zerolog.Logger

	header    Header
	summaries []StreamSummary
	streams   []StreamIndex // indexed by stream number
	global    GlobalIndex
	offsets   *offsetLookup
	diag      *diagnostics

	budget   *membudget.Budget
	reserved uint64
	closed   bool
}

// Open maps the file at path and builds its indices. The mapping is
// released on every failure path.
func Open(ctx context.Context, path string, opts Options) (*Reader, error) {
	m, err := mapFile(path)
	if err != nil {
		return nil, err
	}
	ctx = logctx.WithFile(ctx, path)
	r, err := newReader(ctx, bytes.NewReader(m.data), int64(len(m.data)), m, opts)
	if err != nil {
		m.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return r, nil
}

// NewReader builds the indices of a container read through src. The
// caller keeps ownership of src.
func NewReader(ctx context.Context, src io.ReadSeeker, size int64, opts Options) (*Reader, error) {
	return newReader(ctx, src, size, nil, opts)
}

func newReader(ctx context.Context, src io.ReadSeeker, size int64, closer io.Closer, opts Options) (*Reader, error) {
	opts = opts.withDefaults()
	log := logctx.FromContext(logging.WithPhase(ctx, "open"))

	r := &Reader{
		c:      newCursor(src, size),
		closer: closer,
		log:    log,
		diag:   newDiagnostics(log),
		budget: opts.Budget,
	}
	if err := r.load(ctx, opts); err != nil {
		log.Error().Err(err).Msg("open failed")
		r.releaseIndices()
		return nil, err
	}
	return r, nil
}

// load runs header, trailer, per-stream index, and merge in that order.
// Each phase logs through its own phase-tagged logger.
func (r *Reader) load(ctx context.Context, opts Options) error {
	h, err := readHeader(r.c)
	if err != nil {
		return err
	}
	r.header = h

	if err := ctx.Err(); err != nil {
		return err
	}
	summaries, err := readTrailer(logging.WithPhase(ctx, "trailer"), r.c, h, opts.MaxStreams, r.diag)
	if err != nil {
		return err
	}
	r.summaries = summaries

	streams := make([]StreamIndex, streamLimit(h, opts.MaxStreams))
	for i := range streams {
		streams[i].Stream = uint16(i)
	}
	loader := &indexLoader{c: r.c, diag: r.diag, budget: r.budget}
	defer func() { r.reserved += loader.reserved }()
	indexCtx := logging.WithPhase(ctx, "index")
	var expected int
	for _, s := range summaries {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx, err := loader.load(logctx.WithStream(indexCtx, int(s.StreamNumber)), s)
		if err != nil {
			return err
		}
		streams[s.StreamNumber] = idx
		expected += idx.Len()
	}
	r.streams = streams

	need := uint64(expected) * globalRefBytes
	if !r.reserve(need) {
		return fmt.Errorf("global index of %d entries needs %d bytes, %d available: %w",
			expected, need, r.budget.Available(), ErrOutOfMemory)
	}
	mergeLog := logctx.FromContext(logging.WithPhase(ctx, "merge"))
	r.global = BuildGlobalIndex(streams)
	mergeLog.Debug().
		Int("streams", len(summaries)).
		Int("entries", r.global.Len()).
		Msg("global index built")
	if r.global.Len() != expected {
		r.diag.add(DiagGlobalShortfall, -1, -1,
			"global index has %d of %d entries", r.global.Len(), expected)
	}

	if !opts.SkipOffsetLookup {
		lookup, err := buildOffsetLookup(r.global, r.offsetOf)
		if err != nil {
			r.diag.add(DiagOffsetLookup, -1, -1, "offset lookup unavailable: %v", err)
		}
		r.offsets = lookup
	}

	r.log.Info().
		Uint32("version", h.Version).
		Uint32("streams", h.StreamCount).
		Int("events", r.global.Len()).
		Int("diagnostics", len(r.diag.list)).
		Msg("container indexed")

	return r.c.SeekTo(HeaderSize)
}

// Close releases the file and the index memory. It is safe to call more
// than once.
func (r *Reader) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	r.releaseIndices()
	if r.closer != nil {
		return r.closer.Close()
	}
	return nil
}

func (r *Reader) releaseIndices() {
	if r.budget != nil && r.reserved > 0 {
		r.budget.Release(r.reserved)
	}
	r.reserved = 0
	r.streams = nil
	r.global = GlobalIndex{}
	r.offsets = nil
}

func (r *Reader) reserve(n uint64) bool {
	if r.budget != nil && !r.budget.TryReserve(n) {
		return false
	}
	r.reserved += n
	return true
}

// Header returns the container header.
func (r *Reader) Header() Header {
	return r.header
}

// Size returns the size of the container in bytes.
func (r *Reader) Size() int64 {
	return r.c.Size()
}

// Streams returns the accepted trailer records in stream-number order.
func (r *Reader) Streams() []StreamSummary {
	out := make([]StreamSummary, len(r.summaries))
	copy(out, r.summaries)
	return out
}

// Diagnostics returns the non-fatal findings recorded while opening.
func (r *Reader) Diagnostics() []Diagnostic {
	return r.diag.snapshot()
}

// EventCount returns the number of indexed events of a stream, or of the
// whole file for AllStreams.
func (r *Reader) EventCount(stream int) (int, error) {
	if r.closed {
		return 0, ErrClosed
	}
	if stream == AllStreams {
		return r.global.Len(), nil
	}
	if stream < 0 || stream >= len(r.streams) {
		return 0, fmt.Errorf("stream %d of %d: %w", stream, len(r.streams), ErrInvalidArgument)
	}
	return r.streams[stream].Len(), nil
}

// IndexEntry returns the stored index record without touching the file.
func (r *Reader) IndexEntry(stream, index int) (IndexRecord, error) {
	if r.closed {
		return IndexRecord{}, ErrClosed
	}
	if stream == AllStreams {
		if index < 0 || index >= r.global.Len() {
			return IndexRecord{}, fmt.Errorf("global index %d of %d: %w", index, r.global.Len(), ErrInvalidArgument)
		}
		ref := r.global.At(index)
		return r.streams[ref.Stream].Records[ref.Index], nil
	}
	if stream < 0 || stream >= len(r.streams) {
		return IndexRecord{}, fmt.Errorf("stream %d of %d: %w", stream, len(r.streams), ErrInvalidArgument)
	}
	records := r.streams[stream].Records
	if index < 0 || index >= len(records) {
		return IndexRecord{}, fmt.Errorf("stream %d index %d of %d: %w", stream, index, len(records), ErrInvalidArgument)
	}
	return records[index], nil
}

// GlobalRef returns the stream reference at a global index position.
func (r *Reader) GlobalRef(position int) (GlobalRef, error) {
	if r.closed {
		return GlobalRef{}, ErrClosed
	}
	if position < 0 || position >= r.global.Len() {
		return GlobalRef{}, fmt.Errorf("global index %d of %d: %w", position, r.global.Len(), ErrInvalidArgument)
	}
	return r.global.At(position), nil
}

// PositionOf returns the global position of the event stored at a file offset.
func (r *Reader) PositionOf(offset uint64) (int, bool) {
	if r.closed {
		return 0, false
	}
	return r.offsets.find(offset)
}

// ReadEvent reads one indexed event into buf. With AllStreams, index is a
// global position. Payload bytes beyond len(buf) are skipped, so the
// cursor ends at the next record either way. If only that skip runs past
// the end of the file, the partial event is returned with ErrTruncated.
func (r *Reader) ReadEvent(stream, index int, buf []byte) (Event, error) {
	rec, err := r.IndexEntry(stream, index)
	if err != nil {
		return Event{}, err
	}
	off := rec.Entry.FrameFileOffset
	if off > uint64(r.c.Size()) {
		return Event{}, fmt.Errorf("event offset %d beyond file of %d bytes: %w", off, r.c.Size(), ErrTruncated)
	}
	if err := r.c.SeekTo(int64(off)); err != nil {
		return Event{}, err
	}
	return r.readRecord(buf)
}

// Rewind positions the cursor at the first event after the header.
func (r *Reader) Rewind() error {
	if r.closed {
		return ErrClosed
	}
	return r.c.SeekTo(HeaderSize)
}

// ReadNext reads the record at the cursor. Index blocks are returned with
// Kind EventIndexBlock; the trailer ends the sequence with ErrEndOfStream.
func (r *Reader) ReadNext(buf []byte) (Event, error) {
	if r.closed {
		return Event{}, ErrClosed
	}
	return r.readRecord(buf)
}

func (r *Reader) offsetOf(ref GlobalRef) uint64 {
	return r.streams[ref.Stream].Records[ref.Index].Entry.FrameFileOffset
}
