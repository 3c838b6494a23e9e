package xed

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/eunmann/xed-reader/internal/logctx"
)

// StreamSummary is one stream's record from the trailer.
type StreamSummary struct {
	Position           int // record position within the trailer
	StreamNumber       uint16
	ExtraMetadataSize  uint16 // 0 on trimmed files: no metadata follows index entries
	TotalIndexEntries  uint32
	FrameSize          uint32
	MaxEntriesPerBlock uint32
	NumIndexBlocks     uint32
	Event0             IndexEntry
	Event1             IndexEntry
	Tail               uint32

	// BlockTableOffset is where the NumIndexBlocks 8-byte block offsets start.
	BlockTableOffset int64
}

// RecordSize returns the number of trailer bytes this record spans.
func (s StreamSummary) RecordSize() int64 {
	n := int64(streamRecordPrefixSize + 2*IndexEntrySize + streamRecordUnknownSize)
	if s.ExtraMetadataSize > 0 {
		n += 2 * int64(s.ExtraMetadataSize)
	}
	return n + 8*int64(s.NumIndexBlocks) + 4
}

// readHeader reads and validates the leading header.
func readHeader(c *cursor) (Header, error) {
	if err := c.SeekTo(0); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	var buf [HeaderSize]byte
	if err := c.ReadFull(buf[:]); err != nil {
		return Header{}, fmt.Errorf("read header: %w", err)
	}
	h, err := DecodeHeader(buf[:])
	if err != nil {
		return Header{}, err
	}
	if h.TrailerOffset == 0 || h.TrailerOffset >= uint64(c.Size()) {
		return Header{}, fmt.Errorf("trailer offset %d outside file of %d bytes: %w", h.TrailerOffset, c.Size(), ErrInvalidData)
	}
	return h, nil
}

// streamNumberSpace is the number of distinct 16-bit stream numbers.
const streamNumberSpace = 1 << 16

// streamLimit is the number of stream slots a reader keeps. Stream numbers
// are 16-bit, so no header or option can ask for more than streamNumberSpace.
func streamLimit(h Header, maxStreams int) int {
	return int(min(uint64(h.StreamCount), uint64(maxStreams), streamNumberSpace))
}

// readTrailer parses every stream record in the trailer. Records for
// streams at or beyond the stream limit are consumed and dropped. The
// result is ordered by stream number.
func readTrailer(ctx context.Context, c *cursor, h Header, maxStreams int, diag *diagnostics) ([]StreamSummary, error) {
	log := logctx.FromContext(ctx)

	if err := c.SeekTo(int64(h.TrailerOffset)); err != nil {
		return nil, fmt.Errorf("seek trailer: %w", err)
	}
	count, err := c.Uint16(binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("read trailer stream count: %w", err)
	}
	if uint32(count) != h.StreamCount {
		diag.add(DiagStreamCountMismatch, -1, int64(h.TrailerOffset),
			"trailer declares %d streams, header declares %d", count, h.StreamCount)
	}

	limit := streamLimit(h, maxStreams)
	seen := make(map[uint16]bool, count)
	summaries := make([]StreamSummary, 0, count)
	for i := 0; i < int(count); i++ {
		s, err := readStreamRecord(c, i, diag)
		if err != nil {
			return nil, fmt.Errorf("trailer record %d: %w", i, err)
		}
		if int(s.StreamNumber) >= limit {
			diag.add(DiagStreamIgnored, int(s.StreamNumber), s.BlockTableOffset,
				"ignoring stream %d: file declares %d streams, maximum is %d", s.StreamNumber, h.StreamCount, maxStreams)
			continue
		}
		if seen[s.StreamNumber] {
			return nil, fmt.Errorf("trailer record %d: stream %d already indexed: %w", i, s.StreamNumber, ErrInvalidData)
		}
		seen[s.StreamNumber] = true
		summaries = append(summaries, s)

		log.Debug().
			Uint16("stream", s.StreamNumber).
			Uint32("entries", s.TotalIndexEntries).
			Uint32("blocks", s.NumIndexBlocks).
			Uint16("extra_metadata", s.ExtraMetadataSize).
			Int64("record_bytes", s.RecordSize()).
			Msg("trailer record")
	}

	sort.Slice(summaries, func(a, b int) bool {
		return summaries[a].StreamNumber < summaries[b].StreamNumber
	})
	return summaries, nil
}

// readStreamRecord parses one trailer record and leaves the cursor just
// past it. The block-offset table is skipped, not resolved.
func readStreamRecord(c *cursor, position int, diag *diagnostics) (StreamSummary, error) {
	start := c.Pos()
	var buf [streamRecordPrefixSize + 2*IndexEntrySize]byte
	if err := c.ReadFull(buf[:]); err != nil {
		return StreamSummary{}, err
	}
	le := binary.LittleEndian
	if le.Uint16(buf[0:2]) != Sentinel || le.Uint16(buf[2:4]) != Sentinel {
		return StreamSummary{}, fmt.Errorf("record at %d does not start with 0xffff 0xffff: %w", start, ErrInvalidData)
	}

	s := StreamSummary{
		Position:           position,
		StreamNumber:       le.Uint16(buf[4:6]),
		ExtraMetadataSize:  le.Uint16(buf[6:8]),
		TotalIndexEntries:  le.Uint32(buf[8:12]),
		FrameSize:          le.Uint32(buf[12:16]),
		MaxEntriesPerBlock: le.Uint32(buf[16:20]),
		NumIndexBlocks:     le.Uint32(buf[20:24]),
		Event0:             decodeIndexEntry(buf[24:48]),
		Event1:             decodeIndexEntry(buf[48:72]),
	}
	if int(s.StreamNumber) != position {
		diag.add(DiagStreamNumberMismatch, int(s.StreamNumber), start,
			"record %d is for stream %d", position, s.StreamNumber)
	}
	if uint64(s.NumIndexBlocks)*uint64(s.MaxEntriesPerBlock) < uint64(s.TotalIndexEntries) {
		diag.add(DiagBlockCoverage, int(s.StreamNumber), start,
			"%d blocks of %d entries cannot hold %d entries", s.NumIndexBlocks, s.MaxEntriesPerBlock, s.TotalIndexEntries)
	}

	if err := c.Skip(streamRecordUnknownSize); err != nil {
		return StreamSummary{}, err
	}
	// The two per-event metadata blocks exist only when the stream declares them.
	if s.ExtraMetadataSize > 0 {
		if err := c.Skip(2 * int64(s.ExtraMetadataSize)); err != nil {
			return StreamSummary{}, err
		}
	}

	s.BlockTableOffset = c.Pos()
	if err := c.Skip(8 * int64(s.NumIndexBlocks)); err != nil {
		return StreamSummary{}, fmt.Errorf("block table of %d entries: %w", s.NumIndexBlocks, err)
	}
	tail, err := c.Uint32(le)
	if err != nil {
		return StreamSummary{}, err
	}
	s.Tail = tail
	return s, nil
}
