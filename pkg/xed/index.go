package xed

import (
	"context"
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/membudget"
)

// IndexRecord is one slot of a stream index.
type IndexRecord struct {
	Stream uint16
	Entry  IndexEntry
	Meta   Metadata
}

// StreamIndex holds exactly TotalIndexEntries records for one stream, in
// block order.
type StreamIndex struct {
	Stream  uint16
	Records []IndexRecord
}

// Len returns the number of records.
func (s StreamIndex) Len() int {
	return len(s.Records)
}

var indexRecordBytes = uint64(unsafe.Sizeof(IndexRecord{}))

// indexLoader materializes stream indices against a memory budget.
type indexLoader struct {
	c        *cursor
	diag     *diagnostics
	budget   *membudget.Budget
	reserved uint64
}

// load walks every index block of one stream. The cursor is left just past
// the stream's block-offset table.
func (l *indexLoader) load(ctx context.Context, s StreamSummary) (StreamIndex, error) {
	log := logctx.FromContext(ctx)

	need := uint64(s.TotalIndexEntries) * indexRecordBytes
	if !l.reserve(need) {
		return StreamIndex{}, fmt.Errorf("stream %d: %d entries need %d bytes, %d available: %w",
			s.StreamNumber, s.TotalIndexEntries, need, l.budget.Available(), ErrOutOfMemory)
	}

	idx, err := l.walk(s)
	if err != nil {
		l.release(need)
		return StreamIndex{}, err
	}

	log.Debug().
		Int("entries", idx.Len()).
		Uint32("blocks", s.NumIndexBlocks).
		Msg("stream index loaded")
	return idx, nil
}

func (l *indexLoader) walk(s StreamSummary) (StreamIndex, error) {
	records := make([]IndexRecord, s.TotalIndexEntries)
	for i := range records {
		records[i].Stream = s.StreamNumber
	}

	if err := l.c.SeekTo(s.BlockTableOffset); err != nil {
		return StreamIndex{}, fmt.Errorf("stream %d block table: %w", s.StreamNumber, err)
	}
	offsets := make([]uint64, s.NumIndexBlocks)
	for j := range offsets {
		off, err := l.c.Uint64(binary.LittleEndian)
		if err != nil {
			return StreamIndex{}, fmt.Errorf("stream %d block table: %w", s.StreamNumber, err)
		}
		offsets[j] = off
	}
	tableEnd := l.c.Pos()

	var mismatches int
	for j, off := range offsets {
		n, err := l.readBlock(s, j, off, records)
		if err != nil {
			return StreamIndex{}, fmt.Errorf("stream %d block %d at %d: %w", s.StreamNumber, j, off, err)
		}
		mismatches += n
	}
	if mismatches > 0 {
		l.diag.add(DiagLengthMismatch, int(s.StreamNumber), -1,
			"%d index entries have differing data sizes", mismatches)
	}

	if err := l.c.SeekTo(tableEnd); err != nil {
		return StreamIndex{}, err
	}
	return StreamIndex{Stream: s.StreamNumber, Records: records}, nil
}

// readBlock fills records from one index block and returns how many
// entries carried disagreeing size fields.
func (l *indexLoader) readBlock(s StreamSummary, block int, off uint64, records []IndexRecord) (int, error) {
	if off > uint64(l.c.Size()) {
		return 0, fmt.Errorf("offset beyond file of %d bytes: %w", l.c.Size(), ErrTruncated)
	}
	if err := l.c.SeekTo(int64(off)); err != nil {
		return 0, err
	}

	var buf [BlockPrefixSize]byte
	if err := l.c.ReadFull(buf[:]); err != nil {
		return 0, err
	}
	p := decodeBlockPrefix(buf[:])
	if p.Marker != Sentinel {
		return 0, fmt.Errorf("marker 0x%04x is not 0xffff: %w", p.Marker, ErrInvalidData)
	}
	if p.Reserved != 0 || p.Reserved2 != [3]uint32{} {
		l.diag.add(DiagReservedNonZero, int(s.StreamNumber), int64(off),
			"block %d reserved fields %d %v", block, p.Reserved, p.Reserved2)
	}

	base := uint64(block) * uint64(s.MaxEntriesPerBlock)
	if base+uint64(p.EntryCount) > uint64(len(records)) {
		return 0, fmt.Errorf("entries %d..%d exceed %d total entries: %w",
			base, base+uint64(p.EntryCount), len(records), ErrInvalidData)
	}
	slots := records[base : base+uint64(p.EntryCount)]

	var mismatches int
	var entry [IndexEntrySize]byte
	for k := range slots {
		if err := l.c.ReadFull(entry[:]); err != nil {
			return 0, err
		}
		slots[k].Entry = decodeIndexEntry(entry[:])
		if slots[k].Entry.DataSize != slots[k].Entry.DataSize2 {
			mismatches++
		}
	}

	if s.ExtraMetadataSize == 0 {
		return mismatches, nil
	}
	meta := make([]byte, s.ExtraMetadataSize)
	for k := range slots {
		if err := l.c.ReadFull(meta); err != nil {
			return 0, err
		}
		slots[k].Meta = Metadata{Info: decodeFrameInfo(meta), Present: true}
	}
	return mismatches, nil
}

func (l *indexLoader) reserve(n uint64) bool {
	if l.budget != nil && !l.budget.TryReserve(n) {
		return false
	}
	l.reserved += n
	return true
}

func (l *indexLoader) release(n uint64) {
	if l.budget != nil {
		l.budget.Release(n)
	}
	l.reserved -= n
}
