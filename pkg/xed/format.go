// Package xed reads XED event containers: a 24-byte header, interleaved
// per-stream event records, per-stream index blocks, and a trailer that
// locates those index blocks.
//
// All structural fields are little-endian. The per-frame metadata block is
// big-endian and is decoded as such.
package xed

import (
	"encoding/binary"
	"fmt"
)

// Layout sizes in bytes.
const (
	HeaderSize      = 8 + 4 + 4 + 8 // 24
	EventHeaderSize = 2 + 2 + 4 + 8 + 4 + 4
	IndexEntrySize  = 8 + 8 + 4 + 4
	FrameInfoSize   = 2*4 + 2 + 2 + 4 + 4 + 4
	BlockPrefixSize = 2 + 2 + 4 + 4*4

	// streamRecordPrefixSize covers the sentinels through the block count.
	streamRecordPrefixSize = 2 + 2 + 2 + 2 + 4 + 4 + 4 + 4
	// streamRecordUnknownSize is the two uninterpreted 24-byte runs after event0/event1.
	streamRecordUnknownSize = 2 * 24
)

// Marker values.
const (
	// Sentinel is the 16-bit marker opening trailer records and index blocks.
	Sentinel uint16 = 0xFFFF
	// IndexBlockStream is the stream id an index block carries when read as an event.
	IndexBlockStream uint16 = 0xFFFF
	// indexBlockSlotSize is the per-entry span assumed when skipping an
	// embedded index block during a linear scan (entry plus a metadata slot).
	indexBlockSlotSize = IndexEntrySize + 24
)

// Magic is the 8-byte tag every container starts with.
var Magic = [8]byte{'E', 'V', 'E', 'N', 'T', 'S', '1', 0}

// Header is the fixed leading header of a container.
type Header struct {
	Tag           [8]byte
	Version       uint32
	StreamCount   uint32
	TrailerOffset uint64
}

// DecodeHeader reads a header from a byte slice and checks its tag.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, fmt.Errorf("header needs %d bytes, have %d: %w", HeaderSize, len(buf), ErrTruncated)
	}
	var h Header
	copy(h.Tag[:], buf[0:8])
	if h.Tag != Magic {
		return Header{}, fmt.Errorf("tag %q: %w", h.Tag[:], ErrInvalidMagic)
	}
	h.Version = binary.LittleEndian.Uint32(buf[8:12])
	h.StreamCount = binary.LittleEndian.Uint32(buf[12:16])
	h.TrailerOffset = binary.LittleEndian.Uint64(buf[16:24])
	return h, nil
}

// IndexEntry locates one event record.
type IndexEntry struct {
	FrameFileOffset uint64
	FrameTimestamp  uint64 // 0 if absent
	DataSize        uint32
	DataSize2       uint32 // usually equal to DataSize; not required to be
}

func decodeIndexEntry(buf []byte) IndexEntry {
	return IndexEntry{
		FrameFileOffset: binary.LittleEndian.Uint64(buf[0:8]),
		FrameTimestamp:  binary.LittleEndian.Uint64(buf[8:16]),
		DataSize:        binary.LittleEndian.Uint32(buf[16:20]),
		DataSize2:       binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// FrameInfo is the big-endian per-frame metadata block.
type FrameInfo struct {
	Unknown1       uint16
	Unknown2       uint16
	Unknown3       uint16
	Unknown4       uint16
	Width          uint16
	Height         uint16
	SequenceNumber uint32
	Unknown5       uint32
	Timestamp      uint32
}

// decodeFrameInfo decodes up to FrameInfoSize bytes; missing trailing
// fields stay zero.
func decodeFrameInfo(buf []byte) FrameInfo {
	var full [FrameInfoSize]byte
	copy(full[:], buf)
	b := full[:]
	return FrameInfo{
		Unknown1:       binary.BigEndian.Uint16(b[0:2]),
		Unknown2:       binary.BigEndian.Uint16(b[2:4]),
		Unknown3:       binary.BigEndian.Uint16(b[4:6]),
		Unknown4:       binary.BigEndian.Uint16(b[6:8]),
		Width:          binary.BigEndian.Uint16(b[8:10]),
		Height:         binary.BigEndian.Uint16(b[10:12]),
		SequenceNumber: binary.BigEndian.Uint32(b[12:16]),
		Unknown5:       binary.BigEndian.Uint32(b[16:20]),
		Timestamp:      binary.BigEndian.Uint32(b[20:24]),
	}
}

// Metadata is a FrameInfo that may be absent. Absent metadata was never
// read from the file, which is different from metadata that decoded to zero.
type Metadata struct {
	Info    FrameInfo
	Present bool
}

// EventHeader is the 24-byte header opening every record.
type EventHeader struct {
	StreamID  uint16
	Flags     uint16
	Length    uint32
	Timestamp uint64
	Unknown   uint32
	Length2   uint32
}

func decodeEventHeader(buf []byte) EventHeader {
	return EventHeader{
		StreamID:  binary.LittleEndian.Uint16(buf[0:2]),
		Flags:     binary.LittleEndian.Uint16(buf[2:4]),
		Length:    binary.LittleEndian.Uint32(buf[4:8]),
		Timestamp: binary.LittleEndian.Uint64(buf[8:16]),
		Unknown:   binary.LittleEndian.Uint32(buf[16:20]),
		Length2:   binary.LittleEndian.Uint32(buf[20:24]),
	}
}

// blockPrefix is the 24-byte prefix of an index block.
type blockPrefix struct {
	Marker     uint16
	Reserved   uint16
	EntryCount uint32
	Unknown    uint32 // varies per block; meaning not recovered
	Reserved2  [3]uint32
}

func decodeBlockPrefix(buf []byte) blockPrefix {
	return blockPrefix{
		Marker:     binary.LittleEndian.Uint16(buf[0:2]),
		Reserved:   binary.LittleEndian.Uint16(buf[2:4]),
		EntryCount: binary.LittleEndian.Uint32(buf[4:8]),
		Unknown:    binary.LittleEndian.Uint32(buf[8:12]),
		Reserved2: [3]uint32{
			binary.LittleEndian.Uint32(buf[12:16]),
			binary.LittleEndian.Uint32(buf[16:20]),
			binary.LittleEndian.Uint32(buf[20:24]),
		},
	}
}
