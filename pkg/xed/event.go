package xed

import "fmt"

// EventKind distinguishes data events from index blocks met while scanning.
type EventKind int

const (
	// EventData is a stream record.
	EventData EventKind = iota
	// EventIndexBlock is an index block encountered in the event sequence.
	// Its payload is the raw block body and it belongs to no stream.
	EventIndexBlock
)

func (k EventKind) String() string {
	switch k {
	case EventData:
		return "data"
	case EventIndexBlock:
		return "index_block"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one record read from the file. Payload aliases the caller's buffer.
type Event struct {
	EventHeader
	Kind EventKind

	// Offset is the file offset of the event header.
	Offset int64
	// Position is the event's global index position, or -1 if unknown.
	Position int

	Meta Metadata

	// PayloadSize is the number of payload bytes the record declares.
	PayloadSize int64
	Payload     []byte
}

// Truncated reports whether the payload did not fit the caller's buffer.
func (e Event) Truncated() bool {
	return int64(len(e.Payload)) < e.PayloadSize
}

// LengthsAgree reports whether the two redundant length fields match.
func (e Event) LengthsAgree() bool {
	return e.Length == e.Length2
}

// readRecord reads the record at the cursor into buf and leaves the cursor
// at the start of the following record. On reaching the trailer the cursor
// stays on it and ErrEndOfStream is returned. When the bytes that fit buf
// are present but the rest of the declared payload runs past the end of the
// file, the event is returned together with an ErrTruncated error.
func (r *Reader) readRecord(buf []byte) (Event, error) {
	start := r.c.Pos()
	var hb [EventHeaderSize]byte
	if err := r.c.ReadFull(hb[:]); err != nil {
		return Event{}, fmt.Errorf("event header at %d: %w", start, err)
	}
	h := decodeEventHeader(hb[:])
	ev := Event{EventHeader: h, Offset: start, Position: -1}

	size := int64(h.Length)
	switch {
	case h.StreamID == IndexBlockStream:
		ev.Kind = EventIndexBlock
		size *= indexBlockSlotSize
	case uint32(h.StreamID) == r.header.StreamCount:
		if err := r.c.SeekTo(start); err != nil {
			return Event{}, err
		}
		return Event{}, ErrEndOfStream
	case uint32(h.StreamID) > r.header.StreamCount:
		return Event{}, fmt.Errorf("event at %d: stream id %d beyond %d streams: %w",
			start, h.StreamID, r.header.StreamCount, ErrInvalidData)
	case h.Timestamp != 0:
		var mb [FrameInfoSize]byte
		if err := r.c.ReadFull(mb[:]); err != nil {
			return Event{}, fmt.Errorf("event metadata at %d: %w", start, err)
		}
		ev.Meta = Metadata{Info: decodeFrameInfo(mb[:]), Present: true}
	}

	ev.PayloadSize = size
	n := size
	if n > int64(len(buf)) {
		n = int64(len(buf))
	}
	if err := r.c.ReadFull(buf[:n]); err != nil {
		return Event{}, fmt.Errorf("event payload at %d: %w", start, err)
	}
	ev.Payload = buf[:n]
	if pos, ok := r.offsets.find(uint64(start)); ok {
		ev.Position = pos
	}
	if err := r.c.Skip(size - n); err != nil {
		return ev, fmt.Errorf("event payload at %d: %w", start, err)
	}

	if ev.Kind == EventData && !ev.LengthsAgree() {
		r.log.Debug().
			Int64("offset", start).
			Uint32("length", h.Length).
			Uint32("length2", h.Length2).
			Msg("event length fields differ")
	}
	return ev, nil
}
