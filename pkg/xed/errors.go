package xed

import "errors"

var (
	// ErrInvalidMagic indicates the header tag is not "EVENTS1\x00".
	ErrInvalidMagic = errors.New("invalid magic tag")
	// ErrTruncated indicates fewer bytes are available than a read requires.
	ErrTruncated = errors.New("truncated data")
	// ErrInvalidData indicates a structural marker or bound does not hold.
	ErrInvalidData = errors.New("invalid data")
	// ErrInvalidArgument indicates a stream or index selector is out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrOutOfMemory indicates an index allocation was refused by the memory budget.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrClosed indicates the reader has already been closed.
	ErrClosed = errors.New("reader closed")
)

// ErrEndOfStream is returned when the cursor reaches the trailer packet.
// It is not a failure: sequential readers stop on it the way they stop on io.EOF.
var ErrEndOfStream = errors.New("end of event stream")
