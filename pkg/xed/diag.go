package xed

import (
	"fmt"

	"github.com/rs/zerolog"
)

// DiagCode classifies a non-fatal finding.
type DiagCode string

const (
	DiagStreamCountMismatch  DiagCode = "stream_count_mismatch"
	DiagStreamNumberMismatch DiagCode = "stream_number_mismatch"
	DiagStreamIgnored        DiagCode = "stream_ignored"
	DiagBlockCoverage        DiagCode = "block_coverage"
	DiagReservedNonZero      DiagCode = "reserved_nonzero"
	DiagLengthMismatch       DiagCode = "length_mismatch"
	DiagGlobalShortfall      DiagCode = "global_shortfall"
	DiagOffsetLookup         DiagCode = "offset_lookup"
)

// Diagnostic records a mismatch that did not stop parsing.
type Diagnostic struct {
	Code    DiagCode
	Stream  int   // -1 when not tied to a stream
	Offset  int64 // -1 when not tied to a file position
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: stream=%d offset=%d: %s", d.Code, d.Stream, d.Offset, d.Message)
}

// diagnostics collects findings and logs each one as it is recorded.
type diagnostics struct {
	log  zerolog.Logger
	list []Diagnostic
}

func newDiagnostics(log zerolog.Logger) *diagnostics {
	return &diagnostics{log: log}
}

func (d *diagnostics) add(code DiagCode, stream int, offset int64, format string, args ...any) {
	diag := Diagnostic{
		Code:    code,
		Stream:  stream,
		Offset:  offset,
		Message: fmt.Sprintf(format, args...),
	}
	d.list = append(d.list, diag)
	d.log.Warn().
		Str("code", string(code)).
		Int("stream", stream).
		Int64("offset", offset).
		Msg(diag.Message)
}

// snapshot returns a copy safe to hand to callers.
func (d *diagnostics) snapshot() []Diagnostic {
	out := make([]Diagnostic, len(d.list))
	copy(out, d.list)
	return out
}
