package logging

import (
	"time"

	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/rs/zerolog"
)

// ScanProgress logs periodic progress while walking the events of a
// container. It is used from a single goroutine.
type ScanProgress struct {
	log       zerolog.Logger
	total     int64
	every     int64
	startTime time.Time

	events       int64
	indexBlocks  int64
	payloadBytes int64
}

// NewScanProgress creates a tracker that logs every `every` events to log,
// which is expected to carry the phase (see WithPhase). total may be 0 when
// the event count is not known up front.
func NewScanProgress(log zerolog.Logger, total, every int64) *ScanProgress {
	if every <= 0 {
		every = 10000
	}
	return &ScanProgress{
		log:       log,
		total:     total,
		every:     every,
		startTime: time.Now(),
	}
}

// RecordEvent counts one data event with its declared payload size.
func (p *ScanProgress) RecordEvent(payloadBytes int64) {
	p.events++
	p.payloadBytes += payloadBytes
	if p.events%p.every == 0 {
		p.logProgress()
	}
}

// RecordIndexBlock counts one index block met during a linear scan.
func (p *ScanProgress) RecordIndexBlock() {
	p.indexBlocks++
}

// Events returns the number of data events recorded.
func (p *ScanProgress) Events() int64 {
	return p.events
}

// IndexBlocks returns the number of index blocks recorded.
func (p *ScanProgress) IndexBlocks() int64 {
	return p.indexBlocks
}

// ProgressPct returns the share of total done, or 0 if total is unknown.
func (p *ScanProgress) ProgressPct() float64 {
	if p.total <= 0 {
		return 0
	}
	return float64(p.events) * 100.0 / float64(p.total)
}

// Elapsed returns the time since the tracker was created.
func (p *ScanProgress) Elapsed() time.Duration {
	return time.Since(p.startTime)
}

func (p *ScanProgress) logProgress() {
	e := p.log.Info().
		Str("event", "scan_progress").
		Int64("events", p.events).
		Int64("payload_bytes", p.payloadBytes)
	if p.total > 0 {
		e = e.Int64("total", p.total).Float64("progress_pct", p.ProgressPct())
	}
	if IsPrettyMode() {
		e = e.Str("throughput_h", humanfmt.Throughput(p.payloadBytes, p.Elapsed()))
	}
	e.Msg("scan progress")
}

// Done logs the phase completion summary.
func (p *ScanProgress) Done(msg string) {
	elapsed := p.Elapsed()
	e := p.log.Info().
		Str("event", "phase_completed").
		Int64("duration_ms", elapsed.Milliseconds()).
		Int64("events", p.events).
		Int64("index_blocks", p.indexBlocks).
		Int64("payload_bytes", p.payloadBytes)
	if IsPrettyMode() {
		e = e.Str("duration_h", humanfmt.Duration(elapsed)).
			Str("payload_h", humanfmt.Bytes(p.payloadBytes)).
			Str("events_h", humanfmt.Count(p.events))
	}
	e.Msg(msg)
}
