// Package memdiag compares the heap with what the index memory budget
// believes is reserved. Enable with --debug or XED_MEM_DEBUG=1.
package memdiag

import (
	"os"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/eunmann/xed-reader/pkg/membudget"
)

// EnvVar turns memory diagnostics on when set to "1".
const EnvVar = "XED_MEM_DEBUG"

// Enabled reports whether diagnostics were requested via EnvVar.
func Enabled() bool {
	return os.Getenv(EnvVar) == "1"
}

// Stats holds the runtime memory figures that are logged.
type Stats struct {
	HeapAlloc  uint64
	HeapSys    uint64
	HeapInuse  uint64
	StackInuse uint64
	Sys        uint64
	NumGC      uint32
}

// Read reads current memory statistics.
func Read() Stats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return Stats{
		HeapAlloc:  m.HeapAlloc,
		HeapSys:    m.HeapSys,
		HeapInuse:  m.HeapInuse,
		StackInuse: m.StackInuse,
		Sys:        m.Sys,
		NumGC:      m.NumGC,
	}
}

// HeapRatio is heap allocation divided by the budget's reserved bytes,
// or 0 when nothing is reserved.
func HeapRatio(s Stats, b *membudget.Budget) float64 {
	inUse := b.InUse()
	if inUse == 0 {
		return 0
	}
	return float64(s.HeapAlloc) / float64(inUse)
}

// LogWithBudget logs heap figures next to the budget and warns when the
// heap is far larger than the reservations account for.
func LogWithBudget(log zerolog.Logger, reason string, b *membudget.Budget) {
	stats := Read()
	bs := b.Stats()
	ratio := HeapRatio(stats, b)

	log.Debug().
		Str("reason", reason).
		Uint64("heap_alloc", stats.HeapAlloc).
		Uint64("heap_sys", stats.HeapSys).
		Uint64("heap_inuse", stats.HeapInuse).
		Uint64("sys_total", stats.Sys).
		Uint64("budget_inuse", bs.InUseBytes).
		Uint64("budget_total", bs.TotalBytes).
		Str("budget_source", string(bs.Source)).
		Float64("budget_usage_pct", bs.UsagePercent).
		Float64("heap_vs_budget_ratio", ratio).
		Uint32("num_gc", stats.NumGC).
		Msg("memory stats with budget")

	if ratio > 2.0 && bs.InUseBytes > 100*humanfmt.MiB {
		log.Warn().
			Str("heap_alloc", humanfmt.Bytes(int64(stats.HeapAlloc))).
			Str("budget_inuse", humanfmt.Bytes(int64(bs.InUseBytes))).
			Float64("ratio", ratio).
			Msg("heap usage significantly exceeds budget tracking")
	}
}
