// Package membudget bounds the memory a reader may spend on container
// indices. Stream and global index allocations reserve their size up front
// and are refused, rather than attempted, once the budget is spent.
package membudget

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/eunmann/xed-reader/pkg/sysmem"
)

// DefaultBudgetBytes is used when system RAM cannot be detected.
const DefaultBudgetBytes uint64 = 2 * 1024 * 1024 * 1024

// BudgetSource indicates how the budget was determined.
type BudgetSource string

const (
	// BudgetSourceAuto50Pct is half of the detected system RAM.
	BudgetSourceAuto50Pct BudgetSource = "auto-50pct"
	// BudgetSourceDefault is DefaultBudgetBytes.
	BudgetSourceDefault BudgetSource = "default"
	// BudgetSourceCLI is a size given on the command line.
	BudgetSourceCLI BudgetSource = "cli"
	// BudgetSourceEnv is a size taken from EnvVar.
	BudgetSourceEnv BudgetSource = "env"
)

// EnvVar names the environment variable consulted when no size is given
// on the command line.
const EnvVar = "XED_MEM_BUDGET"

// Budget tracks reserved bytes against a fixed total.
//
// Budget is safe for concurrent use, so several readers may share one.
type Budget struct {
	total  uint64
	inUse  atomic.Uint64
	source BudgetSource
}

// Config holds configuration for creating a Budget.
type Config struct {
	TotalBytes uint64
	Source     BudgetSource
}

// New creates a Budget.
func New(cfg Config) *Budget {
	return &Budget{
		total:  cfg.TotalBytes,
		source: cfg.Source,
	}
}

// NewFromSystemRAM creates a Budget of half the system RAM, or
// DefaultBudgetBytes if RAM cannot be detected.
func NewFromSystemRAM() *Budget {
	result := sysmem.Total()
	if !result.Reliable {
		return New(Config{TotalBytes: DefaultBudgetBytes, Source: BudgetSourceDefault})
	}
	return New(Config{TotalBytes: result.TotalBytes / 2, Source: BudgetSourceAuto50Pct})
}

// Total returns the total budget in bytes.
func (b *Budget) Total() uint64 {
	return b.total
}

// InUse returns the currently reserved bytes.
func (b *Budget) InUse() uint64 {
	return b.inUse.Load()
}

// Available returns total minus reserved bytes.
func (b *Budget) Available() uint64 {
	inUse := b.inUse.Load()
	if inUse >= b.total {
		return 0
	}
	return b.total - inUse
}

// Source returns how the budget was determined.
func (b *Budget) Source() BudgetSource {
	return b.source
}

// TryReserve reserves n bytes if that keeps usage within the total.
func (b *Budget) TryReserve(n uint64) bool {
	for {
		current := b.inUse.Load()
		next := current + n
		if next < current || next > b.total {
			return false
		}
		if b.inUse.CompareAndSwap(current, next) {
			return true
		}
	}
}

// Release returns n bytes to the budget. Releasing more than is reserved
// clamps usage at zero.
func (b *Budget) Release(n uint64) {
	for {
		current := b.inUse.Load()
		next := uint64(0)
		if n < current {
			next = current - n
		}
		if b.inUse.CompareAndSwap(current, next) {
			return
		}
	}
}

// Stats is a point-in-time view of a Budget.
type Stats struct {
	TotalBytes     uint64
	InUseBytes     uint64
	AvailableBytes uint64
	Source         BudgetSource
	UsagePercent   float64
}

// Stats returns current budget statistics.
func (b *Budget) Stats() Stats {
	inUse := b.inUse.Load()
	available := uint64(0)
	if inUse < b.total {
		available = b.total - inUse
	}
	var usagePct float64
	if b.total > 0 {
		usagePct = float64(inUse) / float64(b.total) * 100.0
	}
	return Stats{
		TotalBytes:     b.total,
		InUseBytes:     inUse,
		AvailableBytes: available,
		Source:         b.source,
		UsagePercent:   usagePct,
	}
}

// ParseHumanSize parses sizes such as "512MB" or "4GiB".
// Supported suffixes: B, KB, KiB, K, MB, MiB, M, GB, GiB, G, TB, TiB, T.
func ParseHumanSize(s string) (uint64, error) {
	if s == "" {
		return 0, errors.New("empty size string")
	}

	numEnd := 0
	for i, c := range s {
		if (c < '0' || c > '9') && c != '.' {
			numEnd = i
			break
		}
		numEnd = i + 1
	}

	numStr := s[:numEnd]
	suffix := s[numEnd:]

	var num float64
	if _, err := fmt.Sscanf(numStr, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid number: %s", numStr)
	}

	var multiplier float64
	switch suffix {
	case "", "B":
		multiplier = 1.0
	case "KB":
		multiplier = 1000
	case "KiB", "K":
		multiplier = 1024
	case "MB":
		multiplier = 1000 * 1000
	case "MiB", "M":
		multiplier = 1024 * 1024
	case "GB":
		multiplier = 1000 * 1000 * 1000
	case "GiB", "G":
		multiplier = 1024 * 1024 * 1024
	case "TB":
		multiplier = 1000 * 1000 * 1000 * 1000
	case "TiB", "T":
		multiplier = 1024 * 1024 * 1024 * 1024
	default:
		return 0, fmt.Errorf("unknown size suffix: %s", suffix)
	}

	return uint64(num * multiplier), nil
}
