// Package xedexport writes the index of an opened container to Parquet,
// one row per indexed event.
package xedexport

import (
	"context"
	"fmt"
	"os"

	"github.com/parquet-go/parquet-go"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/fileutil"
	"github.com/eunmann/xed-reader/pkg/logging"
	"github.com/eunmann/xed-reader/pkg/xed"
)

// DefaultBatchSize is the number of rows buffered before each write.
const DefaultBatchSize = 4096

// Row is one exported index entry. Frame fields are null when the entry
// carries no metadata.
type Row struct {
	Position  *int64 `parquet:"position,optional"`
	Stream    int32  `parquet:"stream"`
	Index     int64  `parquet:"index"`
	Offset    int64  `parquet:"offset"`
	Timestamp int64  `parquet:"timestamp"`
	DataSize  int64  `parquet:"data_size"`
	DataSize2 int64  `parquet:"data_size2"`

	Width          *int32 `parquet:"width,optional"`
	Height         *int32 `parquet:"height,optional"`
	SequenceNumber *int64 `parquet:"sequence_number,optional"`
	FrameTimestamp *int64 `parquet:"frame_timestamp,optional"`
}

// Source is the part of *xed.Reader the exporter needs.
type Source interface {
	EventCount(stream int) (int, error)
	IndexEntry(stream, index int) (xed.IndexRecord, error)
	GlobalRef(position int) (xed.GlobalRef, error)
	PositionOf(offset uint64) (int, bool)
}

// Options configures an export.
type Options struct {
	// Stream selects one stream, or xed.AllStreams for the merged order.
	Stream int
	// BatchSize is the number of rows per write. Default: DefaultBatchSize.
	BatchSize int
}

// Stats summarizes a finished export.
type Stats struct {
	Rows         int64
	WithMetadata int64
	PayloadBytes int64
}

// WriteParquet exports the selected index to outPath. The file appears
// only once it is complete.
func WriteParquet(ctx context.Context, src Source, outPath string, opts Options) (Stats, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	log := logctx.FromContext(logging.WithPhase(ctx, "export")).With().Str("out", outPath).Logger()

	total, err := src.EventCount(opts.Stream)
	if err != nil {
		return Stats{}, err
	}

	var stats Stats
	err = fileutil.WriteTmpThenMove(outPath, func(f *os.File) error {
		w := parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Snappy))
		progress := logging.NewScanProgress(log, int64(total), int64(opts.BatchSize)*16)

		batch := make([]Row, 0, opts.BatchSize)
		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			if _, err := w.Write(batch); err != nil {
				return fmt.Errorf("write rows: %w", err)
			}
			batch = batch[:0]
			return nil
		}

		for i := 0; i < total; i++ {
			if i%opts.BatchSize == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
			row, err := buildRow(src, opts.Stream, i)
			if err != nil {
				return err
			}
			stats.Rows++
			stats.PayloadBytes += row.DataSize
			if row.Width != nil {
				stats.WithMetadata++
			}
			progress.RecordEvent(row.DataSize)

			batch = append(batch, row)
			if len(batch) == opts.BatchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		if err := flush(); err != nil {
			return err
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("close parquet writer: %w", err)
		}
		progress.Done("export finished")
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("export %s: %w", outPath, err)
	}
	return stats, nil
}

func buildRow(src Source, stream, i int) (Row, error) {
	rec, err := src.IndexEntry(stream, i)
	if err != nil {
		return Row{}, err
	}

	row := Row{
		Stream:    int32(rec.Stream),
		Index:     int64(i),
		Offset:    int64(rec.Entry.FrameFileOffset),
		Timestamp: int64(rec.Entry.FrameTimestamp),
		DataSize:  int64(rec.Entry.DataSize),
		DataSize2: int64(rec.Entry.DataSize2),
	}

	if stream == xed.AllStreams {
		ref, err := src.GlobalRef(i)
		if err != nil {
			return Row{}, err
		}
		pos := int64(i)
		row.Position = &pos
		row.Index = int64(ref.Index)
	} else if pos, ok := src.PositionOf(rec.Entry.FrameFileOffset); ok {
		p := int64(pos)
		row.Position = &p
	}

	if rec.Meta.Present {
		info := rec.Meta.Info
		width, height := int32(info.Width), int32(info.Height)
		seq, ts := int64(info.SequenceNumber), int64(info.Timestamp)
		row.Width = &width
		row.Height = &height
		row.SequenceNumber = &seq
		row.FrameTimestamp = &ts
	}
	return row, nil
}
