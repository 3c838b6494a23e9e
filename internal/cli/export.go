package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/eunmann/xed-reader/pkg/xed"
	"github.com/eunmann/xed-reader/pkg/xedexport"
)

func runExport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addCommonFlags(fs)
	out := fs.String("out", "", "output Parquet file")
	stream := fs.Int("stream", xed.AllStreams, "stream to export (-1 for all streams in file order)")
	batch := fs.Int("batch", xedexport.DefaultBatchSize, "rows per Parquet write")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return errors.New("--out is required")
	}
	path, err := input(fs)
	if err != nil {
		return err
	}

	ctx, r, cleanup, err := openInput(ctx, path, common)
	if err != nil {
		return err
	}
	defer cleanup()

	stats, err := xedexport.WriteParquet(ctx, r, *out, xedexport.Options{Stream: *stream, BatchSize: *batch})
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s rows (%d with frame metadata, %s payload) to %s\n",
		humanfmt.Count(stats.Rows), stats.WithMetadata, humanfmt.Bytes(stats.PayloadBytes), *out)
	return nil
}
