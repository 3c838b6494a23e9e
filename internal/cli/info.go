package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/eunmann/xed-reader/pkg/xed"
)

func runInfo(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := input(fs)
	if err != nil {
		return err
	}

	_, r, cleanup, err := openInput(ctx, path, common)
	if err != nil {
		return err
	}
	defer cleanup()

	printInfo(stdout, path, r)
	return nil
}

func printInfo(w io.Writer, path string, r *xed.Reader) {
	h := r.Header()
	total, _ := r.EventCount(xed.AllStreams)

	fmt.Fprintf(w, "file:     %s\n", path)
	fmt.Fprintf(w, "size:     %s\n", humanfmt.Bytes(r.Size()))
	fmt.Fprintf(w, "version:  %d\n", h.Version)
	fmt.Fprintf(w, "streams:  %d\n", h.StreamCount)
	fmt.Fprintf(w, "trailer:  %s\n", humanfmt.Offset(h.TrailerOffset))
	fmt.Fprintf(w, "events:   %d\n\n", total)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STREAM\tENTRIES\tBLOCKS\tPER_BLOCK\tEXTRA\tFRAME_SIZE\tFIRST_EVENT")
	for _, s := range r.Streams() {
		fmt.Fprintf(tw, "%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			s.StreamNumber, s.TotalIndexEntries, s.NumIndexBlocks, s.MaxEntriesPerBlock,
			s.ExtraMetadataSize, s.FrameSize, humanfmt.Offset(s.Event0.FrameFileOffset))
	}
	tw.Flush()

	diags := r.Diagnostics()
	if len(diags) == 0 {
		return
	}
	fmt.Fprintf(w, "\ndiagnostics: %d\n", len(diags))
	for _, d := range diags {
		fmt.Fprintf(w, "  %s\n", d)
	}
}
