package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/eunmann/xed-reader/pkg/logging"
	"github.com/eunmann/xed-reader/pkg/membudget"
	"github.com/eunmann/xed-reader/pkg/xed"
)

func runEvents(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	common := addCommonFlags(fs)
	stream := fs.Int("stream", xed.AllStreams, "stream to list (-1 for all streams in file order)")
	start := fs.Int("start", 0, "first index to list")
	limit := fs.Int("limit", 20, "maximum events to list (0 for all)")
	bufSize := fs.String("buffer", "64KiB", "payload buffer size; larger payloads are truncated")
	scan := fs.Bool("scan", false, "walk the file sequentially instead of through the index")
	if err := fs.Parse(args); err != nil {
		return err
	}
	path, err := input(fs)
	if err != nil {
		return err
	}
	n, err := membudget.ParseHumanSize(*bufSize)
	if err != nil {
		return fmt.Errorf("invalid --buffer %q: %w", *bufSize, err)
	}
	if *limit < 0 || *start < 0 {
		return errors.New("--start and --limit must not be negative")
	}

	ctx, r, cleanup, err := openInput(ctx, path, common)
	if err != nil {
		return err
	}
	defer cleanup()

	buf := make([]byte, n)
	progress := logging.NewScanProgress(logctx.FromContext(logging.WithPhase(ctx, "events")), 0, 0)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "POSITION\tSTREAM\tKIND\tOFFSET\tTIMESTAMP\tLENGTH\tFRAME")
	if *scan {
		err = scanEvents(r, buf, *limit, tw, progress)
	} else {
		err = listEvents(r, *stream, *start, *limit, buf, tw, progress)
	}
	if flushErr := tw.Flush(); err == nil {
		err = flushErr
	}
	if err != nil {
		return err
	}
	progress.Done("events listed")
	return nil
}

func listEvents(r *xed.Reader, stream, start, limit int, buf []byte, w io.Writer, p *logging.ScanProgress) error {
	total, err := r.EventCount(stream)
	if err != nil {
		return err
	}
	end := total
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	for i := start; i < end; i++ {
		ev, err := r.ReadEvent(stream, i, buf)
		if err != nil {
			return err
		}
		p.RecordEvent(ev.PayloadSize)
		printEvent(w, ev)
	}
	return nil
}

func scanEvents(r *xed.Reader, buf []byte, limit int, w io.Writer, p *logging.ScanProgress) error {
	if err := r.Rewind(); err != nil {
		return err
	}
	for limit == 0 || p.Events()+p.IndexBlocks() < int64(limit) {
		ev, err := r.ReadNext(buf)
		if errors.Is(err, xed.ErrEndOfStream) {
			return nil
		}
		if err != nil {
			return err
		}
		if ev.Kind == xed.EventIndexBlock {
			p.RecordIndexBlock()
		} else {
			p.RecordEvent(ev.PayloadSize)
		}
		printEvent(w, ev)
	}
	return nil
}

func printEvent(w io.Writer, ev xed.Event) {
	pos := "-"
	if ev.Position >= 0 {
		pos = fmt.Sprint(ev.Position)
	}
	stream := fmt.Sprint(ev.StreamID)
	if ev.Kind == xed.EventIndexBlock {
		stream = "-"
	}
	frame := "-"
	if ev.Meta.Present {
		frame = fmt.Sprintf("%dx%d#%d", ev.Meta.Info.Width, ev.Meta.Info.Height, ev.Meta.Info.SequenceNumber)
	}
	length := humanfmt.Bytes(ev.PayloadSize)
	if ev.Truncated() {
		length += " (truncated)"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
		pos, stream, ev.Kind, humanfmt.Offset(uint64(ev.Offset)), ev.Timestamp, length, frame)
}
