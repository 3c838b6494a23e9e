// Package cli implements the command-line interface for xedtool.
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/logging"
	"github.com/eunmann/xed-reader/pkg/membudget"
	"github.com/eunmann/xed-reader/pkg/memdiag"
	"github.com/eunmann/xed-reader/pkg/s3fetch"
	"github.com/eunmann/xed-reader/pkg/xed"
)

const usage = `usage: xedtool <command> [options] <file.xed | s3://bucket/key>
commands: info, events, export`

// Run executes the CLI with the given arguments.
func Run(args []string) error {
	return run(context.Background(), args, os.Stdout)
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	switch args[0] {
	case "info":
		return runInfo(ctx, args[1:], stdout)
	case "events":
		return runEvents(ctx, args[1:], stdout)
	case "export":
		return runExport(ctx, args[1:], stdout)
	default:
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

// commonFlags are accepted by every command.
type commonFlags struct {
	debug      bool
	human      bool
	maxStreams int
	memBudget  string
	region     string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	c := &commonFlags{}
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
	fs.BoolVar(&c.human, "human", false, "human-readable console logs")
	fs.IntVar(&c.maxStreams, "max-streams", xed.DefaultMaxStreams, "maximum number of streams to index")
	fs.StringVar(&c.memBudget, "mem-budget", "", "memory budget for indices, e.g. 4GiB (default: 50% of RAM)")
	fs.StringVar(&c.region, "region", "", "AWS region for s3:// inputs")
	return c
}

// input returns the single positional argument naming the recording.
func input(fs *flag.FlagSet) (string, error) {
	switch fs.NArg() {
	case 0:
		return "", errors.New("a recording path or s3:// URI is required")
	case 1:
		return fs.Arg(0), nil
	default:
		return "", fmt.Errorf("expected one recording, got %d", fs.NArg())
	}
}

// determineMemoryBudget picks the budget from the flag, then the
// environment, then system RAM.
func determineMemoryBudget(cliValue string) (*membudget.Budget, error) {
	if cliValue != "" {
		n, err := membudget.ParseHumanSize(cliValue)
		if err != nil {
			return nil, fmt.Errorf("invalid --mem-budget %q: %w", cliValue, err)
		}
		return membudget.New(membudget.Config{TotalBytes: n, Source: membudget.BudgetSourceCLI}), nil
	}
	if v := os.Getenv(membudget.EnvVar); v != "" {
		n, err := membudget.ParseHumanSize(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", membudget.EnvVar, v, err)
		}
		return membudget.New(membudget.Config{TotalBytes: n, Source: membudget.BudgetSourceEnv}), nil
	}
	return membudget.NewFromSystemRAM(), nil
}

// openInput configures logging and opens a local or S3 recording. The
// returned cleanup closes the reader and removes any downloaded copy.
func openInput(ctx context.Context, path string, c *commonFlags) (context.Context, *xed.Reader, func(), error) {
	memDebug := c.debug || memdiag.Enabled()
	logging.Init(memDebug, c.human)
	ctx = logctx.WithLogger(ctx, *logging.L())

	budget, err := determineMemoryBudget(c.memBudget)
	if err != nil {
		return ctx, nil, nil, err
	}
	opts := xed.Options{MaxStreams: c.maxStreams, Budget: budget}
	log := logctx.FromContext(ctx)
	log.Debug().
		Uint64("budget_bytes", budget.Total()).
		Str("budget_source", string(budget.Source())).
		Msg("memory budget")

	if !s3fetch.IsS3URI(path) {
		r, err := xed.Open(ctx, path, opts)
		if err != nil {
			return ctx, nil, nil, err
		}
		if memDebug {
			memdiag.LogWithBudget(logctx.FromContext(ctx), "opened", budget)
		}
		return ctx, r, func() { r.Close() }, nil
	}

	loc, err := s3fetch.ParseS3URI(path)
	if err != nil {
		return ctx, nil, nil, err
	}
	client, err := s3fetch.NewClient(ctx, c.region)
	if err != nil {
		return ctx, nil, nil, err
	}
	local, err := s3fetch.NewDownloader(client, s3fetch.DefaultDownloaderConfig()).Fetch(ctx, loc)
	if err != nil {
		return ctx, nil, nil, err
	}
	r, err := xed.Open(ctx, local.Path, opts)
	if err != nil {
		local.Close()
		return ctx, nil, nil, err
	}
	if memDebug {
		memdiag.LogWithBudget(logctx.FromContext(ctx), "opened", budget)
	}
	return ctx, r, func() {
		r.Close()
		local.Close()
	}, nil
}
