package s3fetch

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eunmann/xed-reader/internal/logctx"
	"github.com/eunmann/xed-reader/pkg/humanfmt"
	"github.com/eunmann/xed-reader/pkg/logging"
)

// DownloaderConfig configures the S3 Download Manager.
type DownloaderConfig struct {
	// Concurrency is the number of concurrent download parts.
	// Default: NumCPU clamped to [4, 16].
	Concurrency int

	// PartSize is the size of each ranged GET in bytes. Default: 16MiB.
	PartSize int64

	// TempDir is the directory for the local copy. Default: os.TempDir().
	TempDir string
}

// DefaultDownloaderConfig returns defaults based on the current machine.
func DefaultDownloaderConfig() DownloaderConfig {
	concurrency := min(max(runtime.NumCPU(), 4), 16)
	return DownloaderConfig{
		Concurrency: concurrency,
		PartSize:    16 * 1024 * 1024,
	}
}

// Downloader wraps the AWS S3 Download Manager.
type Downloader struct {
	manager *manager.Downloader
	config  DownloaderConfig
}

// NewDownloader creates a Downloader on top of any GetObject client.
func NewDownloader(api manager.DownloadAPIClient, cfg DownloaderConfig) *Downloader {
	def := DefaultDownloaderConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = def.PartSize
	}

	mgr := manager.NewDownloader(api, func(d *manager.Downloader) {
		d.Concurrency = cfg.Concurrency
		d.PartSize = cfg.PartSize
	})
	return &Downloader{manager: mgr, config: cfg}
}

// LocalCopy is a downloaded object on local disk. Close removes it.
type LocalCopy struct {
	Path     string
	Size     int64
	Duration time.Duration
}

// Close deletes the local file. It is safe to call more than once.
func (c *LocalCopy) Close() error {
	if c.Path == "" {
		return nil
	}
	err := os.Remove(c.Path)
	c.Path = ""
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove local copy: %w", err)
	}
	return nil
}

// Fetch downloads the object at loc into a new temp file using parallel
// ranged GETs. The caller must Close the returned copy.
func (d *Downloader) Fetch(ctx context.Context, loc Location) (*LocalCopy, error) {
	log := logctx.FromContext(logging.WithPhase(ctx, "fetch")).With().Str("object", loc.String()).Logger()
	start := time.Now()

	f, err := os.CreateTemp(d.config.TempDir, "xed-*.xed")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	path := f.Name()

	n, err := d.manager.Download(ctx, f, &s3.GetObjectInput{
		Bucket: aws.String(loc.Bucket),
		Key:    aws.String(loc.Key),
	})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("download %s: %w", loc, err)
	}

	lc := &LocalCopy{Path: path, Size: n, Duration: time.Since(start)}
	log.Info().
		Int64("bytes", n).
		Int64("duration_ms", lc.Duration.Milliseconds()).
		Str("throughput_h", humanfmt.Throughput(n, lc.Duration)).
		Int("concurrency", d.config.Concurrency).
		Msg("object downloaded")
	return lc, nil
}
