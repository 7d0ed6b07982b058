package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ligustah/segfs/internal/config"
	"github.com/ligustah/segfs/internal/progress"
	"github.com/ligustah/segfs/internal/retriever"
	"github.com/ligustah/segfs/internal/storage"
	"github.com/ligustah/segfs/internal/transport"
	"github.com/ligustah/segfs/pkg/segfs"
)

// fetchFlags holds the raw command line values. Zero values defer to the
// config file, the environment, then the defaults.
type fetchFlags struct {
	configPath string
	readBuffer string
	strict     bool
	override   config.Config
}

func newFetchCommand() *cobra.Command {
	var f fetchFlags

	cmd := &cobra.Command{
		Use:   "fetch [flags]",
		Short: "Request files from a server and store them",
		Long: `Request every file from a segment server, wait until all of them have been
reassembled, then store them under --output and write a manifest.

Settings are read from --config, then SEGFS_* environment variables, then
flags. The output defaults to the current directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configPath, "config", "", "YAML config file")
	fl.StringVarP(&f.override.Server, "server", "s", "", "Server host name or address (required)")
	fl.IntVarP(&f.override.Port, "port", "p", 0, "Server UDP port (default 6014)")
	fl.StringVarP(&f.override.Output, "output", "o", "", "Destination bucket URL, e.g. file:///tmp/out or s3://bucket (default: current directory)")
	fl.StringVar(&f.override.Prefix, "prefix", "", "Key prefix for stored files")
	fl.StringVar(&f.override.Manifest, "manifest", "", "Manifest object name (default segfs.manifest.json)")
	fl.IntVar(&f.override.ExpectedFiles, "expected-files", 0, "Number of files the server sends (default 3)")
	fl.DurationVar(&f.override.Timeout, "timeout", 0, "Resend the request after this long without packets (default: wait forever)")
	fl.IntVar(&f.override.BatchSize, "batch-size", 0, "Datagrams read per system call (default 1)")
	fl.StringVar(&f.readBuffer, "read-buffer", "", "Socket receive buffer size, e.g. 4MB")
	fl.BoolVar(&f.override.Overwrite, "overwrite", false, "Replace files that already exist")
	fl.BoolVar(&f.strict, "strict", false, "Abort on malformed packets instead of skipping them")
	fl.BoolVar(&f.override.Progress, "progress", false, "Show progress output")
	fl.IntVar(&f.override.Retry.Attempts, "retry-attempts", 0, "Request resends before giving up (default 5)")
	fl.DurationVar(&f.override.Retry.Backoff, "retry-backoff", 0, "Initial resend backoff (default 1s)")
	fl.DurationVar(&f.override.Retry.MaxBackoff, "retry-max-backoff", 0, "Max resend backoff (default 30s)")

	return cmd
}

// loadFetchConfig layers the config file, the environment and the flags.
func loadFetchConfig(f fetchFlags) (config.Config, error) {
	cfg := config.Default()
	if f.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(f.configPath)
		if err != nil {
			return config.Config{}, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, err
	}

	override := f.override
	if f.readBuffer != "" {
		size, err := progress.ParseBytes(f.readBuffer)
		if err != nil {
			return config.Config{}, fmt.Errorf("invalid read buffer: %w", err)
		}
		override.ReadBuffer = size
	}
	cfg = cfg.Merge(override)
	if f.strict {
		cfg.SkipMalformed = false
	}

	if cfg.Output == "" {
		wd, err := os.Getwd()
		if err != nil {
			return config.Config{}, fmt.Errorf("resolve output directory: %w", err)
		}
		cfg.Output = "file://" + filepath.ToSlash(wd)
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// runFetch runs one download session and stores the result.
func runFetch(cmd *cobra.Command, f fetchFlags) error {
	ctx := cmd.Context()
	stderr := cmd.ErrOrStderr()
	logf := logger(stderr)

	cfg, err := loadFetchConfig(f)
	if err != nil {
		return &exitError{code: ExitInvalidArgs, err: err}
	}

	bucket, err := storage.Open(ctx, cfg.Output, storage.Options{
		Prefix:      cfg.Prefix,
		Overwrite:   cfg.Overwrite,
		ManifestKey: cfg.Manifest,
	})
	if err != nil {
		return fail(ExitStorageError, "opening output: %v", err)
	}
	defer bucket.Close()

	client, err := transport.Dial(ctx, cfg.Address(), transport.Options{
		Timeout:         cfg.Timeout,
		RetryAttempts:   cfg.Retry.Attempts,
		RetryBackoff:    cfg.Retry.Backoff,
		RetryMaxBackoff: cfg.Retry.MaxBackoff,
		BatchSize:       cfg.BatchSize,
		ReadBuffer:      int(cfg.ReadBuffer),
		Logf:            logf,
	})
	if err != nil {
		return fail(ExitServerFailure, "connecting to server: %v", err)
	}
	defer client.Close()

	// Setup progress reporter
	var reporter *progress.Reporter
	if cfg.Progress {
		reporter = progress.NewReporter(progress.Options{
			ExpectedFiles:  cfg.ExpectedFiles,
			Output:         stderr,
			UpdateInterval: time.Second,
			Server:         cfg.Address(),
		})
		reporter.Start()
		defer reporter.Stop()
	}

	start := time.Now()
	result, err := retriever.Retrieve(ctx, client, bucket, retriever.Options{
		ExpectedFiles: cfg.ExpectedFiles,
		SkipMalformed: cfg.SkipMalformed,
		Progress:      reporter,
		Logf:          logf,
	})
	if reporter != nil {
		reporter.Stop()
	}

	if err != nil {
		var te *retriever.TransportError
		var se *retriever.StoreError
		switch {
		case ctx.Err() != nil:
			logf("Fetch interrupted, nothing stored")
			return &exitError{code: ExitGeneralError}
		case errors.As(err, &te):
			return fail(ExitServerFailure, "receiving from %s: %v", cfg.Address(), err)
		case errors.Is(err, segfs.ErrMalformedPacket):
			return fail(ExitProtocolError, "server sent a malformed packet: %v", err)
		case errors.As(err, &se):
			if result != nil {
				for _, sf := range result.Files {
					logf("Stored: %s (%s)", sf.Name, progress.FormatBytes(sf.Size))
				}
			}
			if errors.Is(err, storage.ErrExists) {
				logf("Use --overwrite to replace existing files")
			}
			return fail(ExitStorageError, "storing files: %v", err)
		default:
			return fail(ExitGeneralError, "%v", err)
		}
	}

	entries := make([]storage.ManifestFile, 0, len(result.Files))
	for _, sf := range result.Files {
		logf("Stored: %s (%s)", sf.Name, progress.FormatBytes(sf.Size))
		entries = append(entries, storage.ManifestFile{
			FileID:   sf.FileID,
			Name:     sf.Name,
			Size:     sf.Size,
			Checksum: sf.Checksum,
		})
	}

	manifest := storage.NewManifest(cfg.Address(), entries)
	if err := bucket.WriteManifest(ctx, manifest); err != nil {
		return fail(ExitStorageError, "%v", err)
	}

	if result.Duplicates > 0 || result.Malformed > 0 {
		logf("Ignored %d duplicate and %d malformed packets", result.Duplicates, result.Malformed)
	}
	logf("Fetch complete: %d files from %d packets in %s",
		len(result.Files), result.Packets, time.Since(start).Round(time.Millisecond))
	logf("Manifest: %s (session %s)", bucket.ManifestKey(), manifest.SessionID)
	return nil
}
