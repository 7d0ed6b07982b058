package main

import (
	"github.com/spf13/cobra"

	"github.com/ligustah/segfs/internal/progress"
	"github.com/ligustah/segfs/internal/transport"
	"github.com/ligustah/segfs/pkg/segfs"
)

func newServeCommand() *cobra.Command {
	var (
		addr       string
		dir        string
		chunkSize  string
		duplicates float64
		seed       uint64
	)
	srv := &transport.Server{}

	cmd := &cobra.Command{
		Use:   "serve --dir DIR [flags]",
		Short: "Serve the files in a directory as shuffled UDP segments",
		Long: `Serve every regular file in --dir. Each request datagram is answered with a
header and the data chunks of every file, in random order. Useful for testing
fetch locally.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logf := logger(cmd.ErrOrStderr())

			if dir == "" {
				return fail(ExitInvalidArgs, "--dir is required")
			}
			size, err := progress.ParseBytes(chunkSize)
			if err != nil {
				return fail(ExitInvalidArgs, "invalid chunk size: %v", err)
			}
			if size <= 0 || size > segfs.MaxPayloadSize {
				return fail(ExitInvalidArgs, "chunk size must be between 1 and %d bytes", segfs.MaxPayloadSize)
			}
			if duplicates < 0 || duplicates > 1 {
				return fail(ExitInvalidArgs, "--duplicates must be between 0 and 1")
			}

			files, err := transport.LoadDir(dir)
			if err != nil {
				return fail(ExitInvalidArgs, "%v", err)
			}
			for _, f := range files {
				logf("File %d: %s (%s)", f.ID, f.Name, progress.FormatBytes(int64(len(f.Data))))
			}

			srv.Addr = addr
			srv.Files = files
			srv.ChunkSize = int(size)
			srv.Duplicates = duplicates
			srv.Seed = seed
			srv.Logf = logf

			if err := srv.ListenAndServe(cmd.Context()); err != nil {
				return fail(ExitServerFailure, "%v", err)
			}
			logf("Server stopped")
			return nil
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&addr, "addr", ":6014", "UDP address to listen on")
	fl.StringVarP(&dir, "dir", "d", "", "Directory of files to serve (required)")
	fl.StringVar(&chunkSize, "chunk-size", "512B", "Payload size of each data packet")
	fl.Float64Var(&duplicates, "duplicates", 0, "Fraction of packets to send twice")
	fl.DurationVar(&srv.Pace, "pace", 0, "Pause between datagrams")
	fl.Uint64Var(&seed, "seed", 0, "Shuffle seed (default: random per request)")

	return cmd
}
