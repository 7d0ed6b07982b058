package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ligustah/segfs/internal/progress"
	"github.com/ligustah/segfs/internal/storage"
)

// newVerifyCommand checks stored files against the manifest written by
// fetch. It reads every file back to compare checksums.
func newVerifyCommand() *cobra.Command {
	var opts storage.Options
	var output string

	cmd := &cobra.Command{
		Use:   "verify [flags]",
		Short: "Check stored files against the session manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			stdout := cmd.OutOrStdout()

			if output == "" {
				wd, err := os.Getwd()
				if err != nil {
					return fail(ExitGeneralError, "resolve output directory: %v", err)
				}
				output = "file://" + filepath.ToSlash(wd)
			}

			bucket, err := storage.Open(ctx, output, opts)
			if err != nil {
				return fail(ExitStorageError, "opening output: %v", err)
			}
			defer bucket.Close()

			result, err := bucket.Verify(ctx)
			if err != nil {
				if storage.IsNotExist(err) {
					return fail(ExitValidationFailed, "no manifest %s in %s", bucket.ManifestKey(), output)
				}
				return fail(ExitStorageError, "%v", err)
			}

			// Print results
			fmt.Fprintf(stdout, "Session: %s\n", result.SessionID)
			fmt.Fprintf(stdout, "Total size: %s\n", progress.FormatBytes(result.TotalSize))
			fmt.Fprintf(stdout, "Files: %d\n", result.FileCount)

			if result.Valid {
				fmt.Fprintln(stdout, "Status: VALID")
				return nil
			}

			fmt.Fprintln(stdout, "Status: INVALID")
			fmt.Fprintf(stdout, "Missing files: %d\n", result.MissingFiles)
			fmt.Fprintf(stdout, "Size mismatches: %d\n", result.SizeMismatches)
			fmt.Fprintf(stdout, "Checksum mismatches: %d\n", result.ChecksumMismatches)

			if len(result.Errors) > 0 {
				fmt.Fprintln(stdout, "\nErrors:")
				for _, e := range result.Errors {
					fmt.Fprintf(stdout, "  - %s\n", e)
				}
			}
			return &exitError{code: ExitValidationFailed}
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&output, "output", "o", "", "Bucket URL the files were stored in (default: current directory)")
	fl.StringVar(&opts.Prefix, "prefix", "", "Key prefix the files were stored under")
	fl.StringVar(&opts.ManifestKey, "manifest", storage.DefaultManifestKey, "Manifest object name")

	return cmd
}
