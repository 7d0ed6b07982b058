// Package progress provides progress reporting for fetch sessions.
//
// This package outputs human-readable progress information to stderr,
// including files completed, packets received, and duplicate deliveries.
//
// # Usage
//
//	reporter := progress.NewReporter(Options{
//	    ExpectedFiles: 3,
//	    Server:        "localhost:6014",
//	})
//
//	reporter.Start()
//	defer reporter.Stop()
//
//	// Update as packets arrive
//	reporter.PacketReceived(len(payload))
//
// # Output Format
//
//	[segfs] Fetching from: localhost:6014
//	[segfs] Expecting 3 files
//	[segfs] Complete: small.txt (1.21 KB)
//	[segfs] Files: 1/3 complete (3 seen) | Packets: 812 | 790.12 KB | Duplicates: 4
package progress
