package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Options configures the progress reporter.
type Options struct {
	// ExpectedFiles is the number of files the session waits for.
	ExpectedFiles int

	// Output is where to write progress output.
	// Default: os.Stderr
	Output io.Writer

	// UpdateInterval is how often to update the progress display.
	// Default: 500ms
	UpdateInterval time.Duration

	// Server is the address being fetched from (for display).
	Server string
}

// Reporter outputs human-readable progress information.
type Reporter struct {
	opts Options

	mu             sync.Mutex
	packets        atomic.Int64
	bytes          atomic.Int64
	duplicates     atomic.Int64
	malformed      atomic.Int64
	filesSeen      atomic.Int32
	filesCompleted atomic.Int32
	startTime      time.Time
	stopCh         chan struct{}
	doneCh         chan struct{}
	started        bool
	stopped        bool
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.UpdateInterval == 0 {
		opts.UpdateInterval = 500 * time.Millisecond
	}

	return &Reporter{
		opts:   opts,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins outputting progress information.
func (r *Reporter) Start() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.startTime = time.Now()
	r.mu.Unlock()

	fmt.Fprintf(r.opts.Output, "[segfs] Fetching from: %s\n", r.opts.Server)
	fmt.Fprintf(r.opts.Output, "[segfs] Expecting %d files\n", r.opts.ExpectedFiles)

	go r.updateLoop()
}

// Stop stops the progress reporter and prints the final status. It waits
// for the final status to be written.
func (r *Reporter) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	started := r.started
	r.mu.Unlock()

	close(r.stopCh)
	if started {
		<-r.doneCh
	}
}

// PacketReceived records one received datagram carrying size payload bytes.
func (r *Reporter) PacketReceived(size int) {
	r.packets.Add(1)
	r.bytes.Add(int64(size))
}

// DuplicateReceived records a data packet for a chunk that was already held.
func (r *Reporter) DuplicateReceived() {
	r.duplicates.Add(1)
}

// MalformedReceived records a datagram that could not be decoded.
func (r *Reporter) MalformedReceived() {
	r.malformed.Add(1)
}

// FileSeen records the first packet for a new file id.
func (r *Reporter) FileSeen() {
	r.filesSeen.Add(1)
}

// FileCompleted records that a file has received every chunk.
func (r *Reporter) FileCompleted(name string, size int64) {
	r.filesCompleted.Add(1)
	fmt.Fprintf(r.opts.Output, "\r[segfs] Complete: %s (%s)%s\n", name, formatBytes(size), strings.Repeat(" ", 16))
}

// Snapshot is a point-in-time copy of the reporter's counters.
type Snapshot struct {
	Packets        int64
	Bytes          int64
	Duplicates     int64
	Malformed      int64
	FilesSeen      int
	FilesCompleted int
}

// Snapshot returns the current counters.
func (r *Reporter) Snapshot() Snapshot {
	return Snapshot{
		Packets:        r.packets.Load(),
		Bytes:          r.bytes.Load(),
		Duplicates:     r.duplicates.Load(),
		Malformed:      r.malformed.Load(),
		FilesSeen:      int(r.filesSeen.Load()),
		FilesCompleted: int(r.filesCompleted.Load()),
	}
}

// updateLoop periodically updates the progress display.
func (r *Reporter) updateLoop() {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.opts.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			r.printFinalStatus()
			return
		case <-ticker.C:
			r.printProgress()
		}
	}
}

// printProgress outputs the current progress.
func (r *Reporter) printProgress() {
	s := r.Snapshot()
	fmt.Fprintf(r.opts.Output, "\r[segfs] Files: %d/%d complete (%d seen) | Packets: %d | %s | Duplicates: %d    ",
		s.FilesCompleted,
		r.opts.ExpectedFiles,
		s.FilesSeen,
		s.Packets,
		formatBytes(s.Bytes),
		s.Duplicates,
	)
}

// printFinalStatus outputs the final status.
func (r *Reporter) printFinalStatus() {
	s := r.Snapshot()
	duration := time.Since(r.startTime)

	fmt.Fprintf(r.opts.Output, "\r[segfs] Files: %d/%d complete | Packets: %d | %s    \n",
		s.FilesCompleted,
		r.opts.ExpectedFiles,
		s.Packets,
		formatBytes(s.Bytes),
	)
	if s.Duplicates > 0 || s.Malformed > 0 {
		fmt.Fprintf(r.opts.Output, "[segfs] Duplicates: %d | Malformed: %d\n", s.Duplicates, s.Malformed)
	}
	fmt.Fprintf(r.opts.Output, "[segfs] Total time: %s\n", formatDuration(duration))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	m := int(d.Minutes())
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dm %ds", m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}

// ParseBytes parses a human-readable byte string (e.g., "4MB").
func ParseBytes(s string) (int64, error) {
	var multiplier int64 = 1
	s = strings.TrimSpace(s)

	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1024 * 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "MB"):
		multiplier = 1024 * 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "KB"):
		multiplier = 1024
		s = s[:len(s)-2]
	case strings.HasSuffix(s, "B"):
		s = s[:len(s)-1]
	}

	var value float64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%f", &value); err != nil {
		return 0, fmt.Errorf("invalid byte string: %s", s)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative byte string: %s", s)
	}

	return int64(value * float64(multiplier)), nil
}
