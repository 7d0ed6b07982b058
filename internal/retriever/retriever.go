package retriever

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/ligustah/segfs/internal/progress"
	"github.com/ligustah/segfs/pkg/segfs"
)

// NumberOfFilesExpected is the number of files a server sends per session.
const NumberOfFilesExpected = 3

// Transport delivers packets from the server.
type Transport interface {
	// SendRequest asks the server to start sending files.
	SendRequest(ctx context.Context) error

	// FetchPacket blocks until the next packet arrives.
	FetchPacket(ctx context.Context) (segfs.Packet, error)
}

// Storage persists finished files.
type Storage interface {
	Store(ctx context.Context, f segfs.File) error
}

// Options configures a retrieval session.
type Options struct {
	// ExpectedFiles is the number of distinct file ids that must be seen
	// before the session may finish. Default: NumberOfFilesExpected.
	ExpectedFiles int

	// SkipMalformed drops packets that fail to decode instead of aborting
	// the session.
	SkipMalformed bool

	// Progress is an optional progress reporter.
	Progress *progress.Reporter

	// OnFileComplete is called once for each file id when it first becomes
	// complete. It runs on the session goroutine.
	OnFileComplete func(fileID uint8, f segfs.File)

	// Logf receives diagnostic messages. Nil discards them.
	Logf func(format string, args ...any)
}

// TransportError wraps a failure to send the request or fetch a packet.
type TransportError struct {
	Op  string // "request" or "fetch"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("retriever: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StoreError records a file that could not be stored.
type StoreError struct {
	FileID uint8
	Name   string
	Err    error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("retriever: store file %d (%s): %v", e.FileID, e.Name, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// ErrInternal marks a violated invariant, such as converting a file that the
// termination check considered complete and failing.
var ErrInternal = errors.New("retriever: internal error")

// StoredFile describes a file handed to Storage.
type StoredFile struct {
	FileID   uint8
	Name     string
	Size     int64
	Checksum string
}

// Result summarizes a finished session.
type Result struct {
	Files      []StoredFile // Files stored, ordered by file id
	Packets    int          // Packets applied
	Duplicates int          // Data packets for chunks already held
	Malformed  int          // Datagrams skipped because they failed to decode
}

// State is the session state.
type State int

const (
	// AwaitingCompletion is the initial state: packets are still needed.
	AwaitingCompletion State = iota
	// Done means every expected file is complete.
	Done
)

func (s State) String() string {
	switch s {
	case AwaitingCompletion:
		return "awaiting-completion"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Session tracks the partial files of one retrieval. It is driven by
// Retrieve but can be fed packets directly.
type Session struct {
	expected  int
	files     map[uint8]*segfs.PartialFile
	completed map[uint8]bool
	result    Result
	opts      Options
}

// NewSession returns a session waiting for opts.ExpectedFiles files.
func NewSession(opts Options) *Session {
	if opts.ExpectedFiles <= 0 {
		opts.ExpectedFiles = NumberOfFilesExpected
	}
	return &Session{
		expected:  opts.ExpectedFiles,
		files:     make(map[uint8]*segfs.PartialFile),
		completed: make(map[uint8]bool),
		opts:      opts,
	}
}

// Apply routes p to the partial file for its id and returns the resulting
// session state.
func (s *Session) Apply(p segfs.Packet) State {
	pf, ok := s.files[p.FileID]
	if !ok {
		pf = segfs.NewPartialFile()
		s.files[p.FileID] = pf
		if s.opts.Progress != nil {
			s.opts.Progress.FileSeen()
		}
	}

	s.result.Packets++
	if s.opts.Progress != nil {
		s.opts.Progress.PacketReceived(len(p.Payload))
	}

	switch p.Kind {
	case segfs.KindHeader:
		s.logf("Downloading file %s...", p.Filename())
	case segfs.KindData:
		if pf.Has(p.Seq) {
			s.result.Duplicates++
			if s.opts.Progress != nil {
				s.opts.Progress.DuplicateReceived()
			}
		}
	}
	pf.Apply(p)

	if !s.completed[p.FileID] && pf.IsComplete() {
		s.completed[p.FileID] = true
		s.fileCompleted(p.FileID, pf)
	}

	return s.State()
}

func (s *Session) fileCompleted(id uint8, pf *segfs.PartialFile) {
	if s.opts.Progress == nil && s.opts.OnFileComplete == nil {
		return
	}
	f, err := pf.ToFile()
	if err != nil {
		return
	}
	if s.opts.Progress != nil {
		s.opts.Progress.FileCompleted(f.Name, f.Size())
	}
	if s.opts.OnFileComplete != nil {
		s.opts.OnFileComplete(id, f)
	}
}

// State evaluates the termination predicate: at least the expected number
// of file ids seen, and every tracked file complete.
func (s *Session) State() State {
	if len(s.files) < s.expected {
		return AwaitingCompletion
	}
	for _, pf := range s.files {
		if !pf.IsComplete() {
			return AwaitingCompletion
		}
	}
	return Done
}

// Seen returns the number of distinct file ids seen.
func (s *Session) Seen() int {
	return len(s.files)
}

// Files converts every tracked partial file into a File, ordered by file id.
func (s *Session) Files() ([]uint8, []segfs.File, error) {
	ids := make([]uint8, 0, len(s.files))
	for id := range s.files {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	files := make([]segfs.File, 0, len(ids))
	for _, id := range ids {
		f, err := s.files[id].ToFile()
		if err != nil {
			return nil, nil, fmt.Errorf("%w: file %d: %v", ErrInternal, id, err)
		}
		files = append(files, f)
	}
	return ids, files, nil
}

func (s *Session) logf(format string, args ...any) {
	if s.opts.Logf != nil {
		s.opts.Logf(format, args...)
	}
}

// Retrieve sends the request, then fetches and applies packets one at a time
// until the session is done, and finally stores every file exactly once.
//
// It blocks for as long as the transport does; there is no deadline beyond
// ctx. Fetch failures are returned as *TransportError and nothing is stored.
// Decode failures abort the session unless opts.SkipMalformed is set.
// Store failures do not prevent the remaining files from being stored; they
// are joined into the returned error as *StoreError values.
func Retrieve(ctx context.Context, t Transport, st Storage, opts Options) (*Result, error) {
	s := NewSession(opts)

	if err := t.SendRequest(ctx); err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}

	for state := s.State(); state != Done; {
		p, err := t.FetchPacket(ctx)
		if err != nil {
			if errors.Is(err, segfs.ErrMalformedPacket) {
				if opts.SkipMalformed {
					s.result.Malformed++
					if opts.Progress != nil {
						opts.Progress.MalformedReceived()
					}
					s.logf("Skipping malformed packet: %v", err)
					continue
				}
				return nil, err
			}
			return nil, &TransportError{Op: "fetch", Err: err}
		}
		state = s.Apply(p)
	}

	ids, files, err := s.Files()
	if err != nil {
		return nil, err
	}

	result := s.result
	var errs []error
	for i, f := range files {
		if err := st.Store(ctx, f); err != nil {
			errs = append(errs, &StoreError{FileID: ids[i], Name: f.Name, Err: err})
			continue
		}
		result.Files = append(result.Files, StoredFile{
			FileID:   ids[i],
			Name:     f.Name,
			Size:     f.Size(),
			Checksum: f.Checksum(),
		})
	}

	return &result, errors.Join(errs...)
}
