package segfs

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrIncompleteFile is returned by PartialFile.ToFile when the file has not
// received its name, its final chunk, or every chunk below the final one.
var ErrIncompleteFile = errors.New("segfs: file is incomplete")

// File is a fully reassembled file. Treat it as immutable.
type File struct {
	Name string
	Data []byte
}

// Equal reports whether f and other have the same name and content.
func (f File) Equal(other File) bool {
	return f.Name == other.Name && bytes.Equal(f.Data, other.Data)
}

// Size returns the length of the content in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Checksum returns the hex-encoded SHA-256 of the content.
func (f File) Checksum() string {
	sum := sha256.Sum256(f.Data)
	return hex.EncodeToString(sum[:])
}

// PartialFile accumulates the packets of one file id until the file can be
// reassembled. It is not safe for concurrent use.
type PartialFile struct {
	name    string
	hasName bool

	count    int
	hasCount bool

	chunks map[uint16][]byte
}

// NewPartialFile returns an empty PartialFile.
func NewPartialFile() *PartialFile {
	return &PartialFile{chunks: make(map[uint16][]byte)}
}

// Apply folds p into the partial file.
func (pf *PartialFile) Apply(p Packet) {
	switch p.Kind {
	case KindHeader:
		pf.ApplyHeader(p.Filename())
	case KindData:
		pf.ApplyData(p.Seq, p.Payload, p.Final)
	}
}

// ApplyHeader sets the filename. A later header replaces an earlier one.
func (pf *PartialFile) ApplyHeader(name string) {
	pf.name = name
	pf.hasName = true
}

// ApplyData stores the chunk at seq, replacing any chunk already held there.
// When final is set the file is known to have seq+1 chunks; the most recent
// final chunk decides.
func (pf *PartialFile) ApplyData(seq uint16, payload []byte, final bool) {
	if pf.chunks == nil {
		pf.chunks = make(map[uint16][]byte)
	}
	pf.chunks[seq] = payload
	if final {
		pf.SetChunkCount(int(seq) + 1)
	}
}

// SetChunkCount sets the number of chunks the file consists of. Zero is
// valid and describes an empty file that needs no data packets at all.
func (pf *PartialFile) SetChunkCount(n int) {
	pf.count = n
	pf.hasCount = true
}

// Filename returns the filename and whether a header has been applied.
func (pf *PartialFile) Filename() (string, bool) {
	return pf.name, pf.hasName
}

// ChunkCount returns the expected number of chunks and whether the final
// chunk has been seen.
func (pf *PartialFile) ChunkCount() (int, bool) {
	return pf.count, pf.hasCount
}

// Received returns the number of distinct chunks held.
func (pf *PartialFile) Received() int {
	return len(pf.chunks)
}

// Has reports whether the chunk at seq is held.
func (pf *PartialFile) Has(seq uint16) bool {
	_, ok := pf.chunks[seq]
	return ok
}

// Missing returns the sequence numbers below the expected chunk count that
// have not arrived yet, in ascending order. It returns nil while the chunk
// count is unknown.
func (pf *PartialFile) Missing() []uint16 {
	if !pf.hasCount {
		return nil
	}
	var missing []uint16
	for i := 0; i < pf.count; i++ {
		if _, ok := pf.chunks[uint16(i)]; !ok {
			missing = append(missing, uint16(i))
		}
	}
	return missing
}

// IsComplete reports whether the filename, the chunk count and every chunk
// in [0, count) are known.
func (pf *PartialFile) IsComplete() bool {
	if !pf.hasName || !pf.hasCount {
		return false
	}
	for i := 0; i < pf.count; i++ {
		if _, ok := pf.chunks[uint16(i)]; !ok {
			return false
		}
	}
	return true
}

// ToFile concatenates chunks 0 through count-1 into a File. It returns an
// error wrapping ErrIncompleteFile if IsComplete is false.
func (pf *PartialFile) ToFile() (File, error) {
	switch {
	case !pf.hasName:
		return File{}, fmt.Errorf("%w: no header received", ErrIncompleteFile)
	case !pf.hasCount:
		return File{}, fmt.Errorf("%w: %q: final chunk not received", ErrIncompleteFile, pf.name)
	}
	if missing := pf.Missing(); len(missing) > 0 {
		return File{}, fmt.Errorf("%w: %q: missing %d of %d chunks", ErrIncompleteFile, pf.name, len(missing), pf.count)
	}

	size := 0
	for i := 0; i < pf.count; i++ {
		size += len(pf.chunks[uint16(i)])
	}
	data := make([]byte, 0, size)
	for i := 0; i < pf.count; i++ {
		data = append(data, pf.chunks[uint16(i)]...)
	}

	return File{Name: pf.name, Data: data}, nil
}
