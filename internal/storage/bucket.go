package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"
	"gocloud.dev/gcerrors"

	"github.com/ligustah/segfs/pkg/segfs"
)

// DefaultManifestKey is the object the session manifest is written to.
const DefaultManifestKey = "segfs.manifest.json"

// ChecksumMetadataKey is the blob metadata key holding the hex SHA-256 of a
// stored file.
const ChecksumMetadataKey = "sha256"

// Common errors.
var (
	ErrExists      = errors.New("storage: object already exists")
	ErrInvalidName = errors.New("storage: invalid file name")
)

// Options configures a Bucket.
type Options struct {
	// Prefix is prepended to every key, e.g. "downloads/2024/".
	Prefix string

	// Overwrite replaces existing objects instead of failing with ErrExists.
	Overwrite bool

	// ManifestKey is the manifest object name.
	// Default: DefaultManifestKey
	ManifestKey string
}

// Bucket stores reassembled files in a gocloud.dev/blob bucket.
type Bucket struct {
	bucket *blob.Bucket
	opts   Options
}

// Open opens the bucket at url (file://, mem://, s3://, gs://).
func Open(ctx context.Context, url string, opts Options) (*Bucket, error) {
	bkt, err := blob.OpenBucket(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("storage: open bucket: %w", err)
	}
	return New(bkt, opts), nil
}

// New wraps an already opened bucket. The Bucket takes ownership of bkt.
func New(bkt *blob.Bucket, opts Options) *Bucket {
	if opts.ManifestKey == "" {
		opts.ManifestKey = DefaultManifestKey
	}
	if opts.Prefix != "" {
		if !strings.HasSuffix(opts.Prefix, "/") {
			opts.Prefix += "/"
		}
		bkt = blob.PrefixedBucket(bkt, opts.Prefix)
	}
	return &Bucket{bucket: bkt, opts: opts}
}

// ManifestKey returns the key the manifest is stored under, relative to the
// prefix.
func (b *Bucket) ManifestKey() string {
	return b.opts.ManifestKey
}

// Store writes f under its name, recording its SHA-256 in the object
// metadata.
func (b *Bucket) Store(ctx context.Context, f segfs.File) error {
	key, err := b.key(f.Name)
	if err != nil {
		return err
	}

	if !b.opts.Overwrite {
		exists, err := b.bucket.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("storage: check %s: %w", key, err)
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrExists, key)
		}
	}

	opts := &blob.WriterOptions{
		ContentType: "application/octet-stream",
		Metadata:    map[string]string{ChecksumMetadataKey: f.Checksum()},
	}
	if err := b.bucket.WriteAll(ctx, key, f.Data, opts); err != nil {
		return fmt.Errorf("storage: write %s: %w", key, err)
	}
	return nil
}

// ReadFile reads a stored file back.
func (b *Bucket) ReadFile(ctx context.Context, name string) (segfs.File, error) {
	key, err := b.key(name)
	if err != nil {
		return segfs.File{}, err
	}
	data, err := b.bucket.ReadAll(ctx, key)
	if err != nil {
		return segfs.File{}, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return segfs.File{Name: name, Data: data}, nil
}

// key validates a file name and returns its object key.
func (b *Bucket) key(name string) (string, error) {
	switch {
	case name == "":
		return "", fmt.Errorf("%w: empty name", ErrInvalidName)
	case strings.ContainsRune(name, 0):
		return "", fmt.Errorf("%w: %q contains NUL", ErrInvalidName, name)
	case strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`):
		return "", fmt.Errorf("%w: %q is absolute", ErrInvalidName, name)
	}
	for _, elem := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if elem == ".." {
			return "", fmt.Errorf("%w: %q escapes the output location", ErrInvalidName, name)
		}
	}

	key := path.Clean(name)
	if key == "." {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if key == b.opts.ManifestKey {
		return "", fmt.Errorf("%w: %q is reserved for the manifest", ErrInvalidName, name)
	}
	return key, nil
}

// Manifest describes a completed session.
type Manifest struct {
	SessionID   string         `json:"session_id"`
	Server      string         `json:"server,omitempty"`
	Files       []ManifestFile `json:"files"`
	CompletedAt time.Time      `json:"completed_at"`
}

// ManifestFile describes a single stored file in the manifest.
type ManifestFile struct {
	FileID   uint8  `json:"file_id"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// NewManifest returns a manifest for files with a fresh session id.
func NewManifest(server string, files []ManifestFile) Manifest {
	return Manifest{
		SessionID:   uuid.NewString(),
		Server:      server,
		Files:       files,
		CompletedAt: time.Now().UTC(),
	}
}

// WriteManifest writes m to the manifest key, replacing any earlier one.
func (b *Bucket) WriteManifest(ctx context.Context, m Manifest) error {
	if m.SessionID == "" {
		m.SessionID = uuid.NewString()
	} else if _, err := uuid.Parse(m.SessionID); err != nil {
		return fmt.Errorf("storage: invalid session id %q: %w", m.SessionID, err)
	}
	if m.Files == nil {
		m.Files = []ManifestFile{}
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal manifest: %w", err)
	}
	opts := &blob.WriterOptions{ContentType: "application/json"}
	if err := b.bucket.WriteAll(ctx, b.opts.ManifestKey, data, opts); err != nil {
		return fmt.Errorf("storage: write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest. A missing manifest wraps
// gcerrors.NotFound; see IsNotExist.
func (b *Bucket) ReadManifest(ctx context.Context) (*Manifest, error) {
	data, err := b.bucket.ReadAll(ctx, b.opts.ManifestKey)
	if err != nil {
		return nil, fmt.Errorf("storage: read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("storage: unmarshal manifest: %w", err)
	}
	return &m, nil
}

// ValidationResult contains the results of checking stored files against
// the manifest.
type ValidationResult struct {
	Valid              bool     // true if every file exists with matching size and checksum
	SessionID          string   // session id from the manifest
	FileCount          int      // number of files in the manifest
	TotalSize          int64    // sum of file sizes in the manifest
	MissingFiles       int      // number of files that don't exist
	SizeMismatches     int      // number of files with the wrong size
	ChecksumMismatches int      // number of files whose content hash differs
	Errors             []string // detailed error messages
}

// Verify checks that every file in the manifest exists with the recorded
// size and SHA-256.
//
// Returns an error if the manifest is missing or malformed, or the bucket
// cannot be read. Missing files and mismatches are NOT returned as errors;
// they are reported in the ValidationResult with Valid=false.
func (b *Bucket) Verify(ctx context.Context) (*ValidationResult, error) {
	m, err := b.ReadManifest(ctx)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{
		Valid:     true,
		SessionID: m.SessionID,
		FileCount: len(m.Files),
		Errors:    make([]string, 0),
	}

	for _, f := range m.Files {
		result.TotalSize += f.Size

		key, err := b.key(f.Name)
		if err != nil {
			result.Valid = false
			result.MissingFiles++
			result.Errors = append(result.Errors, fmt.Sprintf("file %d: %v", f.FileID, err))
			continue
		}

		attrs, err := b.bucket.Attributes(ctx, key)
		if err != nil {
			if IsNotExist(err) {
				result.Valid = false
				result.MissingFiles++
				result.Errors = append(result.Errors,
					fmt.Sprintf("file %d missing: %s", f.FileID, key))
				continue
			}
			return nil, fmt.Errorf("storage: check file %d: %w", f.FileID, err)
		}

		if attrs.Size != f.Size {
			result.Valid = false
			result.SizeMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("file %d size mismatch: expected %d, got %d", f.FileID, f.Size, attrs.Size))
			continue
		}

		data, err := b.bucket.ReadAll(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("storage: read file %d: %w", f.FileID, err)
		}
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != f.Checksum {
			result.Valid = false
			result.ChecksumMismatches++
			result.Errors = append(result.Errors,
				fmt.Sprintf("file %d checksum mismatch: expected %s, got %s", f.FileID, f.Checksum, got))
		}
	}

	return result, nil
}

// Close releases the bucket.
func (b *Bucket) Close() error {
	return b.bucket.Close()
}

// IsNotExist returns true if the error indicates the object doesn't exist.
func IsNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}

// IsPermission returns true if the error indicates missing credentials or
// access rights.
func IsPermission(err error) bool {
	return gcerrors.Code(err) == gcerrors.PermissionDenied
}
