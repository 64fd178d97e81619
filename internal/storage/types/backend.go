package types

import (
	"context"
	"io"
	"path"
	"strings"
	"time"
)

// User is the opaque caller identity handed down by the host. Backends
// ignore it; access control belongs to the host.
type User any

// Backend defines the filesystem-style operation set every storage backend
// exposes to a host (FTP server, FUSE mount, CLI).
type Backend interface {
	// Stat returns metadata for a file or directory
	Stat(ctx context.Context, user User, p string) (Metadata, error)

	// List returns the direct children of a directory. The iterator is
	// lazy and can be consumed once.
	List(ctx context.Context, user User, p string) (EntryIterator, error)

	// Get downloads a whole object
	Get(ctx context.Context, user User, p string) (*Object, error)

	// Put uploads r to p and returns the size the store reports back
	Put(ctx context.Context, user User, p string, r io.Reader) (uint64, error)

	// Delete removes a file
	Delete(ctx context.Context, user User, p string) error

	// Mkdir creates a directory marker
	Mkdir(ctx context.Context, user User, p string) error

	// Rename moves a file or directory. Not atomic: a failure part way
	// through can leave both source and destination present.
	Rename(ctx context.Context, user User, from, to string) error

	// Rmdir removes an empty directory
	Rmdir(ctx context.Context, user User, p string) error
}

// Metadata is the read-only attribute set of a file or directory.
type Metadata struct {
	Size    uint64
	ModTime time.Time
	Dir     bool
}

// FileMetadata builds metadata for a plain object.
func FileMetadata(size uint64, modTime time.Time) Metadata {
	return Metadata{Size: size, ModTime: modTime}
}

// DirMetadata builds metadata for a directory. Directories have size 0.
func DirMetadata(modTime time.Time) Metadata {
	return Metadata{Dir: true, ModTime: modTime}
}

// Len returns the size in bytes.
func (m Metadata) Len() uint64 { return m.Size }

// IsEmpty reports whether the size is zero.
func (m Metadata) IsEmpty() bool { return m.Size == 0 }

// IsDir reports whether the entry is a directory.
func (m Metadata) IsDir() bool { return m.Dir }

// IsFile reports whether the entry is a plain object.
func (m Metadata) IsFile() bool { return !m.Dir }

// IsSymlink always returns false; object stores have no links.
func (m Metadata) IsSymlink() bool { return false }

// Modified returns the last modification time. Entries without a
// timestamp (prefix-only directories) return an error.
func (m Metadata) Modified() (time.Time, error) {
	if m.ModTime.IsZero() {
		return time.Time{}, ErrNoModTime
	}
	return m.ModTime, nil
}

// UID returns the owner id. The stores have no ownership model, so this is
// always the sentinel 0.
func (m Metadata) UID() uint32 { return 0 }

// GID returns the group id, always the sentinel 0.
func (m Metadata) GID() uint32 { return 0 }

// Fileinfo is one listing entry. Path is relative to the backend root and
// ends in "/" for directories.
type Fileinfo struct {
	Path     string
	Metadata Metadata
}

// Name returns the last path segment without a trailing slash.
func (f Fileinfo) Name() string {
	return path.Base(strings.TrimSuffix(f.Path, "/"))
}

// EntryIterator yields listing entries one at a time. Next returns io.EOF
// once the listing is exhausted.
type EntryIterator interface {
	Next(ctx context.Context) (Fileinfo, error)
}

// SliceIterator iterates over an already materialized listing.
type SliceIterator struct {
	entries []Fileinfo
	pos     int
}

// NewSliceIterator creates an iterator over entries
func NewSliceIterator(entries []Fileinfo) *SliceIterator {
	return &SliceIterator{entries: entries}
}

// Next returns the next entry or io.EOF
func (it *SliceIterator) Next(ctx context.Context) (Fileinfo, error) {
	if err := ctx.Err(); err != nil {
		return Fileinfo{}, err
	}
	if it.pos >= len(it.entries) {
		return Fileinfo{}, io.EOF
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, nil
}

// Collect drains an iterator into a slice.
func Collect(ctx context.Context, it EntryIterator) ([]Fileinfo, error) {
	var out []Fileinfo
	for {
		entry, err := it.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, entry)
	}
}
