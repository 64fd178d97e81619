// Package gcs exposes a Cloud Storage bucket as a types.Backend. Directories
// are emulated with "/"-delimited key prefixes and zero-length marker
// objects whose names end in "/".
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/gcsclient"
	"github.com/s3fs-fuse/gcsfs-go/internal/pathcodec"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

const (
	defaultPageSize = 1000
	delimiter       = "/"
)

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(logger pslog.Logger) Option {
	return func(b *Backend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithPageSize caps the number of entries fetched per listing request.
func WithPageSize(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.pageSize = n
		}
	}
}

// Backend implements types.Backend over the JSON API. It keeps no mutable
// state of its own; concurrent calls share only the client.
type Backend struct {
	client   *gcsclient.Client
	codec    *pathcodec.Codec
	logger   pslog.Logger
	pageSize int
}

// New creates a backend rooted at prefix inside the client's bucket.
func New(client *gcsclient.Client, prefix string, opts ...Option) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("gcs client is required")
	}
	codec, err := pathcodec.New(prefix)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		client:   client,
		codec:    codec,
		logger:   pslog.NoopLogger(),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Stat returns metadata for p. A path with no object of its own is
// reported as a directory when a marker or any object below it exists.
func (b *Backend) Stat(ctx context.Context, _ types.User, p string) (types.Metadata, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.Metadata{}, types.NewOpError("stat", p, err)
	}
	if clean == "" {
		return types.DirMetadata(time.Time{}), nil
	}
	key, _ := b.codec.Key(clean)
	item, err := b.client.Stat(ctx, key)
	if err == nil {
		return gcsclient.ToMetadata(item)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Metadata{}, err
	}

	dirKey, _ := b.codec.DirKey(clean)
	marker, markerErr := b.client.Stat(ctx, dirKey)
	switch {
	case markerErr == nil:
		return types.DirMetadata(marker.Updated), nil
	case !errors.Is(markerErr, types.ErrNotFound):
		return types.Metadata{}, markerErr
	}

	page, listErr := b.client.List(ctx, gcsclient.ListOptions{Prefix: dirKey, MaxResults: 1})
	if listErr != nil {
		return types.Metadata{}, listErr
	}
	if len(page.Items) > 0 || len(page.Prefixes) > 0 {
		b.logger.Trace("gcs.stat.implicit_dir", "path", clean)
		return types.DirMetadata(time.Time{}), nil
	}
	return types.Metadata{}, err
}

// List returns the direct children of directory p. Nothing is fetched
// until the first call to Next.
func (b *Backend) List(ctx context.Context, _ types.User, p string) (types.EntryIterator, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return nil, types.NewOpError("list", p, err)
	}
	dirKey, _ := b.codec.DirKey(clean)
	return &listIterator{backend: b, prefix: dirKey, seen: make(map[string]bool)}, nil
}

// Get downloads the object at p.
func (b *Backend) Get(ctx context.Context, _ types.User, p string) (*types.Object, error) {
	key, err := b.fileKey("get", p)
	if err != nil {
		return nil, err
	}
	data, err := b.client.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	return types.NewObject(data), nil
}

// Put streams r to p and returns the size recorded by the store.
func (b *Backend) Put(ctx context.Context, _ types.User, p string, r io.Reader) (uint64, error) {
	key, err := b.fileKey("put", p)
	if err != nil {
		return 0, err
	}
	if r == nil {
		r = strings.NewReader("")
	}
	item, err := b.client.Put(ctx, key, r)
	if err != nil {
		return 0, err
	}
	size, err := gcsclient.ParseSize(item.Size)
	if err != nil {
		return 0, types.NewOpError("put", p, err)
	}
	return size, nil
}

// Delete removes the object at p.
func (b *Backend) Delete(ctx context.Context, _ types.User, p string) error {
	key, err := b.fileKey("delete", p)
	if err != nil {
		return err
	}
	return b.client.Delete(ctx, key)
}

// Mkdir creates the directory marker for p. The root always exists.
func (b *Backend) Mkdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("mkdir", p, err)
	}
	if clean == "" {
		return nil
	}
	key, _ := b.codec.Key(clean)
	_, err = b.client.Mkdir(ctx, key)
	return err
}

// Rmdir removes the marker of an empty directory. A directory holding any
// object besides its marker is refused with ErrNotEmpty.
func (b *Backend) Rmdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("rmdir", p, err)
	}
	if clean == "" {
		return types.NewOpError("rmdir", p, fmt.Errorf("%w: cannot remove the root", types.ErrInvalidPath))
	}
	dirKey, _ := b.codec.DirKey(clean)
	page, err := b.client.List(ctx, gcsclient.ListOptions{Prefix: dirKey, MaxResults: 2})
	if err != nil {
		return err
	}
	marker := false
	for _, item := range page.Items {
		if item.Name != dirKey {
			return types.NewOpError("rmdir", p, types.ErrNotEmpty)
		}
		marker = true
	}
	if len(page.Prefixes) > 0 || page.NextPageToken != "" {
		return types.NewOpError("rmdir", p, types.ErrNotEmpty)
	}
	if !marker {
		return types.NewOpError("rmdir", p, types.ErrNotFound)
	}
	return b.client.Delete(ctx, dirKey)
}

// Rename moves a file, or every object below a directory, by copying to
// the destination and then deleting the sources. It is not atomic: a
// failure after some copies leaves both keys present.
func (b *Backend) Rename(ctx context.Context, _ types.User, from, to string) error {
	src, err := pathcodec.Clean(from)
	if err != nil {
		return types.NewOpError("rename", from, err)
	}
	dst, err := pathcodec.Clean(to)
	if err != nil {
		return types.NewOpError("rename", to, err)
	}
	if src == "" || dst == "" {
		return types.NewOpError("rename", from, fmt.Errorf("%w: cannot rename the root", types.ErrInvalidPath))
	}
	if src == dst {
		_, err := b.Stat(ctx, nil, from)
		return err
	}
	if strings.HasPrefix(dst, src+"/") {
		return types.NewOpError("rename", to, fmt.Errorf("%w: destination is inside the source", types.ErrInvalidPath))
	}

	srcKey, _ := b.codec.Key(src)
	dstKey, _ := b.codec.Key(dst)
	_, err = b.client.Stat(ctx, srcKey)
	if err == nil {
		if _, err := b.client.Copy(ctx, srcKey, dstKey); err != nil {
			return err
		}
		return b.client.Delete(ctx, srcKey)
	}
	if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return b.renameDir(ctx, from, src, dst, err)
}

func (b *Backend) renameDir(ctx context.Context, from, src, dst string, notFound error) error {
	srcDir, _ := b.codec.DirKey(src)
	dstDir, _ := b.codec.DirKey(dst)

	var keys []string
	opts := gcsclient.ListOptions{Prefix: srcDir, MaxResults: b.pageSize}
	for {
		page, err := b.client.List(ctx, opts)
		if err != nil {
			return err
		}
		for _, item := range page.Items {
			keys = append(keys, item.Name)
		}
		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}
	if len(keys) == 0 {
		return notFound
	}

	b.logger.Debug("gcs.rename.dir", "from", srcDir, "to", dstDir, "objects", len(keys))
	for _, key := range keys {
		target := dstDir + strings.TrimPrefix(key, srcDir)
		if _, err := b.client.Copy(ctx, key, target); err != nil {
			return fmt.Errorf("failed to copy %s: %w", key, err)
		}
	}
	for _, key := range keys {
		if err := b.client.Delete(ctx, key); err != nil && !errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("failed to delete %s after copy: %w", key, err)
		}
	}
	return nil
}

func (b *Backend) fileKey(op, p string) (string, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return "", types.NewOpError(op, p, err)
	}
	if clean == "" {
		return "", types.NewOpError(op, p, fmt.Errorf("%w: root is a directory", types.ErrInvalidPath))
	}
	key, _ := b.codec.Key(clean)
	return key, nil
}

// listIterator pages through a delimiter listing on demand.
type listIterator struct {
	backend *Backend
	prefix  string
	token   string
	pending []types.Fileinfo
	seen    map[string]bool
	done    bool
	err     error
}

func (it *listIterator) Next(ctx context.Context) (types.Fileinfo, error) {
	for len(it.pending) == 0 {
		if it.err != nil {
			return types.Fileinfo{}, it.err
		}
		if it.done {
			return types.Fileinfo{}, io.EOF
		}
		if err := it.fetch(ctx); err != nil {
			it.err = err
			return types.Fileinfo{}, err
		}
	}
	entry := it.pending[0]
	it.pending = it.pending[1:]
	return entry, nil
}

func (it *listIterator) fetch(ctx context.Context) error {
	b := it.backend
	page, err := b.client.List(ctx, gcsclient.ListOptions{
		Prefix:     it.prefix,
		Delimiter:  delimiter,
		PageToken:  it.token,
		MaxResults: b.pageSize,
	})
	if err != nil {
		return err
	}

	var entries []types.Fileinfo
	for _, item := range page.Items {
		if item.Name == it.prefix {
			continue
		}
		logical, err := b.codec.Logical(item.Name)
		if err != nil {
			return types.NewOpError("list", item.Name, err)
		}
		md, err := gcsclient.ToMetadata(item)
		if err != nil {
			return err
		}
		entries = it.add(entries, types.Fileinfo{Path: logical, Metadata: md})
	}
	for _, prefix := range page.Prefixes {
		logical, err := b.codec.Logical(prefix)
		if err != nil {
			return types.NewOpError("list", prefix, err)
		}
		entries = it.add(entries, types.Fileinfo{Path: logical, Metadata: types.DirMetadata(time.Time{})})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })

	it.pending = entries
	it.token = page.NextPageToken
	if it.token == "" {
		it.done = true
	}
	return nil
}

func (it *listIterator) add(entries []types.Fileinfo, entry types.Fileinfo) []types.Fileinfo {
	if it.seen[entry.Path] {
		return entries
	}
	it.seen[entry.Path] = true
	return append(entries, entry)
}
