// Package flat adapts stores that only know whole keys (SQL tables,
// document collections) to types.Backend. Directories are emulated with
// "/"-terminated marker records and key prefixes, the same layout the
// object store backends use.
package flat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/s3fs-fuse/gcsfs-go/internal/pathcodec"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Store is the minimal record store a flat backend needs. Missing keys are
// reported with types.ErrNotFound.
type Store interface {
	Head(ctx context.Context, key string) (types.FlatRecord, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, data []byte) (types.FlatRecord, error)
	Remove(ctx context.Context, key string) error
	// Scan returns records whose key starts with prefix in key order. A
	// limit of zero returns all of them.
	Scan(ctx context.Context, prefix string, limit int) ([]types.FlatRecord, error)
	// Move renames keys. Stores that can apply the moves atomically do so.
	Move(ctx context.Context, moves []Move) error
}

// Move renames one key.
type Move struct {
	From string
	To   string
}

// Backend implements types.Backend over a Store.
type Backend struct {
	store Store
	codec *pathcodec.Codec
}

// New creates a backend rooted at prefix.
func New(store Store, prefix string) (*Backend, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	codec, err := pathcodec.New(prefix)
	if err != nil {
		return nil, err
	}
	return &Backend{store: store, codec: codec}, nil
}

// Store returns the underlying store.
func (b *Backend) Store() Store {
	return b.store
}

// Close closes the store when it holds resources.
func (b *Backend) Close() error {
	if c, ok := b.store.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (b *Backend) Stat(ctx context.Context, _ types.User, p string) (types.Metadata, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.Metadata{}, types.NewOpError("stat", p, err)
	}
	if clean == "" {
		return types.DirMetadata(time.Time{}), nil
	}
	key, _ := b.codec.Key(clean)
	rec, err := b.store.Head(ctx, key)
	if err == nil {
		return types.FileMetadata(rec.Size, rec.ModTime), nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return types.Metadata{}, err
	}
	dirKey, _ := b.codec.DirKey(clean)
	if marker, err := b.store.Head(ctx, dirKey); err == nil {
		return types.DirMetadata(marker.ModTime), nil
	} else if !errors.Is(err, types.ErrNotFound) {
		return types.Metadata{}, err
	}
	children, err := b.store.Scan(ctx, dirKey, 1)
	if err != nil {
		return types.Metadata{}, err
	}
	if len(children) > 0 {
		return types.DirMetadata(time.Time{}), nil
	}
	return types.Metadata{}, types.NewOpError("stat", p, types.ErrNotFound)
}

func (b *Backend) List(ctx context.Context, _ types.User, p string) (types.EntryIterator, error) {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return nil, types.NewOpError("list", p, err)
	}
	dirKey, _ := b.codec.DirKey(clean)
	return &lazyIterator{load: func(ctx context.Context) ([]types.Fileinfo, error) {
		records, err := b.store.Scan(ctx, dirKey, 0)
		if err != nil {
			return nil, err
		}
		entries := types.ChildEntries(dirKey, records)
		for i := range entries {
			logical, err := b.codec.Logical(entries[i].Path)
			if err != nil {
				return nil, types.NewOpError("list", entries[i].Path, err)
			}
			entries[i].Path = logical
		}
		return entries, nil
	}}, nil
}

func (b *Backend) Get(ctx context.Context, _ types.User, p string) (*types.Object, error) {
	key, err := b.fileKey("get", p)
	if err != nil {
		return nil, err
	}
	data, err := b.store.Read(ctx, key)
	if err != nil {
		return nil, err
	}
	return types.NewObject(data), nil
}

func (b *Backend) Put(ctx context.Context, _ types.User, p string, r io.Reader) (uint64, error) {
	key, err := b.fileKey("put", p)
	if err != nil {
		return 0, err
	}
	var data []byte
	if r != nil {
		data, err = io.ReadAll(r)
		if err != nil {
			return 0, types.NewOpError("put", p, fmt.Errorf("read source: %w", err))
		}
	}
	rec, err := b.store.Write(ctx, key, data)
	if err != nil {
		return 0, err
	}
	return rec.Size, nil
}

func (b *Backend) Delete(ctx context.Context, _ types.User, p string) error {
	key, err := b.fileKey("delete", p)
	if err != nil {
		return err
	}
	return b.store.Remove(ctx, key)
}

func (b *Backend) Mkdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("mkdir", p, err)
	}
	if clean == "" {
		return nil
	}
	dirKey, _ := b.codec.DirKey(clean)
	_, err = b.store.Write(ctx, dirKey, nil)
	return err
}

func (b *Backend) Rmdir(ctx context.Context, _ types.User, p string) error {
	clean, err := pathcodec.Clean(p)
	if err != nil {
		return types.NewOpError("rmdir", p, err)
	}
	if clean == "" {
		return types.NewOpError("rmdir", p, fmt.Errorf("%w: cannot remove the root", types.ErrInvalidPath))
	}
	dirKey, _ := b.codec.DirKey(clean)
	records, err := b.store.Scan(ctx, dirKey, 2)
	if err != nil {
		return err
	}
	marker := false
	for _, rec := range records {
		if rec.Key != dirKey {
			return types.NewOpError("rmdir", p, types.ErrNotEmpty)
		}
		marker = true
	}
	if !marker {
		return types.NewOpError("rmdir", p, types.ErrNotFound)
	}
	return b.store.Remove(ctx, dirKey)
}

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
	if _, err := b.store.Head(ctx, srcKey); err == nil {
		return b.store.Move(ctx, []Move{{From: srcKey, To: dstKey}})
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}

	srcDir, _ := b.codec.DirKey(src)
	dstDir, _ := b.codec.DirKey(dst)
	records, err := b.store.Scan(ctx, srcDir, 0)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return types.NewOpError("rename", from, types.ErrNotFound)
	}
	moves := make([]Move, 0, len(records))
	for _, rec := range records {
		moves = append(moves, Move{From: rec.Key, To: dstDir + strings.TrimPrefix(rec.Key, srcDir)})
	}
	return b.store.Move(ctx, moves)
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

// lazyIterator defers loading until the first Next.
type lazyIterator struct {
	load    func(ctx context.Context) ([]types.Fileinfo, error)
	entries *types.SliceIterator
	err     error
}

func (it *lazyIterator) Next(ctx context.Context) (types.Fileinfo, error) {
	if it.err != nil {
		return types.Fileinfo{}, it.err
	}
	if it.entries == nil {
		entries, err := it.load(ctx)
		if err != nil {
			it.err = err
			return types.Fileinfo{}, err
		}
		it.entries = types.NewSliceIterator(entries)
	}
	return it.entries.Next(ctx)
}
