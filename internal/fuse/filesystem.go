package fuse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Attr represents file attributes
type Attr struct {
	Mode  os.FileMode
	Size  uint64
	Mtime time.Time
	Uid   uint32
	Gid   uint32
}

// DirEntry represents a directory entry
type DirEntry struct {
	Name  string
	IsDir bool
}

// Filesystem maps path-based file operations onto a storage backend. It
// keeps no state of its own besides open handles.
type Filesystem struct {
	backend  types.Backend
	logger   pslog.Logger
	uid      uint32
	gid      uint32
	mounted  time.Time
	fileMode os.FileMode
	dirMode  os.FileMode
}

// NewFilesystem creates a filesystem over backend. Objects are presented
// as owned by the mounting user.
func NewFilesystem(backend types.Backend, logger pslog.Logger) *Filesystem {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &Filesystem{
		backend:  backend,
		logger:   logger,
		uid:      uint32(os.Getuid()),
		gid:      uint32(os.Getgid()),
		mounted:  time.Now(),
		fileMode: 0o644,
		dirMode:  0o755,
	}
}

func joinPath(dir, name string) string {
	return path.Join("/", dir, name)
}

// GetAttr returns the attributes of path.
func (fs *Filesystem) GetAttr(ctx context.Context, p string) (Attr, error) {
	md, err := fs.backend.Stat(ctx, nil, p)
	if err != nil {
		return Attr{}, fs.errno("getattr", p, err)
	}
	return fs.attr(md), nil
}

func (fs *Filesystem) attr(md types.Metadata) Attr {
	a := Attr{Size: md.Len(), Uid: md.UID(), Gid: md.GID()}
	if a.Uid == 0 {
		a.Uid = fs.uid
	}
	if a.Gid == 0 {
		a.Gid = fs.gid
	}
	mtime, err := md.Modified()
	if err != nil {
		mtime = fs.mounted
	}
	a.Mtime = mtime
	if md.IsDir() {
		a.Mode = os.ModeDir | fs.dirMode
		a.Size = 0
	} else {
		a.Mode = fs.fileMode
	}
	return a
}

// ReadDir lists the direct children of a directory.
func (fs *Filesystem) ReadDir(ctx context.Context, p string) ([]DirEntry, error) {
	it, err := fs.backend.List(ctx, nil, p)
	if err != nil {
		return nil, fs.errno("readdir", p, err)
	}
	var entries []DirEntry
	for {
		info, err := it.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fs.errno("readdir", p, err)
		}
		entries = append(entries, DirEntry{Name: info.Name(), IsDir: info.Metadata.IsDir()})
	}
	return entries, nil
}

// Mkdir creates a directory
func (fs *Filesystem) Mkdir(ctx context.Context, p string) error {
	return fs.errno("mkdir", p, fs.backend.Mkdir(ctx, nil, p))
}

// Rmdir removes an empty directory
func (fs *Filesystem) Rmdir(ctx context.Context, p string) error {
	return fs.errno("rmdir", p, fs.backend.Rmdir(ctx, nil, p))
}

// Remove deletes a file
func (fs *Filesystem) Remove(ctx context.Context, p string) error {
	return fs.errno("remove", p, fs.backend.Delete(ctx, nil, p))
}

// Rename moves a file or directory tree
func (fs *Filesystem) Rename(ctx context.Context, from, to string) error {
	return fs.errno("rename", from, fs.backend.Rename(ctx, nil, from, to))
}

// Create stores an empty object at path and returns a handle to it.
func (fs *Filesystem) Create(ctx context.Context, p string) (*Handle, error) {
	if _, err := fs.backend.Put(ctx, nil, p, bytes.NewReader(nil)); err != nil {
		return nil, fs.errno("create", p, err)
	}
	return &Handle{fs: fs, path: p, loaded: true}, nil
}

// Open returns a handle for path. With truncate the object content is
// discarded and rewritten empty on the next flush.
func (fs *Filesystem) Open(ctx context.Context, p string, truncate bool) (*Handle, error) {
	h := &Handle{fs: fs, path: p}
	if truncate {
		h.loaded = true
		h.dirty = true
	}
	return h, nil
}

// errno converts a storage error into a FUSE errno and logs it.
func (fs *Filesystem) errno(op, p string, err error) error {
	if err == nil {
		return nil
	}
	code := ToErrno(err)
	if code == fuse.Errno(syscall.ENOENT) {
		fs.logger.Trace("fuse.op.not_found", "op", op, "path", p)
	} else {
		fs.logger.Debug("fuse.op.error", "op", op, "path", p, "errno", syscall.Errno(code), "error", err)
	}
	return code
}

// ToErrno maps a storage error onto the errno returned to the kernel.
func ToErrno(err error) fuse.Errno {
	var errno fuse.Errno
	if errors.As(err, &errno) {
		return errno
	}
	switch types.KindOf(err) {
	case types.KindNotFound:
		return fuse.Errno(syscall.ENOENT)
	case types.KindNotEmpty:
		return fuse.Errno(syscall.ENOTEMPTY)
	case types.KindInvalidPath:
		return fuse.Errno(syscall.EINVAL)
	case types.KindAuthorization:
		return fuse.Errno(syscall.EACCES)
	case types.KindUnsupported:
		return fuse.Errno(syscall.ENOTSUP)
	case types.KindCanceled:
		return fuse.Errno(syscall.EINTR)
	}
	return fuse.Errno(syscall.EIO)
}

// Handle buffers one open file. The content is downloaded on first access
// and written back whole on Flush when modified.
type Handle struct {
	fs   *Filesystem
	path string

	mu     sync.Mutex
	data   []byte
	loaded bool
	dirty  bool
}

func (h *Handle) load(ctx context.Context) error {
	if h.loaded {
		return nil
	}
	obj, err := h.fs.backend.Get(ctx, nil, h.path)
	if err != nil {
		return h.fs.errno("open", h.path, err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		return h.fs.errno("read", h.path, err)
	}
	h.data = data
	h.loaded = true
	return nil
}

// ReadAt returns up to size bytes starting at offset.
func (h *Handle) ReadAt(ctx context.Context, offset int64, size int) ([]byte, error) {
	if offset < 0 {
		return nil, fuse.Errno(syscall.EINVAL)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.load(ctx); err != nil {
		return nil, err
	}
	if offset >= int64(len(h.data)) {
		return []byte{}, nil
	}
	end := offset + int64(size)
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	out := make([]byte, end-offset)
	copy(out, h.data[offset:end])
	return out, nil
}

// WriteAt writes data at offset, growing the buffer as needed.
func (h *Handle) WriteAt(ctx context.Context, data []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fuse.Errno(syscall.EINVAL)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.load(ctx); err != nil {
		return 0, err
	}
	end := offset + int64(len(data))
	if end > int64(len(h.data)) {
		grown := make([]byte, end)
		copy(grown, h.data)
		h.data = grown
	}
	copy(h.data[offset:], data)
	h.dirty = true
	return len(data), nil
}

// Truncate resizes the buffer to size.
func (h *Handle) Truncate(ctx context.Context, size uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if size == 0 {
		h.data = nil
		h.loaded = true
	} else if err := h.load(ctx); err != nil {
		return err
	}
	switch {
	case size < uint64(len(h.data)):
		h.data = h.data[:size]
	case size > uint64(len(h.data)):
		grown := make([]byte, size)
		copy(grown, h.data)
		h.data = grown
	}
	h.dirty = true
	return nil
}

// Size returns the buffered size and whether the buffer is authoritative.
func (h *Handle) Size() (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return uint64(len(h.data)), h.loaded
}

// Flush uploads the buffer if it was modified.
func (h *Handle) Flush(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.dirty {
		return nil
	}
	if _, err := h.fs.backend.Put(ctx, nil, h.path, bytes.NewReader(h.data)); err != nil {
		return h.fs.errno("flush", h.path, err)
	}
	h.dirty = false
	return nil
}
