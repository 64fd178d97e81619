package fuse

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// attrValid is how long the kernel may cache attributes and entries.
const attrValid = time.Second

// FuseFS implements the fuse.FS interface
type FuseFS struct {
	filesystem *Filesystem
}

var _ fs.FS = (*FuseFS)(nil)

// NewFuseFS wraps filesystem for serving.
func NewFuseFS(filesystem *Filesystem) *FuseFS {
	return &FuseFS{filesystem: filesystem}
}

// Root returns the root directory
func (f *FuseFS) Root() (fs.Node, error) {
	return &Dir{filesystem: f.filesystem, path: "/"}, nil
}

func fillAttr(a *fuse.Attr, attr Attr) {
	a.Valid = attrValid
	a.Mode = attr.Mode
	a.Size = attr.Size
	a.Blocks = (attr.Size + 511) / 512
	a.Mtime = attr.Mtime
	a.Ctime = attr.Mtime
	a.Atime = attr.Mtime
	a.Uid = attr.Uid
	a.Gid = attr.Gid
	a.Nlink = 1
}

// Dir represents a directory node
type Dir struct {
	filesystem *Filesystem
	path       string
}

var _ fs.Node = (*Dir)(nil)
var _ fs.NodeStringLookuper = (*Dir)(nil)
var _ fs.HandleReadDirAller = (*Dir)(nil)
var _ fs.NodeMkdirer = (*Dir)(nil)
var _ fs.NodeCreater = (*Dir)(nil)
var _ fs.NodeRemover = (*Dir)(nil)
var _ fs.NodeRenamer = (*Dir)(nil)

// Attr returns directory attributes
func (d *Dir) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := d.filesystem.GetAttr(ctx, d.path)
	if err != nil {
		return err
	}
	fillAttr(a, attr)
	return nil
}

// Lookup looks up a child node
func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	childPath := joinPath(d.path, name)
	attr, err := d.filesystem.GetAttr(ctx, childPath)
	if err != nil {
		return nil, err
	}
	if attr.Mode.IsDir() {
		return &Dir{filesystem: d.filesystem, path: childPath}, nil
	}
	return &File{filesystem: d.filesystem, path: childPath}, nil
}

// ReadDirAll reads all directory entries
func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.filesystem.ReadDir(ctx, d.path)
	if err != nil {
		return nil, err
	}
	dirents := make([]fuse.Dirent, 0, len(entries))
	for _, entry := range entries {
		dirent := fuse.Dirent{Name: entry.Name, Type: fuse.DT_File}
		if entry.IsDir {
			dirent.Type = fuse.DT_Dir
		}
		dirents = append(dirents, dirent)
	}
	return dirents, nil
}

// Mkdir creates a new directory
func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	childPath := joinPath(d.path, req.Name)
	if err := d.filesystem.Mkdir(ctx, childPath); err != nil {
		return nil, err
	}
	return &Dir{filesystem: d.filesystem, path: childPath}, nil
}

// Create creates a new file in the directory
func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	childPath := joinPath(d.path, req.Name)
	h, err := d.filesystem.Create(ctx, childPath)
	if err != nil {
		return nil, nil, err
	}
	file := &File{filesystem: d.filesystem, path: childPath}
	file.track(h)
	return file, &FileHandle{file: file, handle: h}, nil
}

// Remove removes a file or empty directory
func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	childPath := joinPath(d.path, req.Name)
	if req.Dir {
		return d.filesystem.Rmdir(ctx, childPath)
	}
	return d.filesystem.Remove(ctx, childPath)
}

// Rename moves a child of d into newDir
func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.EXDEV)
	}
	return d.filesystem.Rename(ctx, joinPath(d.path, req.OldName), joinPath(target.path, req.NewName))
}

// File represents a file node
type File struct {
	filesystem *Filesystem
	path       string

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

var _ fs.Node = (*File)(nil)
var _ fs.NodeOpener = (*File)(nil)
var _ fs.NodeSetattrer = (*File)(nil)
var _ fs.NodeFsyncer = (*File)(nil)

func (f *File) track(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.handles == nil {
		f.handles = make(map[*Handle]struct{})
	}
	f.handles[h] = struct{}{}
}

func (f *File) untrack(h *Handle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handles, h)
}

func (f *File) openHandles() []*Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Handle, 0, len(f.handles))
	for h := range f.handles {
		out = append(out, h)
	}
	return out
}

// Attr returns file attributes. An open handle with buffered writes
// overrides the stored size.
func (f *File) Attr(ctx context.Context, a *fuse.Attr) error {
	attr, err := f.filesystem.GetAttr(ctx, f.path)
	if err != nil {
		if len(f.openHandles()) == 0 || !errors.Is(err, fuse.Errno(syscall.ENOENT)) {
			return err
		}
		attr = Attr{Mode: f.filesystem.fileMode, Uid: f.filesystem.uid, Gid: f.filesystem.gid, Mtime: time.Now()}
	}
	for _, h := range f.openHandles() {
		if size, ok := h.Size(); ok {
			attr.Size = size
		}
	}
	fillAttr(a, attr)
	return nil
}

// Open opens a file
func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	h, err := f.filesystem.Open(ctx, f.path, req.Flags&fuse.OpenTruncate != 0)
	if err != nil {
		return nil, err
	}
	f.track(h)
	return &FileHandle{file: f, handle: h}, nil
}

// Setattr handles truncation; mode, owner and times are not stored.
func (f *File) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	if req.Valid.Size() {
		handles := f.openHandles()
		if len(handles) == 0 {
			h, err := f.filesystem.Open(ctx, f.path, false)
			if err != nil {
				return err
			}
			if err := h.Truncate(ctx, req.Size); err != nil {
				return err
			}
			if err := h.Flush(ctx); err != nil {
				return err
			}
		}
		for _, h := range handles {
			if err := h.Truncate(ctx, req.Size); err != nil {
				return err
			}
		}
	}
	return f.Attr(ctx, &resp.Attr)
}

// Fsync uploads buffered writes of every open handle
func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	for _, h := range f.openHandles() {
		if err := h.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}

// FileHandle is an open file
type FileHandle struct {
	file   *File
	handle *Handle
}

var _ fs.HandleReader = (*FileHandle)(nil)
var _ fs.HandleWriter = (*FileHandle)(nil)
var _ fs.HandleFlusher = (*FileHandle)(nil)
var _ fs.HandleReleaser = (*FileHandle)(nil)

// Read reads file data
func (fh *FileHandle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	data, err := fh.handle.ReadAt(ctx, req.Offset, req.Size)
	if err != nil {
		return err
	}
	resp.Data = data
	return nil
}

// Write writes file data
func (fh *FileHandle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := fh.handle.WriteAt(ctx, req.Data, req.Offset)
	if err != nil {
		return err
	}
	resp.Size = n
	return nil
}

// Flush uploads buffered writes
func (fh *FileHandle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return fh.handle.Flush(ctx)
}

// Release flushes and forgets the handle
func (fh *FileHandle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	defer fh.file.untrack(fh.handle)
	return fh.handle.Flush(ctx)
}

// MountOptions contains options for mounting the filesystem
type MountOptions struct {
	ReadOnly   bool
	AllowOther bool
}

// Mount serves backend at mountpoint until ctx is canceled or the
// filesystem is unmounted externally.
func Mount(ctx context.Context, mountpoint string, backend types.Backend, logger pslog.Logger) error {
	return MountWithOptions(ctx, mountpoint, backend, logger, MountOptions{})
}

// MountWithOptions mounts the filesystem at the given mountpoint with options
func MountWithOptions(ctx context.Context, mountpoint string, backend types.Backend, logger pslog.Logger, options MountOptions) error {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	info, err := os.Stat(mountpoint)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return &os.PathError{Op: "mount", Path: mountpoint, Err: syscall.ENOTDIR}
	}

	mountOpts := []fuse.MountOption{
		fuse.FSName("gcsfs"),
		fuse.Subtype("gcsfs-go"),
	}
	if options.ReadOnly {
		mountOpts = append(mountOpts, fuse.ReadOnly())
	}
	if options.AllowOther {
		mountOpts = append(mountOpts, fuse.AllowOther())
	}
	c, err := fuse.Mount(mountpoint, mountOpts...)
	if err != nil {
		return err
	}
	defer c.Close()

	logger.Info("fuse.mounted", "mountpoint", mountpoint)
	stop := context.AfterFunc(ctx, func() {
		logger.Info("fuse.unmounting", "mountpoint", mountpoint)
		if err := fuse.Unmount(mountpoint); err != nil {
			logger.Warn("fuse.unmount.error", "mountpoint", mountpoint, "error", err)
		}
	})
	defer stop()

	if err := fs.Serve(c, NewFuseFS(NewFilesystem(backend, logger))); err != nil {
		return err
	}
	logger.Info("fuse.unmounted", "mountpoint", mountpoint)
	return nil
}
