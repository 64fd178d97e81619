package s3

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/johannesboyne/gofakes3"
	"github.com/johannesboyne/gofakes3/backend/s3mem"

	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

func setupFakeS3(t *testing.T, prefix string) *Backend {
	t.Helper()
	mem := s3mem.New()
	faker := gofakes3.New(mem)
	server := httptest.NewServer(faker.Server())
	t.Cleanup(server.Close)
	bucket := "gcsfs-test"
	if err := mem.CreateBucket(bucket); err != nil {
		t.Fatalf("create bucket: %v", err)
	}
	backend, err := New(context.Background(), Config{
		Bucket:      bucket,
		Region:      "us-east-1",
		Endpoint:    server.URL,
		Prefix:      prefix,
		Credentials: &credentials.Credentials{AccessKeyID: "test", SecretAccessKey: "test"},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return backend
}

func collect(t *testing.T, b *Backend, p string) []types.Fileinfo {
	t.Helper()
	it, err := b.List(context.Background(), nil, p)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	entries, err := types.Collect(context.Background(), it)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	return entries
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Error("Expected error for empty bucket")
	}
}

func TestPutGetStatDelete(t *testing.T) {
	b := setupFakeS3(t, "")
	ctx := context.Background()

	for _, size := range []int{0, 1, 70000} {
		payload := bytes.Repeat([]byte{'z'}, size)
		n, err := b.Put(ctx, nil, "dir/obj", bytes.NewReader(payload))
		if err != nil {
			t.Fatalf("Put(%d) failed: %v", size, err)
		}
		if n != uint64(size) {
			t.Errorf("Expected size %d, got %d", size, n)
		}
		obj, err := b.Get(ctx, nil, "dir/obj")
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if obj.Size() != int64(size) {
			t.Errorf("Expected object size %d, got %d", size, obj.Size())
		}
	}

	md, err := b.Stat(ctx, nil, "dir/obj")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if !md.IsFile() || md.Len() != 70000 {
		t.Errorf("Unexpected metadata: %+v", md)
	}
	md, err = b.Stat(ctx, nil, "dir")
	if err != nil || !md.IsDir() {
		t.Errorf("Expected implicit directory, got %+v (%v)", md, err)
	}

	if err := b.Delete(ctx, nil, "dir/obj"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := b.Stat(ctx, nil, "dir/obj"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}
	if err := b.Delete(ctx, nil, "dir/obj"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found on second delete, got %v", err)
	}
	if _, err := b.Get(ctx, nil, "dir/obj"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found on get, got %v", err)
	}
}

func TestListWithMarkers(t *testing.T) {
	b := setupFakeS3(t, "root")
	ctx := context.Background()

	if err := b.Mkdir(ctx, nil, "a"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if err := b.Mkdir(ctx, nil, "a/b"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, err := b.Put(ctx, nil, "a/file.txt", strings.NewReader("hi")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entries := collect(t, b, "a/")
	got := map[string]bool{}
	for _, e := range entries {
		got[e.Path] = e.Metadata.IsDir()
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %+v", entries)
	}
	if isDir, ok := got["a/b/"]; !ok || !isDir {
		t.Errorf("Expected directory entry 'a/b/', got %+v", entries)
	}
	if isDir, ok := got["a/file.txt"]; !ok || isDir {
		t.Errorf("Expected file entry 'a/file.txt', got %+v", entries)
	}

	root := collect(t, b, "")
	if len(root) != 1 || root[0].Path != "a/" {
		t.Errorf("Expected only 'a/' at root, got %+v", root)
	}
}

func TestRmdirPolicy(t *testing.T) {
	b := setupFakeS3(t, "")
	ctx := context.Background()

	if err := b.Mkdir(ctx, nil, "d"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if _, err := b.Put(ctx, nil, "d/x", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Rmdir(ctx, nil, "d"); !errors.Is(err, types.ErrNotEmpty) {
		t.Errorf("Expected not empty, got %v", err)
	}
	if err := b.Delete(ctx, nil, "d/x"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := b.Rmdir(ctx, nil, "d"); err != nil {
		t.Fatalf("Rmdir failed: %v", err)
	}
	if err := b.Rmdir(ctx, nil, "d"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRename(t *testing.T) {
	b := setupFakeS3(t, "")
	ctx := context.Background()

	if _, err := b.Put(ctx, nil, "one.txt", strings.NewReader("1")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Rename(ctx, nil, "one.txt", "two.txt"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if _, err := b.Stat(ctx, nil, "one.txt"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected source gone, got %v", err)
	}
	if md, err := b.Stat(ctx, nil, "two.txt"); err != nil || md.Len() != 1 {
		t.Errorf("Expected renamed file, got %+v (%v)", md, err)
	}

	if _, err := b.Put(ctx, nil, "src/deep/file", strings.NewReader("deep")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Rename(ctx, nil, "src", "dst"); err != nil {
		t.Fatalf("Rename dir failed: %v", err)
	}
	obj, err := b.Get(ctx, nil, "dst/deep/file")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if obj.Size() != 4 {
		t.Errorf("Expected 4 bytes, got %d", obj.Size())
	}
	if _, err := b.Stat(ctx, nil, "src"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected source dir gone, got %v", err)
	}
	if err := b.Rename(ctx, nil, "nope", "x"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
}

func TestRenameMissingSamePath(t *testing.T) {
	b := setupFakeS3(t, "")
	ctx := context.Background()

	if err := b.Rename(ctx, nil, "missing", "missing"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found, got %v", err)
	}
	if _, err := b.Put(ctx, nil, "kept.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := b.Rename(ctx, nil, "kept.txt", "kept.txt"); err != nil {
		t.Errorf("Expected rename onto itself to succeed, got %v", err)
	}
	if md, err := b.Stat(ctx, nil, "kept.txt"); err != nil || md.Len() != 1 {
		t.Errorf("Expected file to remain, got %+v (%v)", md, err)
	}
}

func TestMapError(t *testing.T) {
	if err := mapError("op", "p", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context error to pass through, got %v", err)
	}
	if err := mapError("op", "p", errors.New("dial tcp: refused")); !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("Expected unavailable, got %v", err)
	}
	if err := mapError("op", "p", nil); err != nil {
		t.Errorf("Expected nil, got %v", err)
	}
}
