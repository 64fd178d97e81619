package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/flat"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

func newWrapped(t *testing.T) (types.Backend, *bytes.Buffer) {
	t.Helper()
	inner, err := flat.New(flat.NewMemoryStore(), "")
	if err != nil {
		t.Fatalf("flat.New failed: %v", err)
	}
	var buf bytes.Buffer
	logger := pslog.NewWithOptions(context.Background(), &buf, pslog.Options{
		Mode:             pslog.ModeStructured,
		DisableTimestamp: true,
		NoColor:          true,
		MinLevel:         pslog.TraceLevel,
	})
	return Wrap(inner, logger, "test"), &buf
}

func TestWrapDelegates(t *testing.T) {
	b, buf := newWrapped(t)
	ctx := context.Background()

	n, err := b.Put(ctx, nil, "a/file", strings.NewReader("data"))
	if err != nil || n != 4 {
		t.Fatalf("Put: expected 4 bytes, got %d (%v)", n, err)
	}
	md, err := b.Stat(ctx, nil, "a/file")
	if err != nil || md.Len() != 4 {
		t.Fatalf("Stat: unexpected %+v (%v)", md, err)
	}
	it, err := b.List(ctx, nil, "a")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	entries, err := types.Collect(ctx, it)
	if err != nil || len(entries) != 1 {
		t.Fatalf("Expected one entry, got %v (%v)", entries, err)
	}
	if err := b.Rename(ctx, nil, "a/file", "a/other"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := b.Delete(ctx, nil, "a/other"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"storage.put.success", "storage.stat.success", "storage.list.done", "storage.rename.success", "op_id"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q", want)
		}
	}
}

func TestWrapLogsErrors(t *testing.T) {
	b, buf := newWrapped(t)
	_, err := b.Stat(context.Background(), nil, "missing")
	if !errors.Is(err, types.ErrNotFound) {
		t.Fatalf("Expected not found, got %v", err)
	}
	if !strings.Contains(buf.String(), "storage.stat.error") || !strings.Contains(buf.String(), "not_found") {
		t.Errorf("Expected error log with kind, got %s", buf.String())
	}
}

func TestUnwrap(t *testing.T) {
	inner, _ := flat.New(flat.NewMemoryStore(), "")
	wrapped := Wrap(inner, nil, "test")
	if Unwrap(wrapped) != types.Backend(inner) {
		t.Error("Expected Unwrap to return the inner backend")
	}
	if Unwrap(inner) != types.Backend(inner) {
		t.Error("Expected Unwrap to pass through unwrapped backends")
	}
}
