//go:build integration

package gcs

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"testing"

	"github.com/rs/xid"

	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/gcsclient"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// setupLive targets a real bucket (or an emulator via
// GCSFS_TEST_GCS_ENDPOINT). Authentication uses GCSFS_TEST_GCS_TOKEN when
// set, otherwise Application Default Credentials.
func setupLive(t *testing.T) *Backend {
	t.Helper()
	bucket := os.Getenv("GCSFS_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("GCSFS_TEST_GCS_BUCKET not set")
	}
	var tokens credentials.TokenProvider = credentials.NewDefaultProvider()
	if tok := os.Getenv("GCSFS_TEST_GCS_TOKEN"); tok != "" {
		tokens = credentials.NewStaticProvider("", tok)
	}
	client, err := gcsclient.NewClient(os.Getenv("GCSFS_TEST_GCS_ENDPOINT"), bucket, tokens,
		gcsclient.WithTransport(gcsclient.NewTransport(0)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	b, err := New(client, "gcsfs-it/"+xid.New().String())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return b
}

func TestLiveLifecycle(t *testing.T) {
	b := setupLive(t)
	ctx := context.Background()

	if err := b.Mkdir(ctx, nil, "/docs"); err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	payload := []byte("name with spaces & symbols")
	if _, err := b.Put(ctx, nil, "/docs/a b&c.txt", bytes.NewReader(payload)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	md, err := b.Stat(ctx, nil, "/docs/a b&c.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if md.Size != uint64(len(payload)) {
		t.Errorf("Expected size %d, got %d", len(payload), md.Size)
	}
	obj, err := b.Get(ctx, nil, "/docs/a b&c.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	data, _ := io.ReadAll(obj)
	if !bytes.Equal(data, payload) {
		t.Errorf("Expected %q, got %q", payload, data)
	}
	if err := b.Rmdir(ctx, nil, "/docs"); !errors.Is(err, types.ErrNotEmpty) {
		t.Errorf("Expected ErrNotEmpty, got %v", err)
	}
	if err := b.Rename(ctx, nil, "/docs", "/archive"); err != nil {
		t.Fatalf("Rename failed: %v", err)
	}
	if err := b.Delete(ctx, nil, "/archive/a b&c.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := b.Rmdir(ctx, nil, "/archive"); err != nil {
		t.Fatalf("Rmdir failed: %v", err)
	}
}
