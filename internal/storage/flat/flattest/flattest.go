// Package flattest holds behavior checks shared by every flat.Store.
package flattest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/flat"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// RunStoreTests exercises store under a unique key prefix.
func RunStoreTests(t *testing.T, store flat.Store) {
	t.Helper()
	ctx := context.Background()
	base := fmt.Sprintf("flattest-%d/", time.Now().UnixNano())

	t.Run("WriteHeadRead", func(t *testing.T) {
		rec, err := store.Write(ctx, base+"file", []byte("hello"))
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if rec.Size != 5 || rec.ModTime.IsZero() {
			t.Errorf("Unexpected record: %+v", rec)
		}
		head, err := store.Head(ctx, base+"file")
		if err != nil {
			t.Fatalf("Head failed: %v", err)
		}
		if head.Size != 5 {
			t.Errorf("Expected size 5, got %d", head.Size)
		}
		data, err := store.Read(ctx, base+"file")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if string(data) != "hello" {
			t.Errorf("Expected 'hello', got '%s'", data)
		}
		if _, err := store.Write(ctx, base+"file", nil); err != nil {
			t.Fatalf("Overwrite failed: %v", err)
		}
		if head, _ := store.Head(ctx, base+"file"); head.Size != 0 {
			t.Errorf("Expected overwrite to size 0, got %d", head.Size)
		}
	})

	t.Run("MissingKeys", func(t *testing.T) {
		if _, err := store.Head(ctx, base+"missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Head: expected not found, got %v", err)
		}
		if _, err := store.Read(ctx, base+"missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Read: expected not found, got %v", err)
		}
		if err := store.Remove(ctx, base+"missing"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Remove: expected not found, got %v", err)
		}
	})

	t.Run("ScanOrderAndLimit", func(t *testing.T) {
		for _, k := range []string{"scan/b", "scan/a", "scan/c/d", "scan_x", "scan%y"} {
			if _, err := store.Write(ctx, base+k, []byte(k)); err != nil {
				t.Fatalf("Write %s failed: %v", k, err)
			}
		}
		recs, err := store.Scan(ctx, base+"scan/", 0)
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		var keys []string
		for _, r := range recs {
			keys = append(keys, strings.TrimPrefix(r.Key, base))
		}
		if got := strings.Join(keys, ","); got != "scan/a,scan/b,scan/c/d" {
			t.Errorf("Unexpected scan result '%s'", got)
		}
		recs, err = store.Scan(ctx, base+"scan/", 2)
		if err != nil {
			t.Fatalf("Scan failed: %v", err)
		}
		if len(recs) != 2 {
			t.Errorf("Expected 2 records with limit, got %d", len(recs))
		}
	})

	t.Run("Move", func(t *testing.T) {
		if _, err := store.Write(ctx, base+"mv/src", []byte("m")); err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if err := store.Move(ctx, []flat.Move{{From: base + "mv/src", To: base + "mv/dst"}}); err != nil {
			t.Fatalf("Move failed: %v", err)
		}
		if _, err := store.Head(ctx, base+"mv/src"); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected source gone, got %v", err)
		}
		data, err := store.Read(ctx, base+"mv/dst")
		if err != nil || string(data) != "m" {
			t.Errorf("Expected moved data, got '%s' (%v)", data, err)
		}
		if err := store.Move(ctx, []flat.Move{{From: base + "mv/none", To: base + "mv/x"}}); !errors.Is(err, types.ErrNotFound) {
			t.Errorf("Expected not found for missing source, got %v", err)
		}
	})
}
