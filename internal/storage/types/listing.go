package types

import (
	"sort"
	"strings"
	"time"
)

// FlatRecord is a stored key as seen by backends without delimiter
// listing (SQL, document stores).
type FlatRecord struct {
	Key     string
	Size    uint64
	ModTime time.Time
}

// ChildEntries emulates a one-level delimiter listing over flat keys. dir
// is the directory key ("" for the root, otherwise ending in "/"). Objects
// directly under dir become file entries; deeper keys collapse into one
// directory entry per child prefix. The marker for dir itself is skipped.
func ChildEntries(dir string, records []FlatRecord) []Fileinfo {
	seen := make(map[string]bool)
	var out []Fileinfo
	for _, rec := range records {
		if !strings.HasPrefix(rec.Key, dir) || rec.Key == dir {
			continue
		}
		rest := rec.Key[len(dir):]
		if idx := strings.Index(rest, "/"); idx >= 0 {
			child := dir + rest[:idx+1]
			if seen[child] {
				continue
			}
			seen[child] = true
			var mtime time.Time
			if idx == len(rest)-1 {
				mtime = rec.ModTime
			}
			out = append(out, Fileinfo{Path: child, Metadata: DirMetadata(mtime)})
			continue
		}
		out = append(out, Fileinfo{Path: rec.Key, Metadata: FileMetadata(rec.Size, rec.ModTime)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}
