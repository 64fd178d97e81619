// Package pathcodec converts logical filesystem paths into object keys and
// percent-encodes them for use in request paths and query strings.
package pathcodec

import (
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Codec maps logical paths to keys below an optional root prefix.
type Codec struct {
	prefix string
}

// New creates a codec rooted at prefix. An empty prefix addresses the
// whole bucket.
func New(prefix string) (*Codec, error) {
	clean, err := Clean(prefix)
	if err != nil {
		return nil, fmt.Errorf("invalid root prefix: %w", err)
	}
	if clean != "" {
		clean += "/"
	}
	return &Codec{prefix: clean}, nil
}

// Prefix returns the root prefix, ending in "/" unless empty.
func (c *Codec) Prefix() string {
	return c.prefix
}

// Clean normalizes a logical path: leading and trailing slashes are
// dropped, "." segments and empty segments removed and ".." resolved.
// A ".." that would climb above the root is rejected, as is text that is
// not valid UTF-8.
func Clean(p string) (string, error) {
	if !utf8.ValidString(p) {
		return "", fmt.Errorf("%w: %q is not valid UTF-8", types.ErrInvalidPath, p)
	}
	if strings.ContainsRune(p, 0) {
		return "", fmt.Errorf("%w: %q contains NUL", types.ErrInvalidPath, p)
	}
	var segs []string
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segs) == 0 {
				return "", fmt.Errorf("%w: %q escapes the root", types.ErrInvalidPath, p)
			}
			segs = segs[:len(segs)-1]
		default:
			segs = append(segs, seg)
		}
	}
	return strings.Join(segs, "/"), nil
}

// Key returns the object key for a logical file path. The root itself maps
// to the empty key.
func (c *Codec) Key(p string) (string, error) {
	clean, err := Clean(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return strings.TrimSuffix(c.prefix, "/"), nil
	}
	return c.prefix + clean, nil
}

// DirKey returns the directory key for p: the key with a trailing "/", or
// the bare prefix for the root.
func (c *Codec) DirKey(p string) (string, error) {
	clean, err := Clean(p)
	if err != nil {
		return "", err
	}
	if clean == "" {
		return c.prefix, nil
	}
	return c.prefix + clean + "/", nil
}

// Logical converts a key returned by the store back into a path relative
// to the root. A trailing "/" is preserved so directories stay marked.
func (c *Codec) Logical(key string) (string, error) {
	if !strings.HasPrefix(key, c.prefix) {
		return "", fmt.Errorf("%w: key %q is outside root %q", types.ErrInvalidPath, key, c.prefix)
	}
	return key[len(c.prefix):], nil
}

// Encode percent-encodes every byte of key outside the unreserved set,
// leaving "/" intact so segments still delimit server side. The output is
// safe both in a URL path and as a query parameter value.
func Encode(key string) string {
	var b strings.Builder
	b.Grow(len(key))
	for i := 0; i < len(key); i++ {
		ch := key[i]
		if shouldEscape(ch) {
			fmt.Fprintf(&b, "%%%02X", ch)
			continue
		}
		b.WriteByte(ch)
	}
	return b.String()
}

// Decode reverses Encode.
func Decode(encoded string) (string, error) {
	key, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", types.ErrInvalidPath, err)
	}
	if !utf8.ValidString(key) {
		return "", fmt.Errorf("%w: decoded key is not valid UTF-8", types.ErrInvalidPath)
	}
	return key, nil
}

func shouldEscape(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return false
	case ch == '-', ch == '.', ch == '_', ch == '~', ch == '/':
		return false
	}
	return true
}
