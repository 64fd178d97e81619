package pathcodec

import (
	"errors"
	"strings"
	"testing"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	paths := []string{
		"",
		"file.txt",
		"dir/sub/file.txt",
		"dir/",
		"spaces in name/and more.txt",
		"reserved/?#[]@!$&'()*+,;=",
		"percent/100%.txt",
		"unicode/日本語/ファイル",
		"control/\x01\x1f\x7f",
		"query/a=b&c=d",
	}
	for _, p := range paths {
		encoded := Encode(p)
		decoded, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%q) failed: %v", encoded, err)
		}
		if decoded != p {
			t.Errorf("round trip mismatch: %q -> %q -> %q", p, encoded, decoded)
		}
	}
}

func TestEncodeReservedCharacters(t *testing.T) {
	encoded := Encode("a/b c?d#e&f=g+h")
	if encoded != "a/b%20c%3Fd%23e%26f%3Dg%2Bh" {
		t.Errorf("Unexpected encoding: %s", encoded)
	}
	for _, ch := range "?#[]@!$&'()*+,;=" {
		if strings.ContainsRune(Encode(string(ch)), ch) {
			t.Errorf("Expected %q to be escaped", ch)
		}
	}
	if Encode("a/b/c") != "a/b/c" {
		t.Error("Expected separator to stay unescaped")
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"/a/b/", "a/b"},
		{"a//b/./c", "a/b/c"},
		{"a/b/../c", "a/c"},
		{"./a", "a"},
	}
	for _, tt := range tests {
		got, err := Clean(tt.in)
		if err != nil {
			t.Fatalf("Clean(%q) failed: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("Clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCleanRejectsEscapes(t *testing.T) {
	bad := []string{"..", "../etc/passwd", "a/../../b", "/../x", "bad\xff", "nul\x00byte"}
	for _, p := range bad {
		if _, err := Clean(p); !errors.Is(err, types.ErrInvalidPath) {
			t.Errorf("Clean(%q): expected ErrInvalidPath, got %v", p, err)
		}
	}
}

func TestCodecKeys(t *testing.T) {
	codec, err := New("/srv/ftp/")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if codec.Prefix() != "srv/ftp/" {
		t.Errorf("Expected prefix 'srv/ftp/', got '%s'", codec.Prefix())
	}

	key, err := codec.Key("/hello.txt")
	if err != nil || key != "srv/ftp/hello.txt" {
		t.Errorf("Key = %q (%v)", key, err)
	}
	dir, err := codec.DirKey("a/b")
	if err != nil || dir != "srv/ftp/a/b/" {
		t.Errorf("DirKey = %q (%v)", dir, err)
	}
	root, err := codec.DirKey("/")
	if err != nil || root != "srv/ftp/" {
		t.Errorf("root DirKey = %q (%v)", root, err)
	}

	logical, err := codec.Logical("srv/ftp/a/b/")
	if err != nil || logical != "a/b/" {
		t.Errorf("Logical = %q (%v)", logical, err)
	}
	if _, err := codec.Logical("elsewhere/x"); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for key outside root, got %v", err)
	}
	if _, err := codec.Key("../../escape"); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for escaping path, got %v", err)
	}
}

func TestCodecWithoutPrefix(t *testing.T) {
	codec, err := New("")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	key, _ := codec.Key("a/b")
	if key != "a/b" {
		t.Errorf("Expected 'a/b', got '%s'", key)
	}
	dir, _ := codec.DirKey("")
	if dir != "" {
		t.Errorf("Expected empty root dir key, got '%s'", dir)
	}
}

func TestDecodeInvalid(t *testing.T) {
	if _, err := Decode("bad%zz"); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath, got %v", err)
	}
	if _, err := Decode("%FF"); !errors.Is(err, types.ErrInvalidPath) {
		t.Errorf("Expected ErrInvalidPath for invalid UTF-8, got %v", err)
	}
}
