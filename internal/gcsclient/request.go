package gcsclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/s3fs-fuse/gcsfs-go/internal/pathcodec"
)

// DefaultEndpoint is the JSON API host.
const DefaultEndpoint = "https://www.googleapis.com"

const contentTypeOctetStream = "application/octet-stream"

// Op names a store operation. It labels logs, metrics and errors.
type Op string

const (
	OpStat   Op = "stat"
	OpList   Op = "list"
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpMkdir  Op = "mkdir"
	OpCopy   Op = "copy"
)

// ListOptions selects one page of a listing.
type ListOptions struct {
	Prefix string
	// Delimiter groups keys below the next separator into prefixes. Empty
	// lists recursively.
	Delimiter  string
	PageToken  string
	MaxResults int
}

// RequestBuilder produces unauthenticated requests against one bucket.
type RequestBuilder struct {
	endpoint string
	bucket   string
}

// NewRequestBuilder creates a builder for bucket on endpoint
func NewRequestBuilder(endpoint, bucket string) (*RequestBuilder, error) {
	if strings.TrimSpace(bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", endpoint)
	}
	return &RequestBuilder{
		endpoint: strings.TrimSuffix(u.String(), "/"),
		bucket:   bucket,
	}, nil
}

// Bucket returns the bucket every request is scoped to.
func (b *RequestBuilder) Bucket() string {
	return b.bucket
}

func (b *RequestBuilder) objectURL(key string) string {
	return fmt.Sprintf("%s/storage/v1/b/%s/o/%s", b.endpoint, pathcodec.Encode(b.bucket), pathcodec.Encode(key))
}

func (b *RequestBuilder) uploadURL(name string) string {
	return fmt.Sprintf("%s/upload/storage/v1/b/%s/o?uploadType=media&name=%s", b.endpoint, pathcodec.Encode(b.bucket), pathcodec.Encode(name))
}

// Stat builds GET /b/{bucket}/o/{key}.
func (b *RequestBuilder) Stat(ctx context.Context, key string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(key), nil)
}

// List builds GET /b/{bucket}/o?delimiter=/&prefix={prefix}.
func (b *RequestBuilder) List(ctx context.Context, opts ListOptions) (*http.Request, error) {
	var query []string
	if opts.Delimiter != "" {
		query = append(query, "delimiter="+pathcodec.Encode(opts.Delimiter))
	}
	query = append(query, "prefix="+pathcodec.Encode(opts.Prefix))
	if opts.PageToken != "" {
		query = append(query, "pageToken="+url.QueryEscape(opts.PageToken))
	}
	if opts.MaxResults > 0 {
		query = append(query, "maxResults="+strconv.Itoa(opts.MaxResults))
	}
	u := fmt.Sprintf("%s/storage/v1/b/%s/o?%s", b.endpoint, pathcodec.Encode(b.bucket), strings.Join(query, "&"))
	return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
}

// Get builds GET /b/{bucket}/o/{key}?alt=media.
func (b *RequestBuilder) Get(ctx context.Context, key string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodGet, b.objectURL(key)+"?alt=media", nil)
}

// Put builds a media upload that streams body. A trailing "/" is stripped
// from the target name so plain uploads never create directory markers.
func (b *RequestBuilder) Put(ctx context.Context, key string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadURL(strings.TrimRight(key, "/")), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentTypeOctetStream)
	return req, nil
}

// Mkdir builds an empty upload to "{key}/".
func (b *RequestBuilder) Mkdir(ctx context.Context, key string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.uploadURL(strings.TrimRight(key, "/")+"/"), http.NoBody)
	if err != nil {
		return nil, err
	}
	req.ContentLength = 0
	req.Header.Set("Content-Type", contentTypeOctetStream)
	req.Header.Set("Content-Length", "0")
	return req, nil
}

// Delete builds DELETE /b/{bucket}/o/{key}.
func (b *RequestBuilder) Delete(ctx context.Context, key string) (*http.Request, error) {
	return http.NewRequestWithContext(ctx, http.MethodDelete, b.objectURL(key), nil)
}

// Copy builds POST /b/{bucket}/o/{src}/copyTo/b/{bucket}/o/{dst}.
func (b *RequestBuilder) Copy(ctx context.Context, src, dst string) (*http.Request, error) {
	u := fmt.Sprintf("%s/copyTo/b/%s/o/%s", b.objectURL(src), pathcodec.Encode(b.bucket), pathcodec.Encode(dst))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, http.NoBody)
	if err != nil {
		return nil, err
	}
	req.ContentLength = 0
	return req, nil
}
