package gcsclient

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/gcsclient/gcstest"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// rotatingProvider hands out "stale" until refreshed, then "fresh".
type rotatingProvider struct {
	refreshes atomic.Int64
}

func (p *rotatingProvider) Token(ctx context.Context, scopes ...string) (credentials.Token, error) {
	if p.refreshes.Load() > 0 {
		return credentials.Token{TokenType: "Bearer", AccessToken: "fresh"}, nil
	}
	return credentials.Token{TokenType: "Bearer", AccessToken: "stale"}, nil
}

func (p *rotatingProvider) Refresh(ctx context.Context, scopes ...string) (credentials.Token, error) {
	p.refreshes.Add(1)
	return credentials.Token{TokenType: "Bearer", AccessToken: "fresh"}, nil
}

type failingProvider struct{}

func (failingProvider) Token(ctx context.Context, scopes ...string) (credentials.Token, error) {
	return credentials.Token{}, errors.New("no credentials")
}

// readerOnly hides any Seek method of the wrapped reader.
type readerOnly struct {
	r io.Reader
}

func (r readerOnly) Read(p []byte) (int, error) { return r.r.Read(p) }

func newTestClient(t *testing.T, srv *gcstest.Server, tokens credentials.TokenProvider, opts ...Option) *Client {
	t.Helper()
	client, err := NewClient(srv.URL, "test-bucket", tokens, opts...)
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client
}

func TestNewClientRequiresTokens(t *testing.T) {
	if _, err := NewClient("", "bucket", nil); err == nil {
		t.Error("Expected error for nil token provider")
	}
}

func TestClientPutStatGetDelete(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"))
	ctx := context.Background()

	item, err := client.Put(ctx, "dir/file.txt", strings.NewReader("hello"))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if item.Size != "5" {
		t.Errorf("Expected size '5', got '%s'", item.Size)
	}

	item, err = client.Stat(ctx, "dir/file.txt")
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if item.Name != "dir/file.txt" || item.Updated.IsZero() {
		t.Errorf("Unexpected item: %+v", item)
	}

	data, err := client.Get(ctx, "dir/file.txt")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(data) != "hello" {
		t.Errorf("Expected 'hello', got '%s'", data)
	}

	if err := client.Delete(ctx, "dir/file.txt"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := client.Stat(ctx, "dir/file.txt"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found after delete, got %v", err)
	}

	for _, req := range srv.Requests() {
		if req.Authorization != "Bearer tok" {
			t.Errorf("Expected bearer header on %s %s, got '%s'", req.Method, req.EscapedPath, req.Authorization)
		}
	}
}

func TestClientMkdirAndCopy(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"))
	ctx := context.Background()

	item, err := client.Mkdir(ctx, "a/b")
	if err != nil {
		t.Fatalf("Mkdir failed: %v", err)
	}
	if item.Name != "a/b/" || item.Size != "0" {
		t.Errorf("Unexpected marker: %+v", item)
	}

	srv.PutObject("src name", []byte("payload"))
	if _, err := client.Copy(ctx, "src name", "dst?name"); err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	data, ok := srv.Object("dst?name")
	if !ok || string(data) != "payload" {
		t.Errorf("Expected copied payload, got '%s' (%v)", data, ok)
	}
	if _, err := client.Copy(ctx, "missing", "x"); !errors.Is(err, types.ErrNotFound) {
		t.Errorf("Expected not found for missing copy source, got %v", err)
	}
}

func TestClientListPages(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	srv.SetPageSize(2)
	for _, name := range []string{"a/", "a/1", "a/2", "a/sub/x", "b"} {
		srv.PutObject(name, []byte(name))
	}
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"))

	var names []string
	opts := ListOptions{Prefix: "a/", Delimiter: "/"}
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatal("listing did not terminate")
		}
		page, err := client.List(context.Background(), opts)
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		for _, item := range page.Items {
			names = append(names, item.Name)
		}
		names = append(names, page.Prefixes...)
		if page.NextPageToken == "" {
			break
		}
		opts.PageToken = page.NextPageToken
	}
	want := "a/,a/1,a/2,a/sub/"
	if got := strings.Join(names, ","); got != want {
		t.Errorf("Expected '%s', got '%s'", want, got)
	}
}

func TestClientRefreshesOnAuthorizationFailure(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	srv.AcceptTokens("Bearer fresh")
	srv.PutObject("k", []byte("v"))
	tokens := &rotatingProvider{}
	client := newTestClient(t, srv, tokens)

	if _, err := client.Stat(context.Background(), "k"); err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if tokens.refreshes.Load() != 1 {
		t.Errorf("Expected 1 refresh, got %d", tokens.refreshes.Load())
	}
	if n := len(srv.Requests()); n != 2 {
		t.Errorf("Expected 2 requests, got %d", n)
	}
}

func TestClientRetriesOnlyOnce(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	srv.AcceptTokens("Bearer never")
	client := newTestClient(t, srv, &rotatingProvider{})

	_, err := client.Stat(context.Background(), "k")
	if !errors.Is(err, types.ErrAuthorization) {
		t.Errorf("Expected authorization error, got %v", err)
	}
	if n := len(srv.Requests()); n != 2 {
		t.Errorf("Expected exactly 2 requests, got %d", n)
	}
}

func TestClientPutReplaysSeekableBody(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	srv.AcceptTokens("Bearer fresh")
	client := newTestClient(t, srv, &rotatingProvider{})

	payload := bytes.Repeat([]byte("0123456789"), 1000)
	item, err := client.Put(context.Background(), "big", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if item.Size != "10000" {
		t.Errorf("Expected size '10000', got '%s'", item.Size)
	}
	data, _ := srv.Object("big")
	if !bytes.Equal(data, payload) {
		t.Errorf("Stored payload differs, got %d bytes", len(data))
	}
}

func TestClientPutSendsKnownLength(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"))

	if _, err := client.Put(context.Background(), "sized", bytes.NewReader([]byte("abc"))); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if _, err := client.Put(context.Background(), "streamed", readerOnly{strings.NewReader("abc")}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	reqs := srv.Requests()
	if len(reqs) != 2 {
		t.Fatalf("Expected 2 requests, got %d", len(reqs))
	}
	if reqs[0].ContentLength != 3 {
		t.Errorf("Expected content length 3, got %d", reqs[0].ContentLength)
	}
	if reqs[1].ContentLength != -1 {
		t.Errorf("Expected unknown content length for a stream, got %d", reqs[1].ContentLength)
	}
	if data, _ := srv.Object("streamed"); string(data) != "abc" {
		t.Errorf("Expected 'abc', got '%s'", data)
	}
}

func TestClientPutDoesNotReplayStream(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	srv.AcceptTokens("Bearer fresh")
	tokens := &rotatingProvider{}
	client := newTestClient(t, srv, tokens)

	_, err := client.Put(context.Background(), "stream", readerOnly{strings.NewReader("data")})
	if !errors.Is(err, types.ErrAuthorization) {
		t.Errorf("Expected authorization error, got %v", err)
	}
	if n := len(srv.Requests()); n != 1 {
		t.Errorf("Expected a single request, got %d", n)
	}
	if tokens.refreshes.Load() != 0 {
		t.Errorf("Expected no refresh, got %d", tokens.refreshes.Load())
	}
}

func TestClientTokenFailure(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	client := newTestClient(t, srv, failingProvider{})

	if _, err := client.Stat(context.Background(), "k"); !errors.Is(err, types.ErrAuthorization) {
		t.Errorf("Expected authorization error, got %v", err)
	}
	if n := len(srv.Requests()); n != 0 {
		t.Errorf("Expected no requests without a token, got %d", n)
	}
}

func TestClientStatusErrors(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"))
	ctx := context.Background()

	srv.FailNext(http.StatusServiceUnavailable, `{"error":{"code":503,"message":"backend error"}}`)
	if _, err := client.Stat(ctx, "k"); !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("Expected unavailable, got %v", err)
	}
	srv.FailNext(http.StatusTooManyRequests, "")
	if _, err := client.Get(ctx, "k"); !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("Expected unavailable for 429, got %v", err)
	}
	srv.FailNext(http.StatusBadRequest, `{"error":{"code":400,"message":"bad"}}`)
	if err := client.Delete(ctx, "k"); !errors.Is(err, types.ErrRequestRejected) {
		t.Errorf("Expected request rejected, got %v", err)
	}
	srv.FailNext(http.StatusOK, "{broken")
	if _, err := client.Stat(ctx, "k"); !errors.Is(err, types.ErrMetadataDecode) {
		t.Errorf("Expected metadata decode error, got %v", err)
	}
}

func TestClientTransportErrors(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	url := srv.URL
	srv.Close()

	client, err := NewClient(url, "test-bucket", credentials.NewStaticProvider("Bearer", "tok"),
		WithTransport(NewTransport(2*time.Second)))
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	if _, err := client.Stat(context.Background(), "k"); !errors.Is(err, types.ErrUnavailable) {
		t.Errorf("Expected unavailable for closed server, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = client.Stat(ctx, "k")
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context canceled, got %v", err)
	}
	if types.KindOf(err) != types.KindCanceled {
		t.Errorf("Expected canceled kind, got %v", types.KindOf(err))
	}
}

func TestClientMetrics(t *testing.T) {
	srv := gcstest.NewServer("test-bucket")
	defer srv.Close()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}
	client := newTestClient(t, srv, credentials.NewStaticProvider("Bearer", "tok"), WithMetrics(metrics))

	_, _ = client.Stat(context.Background(), "missing")
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() != "gcsfs_gcs_requests_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["op"] == "stat" && labels["code"] == "404" && m.GetCounter().GetValue() == 1 {
				found = true
			}
		}
	}
	if !found {
		t.Error("Expected stat/404 request counter")
	}
	if _, err := NewMetrics(reg); err == nil {
		t.Error("Expected duplicate registration error")
	}
}
