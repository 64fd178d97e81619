// Package gcsclient talks to the Cloud Storage JSON API: it builds
// requests, attaches bearer tokens, sends them over a pooled transport and
// maps responses onto storage errors and records.
package gcsclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Transport sends a request and returns the response. *http.Client
// satisfies it.
type Transport interface {
	Do(req *http.Request) (*http.Response, error)
}

// NewTransport returns an HTTP client with a pooled connection transport.
// Timeout bounds each whole request; zero disables it.
func NewTransport(timeout time.Duration) *http.Client {
	return &http.Client{Transport: pooledTransport(), Timeout: timeout}
}

func pooledTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 256
	clone.MaxIdleConnsPerHost = 64
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = 1 * time.Second
	return clone
}

// Option configures a Client.
type Option func(*Client)

// WithTransport overrides the HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithLogger sets the logger used for request tracing.
func WithLogger(logger pslog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records request metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithScopes overrides the OAuth2 scopes requested for each call.
func WithScopes(scopes ...string) Option {
	return func(c *Client) {
		if len(scopes) > 0 {
			c.scopes = scopes
		}
	}
}

// Client performs authenticated JSON API calls against one bucket. It
// holds no per-call state and is safe for concurrent use.
type Client struct {
	builder   *RequestBuilder
	transport Transport
	tokens    credentials.TokenProvider
	scopes    []string
	logger    pslog.Logger
	metrics   *Metrics
}

// NewClient creates a client for bucket. endpoint may be empty to use the
// public API host.
func NewClient(endpoint, bucket string, tokens credentials.TokenProvider, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, fmt.Errorf("token provider is required")
	}
	builder, err := NewRequestBuilder(endpoint, bucket)
	if err != nil {
		return nil, err
	}
	c := &Client{
		builder:   builder,
		transport: NewTransport(0),
		tokens:    tokens,
		scopes:    []string{credentials.ScopeReadWrite},
		logger:    pslog.NoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.builder.Bucket()
}

// Stat fetches the object record for key.
func (c *Client) Stat(ctx context.Context, key string) (Item, error) {
	resp, err := c.do(ctx, OpStat, key, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Stat(ctx, key)
	}, nil)
	if err != nil {
		return Item{}, err
	}
	return DecodeItem(OpStat, key, resp)
}

// List fetches one listing page.
func (c *Client) List(ctx context.Context, opts ListOptions) (ResponseBody, error) {
	resp, err := c.do(ctx, OpList, opts.Prefix, func(ctx context.Context) (*http.Request, error) {
		return c.builder.List(ctx, opts)
	}, nil)
	if err != nil {
		return ResponseBody{}, err
	}
	return DecodeListing(OpList, opts.Prefix, resp)
}

// Get downloads the whole object body.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, OpGet, key, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Get(ctx, key)
	}, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, c.transportError(ctx, OpGet, key, err)
	}
	return data, nil
}

// Put uploads body to key and returns the stored object record. The body is
// streamed. When body is an io.Seeker the upload can be replayed once after
// a token refresh; otherwise an authorization failure is returned as is.
func (c *Client) Put(ctx context.Context, key string, body io.Reader) (Item, error) {
	var rewind func() error
	if seeker, ok := body.(io.Seeker); ok {
		start, err := seeker.Seek(0, io.SeekCurrent)
		if err == nil {
			rewind = func() error {
				_, err := seeker.Seek(start, io.SeekStart)
				return err
			}
		}
	}
	resp, err := c.do(ctx, OpPut, key, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Put(ctx, key, uploadBody(body))
	}, rewind)
	if err != nil {
		return Item{}, err
	}
	return DecodeItem(OpPut, key, resp)
}

// uploadBody keeps Close away from the transport so the caller still owns
// body. Readers without Close pass through and keep their known length.
func uploadBody(body io.Reader) io.Reader {
	if _, ok := body.(io.Closer); ok {
		return io.NopCloser(body)
	}
	return body
}

// Mkdir creates the zero-length directory marker "{key}/".
func (c *Client) Mkdir(ctx context.Context, key string) (Item, error) {
	resp, err := c.do(ctx, OpMkdir, key, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Mkdir(ctx, key)
	}, nil)
	if err != nil {
		return Item{}, err
	}
	return DecodeItem(OpMkdir, key, resp)
}

// Delete removes key.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, OpDelete, key, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Delete(ctx, key)
	}, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Copy duplicates src to dst server side.
func (c *Client) Copy(ctx context.Context, src, dst string) (Item, error) {
	resp, err := c.do(ctx, OpCopy, src, func(ctx context.Context) (*http.Request, error) {
		return c.builder.Copy(ctx, src, dst)
	}, nil)
	if err != nil {
		return Item{}, err
	}
	return DecodeItem(OpCopy, src, resp)
}

// do sends the request built by build and validates its status. On an
// authorization failure it refreshes the token and sends once more,
// provided the request is replayable: requests without a body always are
// (rewind nil), uploads only when rewind is set. The returned response has
// a 2xx status; the caller closes its body.
func (c *Client) do(ctx context.Context, op Op, key string, build func(context.Context) (*http.Request, error), rewind func() error) (*http.Response, error) {
	replayable := rewind != nil || op != OpPut
	refreshed := false
	for {
		tok, err := c.token(ctx, refreshed)
		if err != nil {
			return nil, err
		}
		req, err := build(ctx)
		if err != nil {
			return nil, types.NewOpError(string(op), key, fmt.Errorf("%w: build request: %v", types.ErrInvalidPath, err))
		}
		req.Header.Set("Authorization", tok.Header())

		begin := time.Now()
		resp, err := c.transport.Do(req)
		if err != nil {
			c.metrics.observe(op, "error", time.Since(begin))
			c.logger.Debug("gcs.request.error", "op", string(op), "key", key, "error", err)
			return nil, c.transportError(ctx, op, key, err)
		}
		c.metrics.observe(op, strconv.Itoa(resp.StatusCode), time.Since(begin))
		c.logger.Trace("gcs.request", "op", string(op), "key", key, "status", resp.StatusCode, "elapsed", time.Since(begin))

		err = CheckStatus(op, key, resp)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, types.ErrAuthorization) && !refreshed && replayable {
			if rewind != nil {
				if rwErr := rewind(); rwErr != nil {
					return nil, err
				}
			}
			c.logger.Debug("gcs.request.reauthorize", "op", string(op), "key", key)
			refreshed = true
			continue
		}
		return nil, err
	}
}

func (c *Client) token(ctx context.Context, refresh bool) (credentials.Token, error) {
	var (
		tok credentials.Token
		err error
	)
	if r, ok := c.tokens.(credentials.Refresher); ok && refresh {
		tok, err = r.Refresh(ctx, c.scopes...)
	} else {
		tok, err = c.tokens.Token(ctx, c.scopes...)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return credentials.Token{}, ctxErr
		}
		return credentials.Token{}, types.NewOpError("token", "", fmt.Errorf("%w: %v", types.ErrAuthorization, err))
	}
	return tok, nil
}

// transportError classifies a failure that produced no HTTP status:
// cancellation is returned as the context error, everything else
// (dial, TLS, timeout, broken body) is unavailability.
func (c *Client) transportError(ctx context.Context, op Op, key string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return types.NewOpError(string(op), key, ctxErr)
	}
	reason := "connection failed"
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		reason = "timeout"
	}
	return types.NewOpError(string(op), key, fmt.Errorf("%w: %s: %w", types.ErrUnavailable, reason, err))
}
