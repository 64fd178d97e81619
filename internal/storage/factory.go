// Package storage builds the configured types.Backend.
package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/config"
	"github.com/s3fs-fuse/gcsfs-go/internal/credentials"
	"github.com/s3fs-fuse/gcsfs-go/internal/gcsclient"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/flat"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/gcs"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/logging"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/mongodb"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/postgres"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/s3"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

// Options carries process-wide dependencies into NewBackend.
type Options struct {
	Logger pslog.Logger
	// Registerer receives client metrics. Nil leaves them unregistered.
	Registerer prometheus.Registerer
	// HTTPClient overrides the transport of the gcs and s3 backends.
	HTTPClient *http.Client
	// Tokens overrides the gcs token provider.
	Tokens credentials.TokenProvider
}

// NewBackend creates the backend selected by cfg.Backend, wrapped with
// operation logging. Release it with Close.
func NewBackend(ctx context.Context, cfg config.Config, opts Options) (types.Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	logger = logger.With("backend", cfg.Backend)

	var (
		backend types.Backend
		err     error
	)
	switch cfg.Backend {
	case config.BackendGCS:
		backend, err = newGCS(ctx, cfg, opts, logger)
	case config.BackendS3:
		backend, err = newS3(ctx, cfg, opts, logger)
	case config.BackendPostgres:
		var store *postgres.Store
		store, err = postgres.New(ctx, cfg.PostgresDSN, cfg.PostgresTable, namespace(cfg))
		if err == nil {
			backend, err = newFlat(store, cfg.Prefix)
		}
	case config.BackendMongoDB:
		var store *mongodb.Store
		store, err = mongodb.New(ctx, cfg.MongoURI, cfg.MongoDatabase, cfg.MongoCollection, namespace(cfg))
		if err == nil {
			backend, err = newFlat(store, cfg.Prefix)
		}
	case config.BackendMemory:
		backend, err = flat.New(flat.NewMemoryStore(), cfg.Prefix)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", cfg.Backend, err)
	}
	logger.Info("storage.backend.ready", "bucket", cfg.Bucket, "prefix", cfg.Prefix)
	return logging.Wrap(backend, logger, cfg.Backend), nil
}

// Close releases connections held by b, if any.
func Close(b types.Backend) error {
	if c, ok := logging.Unwrap(b).(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func newGCS(ctx context.Context, cfg config.Config, opts Options, logger pslog.Logger) (types.Backend, error) {
	tokens, err := tokenProvider(cfg, opts)
	if err != nil {
		return nil, err
	}
	metrics, err := gcsclient.NewMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}
	transport := opts.HTTPClient
	if transport == nil {
		transport = gcsclient.NewTransport(cfg.Timeout)
	}
	client, err := gcsclient.NewClient(cfg.Endpoint, cfg.Bucket, tokens,
		gcsclient.WithTransport(transport),
		gcsclient.WithLogger(logger),
		gcsclient.WithMetrics(metrics),
	)
	if err != nil {
		return nil, err
	}
	return gcs.New(client, cfg.Prefix, gcs.WithLogger(logger))
}

func tokenProvider(cfg config.Config, opts Options) (credentials.TokenProvider, error) {
	if opts.Tokens != nil {
		return opts.Tokens, nil
	}
	if cfg.AccessToken != "" {
		return credentials.NewStaticProvider("", cfg.AccessToken), nil
	}
	creds := credentials.NewCredentials()
	if cfg.CredentialsFile != "" {
		if err := creds.LoadServiceAccountFile(cfg.CredentialsFile); err != nil {
			return nil, err
		}
	} else if _, err := creds.LoadServiceAccountFromEnvironment(); err != nil {
		return nil, err
	}
	return credentials.NewProvider(creds)
}

func newS3(ctx context.Context, cfg config.Config, opts Options, logger pslog.Logger) (types.Backend, error) {
	creds := credentials.NewCredentials()
	if cfg.PasswdFile != "" {
		if err := creds.LoadFromPasswdFile(cfg.PasswdFile); err != nil {
			return nil, err
		}
	} else if err := creds.LoadFromEnvironment(); err != nil {
		logger.Debug("storage.s3.credentials.default_chain", "reason", err)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = gcsclient.NewTransport(cfg.Timeout)
	}
	return s3.New(ctx, s3.Config{
		Bucket:      cfg.Bucket,
		Region:      cfg.S3Region,
		Endpoint:    cfg.S3Endpoint,
		Prefix:      cfg.Prefix,
		Credentials: creds,
		HTTPClient:  httpClient,
		Logger:      logger,
	})
}

func newFlat(store flat.Store, prefix string) (types.Backend, error) {
	backend, err := flat.New(store, prefix)
	if err != nil {
		if c, ok := store.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, err
	}
	return backend, nil
}

func namespace(cfg config.Config) string {
	if cfg.Bucket == "" {
		return "default"
	}
	return cfg.Bucket
}
