package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/config"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("GCSFS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "gcsfs")
	cmd := newRootCommand(newApp(baseLogger))
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "gcsfs: %s\n", err)
		}
		return exitCode(err)
	}
	return 0
}

// exitCode returns 2 for missing paths and 3 when the store is unavailable.
func exitCode(err error) int {
	switch types.KindOf(err) {
	case types.KindNotFound:
		return 2
	case types.KindUnavailable:
		return 3
	}
	return 1
}

type backendFactory func(ctx context.Context, cfg config.Config, opts storage.Options) (types.Backend, error)

type app struct {
	logger     pslog.Logger
	v          *viper.Viper
	newBackend backendFactory
}

func newApp(logger pslog.Logger) *app {
	return &app{logger: logger, v: viper.New(), newBackend: storage.NewBackend}
}

// session is a loaded config plus an open backend for one command.
type session struct {
	cfg     config.Config
	logger  pslog.Logger
	backend types.Backend
}

func (a *app) loadConfig() (config.Config, pslog.Logger, error) {
	cfg, err := config.Load(a.v)
	if err != nil {
		return config.Config{}, nil, err
	}
	logger := a.logger
	if cfg.LogLevel != "" {
		level, ok := pslog.ParseLevel(cfg.LogLevel)
		if !ok {
			return config.Config{}, nil, fmt.Errorf("invalid log level %q", cfg.LogLevel)
		}
		logger = logger.LogLevel(level)
	}
	return cfg, logger, nil
}

func (a *app) open(ctx context.Context, opts storage.Options) (*session, error) {
	cfg, logger, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	backend, err := a.newBackend(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, backend: backend}, nil
}

func (s *session) Close() {
	if err := storage.Close(s.backend); err != nil {
		s.logger.Warn("storage.close.error", "error", err)
	}
}

// run opens a session, runs fn against it and closes it.
func (a *app) run(cmd *cobra.Command, fn func(ctx context.Context, s *session) error) error {
	cmd.SilenceUsage = true
	ctx := cmd.Context()
	s, err := a.open(ctx, storage.Options{})
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(pslog.ContextWithLogger(ctx, s.logger), s)
}

func newRootCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "gcsfs",
		Short:         "gcsfs exposes a Cloud Storage bucket as a filesystem",
		SilenceErrors: true,
		Example: `
  # List the bucket root with a service account key
  gcsfs --bucket my-bucket --credentials-file key.json ls /

  # Upload a file below a root prefix
  GCSFS_BUCKET=my-bucket GCSFS_PREFIX=team gcsfs put ./report.pdf /reports/report.pdf

  # Mount through FUSE and expose metrics
  gcsfs --bucket my-bucket mount /mnt/bucket --metrics-listen :9464

  # Same commands against the S3 interoperability API with HMAC keys
  gcsfs --backend s3 --s3-endpoint https://storage.googleapis.com --passwd-file ~/.gcsfs-hmac --bucket my-bucket ls /
`,
	}
	if err := config.RegisterFlags(cmd.PersistentFlags(), a.v); err != nil {
		panic(err)
	}
	cmd.AddCommand(
		newStatCommand(a),
		newListCommand(a),
		newGetCommand(a),
		newPutCommand(a),
		newRemoveCommand(a),
		newMkdirCommand(a),
		newMoveCommand(a),
		newRmdirCommand(a),
		newMountCommand(a),
	)
	return cmd
}

func humanizeBytes(n uint64) string {
	return strings.ReplaceAll(humanize.Bytes(n), " ", "")
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
