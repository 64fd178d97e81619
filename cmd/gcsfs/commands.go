package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/s3fs-fuse/gcsfs-go/internal/fuse"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage"
	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

func formatTime(md types.Metadata) string {
	mtime, err := md.Modified()
	if err != nil {
		return "-"
	}
	return mtime.UTC().Format(time.RFC3339)
}

func newStatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show size, type and modification time of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				md, err := s.backend.Stat(ctx, nil, args[0])
				if err != nil {
					return err
				}
				kind := "file"
				if md.IsDir() {
					kind = "directory"
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "path:     %s\n", args[0])
				fmt.Fprintf(out, "type:     %s\n", kind)
				fmt.Fprintf(out, "size:     %d (%s)\n", md.Len(), humanizeBytes(md.Len()))
				fmt.Fprintf(out, "modified: %s\n", formatTime(md))
				return nil
			})
		},
	}
}

func newListCommand(a *app) *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:     "ls [path]",
		Aliases: []string{"list"},
		Short:   "List the direct children of a directory",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "/"
			if len(args) == 1 {
				dir = args[0]
			}
			return a.run(cmd, func(ctx context.Context, s *session) error {
				it, err := s.backend.List(ctx, nil, dir)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for {
					entry, err := it.Next(ctx)
					if errors.Is(err, io.EOF) {
						return nil
					}
					if err != nil {
						return err
					}
					name := entry.Name()
					if entry.Metadata.IsDir() {
						name += "/"
					}
					if !long {
						fmt.Fprintln(out, name)
						continue
					}
					size := humanizeBytes(entry.Metadata.Len())
					if entry.Metadata.IsDir() {
						size = "-"
					}
					fmt.Fprintf(out, "%8s  %-20s  %s\n", size, formatTime(entry.Metadata), name)
				}
			})
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "show size and modification time")
	return cmd
}

func newGetCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote> [local]",
		Short: "Download an object to a local file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				obj, err := s.backend.Get(ctx, nil, args[0])
				if err != nil {
					return err
				}
				defer obj.Close()
				if len(args) == 1 || args[1] == "-" {
					_, err = io.Copy(cmd.OutOrStdout(), obj)
					return err
				}
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				n, err := io.Copy(f, obj)
				if closeErr := f.Close(); err == nil {
					err = closeErr
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "downloaded %s to %s\n", humanizeBytes(uint64(n)), args[1])
				return nil
			})
		},
	}
}

func newPutCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "put <local> <remote>",
		Short: "Upload a local file (or - for stdin) to an object",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				var src io.Reader = cmd.InOrStdin()
				if args[0] != "-" {
					f, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer f.Close()
					src = f
				}
				n, err := s.backend.Put(ctx, nil, args[1], src)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "uploaded %s to %s\n", humanizeBytes(n), args[1])
				return nil
			})
		},
	}
}

func newRemoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <path>",
		Aliases: []string{"del"},
		Short:   "Delete an object",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				return s.backend.Delete(ctx, nil, args[0])
			})
		},
	}
}

func newMkdirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "mkdir <path>",
		Aliases: []string{"mkd"},
		Short:   "Create a directory marker",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				return s.backend.Mkdir(ctx, nil, args[0])
			})
		},
	}
}

func newMoveCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "mv <from> <to>",
		Aliases: []string{"rename"},
		Short:   "Rename a file or directory (copy then delete, not atomic)",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				return s.backend.Rename(ctx, nil, args[0], args[1])
			})
		},
	}
}

func newRmdirCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rmdir <path>",
		Aliases: []string{"rmd"},
		Short:   "Remove an empty directory",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, s *session) error {
				return s.backend.Rmdir(ctx, nil, args[0])
			})
		},
	}
}

func newMountCommand(a *app) *cobra.Command {
	var opts fuse.MountOptions
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the bucket through FUSE until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ctx := cmd.Context()
			registry := prometheus.NewRegistry()
			registry.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			s, err := a.open(ctx, storage.Options{Registerer: registry})
			if err != nil {
				return err
			}
			defer s.Close()

			if s.cfg.MetricsListen != "" {
				stop, err := serveMetrics(ctx, s, registry)
				if err != nil {
					return err
				}
				defer stop()
			}
			return fuse.MountWithOptions(ctx, args[0], s.backend, s.logger, opts)
		},
	}
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "mount read-only")
	cmd.Flags().BoolVar(&opts.AllowOther, "allow-other", false, "allow other users to access the mount")
	return cmd
}

func serveMetrics(ctx context.Context, s *session, registry *prometheus.Registry) (func(), error) {
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("metrics.serve.error", "error", err)
		}
	}()
	s.logger.Info("metrics.listening", "addr", ln.Addr().String())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}
