package logging

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/rs/xid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/s3fs-fuse/gcsfs-go/internal/storage/types"
)

type backend struct {
	inner  types.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and spans.
func Wrap(inner types.Backend, logger pslog.Logger, sys string) types.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("github.com/s3fs-fuse/gcsfs-go/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated backend.
func Unwrap(b types.Backend) types.Backend {
	if w, ok := b.(*backend); ok {
		return w.inner
	}
	return b
}

func (b *backend) start(ctx context.Context, op, p string) (context.Context, trace.Span, pslog.Logger, time.Time, func(error)) {
	begin := time.Now()
	opID := xid.New().String()
	ctx, span := b.tracer.Start(ctx, "gcsfs.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("gcsfs.storage.operation", op),
		attribute.String("gcsfs.storage.path", p),
		attribute.String("gcsfs.sys", b.sys),
		attribute.String("gcsfs.op_id", opID),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("sys", b.sys, "op", op, "op_id", opID)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage."+op+".begin", "path", p)

	return ctx, span, logger, begin, func(err error) {
		elapsed := time.Since(begin)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, types.KindOf(err).String())
			logger.Debug("storage."+op+".error", "path", p, "kind", types.KindOf(err).String(), "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("storage."+op+".success", "path", p, "elapsed", elapsed)
	}
}

func (b *backend) Stat(ctx context.Context, user types.User, p string) (types.Metadata, error) {
	ctx, span, _, _, finish := b.start(ctx, "stat", p)
	defer span.End()
	md, err := b.inner.Stat(ctx, user, p)
	if err == nil {
		span.SetAttributes(
			attribute.Bool("gcsfs.storage.is_dir", md.IsDir()),
			attribute.Int64("gcsfs.storage.size", int64(md.Size)),
		)
	}
	finish(err)
	return md, err
}

func (b *backend) List(ctx context.Context, user types.User, p string) (types.EntryIterator, error) {
	ctx, span, logger, begin, finish := b.start(ctx, "list", p)
	defer span.End()
	it, err := b.inner.List(ctx, user, p)
	finish(err)
	if err != nil {
		return nil, err
	}
	return &iterator{inner: it, logger: logger, path: p, begin: begin}, nil
}

func (b *backend) Get(ctx context.Context, user types.User, p string) (*types.Object, error) {
	ctx, span, _, _, finish := b.start(ctx, "get", p)
	defer span.End()
	obj, err := b.inner.Get(ctx, user, p)
	if err == nil {
		span.SetAttributes(attribute.Int64("gcsfs.storage.size", obj.Size()))
	}
	finish(err)
	return obj, err
}

func (b *backend) Put(ctx context.Context, user types.User, p string, r io.Reader) (uint64, error) {
	ctx, span, _, _, finish := b.start(ctx, "put", p)
	defer span.End()
	n, err := b.inner.Put(ctx, user, p, r)
	if err == nil {
		span.SetAttributes(attribute.Int64("gcsfs.storage.size", int64(n)))
	}
	finish(err)
	return n, err
}

func (b *backend) Delete(ctx context.Context, user types.User, p string) error {
	ctx, span, _, _, finish := b.start(ctx, "delete", p)
	defer span.End()
	err := b.inner.Delete(ctx, user, p)
	finish(err)
	return err
}

func (b *backend) Mkdir(ctx context.Context, user types.User, p string) error {
	ctx, span, _, _, finish := b.start(ctx, "mkdir", p)
	defer span.End()
	err := b.inner.Mkdir(ctx, user, p)
	finish(err)
	return err
}

func (b *backend) Rename(ctx context.Context, user types.User, from, to string) error {
	ctx, span, _, _, finish := b.start(ctx, "rename", from)
	defer span.End()
	span.SetAttributes(attribute.String("gcsfs.storage.target", to))
	err := b.inner.Rename(ctx, user, from, to)
	finish(err)
	return err
}

func (b *backend) Rmdir(ctx context.Context, user types.User, p string) error {
	ctx, span, _, _, finish := b.start(ctx, "rmdir", p)
	defer span.End()
	err := b.inner.Rmdir(ctx, user, p)
	finish(err)
	return err
}

// iterator counts entries and logs when the listing ends.
type iterator struct {
	inner  types.EntryIterator
	logger pslog.Logger
	path   string
	begin  time.Time
	count  int
}

func (it *iterator) Next(ctx context.Context) (types.Fileinfo, error) {
	entry, err := it.inner.Next(ctx)
	switch {
	case err == nil:
		it.count++
	case errors.Is(err, io.EOF):
		it.logger.Trace("storage.list.done", "path", it.path, "entries", it.count, "elapsed", time.Since(it.begin))
	default:
		it.logger.Debug("storage.list.error", "path", it.path, "entries", it.count, "error", err)
	}
	return entry, err
}
