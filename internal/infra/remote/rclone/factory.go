package rclone

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/object"
	"github.com/rclone/rclone/fs/operations"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var (
	_ transfer.RemoteClientFactory = (*Factory)(nil)
	_ transfer.Transferer          = (*Factory)(nil)
)

// Factory builds rclone-backed clients per URI and copies single files
// between any two supported endpoints.
type Factory struct {
	systems *Systems
	logger  *logger.Logger
	tracer  trace.Tracer
}

// NewFactory creates a factory resolving agave:// URIs through systems.
func NewFactory(systems *Systems, logger *logger.Logger, tracer trace.Tracer) *Factory {
	return &Factory{
		systems: systems,
		logger:  logger.With("component", "rclone_factory"),
		tracer:  tracer,
	}
}

func (f *Factory) open(ctx context.Context, uri *url.URL) (fs.Fs, string, error) {
	ep, path, err := f.systems.endpointFor(uri)
	if err != nil {
		return nil, "", err
	}
	rfs, err := newFs(ctx, ep)
	if err != nil {
		return nil, "", err
	}
	return rfs, path, nil
}

// ClientFor implements transfer.RemoteClientFactory.
func (f *Factory) ClientFor(ctx context.Context, tenantID, owner string, uri *url.URL) (transfer.RemoteClient, string, error) {
	ctx, span := f.tracer.Start(ctx, "rclone_factory.client_for", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("owner", owner),
		attribute.String("scheme", uri.Scheme),
	))
	defer span.End()

	rfs, path, err := f.open(ctx, uri)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}
	return &Client{f: rfs, tracer: f.tracer}, path, nil
}

// Copy implements transfer.Transferer. Copies within one endpoint use the
// backend's server-side copy when it has one; everything else is streamed
// through this process so progress can be reported.
func (f *Factory) Copy(
	ctx context.Context,
	tenantID, owner string,
	src, dst *url.URL,
	progress transfer.ProgressFunc,
) (int64, error) {
	ctx, span := f.tracer.Start(ctx, "rclone_factory.copy", trace.WithAttributes(
		attribute.String("tenant_id", tenantID),
		attribute.String("owner", owner),
		attribute.String("source", src.Redacted()),
		attribute.String("dest", dst.Redacted()),
	))
	defer span.End()

	n, err := f.copy(ctx, src, dst, progress)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return n, err
	}
	span.SetAttributes(attribute.Int64("bytes", n))
	return n, nil
}

func (f *Factory) copy(ctx context.Context, src, dst *url.URL, progress transfer.ProgressFunc) (int64, error) {
	fsrc, srcPath, err := f.open(ctx, src)
	if err != nil {
		return 0, err
	}
	fdst, dstPath, err := f.open(ctx, dst)
	if err != nil {
		return 0, err
	}

	obj, err := fsrc.NewObject(ctx, srcPath)
	if err != nil {
		return 0, classify(err)
	}
	size := obj.Size()

	if fsrc.Name() == fdst.Name() && fsrc.Root() == fdst.Root() && fdst.Features().Copy != nil {
		if err := operations.CopyFile(ctx, fdst, fsrc, dstPath, srcPath); err != nil {
			return 0, classify(err)
		}
		report(progress, size)
		return size, nil
	}

	in, err := obj.Open(ctx)
	if err != nil {
		return 0, classify(err)
	}
	defer in.Close()

	counter := &progressReader{r: in, fn: progress}
	info := object.NewStaticObjectInfo(dstPath, obj.ModTime(ctx), size, true, nil, fdst)
	if _, err := fdst.Put(ctx, counter, info); err != nil {
		return counter.n, classify(err)
	}
	if counter.n != size && size >= 0 {
		return counter.n, transfer.NewFailure(transfer.CauseIO,
			fmt.Errorf("copied %d of %d bytes: %w", counter.n, size, io.ErrUnexpectedEOF))
	}
	f.logger.Debug(ctx, "Copied file", "source", src.Redacted(), "dest", dst.Redacted(), "bytes", counter.n)
	return counter.n, nil
}

func report(fn transfer.ProgressFunc, n int64) {
	if fn != nil {
		fn(n)
	}
}

// progressReader reports the running byte count after every read.
type progressReader struct {
	r  io.Reader
	n  int64
	fn transfer.ProgressFunc
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.n += int64(n)
		report(p.fn, p.n)
	}
	return n, err
}
