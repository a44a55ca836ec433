package rclone

import (
	"context"
	"errors"
	pathpkg "path"

	"github.com/rclone/rclone/fs"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

var _ transfer.RemoteClient = (*Client)(nil)

// Client is a transfer.RemoteClient over one rclone Fs. Paths are relative
// to the Fs root.
type Client struct {
	f      fs.Fs
	tracer trace.Tracer
}

func (c *Client) span(ctx context.Context, op, path string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "rclone_client."+op, trace.WithAttributes(
		attribute.String("backend", c.f.Name()),
		attribute.String("path", path),
	))
}

func fail(span trace.Span, err error) error {
	err = classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Exists reports whether path names a file or directory.
func (c *Client) Exists(ctx context.Context, path string) (bool, error) {
	_, err := c.FileInfo(ctx, path)
	if err == nil {
		return true, nil
	}
	if transfer.ClassifyError(err) == transfer.CauseNotFound {
		return false, nil
	}
	return false, err
}

// FileInfo stats path. Directories are detected by listing them, since
// bucket backends have no directory objects.
func (c *Client) FileInfo(ctx context.Context, path string) (transfer.FileInfo, error) {
	ctx, span := c.span(ctx, "file_info", path)
	defer span.End()

	info := transfer.FileInfo{Name: pathpkg.Base("/" + path), Path: path}
	if path != "" {
		obj, err := c.f.NewObject(ctx, path)
		if err == nil {
			info.IsFile = true
			info.Size = obj.Size()
			return info, nil
		}
		if !errors.Is(err, fs.ErrorObjectNotFound) && !errors.Is(err, fs.ErrorIsDir) && !errors.Is(err, fs.ErrorNotAFile) {
			return transfer.FileInfo{}, fail(span, err)
		}
	}

	if _, err := c.f.List(ctx, path); err != nil {
		return transfer.FileInfo{}, fail(span, err)
	}
	return info, nil
}

// List returns the direct entries of the directory at path.
func (c *Client) List(ctx context.Context, path string) ([]transfer.FileInfo, error) {
	ctx, span := c.span(ctx, "list", path)
	defer span.End()

	entries, err := c.f.List(ctx, path)
	if err != nil {
		return nil, fail(span, err)
	}

	out := make([]transfer.FileInfo, 0, len(entries))
	for _, entry := range entries {
		remote := entry.Remote()
		name := pathpkg.Base(remote)
		if name == "." || name == ".." {
			continue
		}
		info := transfer.FileInfo{Name: name, Path: remote}
		if obj, ok := entry.(fs.Object); ok {
			info.IsFile = true
			info.Size = obj.Size()
		}
		out = append(out, info)
	}
	span.SetAttributes(attribute.Int("entries", len(out)))
	return out, nil
}

// Mkdirs creates path and any missing parents.
func (c *Client) Mkdirs(ctx context.Context, path string) error {
	ctx, span := c.span(ctx, "mkdirs", path)
	defer span.End()

	if err := c.f.Mkdir(ctx, path); err != nil {
		return fail(span, err)
	}
	return nil
}

// Disconnect releases cached backend connections.
func (c *Client) Disconnect(ctx context.Context) error {
	if shutdown := c.f.Features().Shutdown; shutdown != nil {
		return shutdown(ctx)
	}
	return nil
}
