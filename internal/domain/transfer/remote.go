package transfer

import (
	"context"
	"net/url"
)

// FileInfo describes a remote path.
type FileInfo struct {
	Name   string
	Path   string
	Size   int64
	IsFile bool
}

// RemoteClient talks to one storage endpoint. Paths are relative to the
// endpoint's root as resolved from the task URI.
type RemoteClient interface {
	Exists(ctx context.Context, path string) (bool, error)
	FileInfo(ctx context.Context, path string) (FileInfo, error)
	List(ctx context.Context, path string) ([]FileInfo, error)
	Mkdirs(ctx context.Context, path string) error
	Disconnect(ctx context.Context) error
}

// RemoteClientFactory resolves a client for the endpoint addressed by uri,
// acting on behalf of owner within tenantID. The returned path is the
// location within the endpoint that uri refers to.
type RemoteClientFactory interface {
	ClientFor(ctx context.Context, tenantID, owner string, uri *url.URL) (RemoteClient, string, error)
}

// ProgressFunc receives the running byte count of a copy.
type ProgressFunc func(bytes int64)

// Transferer copies a single file between endpoints.
type Transferer interface {
	Copy(ctx context.Context, tenantID, owner string, src, dst *url.URL, progress ProgressFunc) (int64, error)
}
