// Package rclone implements the remote storage connectors and the byte
// transferer on top of rclone backends.
package rclone

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	// Backends reachable from transfer URIs.
	_ "github.com/rclone/rclone/backend/ftp"
	_ "github.com/rclone/rclone/backend/http"
	_ "github.com/rclone/rclone/backend/local"
	_ "github.com/rclone/rclone/backend/s3"
	_ "github.com/rclone/rclone/backend/sftp"
	"github.com/rclone/rclone/fs"
	"github.com/rclone/rclone/fs/config/configmap"
	"github.com/rclone/rclone/fs/config/obscure"

	"github.com/ahrav/transfer-armada/internal/config/credentials"
	"github.com/ahrav/transfer-armada/internal/domain/transfer"
)

// endpoint is everything needed to instantiate one rclone Fs.
type endpoint struct {
	name    string
	backend string
	root    string
	options configmap.Simple
}

// endpointFor maps a transfer URI to an rclone endpoint and the path of the
// URI within it.
func (s *Systems) endpointFor(u *url.URL) (endpoint, string, error) {
	path := strings.TrimPrefix(u.Path, "/")
	opts := configmap.Simple{}

	switch u.Scheme {
	case "file":
		return endpoint{name: "file", backend: "local", root: "/", options: opts}, path, nil

	case "sftp", "ftp":
		opts["host"] = u.Hostname()
		if port := u.Port(); port != "" {
			opts["port"] = port
		}
		if u.User != nil {
			opts["user"] = u.User.Username()
			if pass, ok := u.User.Password(); ok {
				obscured, err := obscure.Obscure(pass)
				if err != nil {
					return endpoint{}, "", err
				}
				opts["pass"] = obscured
			}
		}
		return endpoint{name: u.Scheme + "-" + u.Host, backend: u.Scheme, root: "/", options: opts}, path, nil

	case "s3":
		opts["provider"] = "AWS"
		opts["env_auth"] = "true"
		return endpoint{name: "s3", backend: "s3", root: u.Host, options: opts}, path, nil

	case "http", "https":
		opts["url"] = (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/"}).String()
		return endpoint{name: u.Scheme + "-" + u.Host, backend: "http", root: "", options: opts}, path, nil

	case transfer.SchemeInternal:
		spec, creds, err := s.resolve(u.Host)
		if err != nil {
			return endpoint{}, "", transfer.NewFailure(transfer.CauseNotFound, err)
		}
		for k, v := range spec.Options {
			opts[k] = v
		}
		if err := applyCredentials(opts, creds); err != nil {
			return endpoint{}, "", err
		}
		return endpoint{name: "agave-" + spec.ID, backend: spec.Type, root: spec.Root, options: opts}, path, nil
	}

	return endpoint{}, "", &transfer.SyntaxError{
		URI:    u.String(),
		Reason: "scheme " + u.Scheme + " has no connector",
		Err:    transfer.ErrUnsupportedScheme,
	}
}

// applyCredentials merges creds into the backend options. Passwords are
// obscured the way rclone expects them in its config.
func applyCredentials(opts configmap.Simple, creds *credentials.Credentials) error {
	if creds == nil {
		return nil
	}
	for k, v := range creds.Values {
		if k == "pass" {
			obscured, err := obscure.Obscure(v)
			if err != nil {
				return fmt.Errorf("obscure password: %w", err)
			}
			v = obscured
		}
		opts[k] = v
	}
	if creds.Type == credentials.CredentialTypeAccessKey {
		opts["env_auth"] = "false"
	}
	return nil
}

func newFs(ctx context.Context, ep endpoint) (fs.Fs, error) {
	info, err := fs.Find(ep.backend)
	if err != nil {
		return nil, &transfer.SyntaxError{URI: ep.name, Reason: "unknown backend " + ep.backend, Err: err}
	}
	f, err := info.NewFs(ctx, ep.name, ep.root, ep.options)
	if err != nil {
		return nil, classify(err)
	}
	return f, nil
}
