package transfer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrUnsupportedScheme is wrapped by SyntaxError when a URI names a protocol
// no connector handles.
var ErrUnsupportedScheme = errors.New("unsupported uri scheme")

// SchemeInternal is the reserved scheme for internally managed storage
// systems, addressed as agave://<system-id>/path.
const SchemeInternal = "agave"

var supportedSchemes = map[string]struct{}{
	SchemeInternal: {},
	"file":         {},
	"sftp":         {},
	"ftp":          {},
	"s3":           {},
	"http":         {},
	"https":        {},
}

// SupportsScheme reports whether scheme has a connector.
func SupportsScheme(scheme string) bool {
	_, ok := supportedSchemes[strings.ToLower(scheme)]
	return ok
}

// SyntaxError reports a URI that cannot be used for a transfer.
type SyntaxError struct {
	URI    string
	Reason string
	Err    error
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid transfer uri %q: %s", e.URI, e.Reason)
}

func (e *SyntaxError) Unwrap() error { return e.Err }

// ParseTransferURI parses raw and checks that it is absolute and uses a
// supported scheme.
func ParseTransferURI(raw string) (*url.URL, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, &SyntaxError{URI: raw, Reason: "empty uri"}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, &SyntaxError{URI: raw, Reason: "malformed uri", Err: err}
	}
	if !u.IsAbs() {
		return nil, &SyntaxError{URI: raw, Reason: "uri must be absolute"}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if !SupportsScheme(u.Scheme) {
		return nil, &SyntaxError{URI: raw, Reason: "scheme " + u.Scheme + " is not supported", Err: ErrUnsupportedScheme}
	}

	switch u.Scheme {
	case "file":
		if u.Path == "" {
			return nil, &SyntaxError{URI: raw, Reason: "file uri requires a path"}
		}
	default:
		if u.Host == "" {
			return nil, &SyntaxError{URI: raw, Reason: u.Scheme + " uri requires a host"}
		}
	}

	return u, nil
}

// ChildURI returns the URI of the entry name inside the directory base.
func ChildURI(base *url.URL, name string) string {
	return base.JoinPath(name).String()
}
