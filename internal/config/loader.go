package config

import "context"

// Loader loads the systems catalog. fileloader.FileLoader reads it from a
// YAML or TOML file on disk.
type Loader interface {
	Load(ctx context.Context) (*Catalog, error)
}
