package fileloader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/ahrav/transfer-armada/internal/config"
	"github.com/ahrav/transfer-armada/pkg/common/logger"
)

var _ config.Loader = (*FileLoader)(nil)

// FileLoader loads the systems catalog from a file on disk. The extension
// selects the format: .toml is parsed as TOML, anything else as YAML.
type FileLoader struct {
	// path is the filesystem path to the catalog file.
	path   string
	logger *logger.Logger

	// debounce collapses bursts of writes into one reload.
	debounce time.Duration
}

// NewFileLoader creates a new FileLoader that will load the catalog from the
// specified file path.
func NewFileLoader(path string, logger *logger.Logger) *FileLoader {
	return &FileLoader{
		path:     path,
		logger:   logger.With("component", "catalog_file_loader", "path", path),
		debounce: 200 * time.Millisecond,
	}
}

// Load reads, parses and validates the catalog file.
func (l *FileLoader) Load(ctx context.Context) (*config.Catalog, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var cat config.Catalog
	switch strings.ToLower(filepath.Ext(l.path)) {
	case ".toml":
		err = toml.Unmarshal(data, &cat)
	default:
		err = yaml.Unmarshal(data, &cat)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if err := cat.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}

	return &cat, nil
}

// Watch reloads the catalog whenever the file changes and passes every
// successfully parsed version to onChange. A file that fails to parse is
// logged and the previous catalog stays in effect. Watch blocks until ctx is
// done.
func (l *FileLoader) Watch(ctx context.Context, onChange func(*config.Catalog)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so watch the directory.
	dir := filepath.Dir(l.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(l.path)

	timer := time.NewTimer(l.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != name {
				continue
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(l.debounce)

		case <-timer.C:
			cat, err := l.Load(ctx)
			if err != nil {
				l.logger.Warn(ctx, "Catalog reload failed, keeping previous version", "error", err)
				continue
			}
			l.logger.Info(ctx, "Catalog reloaded", "systems", len(cat.Systems))
			onChange(cat)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			l.logger.Warn(ctx, "Watcher error", "error", err)
		}
	}
}
