package rclone

import (
	"fmt"
	"sync"

	"github.com/ahrav/transfer-armada/internal/config"
	"github.com/ahrav/transfer-armada/internal/config/credentials"
	"github.com/ahrav/transfer-armada/internal/config/credentials/memory"
)

// Systems holds the current systems catalog together with its resolved
// credentials. It is swapped atomically on catalog reloads.
type Systems struct {
	mu      sync.RWMutex
	catalog *config.Catalog
	creds   credentials.Store
}

// NewSystems builds a registry from cat. A nil catalog yields an empty
// registry in which every agave:// URI fails to resolve.
func NewSystems(cat *config.Catalog) (*Systems, error) {
	s := new(Systems)
	if err := s.Update(cat); err != nil {
		return nil, err
	}
	return s, nil
}

// Update replaces the catalog. The previous catalog stays in effect when cat
// is invalid or its credentials cannot be resolved.
func (s *Systems) Update(cat *config.Catalog) error {
	if cat == nil {
		cat = new(config.Catalog)
	}
	if err := cat.Validate(); err != nil {
		return fmt.Errorf("invalid catalog: %w", err)
	}
	store, err := memory.NewCredentialStore(cat.Auth)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.catalog = cat
	s.creds = store
	return nil
}

// ErrUnknownSystem is returned for agave:// URIs naming no catalog entry.
type ErrUnknownSystem struct{ ID string }

func (e *ErrUnknownSystem) Error() string { return "unknown storage system: " + e.ID }

func (s *Systems) resolve(id string) (config.SystemSpec, *credentials.Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	spec, ok := s.catalog.Lookup(id)
	if !ok {
		return config.SystemSpec{}, nil, &ErrUnknownSystem{ID: id}
	}
	if spec.AuthRef == "" {
		return spec, nil, nil
	}
	creds, err := s.creds.GetCredentials(spec.AuthRef)
	if err != nil {
		return config.SystemSpec{}, nil, err
	}
	return spec, creds, nil
}
