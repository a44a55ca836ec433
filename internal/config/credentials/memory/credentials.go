// Package memory resolves auth references against the auth table of a
// loaded systems catalog.
package memory

import (
	"errors"
	"fmt"

	"github.com/ahrav/transfer-armada/internal/config"
	"github.com/ahrav/transfer-armada/internal/config/credentials"
)

var _ credentials.Store = (*CredentialStore)(nil)

// ErrUnknownAuthRef is returned for references absent from the auth table.
var ErrUnknownAuthRef = errors.New("unknown auth_ref")

// CredentialStore is an immutable auth_ref to credentials table. Catalog
// reloads build a new store.
type CredentialStore struct {
	byRef map[string]*credentials.Credentials
}

// NewCredentialStore validates every entry of auth. One invalid entry fails
// the whole table.
func NewCredentialStore(auth map[string]config.AuthConfig) (*CredentialStore, error) {
	byRef := make(map[string]*credentials.Credentials, len(auth))
	var errs []error
	for ref, entry := range auth {
		creds, err := credentials.NewCredentials(credentials.CredentialType(entry.Type), entry.Config)
		if err != nil {
			errs = append(errs, fmt.Errorf("auth %s: %w", ref, err))
			continue
		}
		byRef[ref] = creds
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &CredentialStore{byRef: byRef}, nil
}

// GetCredentials returns the credentials registered under authRef.
func (s *CredentialStore) GetCredentials(authRef string) (*credentials.Credentials, error) {
	if creds, ok := s.byRef[authRef]; ok {
		return creds, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownAuthRef, authRef)
}
