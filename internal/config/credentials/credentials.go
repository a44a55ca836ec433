// Package credentials resolves the named secrets storage systems connect with.
package credentials

import "fmt"

// CredentialType identifies how a system authenticates.
type CredentialType string

const (
	CredentialTypeNone      CredentialType = "none"
	CredentialTypePassword  CredentialType = "password"
	CredentialTypeKey       CredentialType = "key"
	CredentialTypeAccessKey CredentialType = "access_key"
)

// Credentials are the resolved values of one auth entry.
type Credentials struct {
	Type   CredentialType
	Values map[string]string
}

var requiredValues = map[CredentialType][]string{
	CredentialTypeNone:      nil,
	CredentialTypePassword:  {"user", "pass"},
	CredentialTypeKey:       {"user", "key_file"},
	CredentialTypeAccessKey: {"access_key_id", "secret_access_key"},
}

// NewCredentials validates values against the fields credType requires.
func NewCredentials(credType CredentialType, values map[string]string) (*Credentials, error) {
	required, ok := requiredValues[credType]
	if !ok {
		return nil, fmt.Errorf("unsupported credential type: %s", credType)
	}
	for _, k := range required {
		if values[k] == "" {
			return nil, fmt.Errorf("%s credentials require %s", credType, k)
		}
	}

	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	return &Credentials{Type: credType, Values: copied}, nil
}

type Store interface {
	GetCredentials(authRef string) (*Credentials, error)
}
