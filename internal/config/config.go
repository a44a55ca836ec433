package config

import (
	"errors"
	"fmt"
)

// AuthConfig represents an authentication configuration.
type AuthConfig struct {
	Type   string            `yaml:"type" toml:"type"`
	Config map[string]string `yaml:"config" toml:"config"`
}

// Catalog maps the reserved agave://<system-id>/path URIs to concrete
// storage endpoints.
type Catalog struct {
	Auth    map[string]AuthConfig `yaml:"auth" toml:"auth"`
	Systems []SystemSpec          `yaml:"systems" toml:"systems"`
}

// SystemSpec describes one storage system as an rclone backend.
type SystemSpec struct {
	// ID is the host part of agave:// URIs addressing this system.
	ID string `yaml:"id" toml:"id"`
	// Type is the rclone backend name, e.g. local, sftp, s3.
	Type string `yaml:"type" toml:"type"`
	// Root is the backend root every path is resolved against.
	Root string `yaml:"root,omitempty" toml:"root,omitempty"`
	// AuthRef names an entry of Catalog.Auth.
	AuthRef string `yaml:"auth_ref,omitempty" toml:"auth_ref,omitempty"`
	// Options are passed to the backend verbatim.
	Options map[string]string `yaml:"options,omitempty" toml:"options,omitempty"`
}

// Lookup returns the system registered under id.
func (c *Catalog) Lookup(id string) (SystemSpec, bool) {
	if c == nil {
		return SystemSpec{}, false
	}
	for _, s := range c.Systems {
		if s.ID == id {
			return s, true
		}
	}
	return SystemSpec{}, false
}

// Validate checks that system ids are unique and auth references resolve.
func (c *Catalog) Validate() error {
	seen := make(map[string]struct{}, len(c.Systems))
	var errs []error
	for i, s := range c.Systems {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("systems[%d]: id is required", i))
		case s.Type == "":
			errs = append(errs, fmt.Errorf("system %s: type is required", s.ID))
		}
		if _, dup := seen[s.ID]; dup {
			errs = append(errs, fmt.Errorf("system %s: duplicate id", s.ID))
		}
		seen[s.ID] = struct{}{}
		if s.AuthRef != "" {
			if _, ok := c.Auth[s.AuthRef]; !ok {
				errs = append(errs, fmt.Errorf("system %s: unknown auth_ref %s", s.ID, s.AuthRef))
			}
		}
	}
	return errors.Join(errs...)
}
