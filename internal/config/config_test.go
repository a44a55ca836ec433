package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCatalogValidate(t *testing.T) {
	tests := []struct {
		name    string
		catalog Catalog
		wantErr []string
	}{
		{
			name: "valid",
			catalog: Catalog{
				Auth:    map[string]AuthConfig{"a": {Type: "none"}},
				Systems: []SystemSpec{{ID: "one", Type: "local", AuthRef: "a"}, {ID: "two", Type: "s3"}},
			},
		},
		{
			name:    "missing id and type",
			catalog: Catalog{Systems: []SystemSpec{{Type: "local"}, {ID: "two"}}},
			wantErr: []string{"systems[0]: id is required", "system two: type is required"},
		},
		{
			name:    "duplicate id",
			catalog: Catalog{Systems: []SystemSpec{{ID: "one", Type: "local"}, {ID: "one", Type: "sftp"}}},
			wantErr: []string{"system one: duplicate id"},
		},
		{
			name:    "unknown auth ref",
			catalog: Catalog{Systems: []SystemSpec{{ID: "one", Type: "sftp", AuthRef: "nope"}}},
			wantErr: []string{"unknown auth_ref nope"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.catalog.Validate()
			if len(tt.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, want := range tt.wantErr {
				assert.ErrorContains(t, err, want)
			}
		})
	}
}

func TestCatalogLookup(t *testing.T) {
	cat := &Catalog{Systems: []SystemSpec{{ID: "one", Type: "local", Root: "/data"}}}

	sys, ok := cat.Lookup("one")
	assert.True(t, ok)
	assert.Equal(t, "/data", sys.Root)

	_, ok = cat.Lookup("two")
	assert.False(t, ok)

	var nilCat *Catalog
	_, ok = nilCat.Lookup("one")
	assert.False(t, ok)
}
