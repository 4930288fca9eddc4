// Package accounts is the read-only registry of destination accounts.
package accounts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"illustpub/internal/apperr"
	"illustpub/internal/models"
)

type registryFile struct {
	Destinations []models.DestinationAccount `yaml:"destinations"`
}

// Registry resolves destination ids to accounts. It is safe for concurrent
// reads; it is never mutated after Load.
type Registry struct {
	byID  map[string]models.DestinationAccount
	order []string
}

// Load reads a YAML registry. A missing file yields an empty registry so the
// query endpoints keep working before any account is configured.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &Registry{byID: map[string]models.DestinationAccount{}}, nil
		}
		return nil, fmt.Errorf("read accounts file: %w", err)
	}
	return Parse(data)
}

// Parse decodes registry YAML. Credentials may reference environment
// variables as ${NAME}.
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse accounts: %w", err)
	}
	reg := &Registry{byID: make(map[string]models.DestinationAccount, len(file.Destinations))}
	for i, acct := range file.Destinations {
		acct.ID = strings.TrimSpace(acct.ID)
		if acct.ID == "" {
			return nil, fmt.Errorf("destination %d: id is required", i)
		}
		if _, dup := reg.byID[acct.ID]; dup {
			return nil, fmt.Errorf("destination %q declared twice", acct.ID)
		}
		acct.AppID = os.ExpandEnv(acct.AppID)
		acct.AppSecret = os.ExpandEnv(acct.AppSecret)
		if acct.Name == "" {
			acct.Name = acct.ID
		}
		reg.byID[acct.ID] = acct
		reg.order = append(reg.order, acct.ID)
	}
	return reg, nil
}

// Lookup returns the account for id or a not-found error.
func (r *Registry) Lookup(id string) (models.DestinationAccount, error) {
	acct, ok := r.byID[id]
	if !ok {
		return models.DestinationAccount{}, apperr.NotFound("accounts", fmt.Sprintf("destination %q not found", id))
	}
	return acct, nil
}

// List returns accounts in declaration order.
func (r *Registry) List() []models.DestinationAccount {
	out := make([]models.DestinationAccount, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

// IDs returns the sorted destination ids.
func (r *Registry) IDs() []string {
	ids := append([]string(nil), r.order...)
	sort.Strings(ids)
	return ids
}
