// Package registry loads the full set of known farmer identities.
package registry

import (
	"context"
	"sort"

	"cocoaquota/pkg/domain"
)

// DefaultPageSize is the number of rows fetched per keyset page.
const DefaultPageSize = 1000

// Registry is an immutable set of normalized farmer ids.
type Registry struct {
	ids map[string]struct{}
}

// New builds a registry from raw ids, normalizing each.
func New(ids ...string) Registry {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[domain.NormalizeFarmerID(id)] = struct{}{}
	}
	return Registry{ids: set}
}

// Contains reports whether the normalized id is registered.
func (r Registry) Contains(id string) bool {
	_, ok := r.ids[domain.NormalizeFarmerID(id)]
	return ok
}

// Len returns the number of distinct farmers.
func (r Registry) Len() int { return len(r.ids) }

// Unknown returns the distinct ids not in the registry, sorted.
func (r Registry) Unknown(ids []string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range ids {
		if r.Contains(id) {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Loader pages through a RegistryStore.
type Loader struct {
	store    domain.RegistryStore
	pageSize int
}

// NewLoader returns a loader; non-positive page sizes fall back to DefaultPageSize.
func NewLoader(store domain.RegistryStore, pageSize int) *Loader {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Loader{store: store, pageSize: pageSize}
}

// Load fetches every farmer using the last seen id as the cursor and stops on
// the first empty page.
func (l *Loader) Load(ctx context.Context) (Registry, error) {
	var all []string
	after := ""
	for {
		page, err := l.store.ListFarmerIDs(ctx, after, l.pageSize)
		if err != nil {
			return Registry{}, &domain.RegistryUnavailableError{Cause: err}
		}
		if len(page) == 0 {
			break
		}
		all = append(all, page...)
		after = page[len(page)-1]
	}
	return New(all...), nil
}
