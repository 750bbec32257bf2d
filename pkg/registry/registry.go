// Package registry manages the ordered set of configured registries and
// resolves package identifiers to source locations.
//
// A registry is a named catalog: a JSON document mapping author/name slugs
// to fetchable source locations. The merged set is built once per run from
// the project manifest's declared registries layered over the global
// defaults, deduplicated by name with manifest priority. Catalogs are
// fetched concurrently at startup; a registry whose catalog cannot be
// retrieved is logged and treated as empty so it never blocks resolution
// against the others. After FetchCatalogs returns, the set is read-only and
// safe to share across workers.
package registry

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/cpkg/cpkg/pkg/cache"
	"github.com/cpkg/cpkg/pkg/httputil"
	"github.com/cpkg/cpkg/pkg/manifest"
	"github.com/cpkg/cpkg/pkg/secrets"
	"github.com/cpkg/cpkg/pkg/slug"
)

// Registry is one configured catalog.
type Registry struct {
	Name string
	URL  string
}

// Catalog maps author/name slugs to source locations.
type Catalog map[string]string

// Set is the merged, ordered registry list with fetched catalogs.
type Set struct {
	registries []Registry
	catalogs   map[string]Catalog
}

// FromManifest converts manifest-declared registries.
func FromManifest(rs []manifest.Registry) []Registry {
	out := make([]Registry, 0, len(rs))
	for _, r := range rs {
		out = append(out, Registry{Name: r.Name, URL: r.URL})
	}
	return out
}

// NewSet merges declared and default registries, in that priority order,
// deduplicating by name. A declared registry shadows a default with the
// same name.
func NewSet(declared, defaults []Registry) *Set {
	seen := make(map[string]bool)
	var merged []Registry
	for _, r := range append(append([]Registry{}, declared...), defaults...) {
		if r.Name == "" || r.URL == "" || seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		merged = append(merged, r)
	}
	return &Set{
		registries: merged,
		catalogs:   make(map[string]Catalog),
	}
}

// Registries returns the merged list in lookup order.
func (s *Set) Registries() []Registry {
	return s.registries
}

// FetchCatalogs retrieves every registry's catalog concurrently, consulting
// the cache first. A failed catalog fetch is logged and leaves that registry
// empty; it does not abort the others. The only returned error is context
// cancellation.
func (s *Set) FetchCatalogs(ctx context.Context, client *httputil.Client, store *cache.Cache, tokens *secrets.Table, logger *log.Logger) error {
	results := make([]Catalog, len(s.registries))

	g, ctx := errgroup.WithContext(ctx)
	for i, reg := range s.registries {
		i, reg := i, reg
		g.Go(func() error {
			catalog, err := fetchCatalog(ctx, client, store, tokens, reg)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn("registry catalog unavailable, treating as empty",
					"registry", reg.Name, "url", reg.URL, "err", err)
				catalog = Catalog{}
			}
			results[i] = catalog
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for i, reg := range s.registries {
		s.catalogs[reg.Name] = results[i]
		logger.Debug("registry catalog loaded", "registry", reg.Name, "packages", len(results[i]))
	}
	return nil
}

func fetchCatalog(ctx context.Context, client *httputil.Client, store *cache.Cache, tokens *secrets.Table, reg Registry) (Catalog, error) {
	key := fmt.Sprintf("catalog:%s:%s", reg.Name, reg.URL)

	var catalog Catalog
	if store.GetJSON(key, &catalog) {
		return catalog, nil
	}

	token := tokens.TokenFor(reg.Name, reg.URL)
	if err := client.GetJSON(ctx, reg.URL, token, &catalog); err != nil {
		return nil, err
	}
	_ = store.SetJSON(key, catalog)
	return catalog, nil
}

// FindPackage looks up an identifier across the merged catalogs in order.
// The first registry containing the slug wins. A missing package is a
// distinct, expected outcome, not an error: ok is false and the caller
// turns it into a user-facing not-found failure.
func (s *Set) FindPackage(id slug.Identifier) (href string, reg Registry, ok bool) {
	for _, r := range s.registries {
		if href, found := s.catalogs[r.Name][id.Slug()]; found {
			return href, r, true
		}
	}
	return "", Registry{}, false
}

// CatalogSize returns the number of entries loaded for a registry.
func (s *Set) CatalogSize(name string) int {
	return len(s.catalogs[name])
}
