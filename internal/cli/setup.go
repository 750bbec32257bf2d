package cli

import (
	"context"

	"github.com/charmbracelet/log"

	"github.com/cpkg/cpkg/pkg/cache"
	"github.com/cpkg/cpkg/pkg/config"
	"github.com/cpkg/cpkg/pkg/httputil"
	"github.com/cpkg/cpkg/pkg/manifest"
	"github.com/cpkg/cpkg/pkg/registry"
	"github.com/cpkg/cpkg/pkg/secrets"
)

// environment is the wired engine state shared by commands: configuration,
// the local manifest (nil when absent), the cache, and the registry set.
type environment struct {
	cfg     *config.Config
	root    *manifest.Manifest
	tokens  *secrets.Table
	store   *cache.Cache
	client  *httputil.Client
	set     *registry.Set
	catalog bool // catalogs fetched
}

// newEnvironment loads configuration, secrets, and the local manifest, and
// builds the merged registry set. Catalogs are not fetched yet; commands
// that resolve packages call fetchCatalogs first.
func newEnvironment(logger *log.Logger, skipCache bool) (*environment, error) {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return nil, err
	}

	tokens, err := secrets.Load(config.DefaultSecretsFile)
	if err != nil {
		return nil, err
	}
	if tokens.Len() > 0 {
		logger.Debug("loaded registry secrets", "entries", tokens.Len())
	}

	root, err := manifest.LoadDir(".", cfg.ManifestNames)
	if err != nil {
		// A broken local manifest is reported but treated as absent.
		logger.Warn("unreadable local manifest", "err", err)
		root = nil
	}

	store := cache.New(cfg.Cache.Dir, cfg.CacheTTL(), skipCache)
	if store.Degraded() {
		logger.Warn("cache unavailable, fetching without it", "dir", cfg.Cache.Dir)
	}

	declared := registry.FromManifest(manifest.DeclaredRegistries(root))
	defaults := make([]registry.Registry, 0, len(cfg.Registries))
	for _, r := range cfg.Registries {
		defaults = append(defaults, registry.Registry{Name: r.Name, URL: r.URL})
	}

	return &environment{
		cfg:    cfg,
		root:   root,
		tokens: tokens,
		store:  store,
		client: httputil.NewClient(nil),
		set:    registry.NewSet(declared, defaults),
	}, nil
}

func (e *environment) fetchCatalogs(ctx context.Context, logger *log.Logger) error {
	if e.catalog {
		return nil
	}
	if err := e.set.FetchCatalogs(ctx, e.client, e.store, e.tokens, logger); err != nil {
		return err
	}
	e.catalog = true
	return nil
}
