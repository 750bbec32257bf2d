// Package fetcher retrieves package source into a local working directory.
//
// Retrieval order: a local filesystem source is copied directly, bypassing
// network and cache; otherwise the cache is the front-line check, and only a
// miss reaches the network. Network sources are gzip tarballs (downloaded
// and unpacked), git repositories (cloned shallowly, tag or branch matching
// a pinned version), or plain files stored as-is. Successful network fetches
// populate the cache atomically unless skip-cache is in effect.
//
// Each registry host sits behind a circuit breaker: a host that keeps
// failing is skipped quickly instead of costing every worker a timeout.
package fetcher

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"
	circuit "github.com/rubyist/circuitbreaker"

	"github.com/cpkg/cpkg/pkg/cache"
	"github.com/cpkg/cpkg/pkg/errors"
	"github.com/cpkg/cpkg/pkg/httputil"
	"github.com/cpkg/cpkg/pkg/secrets"
	"github.com/cpkg/cpkg/pkg/slug"
)

// Options configures a Fetcher.
type Options struct {
	Client        *httputil.Client
	Cache         *cache.Cache
	Tokens        *secrets.Table
	TokenOverride string // -t flag; wins over the secrets table for every fetch
	Force         bool   // re-fetch and overwrite an existing destination
	Logger        *log.Logger
}

// Fetcher retrieves package payloads. Safe for concurrent use.
type Fetcher struct {
	client   *httputil.Client
	cache    *cache.Cache
	tokens   *secrets.Table
	override string
	force    bool
	breakers *breakerSet
	logger   *log.Logger
}

// New creates a Fetcher.
func New(opts Options) *Fetcher {
	if opts.Client == nil {
		opts.Client = httputil.NewClient(nil)
	}
	if opts.Cache == nil {
		opts.Cache = cache.New("", 0, true)
	}
	if opts.Tokens == nil {
		opts.Tokens = secrets.Empty()
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Fetcher{
		client:   opts.Client,
		cache:    opts.Cache,
		tokens:   opts.Tokens,
		override: opts.TokenOverride,
		force:    opts.Force,
		breakers: newBreakerSet(),
		logger:   opts.Logger,
	}
}

// CacheKey returns the cache key for a package identifier.
func CacheKey(id slug.Identifier) string {
	return "pkg:" + id.String()
}

// Fetch materializes the package source for id at dest.
// registryName selects the auth token; href is the resolved source location.
func (f *Fetcher) Fetch(ctx context.Context, id slug.Identifier, href, registryName, dest string) error {
	if existing, err := os.Stat(dest); err == nil && existing.IsDir() && !f.force {
		f.logger.Debug("destination already populated, skipping", "package", id.Slug(), "dest", dest)
		return nil
	}

	// Local filesystem sources bypass network and cache entirely.
	if isLocalSource(href) {
		f.logger.Debug("copying local source", "package", id.Slug(), "src", href)
		if err := copyLocal(href, dest); err != nil {
			return errors.Wrap(errors.ErrCodeInvalidPath, err, "copy %s", href)
		}
		return nil
	}

	key := CacheKey(id)
	if f.cache.Has(key) {
		if err := f.cache.Materialize(key, dest); err == nil {
			f.logger.Debug("cache hit", "package", id.String())
			return nil
		}
		// A racing eviction turns the hit into a miss; fall through.
	}

	breaker := f.breakers.get(href)
	if !breaker.Ready() {
		return errors.New(errors.ErrCodeFetchFailed, "upstream for %s unavailable (circuit open)", id.Slug())
	}

	token := f.override
	if token == "" {
		token = f.tokens.TokenFor(registryName, href)
	}

	err := breaker.Call(func() error {
		return f.download(ctx, id, href, token, dest)
	}, 0)
	if err != nil {
		if err == circuit.ErrBreakerOpen {
			return errors.New(errors.ErrCodeFetchFailed, "upstream for %s unavailable (circuit open)", id.Slug())
		}
		return err
	}

	if err := f.cache.Put(key, dest); err != nil {
		// Cache trouble never fails a completed fetch.
		f.logger.Debug("could not populate cache", "package", id.String(), "err", err)
	}
	return nil
}

// download stages the payload in a temp directory next to dest and renames
// it into place, so an interrupted transfer leaves no partial destination.
func (f *Fetcher) download(ctx context.Context, id slug.Identifier, href, token, dest string) error {
	parent := filepath.Dir(dest)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidPath, err, "create %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, ".fetch-")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "stage download")
	}
	defer os.RemoveAll(tmp)

	switch {
	case isTarball(href):
		f.logger.Debug("downloading archive", "package", id.String(), "url", href)
		if err := f.downloadTarball(ctx, href, token, tmp); err != nil {
			return err
		}
	case isGitSource(href):
		f.logger.Debug("cloning repository", "package", id.String(), "url", href)
		if err := f.clone(ctx, id, href, token, tmp); err != nil {
			return err
		}
	default:
		// A plain HTTP location that is neither an archive nor a
		// repository is stored as a single file.
		f.logger.Debug("downloading file", "package", id.String(), "url", href)
		if err := f.downloadFile(ctx, href, token, tmp); err != nil {
			return err
		}
	}

	os.RemoveAll(dest)
	if err := os.Rename(tmp, dest); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "move payload into %s", dest)
	}
	return nil
}

func (f *Fetcher) downloadTarball(ctx context.Context, href, token, dir string) error {
	archive, err := os.CreateTemp(dir, ".archive-*.tar.gz")
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "stage archive")
	}
	name := archive.Name()
	defer os.Remove(name)

	if err := f.client.Download(ctx, href, token, archive); err != nil {
		archive.Close()
		return err
	}
	if err := archive.Close(); err != nil {
		return err
	}

	in, err := os.Open(name)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := untar(in, dir); err != nil {
		return err
	}
	return os.Remove(name)
}

func (f *Fetcher) downloadFile(ctx context.Context, href, token, dir string) error {
	name := path.Base(href)
	if name == "." || name == "/" || name == "" {
		name = "payload"
	}
	out, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "stage download")
	}
	if err := f.client.Download(ctx, href, token, out); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// isLocalSource reports whether href explicitly names a filesystem path.
// Only absolute paths and paths marked with a "./" or "../" prefix count;
// a bare name is never probed against the working directory, so catalog
// hrefs cannot collide with files that happen to exist locally.
func isLocalSource(href string) bool {
	if strings.Contains(href, "://") || strings.HasPrefix(href, "git@") {
		return false
	}
	return href == "." || href == ".." ||
		strings.HasPrefix(href, "./") || strings.HasPrefix(href, "../") ||
		filepath.IsAbs(href)
}

func copyLocal(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	os.RemoveAll(dest)
	return cache.CopyTree(src, dest)
}
