// Package config holds the install engine's configuration.
//
// Configuration is built once at process start and passed by reference into
// the registry manager, fetcher, and installer. There is no ambient global
// state: everything a component needs arrives through its constructor.
//
// The optional config file lives at ~/.config/cpkg/config.toml:
//
//	manifest_names = ["clib.json", "package.json"]
//
//	[cache]
//	dir = "/home/me/.cache/cpkg"
//	ttl_days = 30
//
//	[install]
//	dir = "./deps"
//	prefix = "/usr/local"
//	concurrency = 8
//
//	[[registries]]
//	name = "corp"
//	url = "https://packages.corp.example.com/catalog.json"
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults applied when the config file is absent or leaves fields unset.
const (
	DefaultCacheTTLDays   = 30
	DefaultInstallDir     = "./deps"
	DefaultPrefix         = "/usr/local"
	DefaultConcurrency    = 8
	MaxConcurrency        = 16
	DefaultRegistryName   = "default"
	DefaultRegistryURL    = "https://registry.cpkg.dev/catalog.json"
	DefaultSecretsFile    = "clib_secrets.json"
	defaultConfigRelative = "cpkg/config.toml"
)

// Registry is one configured catalog.
type Registry struct {
	Name string `toml:"name"`
	URL  string `toml:"url"`
}

// Cache configures the local package cache.
type Cache struct {
	Dir     string `toml:"dir"`
	TTLDays int    `toml:"ttl_days"`
}

// Install configures default install behavior.
type Install struct {
	Dir         string `toml:"dir"`
	Prefix      string `toml:"prefix"`
	Concurrency int    `toml:"concurrency"`
}

// Config is the merged engine configuration.
type Config struct {
	ManifestNames []string   `toml:"manifest_names"`
	Registries    []Registry `toml:"registries"`
	Cache         Cache      `toml:"cache"`
	Install       Install    `toml:"install"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cacheDir := ""
	if base, err := os.UserCacheDir(); err == nil {
		cacheDir = filepath.Join(base, "cpkg")
	}
	return &Config{
		ManifestNames: []string{"clib.json", "package.json"},
		Registries:    []Registry{{Name: DefaultRegistryName, URL: DefaultRegistryURL}},
		Cache:         Cache{Dir: cacheDir, TTLDays: DefaultCacheTTLDays},
		Install: Install{
			Dir:         DefaultInstallDir,
			Prefix:      DefaultPrefix,
			Concurrency: DefaultConcurrency,
		},
	}
}

// DefaultPath returns the conventional config file location.
func DefaultPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, defaultConfigRelative)
}

// Load reads the config file at path layered over Default().
// A missing file is not an error; the defaults are returned unchanged.
// A malformed file is an error: silently ignoring a config the user wrote
// hides real mistakes.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	var file Config
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	cfg.merge(&file)
	return cfg, nil
}

func (c *Config) merge(o *Config) {
	if len(o.ManifestNames) > 0 {
		c.ManifestNames = o.ManifestNames
	}
	if len(o.Registries) > 0 {
		// File registries take priority but the built-in default stays as a
		// fallback at the end of the list.
		c.Registries = append(o.Registries, c.Registries...)
	}
	if o.Cache.Dir != "" {
		c.Cache.Dir = o.Cache.Dir
	}
	if o.Cache.TTLDays > 0 {
		c.Cache.TTLDays = o.Cache.TTLDays
	}
	if o.Install.Dir != "" {
		c.Install.Dir = o.Install.Dir
	}
	if o.Install.Prefix != "" {
		c.Install.Prefix = o.Install.Prefix
	}
	if o.Install.Concurrency > 0 {
		c.Install.Concurrency = o.Install.Concurrency
	}
}

// CacheTTL returns the cache expiration as a duration.
func (c *Config) CacheTTL() time.Duration {
	days := c.Cache.TTLDays
	if days <= 0 {
		days = DefaultCacheTTLDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// Concurrency returns the effective worker-pool size, clamped to
// [1, MaxConcurrency]. The override wins when positive.
func (c *Config) Concurrency(override int) int {
	n := c.Install.Concurrency
	if override > 0 {
		n = override
	}
	if n <= 0 {
		n = DefaultConcurrency
	}
	if n > MaxConcurrency {
		n = MaxConcurrency
	}
	return n
}
