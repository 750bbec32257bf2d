// Package manifest loads and mutates project manifest files.
//
// A manifest is a JSON document (conventionally clib.json or package.json)
// describing a package: its name and version, its runtime and development
// dependencies, the registries it resolves against, and an optional install
// prefix. The loader tries each recognized filename in a fixed preference
// order; the writer mutates one dependency entry at a time and always
// rewrites the whole document atomically.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cpkg/cpkg/pkg/errors"
)

// DefaultNames is the manifest filename preference order used when the
// configuration does not override it. The first existing file wins.
var DefaultNames = []string{"clib.json", "package.json"}

// Dependency section names recognized by the writer.
const (
	SectionDependencies = "dependencies"
	SectionDevelopment  = "development"
)

// Registry is one catalog entry declared by a manifest.
type Registry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// Manifest is the in-memory representation of a project manifest.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version,omitempty"`
	Prefix       string            `json:"prefix,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	Development  map[string]string `json:"development,omitempty"`
	Registries   []Registry        `json:"registries,omitempty"`

	// Path is the file the manifest was loaded from, empty for a manifest
	// that was never on disk.
	Path string `json:"-"`
}

// Load reads and parses the manifest at path.
// A missing file yields ErrCodeManifestNotFound; a malformed document yields
// ErrCodeManifestParse. Callers decide whether either is fatal.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.New(errors.ErrCodeManifestNotFound, "no manifest at %s", path)
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "read %s", path)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(errors.ErrCodeManifestParse, err, "parse %s", path)
	}
	m.Path = path
	return &m, nil
}

// LoadDir searches dir for a manifest, trying names in order.
// If names is empty, DefaultNames is used. When no manifest file exists at
// all, LoadDir returns (nil, nil): most install operations do not require
// one. A file that exists but fails to parse is reported as an error.
func LoadDir(dir string, names []string) (*Manifest, error) {
	if len(names) == 0 {
		names = DefaultNames
	}
	for _, name := range names {
		m, err := Load(filepath.Join(dir, name))
		if errors.Is(err, errors.ErrCodeManifestNotFound) {
			continue
		}
		return m, err
	}
	return nil, nil
}

// DeclaredRegistries returns the registries declared by m, tolerating a nil
// receiver so callers can pass through an absent root manifest.
func DeclaredRegistries(m *Manifest) []Registry {
	if m == nil {
		return nil
	}
	return m.Registries
}
