// Package secrets loads access tokens used to authenticate registry and
// package fetches.
//
// The secrets file is a flat JSON object mapping a registry name or host to
// a bearer token:
//
//	{
//	  "corp": "ghp_...",
//	  "packages.corp.example.com": "ghp_..."
//	}
//
// The file is optional; absence yields an empty table. The table is loaded
// once per process invocation and read-only afterwards, so workers may share
// it without locking.
package secrets

import (
	"encoding/json"
	"net/url"
	"os"

	"github.com/cpkg/cpkg/pkg/errors"
)

// Table maps registry names and hosts to access tokens.
type Table struct {
	tokens map[string]string
}

// Empty returns a table with no tokens.
func Empty() *Table {
	return &Table{tokens: map[string]string{}}
}

// Load parses the secrets file at path. A missing file is not an error; an
// empty table is returned. A malformed file is reported so a typo doesn't
// silently strip authentication from every fetch.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Empty(), nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "read secrets file %s", path)
	}

	var tokens map[string]string
	if err := json.Unmarshal(data, &tokens); err != nil {
		return nil, errors.Wrap(errors.ErrCodeInternal, err, "parse secrets file %s", path)
	}
	return &Table{tokens: tokens}, nil
}

// TokenFor returns the token for a registry, looking up the registry name
// first and falling back to the host of its source location. Returns the
// empty string when no token is configured.
func (t *Table) TokenFor(registryName, sourceURL string) string {
	if t == nil || len(t.tokens) == 0 {
		return ""
	}
	if tok, ok := t.tokens[registryName]; ok {
		return tok
	}
	if u, err := url.Parse(sourceURL); err == nil && u.Host != "" {
		if tok, ok := t.tokens[u.Host]; ok {
			return tok
		}
	}
	return ""
}

// Len returns the number of configured tokens.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.tokens)
}
