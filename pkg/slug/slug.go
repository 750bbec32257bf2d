// Package slug parses textual package identifiers of the form
// author/name[@version] used throughout the install engine.
//
// A slug names a package in a registry catalog. The version suffix is
// optional; an absent version means "any published version" and is
// represented by the wildcard "*". A slug with a leading "." denotes a
// local-path target rather than a registry identifier and is never parsed
// into an Identifier.
package slug

import (
	"strings"

	"github.com/cpkg/cpkg/pkg/errors"
)

// Wildcard is the version used when a slug does not pin one.
const Wildcard = "*"

// Identifier is a parsed package identifier.
type Identifier struct {
	Author  string // Registry namespace (e.g. "foo" in "foo/bar")
	Name    string // Package name (e.g. "bar" in "foo/bar")
	Version string // Pinned version, or Wildcard
}

// Parse parses a slug of the form author/name[@version].
// Author and name must both be non-empty; a missing version yields Wildcard.
func Parse(s string) (Identifier, error) {
	if IsLocal(s) {
		return Identifier{}, errors.New(errors.ErrCodeInvalidSlug, "%q is a local path, not a registry slug", s)
	}

	rest := s
	version := Wildcard
	if at := strings.LastIndex(rest, "@"); at >= 0 {
		if v := rest[at+1:]; v != "" {
			version = v
		}
		rest = rest[:at]
	}

	author, name, ok := strings.Cut(rest, "/")
	if !ok || author == "" || name == "" || strings.Contains(name, "/") {
		return Identifier{}, errors.New(errors.ErrCodeInvalidSlug, "invalid slug %q, expected author/name[@version]", s)
	}

	return Identifier{Author: author, Name: name, Version: version}, nil
}

// IsLocal reports whether s denotes a local-path target ("." prefix) instead
// of a registry identifier.
func IsLocal(s string) bool {
	return strings.HasPrefix(s, ".") || strings.HasPrefix(s, "/")
}

// Slug returns the author/name pair without the version suffix.
func (id Identifier) Slug() string {
	return id.Author + "/" + id.Name
}

// String returns the full identifier including the version.
func (id Identifier) String() string {
	return id.Slug() + "@" + id.Version
}

// Pinned reports whether the identifier names a concrete version.
func (id Identifier) Pinned() bool {
	return id.Version != Wildcard && id.Version != ""
}
