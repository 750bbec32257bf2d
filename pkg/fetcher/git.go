package fetcher

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/cpkg/cpkg/pkg/errors"
	"github.com/cpkg/cpkg/pkg/slug"
)

// isGitSource reports whether href should be retrieved with a git clone:
// a "git+" or scp-style "git@" prefix, a ".git" suffix, or anything without
// a URL scheme (catalogs conventionally point at repository locations).
func isGitSource(href string) bool {
	if strings.HasPrefix(href, "git+") || strings.HasPrefix(href, "git@") {
		return true
	}
	if strings.HasSuffix(href, ".git") {
		return true
	}
	return !strings.Contains(href, "://")
}

func normalizeGitURL(href string) string {
	return strings.TrimPrefix(href, "git+")
}

// clone retrieves href into dir. A pinned version is tried as a tag, then a
// branch; a wildcard (or a miss on both) takes the default branch, matching
// the engine's best-effort version semantics. The .git directory is removed
// afterwards: the payload is a source snapshot, not a working repository.
func (f *Fetcher) clone(ctx context.Context, id slug.Identifier, href, token, dir string) error {
	var refs []plumbing.ReferenceName
	if id.Pinned() {
		refs = append(refs,
			plumbing.NewTagReferenceName(id.Version),
			plumbing.NewBranchReferenceName(id.Version),
		)
	}
	refs = append(refs, "")

	var lastErr error
	for _, ref := range refs {
		os.RemoveAll(dir)
		opts := &gogit.CloneOptions{
			URL:          normalizeGitURL(href),
			Depth:        1,
			SingleBranch: true,
		}
		if ref != "" {
			opts.ReferenceName = ref
		}
		if token != "" {
			opts.Auth = &githttp.BasicAuth{Username: "cpkg", Password: token}
		}

		if _, err := gogit.PlainCloneContext(ctx, dir, false, opts); err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		lastErr = nil
		break
	}
	if lastErr != nil {
		return errors.Wrap(errors.ErrCodeFetchFailed, lastErr, "clone %s", href)
	}

	return os.RemoveAll(filepath.Join(dir, ".git"))
}
