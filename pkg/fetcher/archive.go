package fetcher

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/cpkg/cpkg/pkg/errors"
)

// untar extracts a gzip-compressed tarball stream into dir. Entries that
// would escape dir are rejected. If every entry shares a single top-level
// directory (the GitHub release-tarball convention) that prefix is stripped.
func untar(r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(errors.ErrCodeFetchFailed, err, "read archive")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	prefix := ""
	first := true

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(errors.ErrCodeFetchFailed, err, "read archive")
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") {
			continue
		}

		if first {
			first = false
			if top, _, ok := strings.Cut(name, string(filepath.Separator)); ok || hdr.FileInfo().IsDir() {
				prefix = top + string(filepath.Separator)
			}
		}
		if prefix != "" {
			if name+string(filepath.Separator) == prefix {
				continue
			}
			if !strings.HasPrefix(name, prefix) {
				// Mixed top-level entries: keep full paths.
				prefix = ""
			} else {
				name = strings.TrimPrefix(name, prefix)
			}
		}

		target := filepath.Join(dir, name)
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(filepath.Separator)) && target != filepath.Clean(dir) {
			return errors.New(errors.ErrCodeFetchFailed, "archive entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			os.MkdirAll(filepath.Dir(target), 0o755)
			os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

func isTarball(href string) bool {
	return strings.HasSuffix(href, ".tar.gz") || strings.HasSuffix(href, ".tgz")
}
