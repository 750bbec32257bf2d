package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cpkg/cpkg/pkg/errors"
)

// SaveDependency records slug at version in the manifest's dependencies
// section. It tries each manifest filename in order inside dir, stopping at
// the first file that could be updated.
func SaveDependency(dir string, names []string, slug, version string) error {
	return saveEntry(dir, names, SectionDependencies, slug, version)
}

// SaveDevDependency records slug at version in the development section.
func SaveDevDependency(dir string, names []string, slug, version string) error {
	return saveEntry(dir, names, SectionDevelopment, slug, version)
}

func saveEntry(dir string, names []string, section, slug, version string) error {
	if len(names) == 0 {
		names = DefaultNames
	}

	var lastErr error
	for _, name := range names {
		err := writeEntry(filepath.Join(dir, name), section, slug, version)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return errors.Wrap(errors.ErrCodeWriteFailed, lastErr, "could not save %s to any manifest", slug)
}

// writeEntry loads the document fresh from disk, never from a cached
// Manifest, so concurrent external edits to unrelated fields survive the
// save. The full document is rewritten through a temp file so a failed
// serialize leaves no partial manifest behind.
func writeEntry(path, section, slug, version string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	sec, ok := doc[section].(map[string]any)
	if !ok {
		sec = make(map[string]any)
		doc[section] = sec
	}
	sec[slug] = version

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	out = append(out, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), ".manifest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(out); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
