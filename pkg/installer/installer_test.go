package installer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cpkg/cpkg/pkg/cache"
	"github.com/cpkg/cpkg/pkg/errors"
	"github.com/cpkg/cpkg/pkg/httputil"
	"github.com/cpkg/cpkg/pkg/manifest"
	"github.com/cpkg/cpkg/pkg/registry"
	"github.com/cpkg/cpkg/pkg/secrets"
	"github.com/cpkg/cpkg/pkg/slug"
)

// fakeFetcher materializes a canned manifest per slug and counts calls.
type fakeFetcher struct {
	mu        sync.Mutex
	manifests map[string]string // slug -> clib.json content
	failing   map[string]bool
	calls     map[string]int
	delay     time.Duration
}

func newFakeFetcher(manifests map[string]string) *fakeFetcher {
	return &fakeFetcher{
		manifests: manifests,
		failing:   make(map[string]bool),
		calls:     make(map[string]int),
	}
}

func (f *fakeFetcher) Fetch(ctx context.Context, id slug.Identifier, href, registryName, dest string) error {
	f.mu.Lock()
	f.calls[id.Slug()]++
	fail := f.failing[id.Slug()]
	content, ok := f.manifests[id.Slug()]
	f.mu.Unlock()

	if fail {
		return errors.New(errors.ErrCodeFetchFailed, "could not fetch %s", id.Slug())
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	if ok {
		return os.WriteFile(filepath.Join(dest, "clib.json"), []byte(content), 0o644)
	}
	return nil
}

func (f *fakeFetcher) callCount(slug string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[slug]
}

// newTestSet builds a registry set whose single catalog maps every given
// slug to a dummy source location.
func newTestSet(t *testing.T, slugs ...string) *registry.Set {
	t.Helper()
	catalog := make(map[string]string, len(slugs))
	for _, s := range slugs {
		catalog[s] = "https://example.com/" + s + ".tar.gz"
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(catalog)
	}))
	t.Cleanup(srv.Close)

	set := registry.NewSet(nil, []registry.Registry{{Name: "test", URL: srv.URL}})
	err := set.FetchCatalogs(context.Background(),
		httputil.NewClient(nil),
		cache.New("", 0, true),
		secrets.Empty(),
		quietLogger())
	if err != nil {
		t.Fatalf("FetchCatalogs: %v", err)
	}
	return set
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestInstaller(f Fetcher, set *registry.Set, opts Options) *Installer {
	opts.Logger = quietLogger()
	return New(f, set, opts)
}

func TestInstallResolvesTransitiveDependencies(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "version": "1.0.0", "dependencies": {"foo/b": "2.0.0"}}`,
		"foo/b": `{"name": "b", "version": "2.0.0"}`,
	})
	set := newTestSet(t, "foo/a", "foo/b")
	dir := t.TempDir()

	ins := newTestInstaller(fetcher, set, Options{Dir: dir})
	if err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	for _, name := range []string{"a", "b"} {
		if _, err := os.Stat(filepath.Join(dir, name, "clib.json")); err != nil {
			t.Errorf("package %s not installed: %v", name, err)
		}
	}
	if n := fetcher.callCount("foo/b"); n != 1 {
		t.Errorf("foo/b fetched %d times, want 1", n)
	}
}

func TestCircularDependenciesTerminate(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "dependencies": {"foo/b": "*"}}`,
		"foo/b": `{"name": "b", "dependencies": {"foo/a": "*"}}`,
	})
	set := newTestSet(t, "foo/a", "foo/b")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})

	done := make(chan error, 1)
	go func() {
		done <- ins.Install(context.Background(), t.TempDir(), []string{"foo/a"})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Install: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("circular dependency graph did not terminate")
	}

	if n := fetcher.callCount("foo/a"); n != 1 {
		t.Errorf("foo/a fetched %d times, want 1", n)
	}
	if n := fetcher.callCount("foo/b"); n != 1 {
		t.Errorf("foo/b fetched %d times, want 1", n)
	}
}

func TestSharedDependencyInstalledOnce(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "dependencies": {"foo/c": "1.0.0"}}`,
		"foo/b": `{"name": "b", "dependencies": {"foo/c": "1.0.0"}}`,
		"foo/c": `{"name": "c", "version": "1.0.0"}`,
	})
	set := newTestSet(t, "foo/a", "foo/b", "foo/c")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	if err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a", "foo/b"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := fetcher.callCount("foo/c"); n != 1 {
		t.Errorf("foo/c fetched %d times, want 1", n)
	}
}

func TestConflictingVersionsInstalledOnce(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "dependencies": {"foo/c": "1.0.0"}}`,
		"foo/b": `{"name": "b", "dependencies": {"foo/c": "2.0.0"}}`,
		"foo/c": `{"name": "c", "version": "1.0.0"}`,
	})
	set := newTestSet(t, "foo/a", "foo/b", "foo/c")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	if err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a", "foo/b"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	// Both versions target the same destination directory, so only the
	// first one visited may be fetched.
	if n := fetcher.callCount("foo/c"); n != 1 {
		t.Errorf("foo/c fetched %d times, want 1", n)
	}
}

func TestMalformedDependencyManifestFailsInstall(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{not valid json`,
	})
	set := newTestSet(t, "foo/a")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a"})
	if err == nil {
		t.Fatal("expected the malformed manifest to fail the install")
	}
	if errors.GetCode(err) != errors.ErrCodeManifestParse {
		t.Errorf("code = %s, want %s", errors.GetCode(err), errors.ErrCodeManifestParse)
	}
}

func TestCancellationMidInstall(t *testing.T) {
	const packages = 20
	manifests := make(map[string]string, packages)
	slugs := make([]string, 0, packages)
	for i := 0; i < packages; i++ {
		manifests[fmt.Sprintf("foo/p%d", i)] = fmt.Sprintf(
			`{"name": "p%d", "dependencies": {"foo/p%d": "*", "foo/p%d": "*"}}`,
			i, (i+1)%packages, (i+2)%packages)
		slugs = append(slugs, fmt.Sprintf("foo/p%d", i))
	}
	set := newTestSet(t, slugs...)

	for n := 0; n < 25; n++ {
		fetcher := newFakeFetcher(manifests)
		fetcher.delay = time.Millisecond

		ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir(), Concurrency: 4})
		rootDir := t.TempDir()

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			done <- ins.Install(ctx, rootDir, []string{"foo/p0"})
		}()
		time.Sleep(2 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			if err != nil && !stderrors.Is(err, context.Canceled) {
				t.Fatalf("Install: %v", err)
			}
		case <-time.After(10 * time.Second):
			t.Fatal("install did not return after cancellation")
		}
	}
}

func TestInstallUnknownPackage(t *testing.T) {
	fetcher := newFakeFetcher(nil)
	set := newTestSet(t, "foo/known")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	err := ins.Install(context.Background(), t.TempDir(), []string{"foo/missing"})
	if err == nil {
		t.Fatal("expected an error for an unknown package")
	}
	if errors.GetCode(err) != errors.ErrCodePackageNotFound {
		t.Errorf("code = %s, want %s", errors.GetCode(err), errors.ErrCodePackageNotFound)
	}
}

func TestInstallAbortsOnFailure(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "dependencies": {"foo/bad": "*"}}`,
	})
	fetcher.failing["foo/bad"] = true
	set := newTestSet(t, "foo/a", "foo/bad")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a"})
	if err == nil {
		t.Fatal("expected the dependency failure to surface")
	}
	if errors.GetCode(err) != errors.ErrCodeFetchFailed {
		t.Errorf("code = %s, want %s", errors.GetCode(err), errors.ErrCodeFetchFailed)
	}
}

func TestInstallLocalDevDependencies(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a":   `{"name": "a"}`,
		"foo/dev": `{"name": "dev"}`,
	})
	set := newTestSet(t, "foo/a", "foo/dev")

	root := &manifest.Manifest{
		Dependencies: map[string]string{"foo/a": "*"},
		Development:  map[string]string{"foo/dev": "*"},
	}

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir()})
	if err := ins.InstallLocal(context.Background(), root); err != nil {
		t.Fatalf("InstallLocal: %v", err)
	}
	if n := fetcher.callCount("foo/dev"); n != 0 {
		t.Errorf("dev dependency installed without --dev (%d fetches)", n)
	}

	dev := newTestInstaller(fetcher, set, Options{Dir: t.TempDir(), Dev: true})
	if err := dev.InstallLocal(context.Background(), root); err != nil {
		t.Fatalf("InstallLocal with dev: %v", err)
	}
	if n := fetcher.callCount("foo/dev"); n != 1 {
		t.Errorf("foo/dev fetched %d times, want 1", n)
	}
}

func TestDevDependenciesNeverTransitive(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a":      `{"name": "a", "development": {"foo/hidden": "*"}}`,
		"foo/hidden": `{"name": "hidden"}`,
	})
	set := newTestSet(t, "foo/a", "foo/hidden")

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir(), Dev: true})
	if err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := fetcher.callCount("foo/hidden"); n != 0 {
		t.Errorf("transitive dev dependency fetched %d times, want 0", n)
	}
}

func TestInstallLocalWithoutManifest(t *testing.T) {
	ins := newTestInstaller(newFakeFetcher(nil), newTestSet(t), Options{Dir: t.TempDir()})
	err := ins.InstallLocal(context.Background(), nil)
	if errors.GetCode(err) != errors.ErrCodeManifestNotFound {
		t.Errorf("code = %s, want %s", errors.GetCode(err), errors.ErrCodeManifestNotFound)
	}
}

func TestSaveRecordsRequestedSlugs(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "version": "1.2.3", "dependencies": {"foo/b": "*"}}`,
		"foo/b": `{"name": "b", "version": "0.1.0"}`,
	})
	set := newTestSet(t, "foo/a", "foo/b")

	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "clib.json"), []byte(`{"name": "root"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir(), Save: true})
	if err := ins.Install(context.Background(), rootDir, []string{"foo/a"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	m, err := manifest.Load(filepath.Join(rootDir, "clib.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Dependencies["foo/a"]; got != "1.2.3" {
		t.Errorf("saved version = %q, want %q (installed manifest version)", got, "1.2.3")
	}
	if _, ok := m.Dependencies["foo/b"]; ok {
		t.Error("transitive dependency must not be saved")
	}
}

func TestSaveDevRecordsUnderDevelopment(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a", "version": "2.0.0"}`,
	})
	set := newTestSet(t, "foo/a")

	rootDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rootDir, "clib.json"), []byte(`{"name": "root"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	ins := newTestInstaller(fetcher, set, Options{Dir: t.TempDir(), SaveDev: true})
	if err := ins.Install(context.Background(), rootDir, []string{"foo/a@1.9.0"}); err != nil {
		t.Fatalf("Install: %v", err)
	}

	m, err := manifest.Load(filepath.Join(rootDir, "clib.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := m.Development["foo/a"]; got != "1.9.0" {
		t.Errorf("saved version = %q, want the pinned %q", got, "1.9.0")
	}
}

func TestInstallLocalPathTarget(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a"}`,
	})
	set := newTestSet(t, "foo/a")

	local := t.TempDir()
	if err := os.WriteFile(filepath.Join(local, "clib.json"),
		[]byte(`{"name": "local", "dependencies": {"foo/a": "*"}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	ins := newTestInstaller(fetcher, set, Options{Dir: dir})
	if err := ins.Install(context.Background(), local, []string{local}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if n := fetcher.callCount("foo/a"); n != 1 {
		t.Errorf("foo/a fetched %d times, want 1", n)
	}
}

func TestGlobalInstallUsesPrefix(t *testing.T) {
	fetcher := newFakeFetcher(map[string]string{
		"foo/a": `{"name": "a"}`,
	})
	set := newTestSet(t, "foo/a")

	prefix := t.TempDir()
	ins := newTestInstaller(fetcher, set, Options{Dir: "./deps", Prefix: prefix, Global: true})
	if err := ins.Install(context.Background(), t.TempDir(), []string{"foo/a"}); err != nil {
		t.Fatalf("Install: %v", err)
	}
	if _, err := os.Stat(filepath.Join(prefix, "src", "a", "clib.json")); err != nil {
		t.Errorf("global install missing under prefix: %v", err)
	}
}
