// Package installer drives recursive package installation.
//
// Installation is a concurrent crawl over the dependency graph: a worker
// pool fetches packages while a single collector goroutine reads results,
// records progress, and dispatches newly discovered dependencies. Each
// (identifier, destination) pair is attempted at most once, so shared and
// circular dependencies terminate with one install each. The first hard
// failure raises an abort flag: no new work is dispatched and in-flight
// fetches drain before the error is returned.
//
// Development dependencies are installed only for the local root or a
// directly requested local target, never transitively.
package installer

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/cpkg/cpkg/pkg/errors"
	"github.com/cpkg/cpkg/pkg/manifest"
	"github.com/cpkg/cpkg/pkg/registry"
	"github.com/cpkg/cpkg/pkg/slug"
)

const defaultWorkers = 8

// Fetcher materializes one package's source at dest.
type Fetcher interface {
	Fetch(ctx context.Context, id slug.Identifier, href, registryName, dest string) error
}

// Options configures a single install run. Values are fixed for the whole
// run; sub-installs see the same options rather than mutated process state.
type Options struct {
	Dir           string   // destination for fetched packages
	Prefix        string   // install prefix used when Global is set
	Dev           bool     // include development dependencies of the root
	Save          bool     // record requested slugs under dependencies
	SaveDev       bool     // record requested slugs under development
	Global        bool     // install under Prefix/src instead of Dir
	Concurrency   int      // worker count, defaultWorkers when <= 0
	ManifestNames []string // manifest filename preference order
	Logger        *log.Logger
}

// Installer installs packages and their transitive dependencies.
type Installer struct {
	fetcher    Fetcher
	registries *registry.Set
	opts       Options
}

// New creates an Installer.
func New(fetcher Fetcher, registries *registry.Set, opts Options) *Installer {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultWorkers
	}
	if len(opts.ManifestNames) == 0 {
		opts.ManifestNames = manifest.DefaultNames
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Installer{fetcher: fetcher, registries: registries, opts: opts}
}

// dir returns the effective destination directory.
func (ins *Installer) dir() string {
	if ins.opts.Global {
		return filepath.Join(ins.opts.Prefix, "src")
	}
	return ins.opts.Dir
}

// InstallLocal installs the dependencies declared by root, plus its
// development dependencies when Options.Dev is set.
func (ins *Installer) InstallLocal(ctx context.Context, root *manifest.Manifest) error {
	if root == nil {
		return errors.New(errors.ErrCodeManifestNotFound, "no manifest found in the current directory")
	}
	c := ins.newCrawler(ctx)
	jobs := declaredJobs(root, ins.dir(), ins.opts.Dev)
	if len(jobs) == 0 {
		ins.opts.Logger.Info("nothing to install")
		return nil
	}
	return c.run(jobs, nil)
}

// Install installs each requested slug. A local-path target installs the
// dependencies of the manifest found at that path; anything else is resolved
// against the registry set and fetched. When Save or SaveDev is set, each
// directly requested remote slug is recorded in rootDir's manifest after its
// install succeeds.
func (ins *Installer) Install(ctx context.Context, rootDir string, slugs []string) error {
	c := ins.newCrawler(ctx)
	var jobs []job

	for _, raw := range slugs {
		if slug.IsLocal(raw) {
			m, err := manifest.LoadDir(raw, ins.opts.ManifestNames)
			if err != nil {
				return err
			}
			if m == nil {
				return errors.New(errors.ErrCodeManifestNotFound, "no manifest found at %s", raw)
			}
			jobs = append(jobs, declaredJobs(m, ins.dir(), ins.opts.Dev)...)
			continue
		}

		id, err := slug.Parse(raw)
		if err != nil {
			return err
		}
		jobs = append(jobs, job{id: id, dir: ins.dir(), requested: true})
	}

	if len(jobs) == 0 {
		ins.opts.Logger.Info("nothing to install")
		return nil
	}

	var save saveFunc
	if ins.opts.Save || ins.opts.SaveDev {
		save = ins.saver(rootDir)
	}
	return c.run(jobs, save)
}

// declaredJobs turns a manifest's dependency sections into install jobs.
func declaredJobs(m *manifest.Manifest, dir string, dev bool) []job {
	sections := []map[string]string{m.Dependencies}
	if dev {
		sections = append(sections, m.Development)
	}
	var jobs []job
	for _, section := range sections {
		for raw, version := range section {
			id, err := slug.Parse(raw)
			if err != nil {
				continue // malformed dependency entries are skipped
			}
			if version != "" {
				id.Version = version
			}
			jobs = append(jobs, job{id: id, dir: dir})
		}
	}
	return jobs
}

// saveFunc records a successfully installed top-level package.
type saveFunc func(id slug.Identifier, installed *manifest.Manifest)

// saver returns a saveFunc writing to the manifest in rootDir. Manifest
// write failures are reported but never fail the install.
func (ins *Installer) saver(rootDir string) saveFunc {
	return func(id slug.Identifier, installed *manifest.Manifest) {
		version := id.Version
		if version == slug.Wildcard && installed != nil && installed.Version != "" {
			version = installed.Version
		}

		var err error
		if ins.opts.SaveDev {
			err = manifest.SaveDevDependency(rootDir, ins.opts.ManifestNames, id.Slug(), version)
		} else {
			err = manifest.SaveDependency(rootDir, ins.opts.ManifestNames, id.Slug(), version)
		}
		if err != nil {
			ins.opts.Logger.Warn("could not record dependency", "package", id.Slug(), "err", err)
		}
	}
}

type job struct {
	id        slug.Identifier
	dir       string
	requested bool // directly requested on the command line
}

type result struct {
	job
	m       *manifest.Manifest
	err     error
	skipped bool
}

type crawler struct {
	ctx  context.Context
	ins  *Installer
	save saveFunc

	jobs    chan job
	results chan result
	done    chan struct{}
	wg      sync.WaitGroup
	enq     sync.WaitGroup

	mu      sync.Mutex
	visited map[string]bool

	pending  int64
	aborted  atomic.Bool
	firstErr error
}

func (ins *Installer) newCrawler(ctx context.Context) *crawler {
	workers := ins.opts.Concurrency
	return &crawler{
		ctx:     ctx,
		ins:     ins,
		jobs:    make(chan job, workers*2),
		results: make(chan result, workers*2),
		done:    make(chan struct{}),
		visited: make(map[string]bool),
	}
}

func (c *crawler) run(initial []job, save saveFunc) error {
	c.save = save
	for i := 0; i < c.ins.opts.Concurrency; i++ {
		c.wg.Add(1)
		go c.worker()
	}

	dispatched := false
	for _, j := range initial {
		dispatched = c.enqueue(j) || dispatched
	}

	var err error
	if dispatched {
		err = c.collect()
	}

	// Shutdown order matters: releasing blocked enqueue sends and waiting
	// for them must happen before the jobs channel closes, and a drain has
	// to keep reading results so in-flight workers can finish.
	close(c.done)
	go func() {
		for range c.results {
		}
	}()
	c.enq.Wait()
	close(c.jobs)
	c.wg.Wait()
	close(c.results)
	return err
}

func (c *crawler) worker() {
	defer c.wg.Done()
	for j := range c.jobs {
		if c.ctx.Err() != nil || c.aborted.Load() {
			c.results <- result{job: j, skipped: true}
			continue
		}
		m, err := c.install(j)
		c.results <- result{job: j, m: m, err: err}
	}
}

// enqueue dispatches a job unless its (package, dest) pair was already
// seen. The key deliberately omits the version: two declarations of the
// same package land in the same destination directory, so the first
// visited version wins and later ones are skipped rather than racing a
// second writer on that directory. The send runs in its own goroutine so
// the collector never blocks on a full jobs channel.
func (c *crawler) enqueue(j job) bool {
	key := j.id.Slug() + " " + filepath.Join(j.dir, j.id.Name)
	c.mu.Lock()
	if c.visited[key] {
		c.mu.Unlock()
		return false
	}
	c.visited[key] = true
	c.mu.Unlock()

	atomic.AddInt64(&c.pending, 1)
	c.enq.Add(1)
	go func() {
		defer c.enq.Done()
		select {
		case c.jobs <- j:
		case <-c.done:
		}
	}()
	return true
}

func (c *crawler) collect() error {
	for {
		select {
		case r := <-c.results:
			c.handle(r)
			if atomic.AddInt64(&c.pending, -1) == 0 {
				return c.firstErr
			}
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// handle runs on the collector goroutine only, so save calls and error
// recording need no locking.
func (c *crawler) handle(r result) {
	if r.skipped {
		return
	}
	if r.err != nil {
		c.ins.opts.Logger.Error("install failed", "package", r.id.Slug(), "err", errors.UserMessage(r.err))
		if c.firstErr == nil {
			c.firstErr = r.err
		}
		c.aborted.Store(true)
		return
	}

	c.ins.opts.Logger.Info("installed", "package", r.id.String(), "dest", filepath.Join(r.dir, r.id.Name))

	if r.requested && c.save != nil {
		c.save(r.id, r.m)
	}

	if r.m == nil {
		return
	}
	for _, dep := range declaredJobs(r.m, r.dir, false) {
		c.enqueue(dep)
	}
}

// install resolves, fetches, and inspects one package. It runs on worker
// goroutines; everything it touches is either local or concurrency-safe.
func (c *crawler) install(j job) (*manifest.Manifest, error) {
	dest := filepath.Join(j.dir, j.id.Name)

	href, reg, ok := c.ins.registries.FindPackage(j.id)
	if !ok {
		return nil, errors.New(errors.ErrCodePackageNotFound, "package %s not found in any registry", j.id.Slug())
	}

	c.ins.opts.Logger.Debug("installing", "package", j.id.String(), "registry", reg.Name, "source", href)
	if err := c.ins.fetcher.Fetch(c.ctx, j.id, href, reg.Name, dest); err != nil {
		return nil, err
	}

	// A payload without a manifest is a leaf package. A payload whose
	// manifest exists but does not parse fails the install, since its
	// dependency subtree cannot be trusted.
	m, err := manifest.LoadDir(dest, c.ins.opts.ManifestNames)
	if err != nil {
		return nil, err
	}
	return m, nil
}
