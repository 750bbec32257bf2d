package cli

import (
	"github.com/spf13/cobra"

	"github.com/cpkg/cpkg/pkg/fetcher"
	"github.com/cpkg/cpkg/pkg/installer"
)

// installFlags mirror the clib installer's command line.
type installFlags struct {
	out         string
	prefix      string
	dev         bool
	save        bool
	saveDev     bool
	force       bool
	skipCache   bool
	global      bool
	token       string
	concurrency int
}

// newInstallCmd creates the install command.
func newInstallCmd() *cobra.Command {
	var flags installFlags

	cmd := &cobra.Command{
		Use:   "install [author/name[@version]...]",
		Short: "Install packages and their dependencies",
		Long: `Install packages and their transitive dependencies.

With no arguments, install reads the local manifest (clib.json or
package.json) and installs everything it declares. With arguments, each
slug is resolved against the configured registries; a local path argument
installs the dependencies declared by the manifest found there.

Fetched packages land in the out directory (default ./deps). Installs are
cached for 30 days; --skip-cache forces fresh fetches without touching the
cache, --force re-fetches even into an already populated destination.`,
		Example: `  cpkg install
  cpkg install stephenmathieson/trim.c
  cpkg install clibs/buffer@0.4.0 --save
  cpkg install ./vendor/mylib --dev`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInstall(cmd, args, flags)
		},
	}

	cmd.Flags().StringVarP(&flags.out, "out", "o", "", "destination directory (default ./deps)")
	cmd.Flags().StringVarP(&flags.prefix, "prefix", "P", "", "install prefix for global installs")
	cmd.Flags().BoolVarP(&flags.dev, "dev", "d", false, "also install development dependencies")
	cmd.Flags().BoolVarP(&flags.save, "save", "S", false, "record installed packages as dependencies")
	cmd.Flags().BoolVarP(&flags.saveDev, "save-dev", "D", false, "record installed packages as development dependencies")
	cmd.Flags().BoolVarP(&flags.force, "force", "f", false, "re-fetch even when the destination exists")
	cmd.Flags().BoolVarP(&flags.skipCache, "skip-cache", "c", false, "bypass the package cache")
	cmd.Flags().BoolVarP(&flags.global, "global", "g", false, "install under the prefix instead of the out directory")
	cmd.Flags().StringVarP(&flags.token, "token", "t", "", "access token used for every fetch")
	cmd.Flags().IntVarP(&flags.concurrency, "concurrency", "C", 0, "maximum concurrent installs")

	return cmd
}

func runInstall(cmd *cobra.Command, args []string, flags installFlags) error {
	ctx := cmd.Context()
	logger := loggerFromContext(ctx)

	env, err := newEnvironment(logger, flags.skipCache)
	if err != nil {
		return err
	}
	if err := env.fetchCatalogs(ctx, logger); err != nil {
		return err
	}

	f := fetcher.New(fetcher.Options{
		Client:        env.client,
		Cache:         env.store,
		Tokens:        env.tokens,
		TokenOverride: flags.token,
		Force:         flags.force,
		Logger:        logger,
	})

	opts := installer.Options{
		Dir:           flags.out,
		Prefix:        flags.prefix,
		Dev:           flags.dev,
		Save:          flags.save,
		SaveDev:       flags.saveDev,
		Global:        flags.global,
		Concurrency:   env.cfg.Concurrency(flags.concurrency),
		ManifestNames: env.cfg.ManifestNames,
		Logger:        logger,
	}
	if opts.Dir == "" {
		opts.Dir = env.cfg.Install.Dir
	}
	if opts.Prefix == "" {
		opts.Prefix = env.cfg.Install.Prefix
		if env.root != nil && env.root.Prefix != "" {
			opts.Prefix = env.root.Prefix
		}
	}

	ins := installer.New(f, env.set, opts)
	if len(args) == 0 {
		err = ins.InstallLocal(ctx, env.root)
	} else {
		err = ins.Install(ctx, ".", args)
	}
	if err != nil {
		return err
	}

	printSuccess("install complete")
	return nil
}
