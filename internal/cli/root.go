// Package cli implements the cpkg command-line interface.
//
// The main command is install, which fetches packages and their transitive
// dependencies into the project's deps directory. Maintenance commands
// manage the package cache and inspect the configured registries.
//
// All commands support --verbose (-v) for debug-level logging and
// --quiet (-q) to suppress everything below warnings. Loggers are passed
// through context.Context.
package cli

import (
	"context"
	"fmt"
	"os"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
)

var (
	version string // semantic version (e.g., "v1.2.3")
	commit  string // git commit SHA
	date    string // build timestamp
)

// SetVersion sets the version information displayed by --version.
// Typically called by the main package with values injected via ldflags.
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
}

// Execute runs the cpkg CLI and returns an error if any command fails.
//
// Logging:
//   - Default: info level (logs to stderr)
//   - With --verbose (-v): debug level
//   - With --quiet (-q): warnings and errors only
//
// The logger is attached to the context and accessible to all commands via
// loggerFromContext.
func Execute(ctx context.Context) error {
	var (
		verbose bool
		quiet   bool
	)

	root := &cobra.Command{
		Use:          "cpkg",
		Short:        "cpkg installs C packages and their dependencies",
		Long:         `cpkg is a package manager for C projects: it resolves author/name slugs against configured registries, fetches package source, and installs transitive dependencies declared in each package's manifest.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := charmlog.InfoLevel
			if verbose {
				level = charmlog.DebugLevel
			}
			if quiet {
				level = charmlog.WarnLevel
			}
			ctx := withLogger(cmd.Context(), newLogger(os.Stderr, level))
			cmd.SetContext(ctx)
		},
	}

	root.SetVersionTemplate(fmt.Sprintf("cpkg %s\ncommit: %s\nbuilt: %s\n", version, commit, date))
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "only log warnings and errors")

	root.AddCommand(newInstallCmd())
	root.AddCommand(newCacheCmd())
	root.AddCommand(newRegistryCmd())

	return root.ExecuteContext(ctx)
}
