package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newRegistryCmd creates the registry inspection command.
func newRegistryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Inspect configured registries",
	}

	cmd.AddCommand(newRegistryListCmd())

	return cmd
}

func newRegistryListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the merged registry set in lookup order",
		Long: `List the merged registry set in lookup order.

Registries declared in the local manifest come first, followed by the
configured defaults. Each registry's catalog is fetched and the number of
packages it lists is shown; a registry whose catalog cannot be retrieved
is reported as empty.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			env, err := newEnvironment(logger, false)
			if err != nil {
				return err
			}
			if err := env.fetchCatalogs(ctx, logger); err != nil {
				return err
			}

			for _, reg := range env.set.Registries() {
				size := env.set.CatalogSize(reg.Name)
				fmt.Println(styleHighlight.Render(reg.Name))
				printDetail("url:      %s", reg.URL)
				if size == 0 {
					printWarning("no packages (catalog empty or unreachable)")
				} else {
					printDetail("packages: %d", size)
				}
			}
			return nil
		},
	}
}
