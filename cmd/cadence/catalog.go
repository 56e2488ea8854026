package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/internal/domain/catalog"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog [query]",
	Short: "Browse the merged extension catalog",
	Long: `Display the extensions advertised across all repositories, or search
them by id, name, developer, or description.

The catalog is served from the local cache; use --refresh to refetch the
repository manifests first.

Examples:
  cadence catalog
  cadence catalog radio
  cadence catalog --refresh`,
	Args: cobra.MaximumNArgs(1),
	RunE: runCatalog,
}

var catalogRefresh bool

func init() {
	catalogCmd.Flags().BoolVar(&catalogRefresh, "refresh", false, "Refetch repository manifests first")

	rootCmd.AddCommand(catalogCmd)
}

func runCatalog(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if catalogRefresh {
			if err := service.RefreshAllRepositories(ctx); err != nil {
				return err
			}
		}

		var entries []catalog.RemotePackageInfo
		var err error
		if len(args) > 0 {
			entries, err = service.SearchCatalog(ctx, args[0])
		} else {
			entries, err = service.Catalog(ctx)
		}
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No extensions found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tVERSION\tDEVELOPER\tREPOSITORY")
		for _, e := range entries {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				e.ID, e.Name, e.Version, e.Developer, e.RepositoryURL)
		}
		return w.Flush()
	})
}
