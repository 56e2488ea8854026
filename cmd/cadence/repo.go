package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/app"
)

var repoCmd = &cobra.Command{
	Use:   "repo",
	Short: "Manage extension repositories",
	Long: `Add, remove, list, and refresh the repositories extensions are
discovered from.

A repository is an HTTP endpoint serving a JSON manifest of installable
extension packages.

Examples:
  cadence repo add https://extensions.example.com/manifest.json
  cadence repo list
  cadence repo refresh`,
}

var repoAddCmd = &cobra.Command{
	Use:   "add <url>",
	Short: "Add a repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runRepoAdd,
}

var repoRemoveCmd = &cobra.Command{
	Use:     "remove <url>",
	Aliases: []string{"rm"},
	Short:   "Remove a repository and its cached catalog",
	Args:    cobra.ExactArgs(1),
	RunE:    runRepoRemove,
}

var repoListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List registered repositories",
	RunE:    runRepoList,
}

var repoRefreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Refetch every repository manifest",
	RunE:  runRepoRefresh,
}

var repoAddRefresh bool

func init() {
	repoAddCmd.Flags().BoolVar(&repoAddRefresh, "refresh", false, "Fetch the catalog immediately after adding")

	repoCmd.AddCommand(repoAddCmd)
	repoCmd.AddCommand(repoRemoveCmd)
	repoCmd.AddCommand(repoListCmd)
	repoCmd.AddCommand(repoRefreshCmd)

	rootCmd.AddCommand(repoCmd)
}

func runRepoAdd(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.AddRepository(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Added repository %s\n", args[0])

		if repoAddRefresh {
			if err := service.RefreshAllRepositories(ctx); err != nil {
				return fmt.Errorf("repository added, refresh failed: %w", err)
			}
			entries, err := service.Catalog(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Catalog now lists %d extension(s)\n", len(entries))
		}
		return nil
	})
}

func runRepoRemove(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.RemoveRepository(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Removed repository %s\n", args[0])
		return nil
	})
}

func runRepoList(_ *cobra.Command, _ []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		repos, err := service.Repositories(ctx)
		if err != nil {
			return err
		}
		if len(repos) == 0 {
			fmt.Println("No repositories registered.")
			return nil
		}
		for _, repo := range repos {
			fmt.Println(repo)
		}
		return nil
	})
}

func runRepoRefresh(_ *cobra.Command, _ []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.RefreshAllRepositories(ctx); err != nil {
			return err
		}
		entries, err := service.Catalog(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Catalog lists %d extension(s)\n", len(entries))
		return nil
	})
}
