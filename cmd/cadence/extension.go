package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/app"
	"github.com/felixgeelhaar/cadence/internal/domain/install"
)

var extensionCmd = &cobra.Command{
	Use:     "extension",
	Aliases: []string{"ext"},
	Short:   "Install and manage extensions",
	Long: `Download, install, update, enable, disable, and uninstall extensions.

Downloading and installing are separate steps: a downloaded package sits
in the artifact cache until it is explicitly installed.

Examples:
  cadence extension download com.example.radio
  cadence extension install com.example.radio
  cadence extension list
  cadence extension update`,
}

var extensionDownloadCmd = &cobra.Command{
	Use:   "download <id>",
	Short: "Download a package from its repository",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtensionDownload,
}

var extensionInstallCmd = &cobra.Command{
	Use:   "install <id>",
	Short: "Install a downloaded package",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtensionInstall,
}

var extensionUninstallCmd = &cobra.Command{
	Use:     "uninstall <id>",
	Aliases: []string{"remove", "rm"},
	Short:   "Uninstall an extension",
	Args:    cobra.ExactArgs(1),
	RunE:    runExtensionUninstall,
}

var extensionEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a disabled extension",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtensionEnable,
}

var extensionDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable an extension without uninstalling it",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtensionDisable,
}

var extensionUpdateCmd = &cobra.Command{
	Use:   "update [id]",
	Short: "Update extensions to the advertised versions",
	Long: `Update a single extension, or every extension with a pending update
when no id is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExtensionUpdate,
}

var extensionOutdatedCmd = &cobra.Command{
	Use:   "outdated",
	Short: "Check repositories for available updates",
	RunE:  runExtensionOutdated,
}

var extensionListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List installed extensions",
	RunE:    runExtensionList,
}

var extensionStatesCmd = &cobra.Command{
	Use:   "states",
	Short: "Show this session's installation pipelines",
	RunE:  runExtensionStates,
}

var extensionImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a local package archive",
	Long: `Import a package archive from disk instead of a repository. The
package awaits the same explicit install step as a downloaded one.`,
	Args: cobra.ExactArgs(1),
	RunE: runExtensionImport,
}

var extensionReloadCmd = &cobra.Command{
	Use:   "reload <id>",
	Short: "Replace the running instance with a fresh load",
	Args:  cobra.ExactArgs(1),
	RunE:  runExtensionReload,
}

var extensionClearCacheCmd = &cobra.Command{
	Use:   "clear-cache",
	Short: "Drop the cached catalog and downloaded artifacts",
	RunE:  runExtensionClearCache,
}

func init() {
	extensionCmd.AddCommand(extensionDownloadCmd)
	extensionCmd.AddCommand(extensionInstallCmd)
	extensionCmd.AddCommand(extensionUninstallCmd)
	extensionCmd.AddCommand(extensionEnableCmd)
	extensionCmd.AddCommand(extensionDisableCmd)
	extensionCmd.AddCommand(extensionUpdateCmd)
	extensionCmd.AddCommand(extensionOutdatedCmd)
	extensionCmd.AddCommand(extensionListCmd)
	extensionCmd.AddCommand(extensionStatesCmd)
	extensionCmd.AddCommand(extensionImportCmd)
	extensionCmd.AddCommand(extensionReloadCmd)
	extensionCmd.AddCommand(extensionClearCacheCmd)

	rootCmd.AddCommand(extensionCmd)
}

// awaitPhase waits for an operation and turns a failed or abandoned pipeline
// into an error.
func awaitPhase(ctx context.Context, service *app.Service, opID string, target install.Phase) error {
	state, err := service.AwaitOperation(ctx, opID, target)
	if err != nil {
		return err
	}
	if state.Phase != target {
		if state.Reason != "" {
			return fmt.Errorf("operation failed: %s", state.Reason)
		}
		return fmt.Errorf("operation ended in phase %s", state.Phase)
	}
	return nil
}

func runExtensionDownload(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		opID, err := service.DownloadExtension(ctx, args[0])
		if err != nil {
			return err
		}
		if err := awaitPhase(ctx, service, opID, install.PhaseDownloaded); err != nil {
			return err
		}
		fmt.Printf("Downloaded %s. Run 'cadence extension install %s' to install it.\n", args[0], args[0])
		return nil
	})
}

func runExtensionInstall(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		opID, err := service.InstallDownloadedExtension(ctx, args[0])
		if err != nil {
			return err
		}
		if err := awaitPhase(ctx, service, opID, install.PhaseCompleted); err != nil {
			return err
		}
		fmt.Printf("Installed %s\n", args[0])
		return nil
	})
}

func runExtensionUninstall(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.UninstallExtension(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Uninstalled %s\n", args[0])
		return nil
	})
}

func runExtensionEnable(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.EnableExtension(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Enabled %s\n", args[0])
		return nil
	})
}

func runExtensionDisable(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.DisableExtension(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Disabled %s\n", args[0])
		return nil
	})
}

func runExtensionUpdate(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if len(args) == 1 {
			opID, err := service.UpdateExtension(ctx, args[0])
			if err != nil {
				return err
			}
			if err := awaitPhase(ctx, service, opID, install.PhaseCompleted); err != nil {
				return err
			}
			fmt.Printf("Updated %s\n", args[0])
			return nil
		}

		results, err := service.UpdateAllExtensions(ctx)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("Everything is up to date.")
			return nil
		}
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
				fmt.Printf("  %s: %v\n", r.PackageID, r.Err)
				continue
			}
			fmt.Printf("  %s: updated\n", r.PackageID)
		}
		if failed > 0 {
			return fmt.Errorf("%d update(s) failed", failed)
		}
		return nil
	})
}

func runExtensionOutdated(_ *cobra.Command, _ []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		count, err := service.CheckForUpdates(ctx, true)
		if err != nil {
			return err
		}
		if count == 0 {
			fmt.Println("Everything is up to date.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tAVAILABLE\tREPOSITORY")
		for _, s := range service.UpdateStatuses() {
			if !s.HasUpdate {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", s.PackageID, s.AvailableVersion, s.RepositoryURL)
		}
		return w.Flush()
	})
}

func runExtensionList(_ *cobra.Command, _ []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		recs, err := service.InstalledExtensions(ctx)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No extensions installed.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tNAME\tVERSION\tSTATUS\tINSTALLED")
		for _, rec := range recs {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				rec.Metadata.ID,
				rec.Metadata.Name,
				rec.Metadata.ComparisonVersion(),
				rec.Status,
				rec.InstalledAt.Format("2006-01-02"))
		}
		return w.Flush()
	})
}

func runExtensionStates(_ *cobra.Command, _ []string) error {
	return withRuntime(func(_ context.Context, service *app.Service) error {
		states := service.InstallStates()
		if len(states) == 0 {
			fmt.Println("No installation pipelines this session.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "ID\tPHASE\tOPERATION\tREASON")
		for _, s := range states {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.PackageID, s.Phase, s.OperationID, s.Reason)
		}
		return w.Flush()
	})
}

func runExtensionImport(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		id, _, err := service.ImportPackage(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %s. Run 'cadence extension install %s' to install it.\n", id, id)
		return nil
	})
}

func runExtensionReload(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.ForceReloadExtension(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Reloaded %s\n", args[0])
		return nil
	})
}

func runExtensionClearCache(_ *cobra.Command, _ []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		if err := service.ClearExtensionCache(ctx); err != nil {
			return err
		}
		fmt.Println("Cleared the catalog cache and downloaded artifacts.")
		return nil
	})
}
