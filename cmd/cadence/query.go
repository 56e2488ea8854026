package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/cadence/internal/app"
)

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search every active extension for tracks",
	Long: `Fan a query out over all active extensions and merge their results.

Result ids are composite media ids of the form extensionId:trackId; pass
one to 'cadence resolve' to obtain the stream URL.

Examples:
  cadence search "first light"`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <media-id>",
	Short: "Resolve a composite media id to its stream URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runResolve,
}

func init() {
	rootCmd.AddCommand(searchCmd)
	rootCmd.AddCommand(resolveCmd)
}

func runSearch(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		results, err := service.Search(ctx, args[0])
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No tracks found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(w, "MEDIA ID\tTITLE\tARTIST\tDURATION")
		for _, r := range results {
			duration := ""
			if r.DurationMs > 0 {
				duration = (time.Duration(r.DurationMs) * time.Millisecond).Round(time.Second).String()
			}
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Title, r.Artist, duration)
		}
		return w.Flush()
	})
}

func runResolve(_ *cobra.Command, args []string) error {
	return withRuntime(func(ctx context.Context, service *app.Service) error {
		streamURL, err := service.ResolveStream(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(streamURL)
		return nil
	})
}
