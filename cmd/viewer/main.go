// cmd/viewer/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"repo-timeline/internal/clientcache"
	"repo-timeline/internal/config"
	"repo-timeline/internal/edge"
	"repo-timeline/internal/loader"
	"repo-timeline/internal/model"
	"repo-timeline/internal/snapshot"
)

var (
	flagRefresh    bool
	flagIndex      int
	flagClearCache bool
)

func main() {
	root := &cobra.Command{
		Use:   "viewer <owner/repo>",
		Short: "Load a repository timeline through the two-tier cache and print its file-tree snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), args[0])
		},
		SilenceUsage: true,
	}
	root.Flags().BoolVar(&flagRefresh, "refresh", false, "bypass both cache tiers and force a fresh upstream cycle")
	root.Flags().IntVar(&flagIndex, "index", -1, "timeline index to snapshot (default: latest)")
	root.Flags().BoolVar(&flagClearCache, "clear-cache", false, "clear the client cache for this repository first")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, repoKey string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfg, err := config.LoadViewerConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, err := clientcache.Open(cfg.ClientCachePath, logger)
	if err != nil {
		return fmt.Errorf("failed to open client cache: %w", err)
	}
	defer store.Close()

	if flagClearCache {
		store.Clear(ctx, repoKey)
	}

	ld := loader.New(edge.NewClient(cfg.EdgeURL), store, logger, cfg.BatchSize)

	cb := loader.Callbacks{
		OnItem: func(rec model.ChangeRecord) {
			fmt.Fprintf(os.Stderr, "  %s %s\n", rec.ExternalID, rec.Title)
		},
		OnProgress: func(p loader.Progress) {
			if p.Total < 0 {
				fmt.Fprintf(os.Stderr, "loaded %d items\n", p.Loaded)
				return
			}
			fmt.Fprintf(os.Stderr, "loaded %d/%d items (%.0f%%)\n", p.Loaded, p.Total, p.Percentage)
		},
		OnWarning: func(err error) {
			fmt.Fprintf(os.Stderr, "warning: serving cached data after a live failure: %v\n", err)
		},
	}

	result, err := ld.LoadCommits(ctx, repoKey, flagRefresh, cb)
	if err != nil {
		return err
	}
	if len(result.Records) == 0 {
		fmt.Println("repository has no change history")
		return nil
	}

	index := flagIndex
	if index < 0 || index >= len(result.Records) {
		index = len(result.Records) - 1
	}
	snap := snapshot.BuildAt(result.Records, index)

	source := "live"
	if result.FromCache {
		source = "cache"
	}
	if result.StaleFallback {
		source = "stale cache fallback"
	}
	fmt.Printf("%s at change %d/%d (%s): %d nodes, %d edges\n",
		repoKey, index+1, len(result.Records), source, len(snap.Nodes), len(snap.Edges))

	for _, node := range snap.Nodes {
		if node.Kind == model.KindDirectory {
			fmt.Printf("  dir  %s\n", node.Path)
		} else {
			fmt.Printf("  file %s (%d)\n", node.Path, node.Size)
		}
	}
	return nil
}
