package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"classifica/internal/retrieval"
	"classifica/internal/system"
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Manage the retrieval index",
	Long: `The retrieval index holds the embedded example corpus in memory.

Available subcommands:
  rebuild - Rebuild the index once and exit
  watch   - Keep rebuilding on a schedule and on database changes`,
}

var indexRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Rebuild the index once",
	RunE:  runIndexRebuild,
}

var indexWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild on interval and on database writes",
	Long: `Watch blocks, rebuilding the index on the configured interval and,
debounced, whenever the database file changes on disk. Use it alongside a
separate ingest process. Stop with Ctrl-C.`,
	RunE: runIndexWatch,
}

func init() {
	indexCmd.AddCommand(indexRebuildCmd, indexWatchCmd)
}

func runIndexRebuild(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	svcs, err := system.Build(ctx, cfg, system.Options{SkipIndex: true})
	if err != nil {
		return err
	}
	defer svcs.Close()

	if err := svcs.Index.Rebuild(ctx); err != nil {
		return err
	}
	fmt.Printf("Index rebuilt: %d vectors\n", svcs.Index.Len())
	return nil
}

func runIndexWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svcs, err := system.Build(ctx, cfg, system.Options{SkipIndex: true})
	if err != nil {
		return err
	}
	defer svcs.Close()

	refresher := retrieval.NewRefresher(svcs.Index, cfg.Retrieval.RebuildInterval, true)
	fmt.Printf("Watching %s (interval %s), Ctrl-C to stop\n",
		cfg.Store.Path, cfg.Retrieval.RebuildInterval)
	if err := refresher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
