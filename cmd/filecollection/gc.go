package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/filecollection/pkg/config"
)

func newGCCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "gc [collection...]",
		Short: "Delete chunks that no file document references",
		Long: "Runs one orphan chunk collection pass over the named collections " +
			"(all when none are given) and prints a summary per collection.",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			for i := range cfg.Collections {
				cfg.Collections[i].GC.DryRun = cfg.Collections[i].GC.DryRun || dryRun
			}

			ctx := cmd.Context()
			reg, err := config.InitializeRegistry(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize registry: %w", err)
			}
			defer func() {
				if cerr := reg.Close(); cerr != nil && err == nil {
					err = cerr
				}
			}()

			names := args
			if len(names) == 0 {
				names = reg.ListCollections()
			}

			out := cmd.OutOrStdout()
			for _, name := range names {
				entry, err := reg.GetCollection(name)
				if err != nil {
					return err
				}
				stats, err := entry.Collector.RunNow(ctx)
				if err != nil {
					return fmt.Errorf("collection %q: %w", name, err)
				}
				if _, err := fmt.Fprintf(out, "%s: %s\n", name, stats.Summary()); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report orphans without deleting them")
	return cmd
}
