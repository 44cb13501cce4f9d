package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newSweepCommand(root *rootOptions) *cobra.Command {
	var ttlMinutes int
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Evict cache entries older than the freshness window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := root.load(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ttl := cfg.Badge.TTL()
			if ttlMinutes > 0 {
				ttl = time.Duration(ttlMinutes) * time.Minute
			}
			resultCache, backend, err := root.openCache(cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = resultCache.Close(ctx) }()

			evicted := resultCache.Sweep(ctx, ttl)
			remaining, err := resultCache.Size(ctx)
			if err != nil {
				return fmt.Errorf("count entries: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "backend=%s ttl=%s evicted=%d remaining=%d\n", backend, ttl, evicted, remaining)
			return err
		},
	}
	cmd.Flags().IntVar(&ttlMinutes, "ttl", 0, "freshness window in minutes (default from configuration)")
	return cmd
}
