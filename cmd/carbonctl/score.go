package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/runtime"
)

const scoreConcurrency = 4

type scoreOptions struct {
	mode       string
	ttlMinutes int
	greenHost  string
}

// scoreLine is one JSON line of score output.
type scoreLine struct {
	*carbon.Result
	FromCache *bool  `json:"fromCache,omitempty"`
	Subject   string `json:"subject,omitempty"`
	Error     string `json:"error,omitempty"`
}

func newScoreCommand(root *rootOptions) *cobra.Command {
	opts := &scoreOptions{}
	cmd := &cobra.Command{
		Use:   "score <url>...",
		Short: "Resolve each url through the cache, the oracle, or the estimator",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScore(cmd.Context(), root, opts, args, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.mode, "mode", "", "api or estimate (default from configuration)")
	flags.IntVar(&opts.ttlMinutes, "ttl", 0, "cache freshness window in minutes (default from configuration)")
	flags.StringVar(&opts.greenHost, "green-host", "", "force the green-hosting flag (true or false)")
	return cmd
}

func (o *scoreOptions) resolveOptions() (runtime.ResolveOptions, error) {
	var ro runtime.ResolveOptions
	if o.mode != "" {
		mode, err := carbon.ParseMode(o.mode)
		if err != nil {
			return ro, err
		}
		ro.Mode = mode
	}
	if o.ttlMinutes < 0 {
		return ro, fmt.Errorf("ttl must not be negative: %d", o.ttlMinutes)
	}
	ro.TTL = time.Duration(o.ttlMinutes) * time.Minute
	if o.greenHost != "" {
		green, err := parseBool(o.greenHost)
		if err != nil {
			return ro, fmt.Errorf("green-host: %w", err)
		}
		ro.GreenHost = &green
	}
	return ro, nil
}

func runScore(ctx context.Context, root *rootOptions, opts *scoreOptions, subjects []string, out, errOut io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	resolveOpts, err := opts.resolveOptions()
	if err != nil {
		return err
	}
	cfg, logger, err := root.load(ctx, errOut)
	if err != nil {
		return err
	}
	resultCache, backend, err := root.openCache(cfg, logger)
	if err != nil {
		return err
	}
	pipe, err := runtime.NewPipeline(logger, runtime.PipelineOptions{
		Config:       cfg,
		Cache:        resultCache,
		CacheBackend: backend,
	})
	if err != nil {
		_ = resultCache.Close(ctx)
		return err
	}
	defer func() { _ = pipe.Close(context.Background()) }()

	lines := make([]scoreLine, len(subjects))
	var g errgroup.Group
	g.SetLimit(scoreConcurrency)
	for i, subject := range subjects {
		g.Go(func() error {
			state, err := pipe.Resolve(ctx, subject, resolveOpts)
			if err != nil {
				lines[i] = scoreLine{Subject: subject, Error: err.Error()}
				return nil
			}
			result := state.Result
			fromCache := state.FromCache
			lines[i] = scoreLine{Result: &result, FromCache: &fromCache}
			return nil
		})
	}
	_ = g.Wait()

	enc := json.NewEncoder(out)
	failed := 0
	for _, line := range lines {
		if line.Error != "" {
			failed++
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d subjects failed", failed, len(subjects))
	}
	return nil
}
