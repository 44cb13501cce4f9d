package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/l0p7/carbonbadge/internal/carbon"
	"github.com/l0p7/carbonbadge/internal/runtime/measure"
)

func newEstimateCommand() *cobra.Command {
	var (
		bytes     int64
		greenHost bool
		subject   string
	)
	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Estimate CO2e for a transfer size without touching the network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bytes < 0 {
				return errors.New("bytes must not be negative")
			}
			m := measure.Static(bytes).Measure(context.Background(), subject)
			result := carbon.Estimate(subject, m.Bytes, greenHost, time.Now())
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&bytes, "bytes", 0, "transfer size in bytes")
	flags.BoolVar(&greenHost, "green-host", false, "treat the subject as green hosted")
	flags.StringVar(&subject, "url", "", "subject recorded in the output")
	_ = cmd.MarkFlagRequired("bytes")
	return cmd
}

func parseBool(raw string) (bool, error) {
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("expected a boolean, got %q", raw)
	}
	return v, nil
}
