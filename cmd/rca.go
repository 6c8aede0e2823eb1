package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/reconcile/internal/lineage"
)

var (
	rcaMetric string
	rcaWait   int
)

var rcaCmd = &cobra.Command{
	Use:   "rca",
	Short: "Run root cause analysis for a metric and print the finding",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var lastID string
		if prev, err := env.Store.LatestFinding(ctx, rcaMetric); err == nil {
			lastID = prev.FindingID
		}

		env.Pipeline.Start(ctx)

		if err := env.Pipeline.TriggerRCA(ctx, rcaMetric, "manual"); err != nil {
			return eris.Wrap(err, "trigger analysis")
		}

		deadline := time.Now().Add(time.Duration(rcaWait) * time.Second)
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}

			finding, err := env.Store.LatestFinding(ctx, rcaMetric)
			if err != nil && !eris.Is(err, lineage.ErrNotFound) {
				return eris.Wrap(err, "look up finding")
			}
			if finding != nil && finding.FindingID != lastID {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(finding)
			}

			if time.Now().After(deadline) {
				return eris.Errorf("no finding produced for %s within %ds", rcaMetric, rcaWait)
			}
		}
	},
}

func init() {
	rcaCmd.Flags().StringVar(&rcaMetric, "metric", "quality_score", "target metric")
	rcaCmd.Flags().IntVar(&rcaWait, "wait-secs", 30, "how long to wait for the finding")
	rootCmd.AddCommand(rcaCmd)
}
