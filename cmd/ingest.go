package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
)

var (
	ingestFile  string
	ingestRunID string
	ingestWait  int
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Ingest a batch of raw records and wait for resolution",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		records, err := loadRecords(ingestFile)
		if err != nil {
			return err
		}

		runID := ingestRunID
		if runID == "" {
			runID = uuid.NewString()
		}

		env.Pipeline.Start(ctx)

		if err := env.Pipeline.Submit(ctx, runID, records); err != nil {
			return eris.Wrap(err, "submit batch")
		}

		zap.L().Info("batch submitted",
			zap.String("run_id", runID),
			zap.Int("records", len(records)),
		)

		if err := waitForVerdicts(ctx, env.Store, records, ingestWait); err != nil {
			return err
		}

		snap, err := env.Store.Snapshot(ctx)
		if err != nil {
			return eris.Wrap(err, "store snapshot")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	},
}

// loadRecords reads a JSON array of records from path.
func loadRecords(path string) ([]model.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "read records file %s", path)
	}

	var records []model.Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, eris.Wrapf(err, "parse records file %s", path)
	}
	if len(records) == 0 {
		return nil, eris.Errorf("records file %s is empty", path)
	}

	now := time.Now().UTC()
	for i := range records {
		if records[i].IngestedAt.IsZero() {
			records[i].IngestedAt = now
		}
	}
	return records, nil
}

// waitForVerdicts polls until every record resolved into an entity with a
// verdict, or the batch landed in the dead letter queue, or the timeout
// expires. Parked batches are reported, not treated as a command failure.
func waitForVerdicts(ctx context.Context, st lineage.Store, records []model.Record, waitSecs int) error {
	if waitSecs <= 0 {
		waitSecs = 60
	}
	deadline := time.Now().Add(time.Duration(waitSecs) * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		done := true
		for _, r := range records {
			entity, err := st.EntityForRecord(ctx, r.ID)
			if err != nil {
				return eris.Wrapf(err, "look up entity for record %s", r.ID)
			}
			if entity == nil {
				done = false
				break
			}
			verdict, err := st.LatestVerdict(ctx, entity.EntityID)
			if err != nil && !eris.Is(err, lineage.ErrNotFound) {
				return eris.Wrapf(err, "look up verdict for entity %s", entity.EntityID)
			}
			if verdict == nil {
				done = false
				break
			}
		}
		if done {
			return nil
		}

		if time.Now().After(deadline) {
			zap.L().Warn("batch did not fully settle before timeout",
				zap.Int("wait_secs", waitSecs),
			)
			return nil
		}
	}
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFile, "file", "", "path to a JSON array of records (required)")
	ingestCmd.Flags().StringVar(&ingestRunID, "run-id", "", "batch run id (default: random)")
	ingestCmd.Flags().IntVar(&ingestWait, "wait-secs", 60, "how long to wait for verdicts")
	_ = ingestCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(ingestCmd)
}
