package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/lineage"
	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rca"
	"github.com/sells-group/reconcile/internal/resilience"
	"github.com/sells-group/reconcile/internal/rules"
	"github.com/sells-group/reconcile/internal/transport"
)

type fakeSignals struct {
	series []model.MetricSeries
}

func (f *fakeSignals) Signals(_ context.Context, _ time.Time) ([]model.MetricSeries, error) {
	return f.series, nil
}

func testMatchRules() *rules.MatchRuleSet {
	return &rules.MatchRuleSet{
		Version:             "m1",
		ConfidenceThreshold: 0.8,
		BlockingFields:      []string{"email"},
		SourcePriority:      []string{"crm", "billing"},
		Fields: map[string]rules.FieldRule{
			"email": {Similarity: rules.SimExact, Weight: 1.0, Threshold: 1.0},
		},
	}
}

func testQualityRules() *rules.QualityRuleSet {
	return &rules.QualityRuleSet{
		Version: "q1",
		Required: []rules.RequiredField{
			{Name: "email", Type: model.FieldString, Severity: model.SeverityError},
		},
	}
}

func testPipeline(t *testing.T, qr *rules.QualityRuleSet, signals SignalSource) (*Pipeline, lineage.Store, *transport.Bus) {
	t.Helper()
	store, err := lineage.NewSQLite(filepath.Join(t.TempDir(), "pipeline.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	bus := transport.New(transport.Config{Partitions: 2, MaxAttempts: 2}, zap.NewNop())
	if signals == nil {
		signals = &fakeSignals{}
	}
	p, err := New(store, bus, signals, testMatchRules(), qr, rca.Config{}, Options{})
	require.NoError(t, err)
	return p, store, bus
}

func pipelineRecord(id, source, email string) model.Record {
	return model.Record{
		ID:     id,
		Source: source,
		Payload: model.MustPayload(model.Field{
			Name:  "email",
			Value: model.FieldValue{Type: model.FieldString, Value: email},
		}),
		IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestPipelineResolvesAndGatesBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), nil)
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{
		pipelineRecord("1", "crm", "j@x.com"),
		pipelineRecord("2", "billing", "j@x.com"),
	}))

	var entity *model.Entity
	require.Eventually(t, func() bool {
		e, err := store.EntityForRecord(ctx, "1")
		if err != nil || e == nil {
			return false
		}
		entity = e
		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.ElementsMatch(t, []string{"1", "2"}, entity.MemberRecordIDs)

	require.Eventually(t, func() bool {
		v, err := store.LatestVerdict(ctx, entity.EntityID)
		return err == nil && v.Verdict == model.VerdictPass
	}, 5*time.Second, 20*time.Millisecond)

	entries, err := store.EntriesBySubject(ctx, entity.EntityID)
	require.NoError(t, err)
	stages := map[model.Stage]bool{}
	for _, e := range entries {
		stages[e.Stage] = true
	}
	assert.True(t, stages[model.StageResolution], "resolution entry missing")
	assert.True(t, stages[model.StageQuality], "quality entry missing")

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineKeepsFlowingWithTinyQueues(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := lineage.NewSQLite(filepath.Join(t.TempDir(), "tiny.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(func() { store.Close() })

	// One partition with depth one: a topic without a consumer would block
	// its publisher after a single event and wedge the whole run.
	bus := transport.New(transport.Config{Partitions: 1, QueueDepth: 1, MaxAttempts: 2}, zap.NewNop())
	p, err := New(store, bus, &fakeSignals{}, testMatchRules(), testQualityRules(), rca.Config{}, Options{})
	require.NoError(t, err)
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{
		pipelineRecord("1", "crm", "a@x.com"),
		pipelineRecord("2", "crm", "b@x.com"),
		pipelineRecord("3", "crm", "c@x.com"),
	}))

	for _, id := range []string{"1", "2", "3"} {
		require.Eventually(t, func() bool {
			e, err := store.EntityForRecord(ctx, id)
			if err != nil || e == nil {
				return false
			}
			_, err = store.LatestVerdict(ctx, e.EntityID)
			return err == nil
		}, 5*time.Second, 20*time.Millisecond, "record %s never got a verdict", id)
	}

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineGatesRawRecordsBeforeResolution(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), nil)
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{
		pipelineRecord("1", "crm", "j@x.com"),
	}))

	require.Eventually(t, func() bool {
		v, err := store.LatestVerdict(ctx, "1")
		return err == nil && v.SubjectKind == model.SubjectRecord
	}, 5*time.Second, 20*time.Millisecond)

	v, err := store.LatestVerdict(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictPass, v.Verdict)
	assert.Equal(t, "run-1", v.RunID)

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineFlagsDuplicateRawRecords(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	qr := testQualityRules()
	qr.DuplicateKeyFields = []string{"phone"}
	p, store, bus := testPipeline(t, qr, nil)
	p.Start(ctx)

	rec := func(id, email string) model.Record {
		return model.Record{
			ID:     id,
			Source: "crm",
			Payload: model.MustPayload(
				model.Field{Name: "email", Value: model.FieldValue{Type: model.FieldString, Value: email}},
				model.Field{Name: "phone", Value: model.FieldValue{Type: model.FieldString, Value: "555-0100"}},
			),
			IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		}
	}
	// Distinct emails keep the records in separate entities; the shared
	// phone marks the second one a batch duplicate.
	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{
		rec("1", "a@x.com"),
		rec("2", "b@x.com"),
	}))

	require.Eventually(t, func() bool {
		v, err := store.LatestVerdict(ctx, "2")
		return err == nil && v.SubjectKind == model.SubjectRecord
	}, 5*time.Second, 20*time.Millisecond)

	dup, err := store.LatestVerdict(ctx, "2")
	require.NoError(t, err)
	require.Len(t, dup.Issues, 1)
	assert.Equal(t, model.IssueDuplicate, dup.Issues[0].Kind)
	assert.Equal(t, model.VerdictPass, dup.Verdict)

	first, err := store.LatestVerdict(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, first.Issues)

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineRecordsRunSummary(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), nil)
	p.Start(ctx)

	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{
		pipelineRecord("1", "crm", "j@x.com"),
		pipelineRecord("2", "billing", "j@x.com"),
	}))

	var summary *model.LineageEntry
	require.Eventually(t, func() bool {
		entries, err := store.EntriesBySubject(ctx, "run-1")
		if err != nil {
			return false
		}
		for i := range entries {
			if entries[i].Stage == model.StageResolution {
				summary = &entries[i]
				return true
			}
		}
		return false
	}, 5*time.Second, 20*time.Millisecond)

	md := summary.Metadata
	assert.EqualValues(t, 2, md["input_records"])
	assert.EqualValues(t, 1, md["matched_pairs"])
	assert.EqualValues(t, 1, md["entities"])
	assert.Contains(t, md, "confidence_avg")
	assert.Contains(t, md, "elapsed_ms")

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineResubmitIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), nil)
	p.Start(ctx)

	batch := []model.Record{
		pipelineRecord("1", "crm", "j@x.com"),
		pipelineRecord("2", "billing", "j@x.com"),
	}
	require.NoError(t, p.Submit(ctx, "run-1", batch))

	require.Eventually(t, func() bool {
		e, err := store.EntityForRecord(ctx, "1")
		return err == nil && e != nil
	}, 5*time.Second, 20*time.Millisecond)

	entity, err := store.EntityForRecord(ctx, "1")
	require.NoError(t, err)

	// Same batch again: no new entity version.
	require.NoError(t, p.Submit(ctx, "run-1", batch))
	time.Sleep(200 * time.Millisecond)

	again, err := store.EntityForRecord(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, entity.Version, again.Version)

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineQuarantineTriggersRootCause(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), &fakeSignals{})
	p.Start(ctx)

	// Missing required email with error severity forces quarantine.
	rec := model.Record{
		ID:     "1",
		Source: "crm",
		Payload: model.MustPayload(model.Field{
			Name:  "name",
			Value: model.FieldValue{Type: model.FieldString, Value: "Acme"},
		}),
		IngestedAt: time.Now().UTC(),
	}
	require.NoError(t, p.Submit(ctx, "run-1", []model.Record{rec}))

	require.Eventually(t, func() bool {
		e, err := store.EntityForRecord(ctx, "1")
		if err != nil || e == nil {
			return false
		}
		v, err := store.LatestVerdict(ctx, e.EntityID)
		return err == nil && v.Verdict == model.VerdictQuarantine
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		f, err := store.LatestFinding(ctx, "quality_score")
		return err == nil && f.TargetMetric == "quality_score"
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, bus.Close())
}

func TestPipelineRejectsInvalidRules(t *testing.T) {
	store, err := lineage.NewSQLite(filepath.Join(t.TempDir(), "rules.db"))
	require.NoError(t, err)
	defer store.Close()

	bad := testMatchRules()
	bad.BlockingFields = nil

	bus := transport.New(transport.Config{}, zap.NewNop())
	_, err = New(store, bus, &fakeSignals{}, bad, testQualityRules(), rca.Config{}, Options{})
	assert.ErrorIs(t, err, rules.ErrRuleConfig)
}

func TestDLQParkAndReplay(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, store, bus := testPipeline(t, testQualityRules(), nil)

	records := []model.Record{pipelineRecord("9", "crm", "x@y.com")}
	entry := p.DLQ().Park(model.StageResolution, "run-x", records, eris.New("store write: i/o timeout"))
	assert.Equal(t, "transient", entry.ErrorType)
	assert.Equal(t, 1, p.DLQ().Depth())

	listed := p.DLQ().List(resilience.DLQFilter{})
	require.Len(t, listed, 1)
	assert.Equal(t, entry.ID, listed[0].ID)

	p.Start(ctx)
	require.NoError(t, p.ReplayDLQ(ctx, entry.ID))
	assert.Equal(t, 0, p.DLQ().Depth())

	require.Eventually(t, func() bool {
		e, err := store.EntityForRecord(ctx, "9")
		return err == nil && e != nil
	}, 5*time.Second, 20*time.Millisecond)

	_, err := p.DLQ().Take(entry.ID)
	assert.ErrorIs(t, err, ErrDLQEntryNotFound)

	cancel()
	require.NoError(t, bus.Close())
}
