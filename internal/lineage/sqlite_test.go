package lineage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "lineage.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func strField(name, value string) model.Field {
	return model.Field{Name: name, Value: model.FieldValue{Type: model.FieldString, Value: value}}
}

func testRecord(id, source string, fields ...model.Field) model.Record {
	return model.Record{
		ID:         id,
		Source:     source,
		Payload:    model.MustPayload(fields...),
		IngestedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func testEntity(id string, version int64, members ...string) model.Entity {
	return model.Entity{
		EntityID:              id,
		MemberRecordIDs:       members,
		MergeStrategy:         model.MergePriorityBased,
		Confidence:            0.9,
		RepresentativePayload: model.MustPayload(strField("name", "ACME")),
		Version:               version,
		UpdatedAt:             time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestSQLiteSaveAndGetRecord(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	rec := testRecord("r1", "crm", strField("name", "Acme Corp"), strField("email", "ops@acme.com"))
	require.NoError(t, s.SaveRecord(ctx, rec))

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "crm", got.Source)
	v, ok := got.Payload.Get("email")
	require.True(t, ok)
	assert.Equal(t, "ops@acme.com", v.Value)
}

func TestSQLiteGetRecordNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteSaveRecordsBatchIgnoresDuplicates(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveRecord(ctx, testRecord("r1", "crm", strField("name", "first write"))))
	require.NoError(t, s.SaveRecords(ctx, []model.Record{
		testRecord("r1", "billing", strField("name", "redelivered")),
		testRecord("r2", "billing", strField("name", "new")),
	}))

	got, err := s.GetRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "crm", got.Source, "redelivered record must not overwrite")

	m, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Records)
}

func TestSQLiteAppendEntryIdempotent(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := model.LineageEntry{
		EntryID:    "entry-1",
		Stage:      model.StageResolution,
		SubjectID:  "ent-1",
		InputRefs:  []string{"r1", "r2"},
		OutputRefs: []string{"ent-1"},
		Status:     model.EntryComplete,
		Metadata:   map[string]any{"rule_set_version": "v3"},
		ProducedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.AppendEntry(ctx, e))
	require.NoError(t, s.AppendEntry(ctx, e))

	entries, err := s.EntriesBySubject(ctx, "ent-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, []string{"r1", "r2"}, entries[0].InputRefs)
	assert.Equal(t, "v3", entries[0].Metadata["rule_set_version"])
}

func TestSQLiteEntriesBySubjectOrdered(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"b", "a", "c"} {
		require.NoError(t, s.AppendEntry(ctx, model.LineageEntry{
			EntryID:    id,
			Stage:      model.StageQuality,
			SubjectID:  "sub",
			InputRefs:  []string{"r1"},
			OutputRefs: []string{"v1"},
			Status:     model.EntryComplete,
			ProducedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	entries, err := s.EntriesBySubject(ctx, "sub")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "b", entries[0].EntryID)
	assert.Equal(t, "c", entries[2].EntryID)
}

func TestSQLiteUpsertEntityVersioning(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 1, "r1", "r2")))

	// Skipping a version is a conflict.
	err := s.UpsertEntity(ctx, testEntity("ent-1", 3, "r1", "r2", "r3"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	// Replay of the stored version with the same members is absorbed.
	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 1, "r1", "r2")))

	// The stored version with different members is a conflict.
	err = s.UpsertEntity(ctx, testEntity("ent-1", 1, "r1", "r3"))
	assert.ErrorIs(t, err, ErrVersionConflict)

	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 2, "r1", "r2", "r3")))

	got, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []string{"r1", "r2", "r3"}, got.MemberRecordIDs)
}

func TestSQLiteUpsertEntityFirstVersionMustBeOne(t *testing.T) {
	s := testStore(t)
	err := s.UpsertEntity(context.Background(), testEntity("ent-new", 2, "r1"))
	assert.ErrorIs(t, err, ErrVersionConflict)
}

func TestSQLiteEntityByMemberKey(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 1, "r1", "r2")))

	got, err := s.EntityByMemberKey(ctx, model.MemberKey([]string{"r1", "r2"}))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ent-1", got.EntityID)

	got, err = s.EntityByMemberKey(ctx, model.MemberKey([]string{"r9"}))
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteEntityForRecordFollowsMembership(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 1, "r1", "r2")))

	got, err := s.EntityForRecord(ctx, "r2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ent-1", got.EntityID)

	// Member r2 moves to a new entity on the next run.
	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-2", 1, "r2", "r3")))
	require.NoError(t, s.UpsertEntity(ctx, testEntity("ent-1", 2, "r1")))

	got, err = s.EntityForRecord(ctx, "r2")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "ent-2", got.EntityID)
}

func TestSQLiteTombstonedEntityHiddenFromLookups(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	e := testEntity("ent-1", 1, "r1")
	require.NoError(t, s.UpsertEntity(ctx, e))

	e.Version = 2
	e.Tombstoned = true
	require.NoError(t, s.UpsertEntity(ctx, e))

	byKey, err := s.EntityByMemberKey(ctx, model.MemberKey([]string{"r1"}))
	require.NoError(t, err)
	assert.Nil(t, byKey)

	byRecord, err := s.EntityForRecord(ctx, "r1")
	require.NoError(t, err)
	assert.Nil(t, byRecord)

	// Direct fetch still reads the tombstone for audit.
	got, err := s.GetEntity(ctx, "ent-1")
	require.NoError(t, err)
	assert.True(t, got.Tombstoned)
}

func TestSQLiteVerdictRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	v := model.QualityVerdict{
		SubjectID:      "r1",
		SubjectKind:    model.SubjectRecord,
		Score:          85,
		Issues:         []model.Issue{{Kind: model.IssueMissingField, Field: "email", Severity: model.SeverityWarning, Detail: "required field email is null", Penalty: 5}},
		Verdict:        model.VerdictWarn,
		RuleSetVersion: "q1",
		RunID:          "run-1",
		CheckedAt:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveVerdict(ctx, v))
	require.NoError(t, s.SaveVerdict(ctx, v), "redelivery is a no-op")

	later := v
	later.RunID = "run-2"
	later.Score = 100
	later.Issues = nil
	later.Verdict = model.VerdictPass
	later.CheckedAt = v.CheckedAt.Add(time.Hour)
	require.NoError(t, s.SaveVerdict(ctx, later))

	got, err := s.LatestVerdict(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "run-2", got.RunID)
	assert.Equal(t, model.VerdictPass, got.Verdict)

	m, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.PassVerdicts)
	assert.Equal(t, 1, m.WarnVerdicts)
}

func TestSQLiteAnomalyCountWindow(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		a := model.Anomaly{
			SubjectID:    "r1",
			Metric:       "quality_score",
			Observed:     40,
			ExpectedLow:  80,
			ExpectedHigh: 100,
			Method:       "zscore",
			DetectedAt:   base.Add(time.Duration(i) * 24 * time.Hour),
		}
		require.NoError(t, s.SaveAnomaly(ctx, a))
		require.NoError(t, s.SaveAnomaly(ctx, a), "content-identical anomaly is deduplicated")
	}

	n, err := s.AnomalyCount(ctx, "quality_score", base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = s.AnomalyCount(ctx, "other_metric", base)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLiteFindingRoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	f := model.RootCauseFinding{
		FindingID:    "f-1",
		TargetMetric: "quality_score",
		WindowStart:  time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		CorrelatedSignals: []model.CorrelatedSignal{
			{Signal: "connector_timeout_rate", Coefficient: -0.91, Lag: -1},
		},
		RankedCauses: []model.RankedCause{
			{Signal: "connector_timeout_rate", Category: "connector", Confidence: 0.85, Leads: true},
		},
		Confidence:      0.85,
		Recommendations: []string{"run a connector health check against the affected source"},
		SampleSize:      30,
		AnalyzedAt:      time.Date(2026, 3, 1, 6, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveFinding(ctx, f))

	got, err := s.LatestFinding(ctx, "quality_score")
	require.NoError(t, err)
	assert.Equal(t, "f-1", got.FindingID)
	require.Len(t, got.RankedCauses, 1)
	assert.Equal(t, "connector", got.RankedCauses[0].Category)

	_, err = s.LatestFinding(ctx, "ingest_volume")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteScoreHistoryDailyMeans(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	for i, v := range []struct {
		score float64
		at    time.Time
	}{
		{100, day1.Add(2 * time.Hour)},
		{80, day1.Add(20 * time.Hour)},
		{60, day2.Add(6 * time.Hour)},
	} {
		require.NoError(t, s.SaveVerdict(ctx, model.QualityVerdict{
			SubjectID:      "r1",
			SubjectKind:    model.SubjectRecord,
			Score:          v.score,
			Verdict:        model.VerdictPass,
			RuleSetVersion: "q1",
			RunID:          string(rune('a' + i)),
			CheckedAt:      v.at,
		}))
	}

	points, err := s.ScoreHistory(ctx, day1)
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.InDelta(t, 90, points[0].Value, 1e-9)
	assert.InDelta(t, 60, points[1].Value, 1e-9)
	assert.True(t, points[0].At.Before(points[1].At))
}

func TestSQLiteSnapshotCountsPending(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.NoError(t, s.AppendEntry(ctx, model.LineageEntry{
		EntryID: "p1", Stage: model.StageQuality, SubjectID: "r1",
		InputRefs: []string{"r1"}, OutputRefs: []string{}, Status: model.EntryPending,
		ProducedAt: time.Now().UTC(),
	}))
	require.NoError(t, s.AppendEntry(ctx, model.LineageEntry{
		EntryID: "c1", Stage: model.StageQuality, SubjectID: "r1",
		InputRefs: []string{"r1"}, OutputRefs: []string{"v1"}, Status: model.EntryComplete,
		ProducedAt: time.Now().UTC(),
	}))

	m, err := s.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, m.PendingEntries)
}
