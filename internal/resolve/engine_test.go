package resolve

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// memDirectory is an in-memory Directory for engine tests.
type memDirectory struct {
	entities []model.Entity
	records  map[string]model.Record
}

func (d *memDirectory) EntityByMemberKey(_ context.Context, key string) (*model.Entity, error) {
	for i := range d.entities {
		e := d.entities[i]
		if !e.Tombstoned && model.MemberKey(e.MemberRecordIDs) == key {
			return &e, nil
		}
	}
	return nil, nil
}

func (d *memDirectory) EntityForRecord(_ context.Context, recordID string) (*model.Entity, error) {
	for i := range d.entities {
		e := d.entities[i]
		if e.Tombstoned {
			continue
		}
		for _, m := range e.MemberRecordIDs {
			if m == recordID {
				return &e, nil
			}
		}
	}
	return nil, nil
}

func (d *memDirectory) GetRecord(_ context.Context, id string) (*model.Record, error) {
	r, ok := d.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s not stored", id)
	}
	return &r, nil
}

// save stores a batch's records, as the pipeline does before resolving.
func (d *memDirectory) save(batch []model.Record) {
	if d.records == nil {
		d.records = map[string]model.Record{}
	}
	for _, r := range batch {
		d.records[r.ID] = r
	}
}

// apply feeds a run's outcomes back into the directory, standing in for the
// lineage store between runs.
func (d *memDirectory) apply(res *Result) {
	for _, o := range res.Outcomes {
		replaced := false
		for i := range d.entities {
			if d.entities[i].EntityID == o.Entity.EntityID {
				d.entities[i] = o.Entity
				replaced = true
				break
			}
		}
		if !replaced {
			d.entities = append(d.entities, o.Entity)
		}
	}
}

func testEngine(dir Directory) *Engine {
	n := 0
	return &Engine{
		dir: dir,
		log: zap.NewNop(),
		newID: func() string {
			n++
			return fmt.Sprintf("entity-%d", n)
		},
		now: func() time.Time { return time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC) },
	}
}

func emailRules(t *testing.T) *rules.MatchRuleSet {
	t.Helper()
	rs := &rules.MatchRuleSet{
		Version:        "v1",
		BlockingFields: []string{"email"},
		SourcePriority: []string{"crm", "billing"},
		Fields: map[string]rules.FieldRule{
			"email": {Similarity: rules.SimExact, Weight: 1},
		},
	}
	require.NoError(t, rs.Validate())
	return rs
}

func TestResolve_MatchingPairBecomesOneEntity(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)

	batch := []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}
	res, err := eng.Resolve(context.Background(), "run-1", batch, emailRules(t))
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 1)
	out := res.Outcomes[0]
	assert.Equal(t, model.EntityCreated, out.Change)
	assert.Equal(t, []string{"1", "2"}, out.Entity.MemberRecordIDs)
	assert.InDelta(t, 1.0, out.Entity.Confidence, 1e-9)
	assert.Equal(t, int64(1), out.Entity.Version)
	assert.Len(t, res.Entries, 1)
	assert.Equal(t, model.StageResolution, res.Entries[0].Stage)
	assert.Equal(t, 1, res.Summary.MatchedPairs)
	assert.Equal(t, 0, res.Summary.Singletons)
}

func TestResolve_RerunIsIdempotent(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)
	rs := emailRules(t)

	batch := []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}
	first, err := eng.Resolve(context.Background(), "run-1", batch, rs)
	require.NoError(t, err)
	dir.apply(first)

	second, err := eng.Resolve(context.Background(), "run-2", batch, rs)
	require.NoError(t, err)

	require.Len(t, second.Outcomes, 1)
	assert.Equal(t, model.EntityUnchanged, second.Outcomes[0].Change)
	assert.Equal(t, first.Outcomes[0].Entity.EntityID, second.Outcomes[0].Entity.EntityID)
	// No entity churn means no new audit rows.
	assert.Empty(t, second.Entries)
}

func TestResolve_DeterministicLineageEntryIDs(t *testing.T) {
	rs := emailRules(t)
	batch := []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}

	resA, err := testEngine(&memDirectory{}).Resolve(context.Background(), "run-1", batch, rs)
	require.NoError(t, err)
	resB, err := testEngine(&memDirectory{}).Resolve(context.Background(), "run-1", batch, rs)
	require.NoError(t, err)

	// Redelivered batches regenerate the same entry id, so the store's
	// idempotent append absorbs the duplicate.
	require.Len(t, resA.Entries, 1)
	require.Len(t, resB.Entries, 1)
	assert.Equal(t, resA.Entries[0].EntryID, resB.Entries[0].EntryID)
}

func TestResolve_MissingBlockingFieldsBecomesSingleton(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)

	batch := []model.Record{
		testRecord("1", "crm", nullField("email"), strField("name", "Jane Doe")),
	}
	res, err := eng.Resolve(context.Background(), "run-1", batch, emailRules(t))
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 1)
	out := res.Outcomes[0]
	assert.Equal(t, model.EntityCreated, out.Change)
	assert.Equal(t, []string{"1"}, out.Entity.MemberRecordIDs)
	assert.Equal(t, 0.0, out.Entity.Confidence)
	assert.Equal(t, 1, res.Summary.Singletons)
}

func TestResolve_TransitiveClosureChainsClusters(t *testing.T) {
	rs := &rules.MatchRuleSet{
		Version:        "v1",
		BlockingFields: []string{"zip"},
		Fields: map[string]rules.FieldRule{
			"name": {Similarity: rules.SimStringDistance, Weight: 1},
		},
	}
	require.NoError(t, rs.Validate())

	// A matches B and B matches C above threshold; A and C alone are too far
	// apart. Transitive closure still puts all three in one entity.
	batch := []model.Record{
		testRecord("a", "crm", strField("zip", "10001"), strField("name", "Jonathan Smithson")),
		testRecord("b", "crm", strField("zip", "10001"), strField("name", "Jonathan Smith")),
		testRecord("c", "crm", strField("zip", "10001"), strField("name", "Jonath Smith")),
	}
	res, err := testEngine(&memDirectory{}).Resolve(context.Background(), "run-1", batch, rs)
	require.NoError(t, err)

	var clusterOutcome *model.ResolutionOutcome
	for i := range res.Outcomes {
		if len(res.Outcomes[i].Entity.MemberRecordIDs) == 3 {
			clusterOutcome = &res.Outcomes[i]
		}
	}
	require.NotNil(t, clusterOutcome, "expected a three-member entity")
	assert.Equal(t, []string{"a", "b", "c"}, clusterOutcome.Entity.MemberRecordIDs)
	assert.GreaterOrEqual(t, clusterOutcome.ChainLength, 2)
}

func TestResolve_ClusterConfidenceIsWeakestEdge(t *testing.T) {
	rs := &rules.MatchRuleSet{
		Version:             "v1",
		ConfidenceThreshold: 0.6,
		BlockingFields:      []string{"zip"},
		Fields: map[string]rules.FieldRule{
			"name": {Similarity: rules.SimStringDistance, Weight: 1},
		},
	}
	require.NoError(t, rs.Validate())

	batch := []model.Record{
		testRecord("a", "crm", strField("zip", "10001"), strField("name", "Jonathan Smithson")),
		testRecord("b", "crm", strField("zip", "10001"), strField("name", "Jonathan Smith")),
	}
	res, err := testEngine(&memDirectory{}).Resolve(context.Background(), "run-1", batch, rs)
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 1)
	// Confidence policy: the weakest accepted edge in the cluster. A merge of
	// two singletons therefore never reports less than either input's 0.
	conf := res.Outcomes[0].Entity.Confidence
	assert.GreaterOrEqual(t, conf, 0.6)
	assert.Less(t, conf, 1.0)
}

func TestResolve_AbsorbingSingletonUpdatesPriorEntity(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)
	rs := emailRules(t)

	first, err := eng.Resolve(context.Background(), "run-1", []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
	}, rs)
	require.NoError(t, err)
	dir.apply(first)
	priorID := first.Outcomes[0].Entity.EntityID

	second, err := eng.Resolve(context.Background(), "run-2", []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}, rs)
	require.NoError(t, err)

	require.Len(t, second.Outcomes, 1)
	out := second.Outcomes[0]
	assert.Equal(t, model.EntityUpdated, out.Change)
	assert.Equal(t, priorID, out.Entity.EntityID, "entity id is stable across member growth")
	assert.Equal(t, []string{"1", "2"}, out.Entity.MemberRecordIDs)
	assert.Equal(t, int64(2), out.Entity.Version)
}

func TestResolve_DrainedEntityIsTombstoned(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)
	rs := emailRules(t)

	// Two singleton entities from separate earlier runs.
	runA, err := eng.Resolve(context.Background(), "run-1", []model.Record{
		testRecord("1", "crm", strField("email", "old@x.com")),
	}, rs)
	require.NoError(t, err)
	dir.apply(runA)
	runB, err := eng.Resolve(context.Background(), "run-2", []model.Record{
		testRecord("2", "billing", strField("email", "stale@x.com")),
	}, rs)
	require.NoError(t, err)
	dir.apply(runB)
	drainedID := runB.Outcomes[0].Entity.EntityID

	// A corrected feed now shows both records with the same email: record 2
	// leaves its old entity, which shrinks to zero members.
	merged, err := eng.Resolve(context.Background(), "run-3", []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}, rs)
	require.NoError(t, err)

	var tombstoned *model.ResolutionOutcome
	for i := range merged.Outcomes {
		if merged.Outcomes[i].Change == model.EntityTombstoned {
			tombstoned = &merged.Outcomes[i]
		}
	}
	require.NotNil(t, tombstoned)
	assert.Equal(t, drainedID, tombstoned.Entity.EntityID)
	assert.True(t, tombstoned.Entity.Tombstoned)
	assert.Empty(t, tombstoned.Entity.MemberRecordIDs)
	assert.Equal(t, int64(2), tombstoned.Entity.Version)
}

func TestResolve_SubsetRerunRehomesEvictedMembers(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)
	rs := emailRules(t)

	first := []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("2", "billing", strField("email", "j@x.com")),
	}
	dir.save(first)
	res1, err := eng.Resolve(context.Background(), "run-1", first, rs)
	require.NoError(t, err)
	dir.apply(res1)
	require.Len(t, res1.Outcomes, 1)
	mergedID := res1.Outcomes[0].Entity.EntityID

	// A corrected feed re-sends only record 1 with a new email. Record 2 is
	// absent from the batch, so the shrinking entity must not strand it.
	second := []model.Record{
		testRecord("1", "crm", strField("email", "moved@x.com")),
	}
	dir.save(second)
	res2, err := eng.Resolve(context.Background(), "run-2", second, rs)
	require.NoError(t, err)
	dir.apply(res2)

	e1, err := dir.EntityForRecord(context.Background(), "1")
	require.NoError(t, err)
	require.NotNil(t, e1)
	assert.Equal(t, mergedID, e1.EntityID, "shrunk entity keeps its id")
	assert.Equal(t, []string{"1"}, e1.MemberRecordIDs)

	e2, err := dir.EntityForRecord(context.Background(), "2")
	require.NoError(t, err)
	require.NotNil(t, e2, "evicted member must keep a live entity")
	assert.Equal(t, []string{"2"}, e2.MemberRecordIDs)
	assert.NotEqual(t, e1.EntityID, e2.EntityID)
	assert.Equal(t, 0.0, e2.Confidence)
	assert.False(t, e2.Tombstoned)
}

func TestResolve_InvalidRulesFailTheBatch(t *testing.T) {
	rs := &rules.MatchRuleSet{Version: "v1"}
	_, err := testEngine(&memDirectory{}).Resolve(context.Background(), "run-1", nil, rs)
	require.Error(t, err)
	assert.ErrorIs(t, err, rules.ErrRuleConfig)
}

func TestResolve_DuplicateRecordIDsCollapsed(t *testing.T) {
	dir := &memDirectory{}
	eng := testEngine(dir)

	batch := []model.Record{
		testRecord("1", "crm", strField("email", "j@x.com")),
		testRecord("1", "crm", strField("email", "j@x.com")),
	}
	res, err := eng.Resolve(context.Background(), "run-1", batch, emailRules(t))
	require.NoError(t, err)

	require.Len(t, res.Outcomes, 1)
	assert.Equal(t, []string{"1"}, res.Outcomes[0].Entity.MemberRecordIDs)
	assert.Equal(t, 1, res.Summary.InputRecords)
}
