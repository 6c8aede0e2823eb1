package resolve

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile/internal/model"
	"github.com/sells-group/reconcile/internal/rules"
)

// entryNamespace seeds deterministic lineage entry ids so a redelivered batch
// regenerates the same ids and the store's idempotent append absorbs them.
var entryNamespace = uuid.MustParse("8d6f1f52-7c05-4b88-9f0a-2f1e64d1b9c4")

// Directory is the engine's view of previously resolved entities. Lookups are
// read-only; the engine never writes through it.
type Directory interface {
	// EntityByMemberKey returns the live entity with exactly this member set,
	// or nil when none exists.
	EntityByMemberKey(ctx context.Context, memberKey string) (*model.Entity, error)
	// EntityForRecord returns the live entity currently containing the
	// record, or nil when the record is unresolved.
	EntityForRecord(ctx context.Context, recordID string) (*model.Entity, error)
	// GetRecord returns a previously ingested record. The engine only asks
	// for ids it saw as prior entity members, so absence is an error.
	GetRecord(ctx context.Context, id string) (*model.Record, error)
}

// Result is everything one resolution run produced. Persistence is the
// caller's job; the engine only decides.
type Result struct {
	Outcomes []model.ResolutionOutcome
	Entries  []model.LineageEntry
	Summary  model.ResolutionSummary
}

// Engine groups raw records into canonical entities: blocking bounds the
// pairwise comparisons, weighted field similarity scores each pair, and
// connected components over accepted pairs become entities.
type Engine struct {
	dir   Directory
	log   *zap.Logger
	newID func() string
	now   func() time.Time
}

func NewEngine(dir Directory) *Engine {
	return &Engine{
		dir:   dir,
		log:   zap.L().Named("resolve"),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Resolve processes one batch under the given rule set. Re-running the same
// batch against an unchanged directory yields only unchanged outcomes and no
// lineage entries. Records missing every blocking field become singleton
// entities with confidence 0; resolution never drops a record, and members
// a shrinking re-resolution leaves behind are re-homed as singletons.
func (e *Engine) Resolve(ctx context.Context, runID string, batch []model.Record, rs *rules.MatchRuleSet) (*Result, error) {
	started := e.now()
	if err := rs.Validate(); err != nil {
		return nil, err
	}

	records := dedupeByID(batch)
	grouped, unblocked := blocks(records, rs.BlockingFields)

	var accepted []model.MatchCandidate
	blockKeys := make([]string, 0, len(grouped))
	for key := range grouped {
		blockKeys = append(blockKeys, key)
	}
	sort.Strings(blockKeys)
	for _, key := range blockKeys {
		block := grouped[key]
		for i := 0; i < len(block); i++ {
			for j := i + 1; j < len(block); j++ {
				if err := ctx.Err(); err != nil {
					return nil, eris.Wrap(err, "resolve: batch cancelled")
				}
				cand := scorePair(block[i], block[j], rs)
				if cand.Aggregate >= rs.ConfidenceThreshold {
					accepted = append(accepted, cand)
				}
			}
		}
	}

	byID := make(map[string]model.Record, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		byID[r.ID] = r
		ids = append(ids, r.ID)
	}
	clusters := buildClusters(ids, accepted)

	res := &Result{Summary: model.ResolutionSummary{
		RunID:          runID,
		InputRecords:   len(records),
		MatchedPairs:   len(accepted),
		RuleSetVersion: rs.Version,
	}}

	touched := make(map[string]*model.Entity)
	reused := make(map[string]bool)
	for _, c := range clusters {
		outcome, prior, err := e.settleCluster(ctx, c, byID, rs)
		if err != nil {
			return nil, err
		}
		for _, p := range prior {
			if _, ok := touched[p.EntityID]; !ok {
				touched[p.EntityID] = p
			}
		}
		reused[outcome.Entity.EntityID] = true

		res.Outcomes = append(res.Outcomes, *outcome)
		if outcome.Change != model.EntityUnchanged {
			res.Entries = append(res.Entries, e.lineageEntry(runID, outcome.Entity, rs.Version))
		}
		if len(c.members) == 1 {
			res.Summary.Singletons++
		}
		if outcome.ChainLength > 1 {
			e.log.Warn("transitive chain in cluster",
				zap.String("entity_id", outcome.Entity.EntityID),
				zap.Int("chain_length", outcome.ChainLength),
				zap.Int("members", len(c.members)))
		}
	}
	if len(unblocked) > 0 {
		// These records carried no blocking fields and were never compared;
		// buildClusters already made singleton clusters for them.
		e.log.Debug("records without blocking fields", zap.Int("count", len(unblocked)))
	}

	// Members of touched prior entities that no cluster claims this run are
	// re-homed as singletons: shrinking an entity to a subset of its members
	// must never leave the absent records without a live entity.
	claimed := make(map[string]bool)
	for _, o := range res.Outcomes {
		for _, m := range o.Entity.MemberRecordIDs {
			claimed[m] = true
		}
	}
	var evicted []string
	for _, p := range touched {
		for _, m := range p.MemberRecordIDs {
			if !claimed[m] {
				claimed[m] = true
				evicted = append(evicted, m)
			}
		}
	}
	sort.Strings(evicted)
	for _, id := range evicted {
		outcome, err := e.rehome(ctx, id, rs)
		if err != nil {
			return nil, err
		}
		res.Outcomes = append(res.Outcomes, *outcome)
		res.Entries = append(res.Entries, e.lineageEntry(runID, outcome.Entity, rs.Version))
		res.Summary.Singletons++
	}
	if len(evicted) > 0 {
		e.log.Info("re-homed evicted members", zap.Int("count", len(evicted)))
	}

	// Prior entities drained of all members by this run are tombstoned.
	retiredIDs := make([]string, 0, len(touched))
	for id := range touched {
		if !reused[id] {
			retiredIDs = append(retiredIDs, id)
		}
	}
	sort.Strings(retiredIDs)
	for _, id := range retiredIDs {
		p := touched[id]
		tomb := *p
		tomb.MemberRecordIDs = nil
		tomb.Tombstoned = true
		tomb.Version = p.Version + 1
		tomb.UpdatedAt = e.now().UTC()
		res.Outcomes = append(res.Outcomes, model.ResolutionOutcome{Entity: tomb, Change: model.EntityTombstoned})
		res.Entries = append(res.Entries, e.lineageEntry(runID, tomb, rs.Version))
	}

	res.Summary.Entities = len(res.Outcomes)
	res.Summary.Confidence = summarizeConfidence(res.Outcomes)
	res.Summary.Elapsed = e.now().Sub(started)
	e.log.Info("resolution run complete",
		zap.String("run_id", runID),
		zap.Int("input_records", res.Summary.InputRecords),
		zap.Int("matched_pairs", res.Summary.MatchedPairs),
		zap.Int("entities", res.Summary.Entities),
		zap.Int("singletons", res.Summary.Singletons))
	return res, nil
}

// settleCluster maps one cluster onto an entity: an existing entity with the
// identical member set is unchanged, an existing entity containing the
// cluster's smallest member is updated in place, and anything else is a new
// entity. Also returns the prior entities of all members for tombstone
// bookkeeping.
func (e *Engine) settleCluster(ctx context.Context, c cluster, byID map[string]model.Record, rs *rules.MatchRuleSet) (*model.ResolutionOutcome, []*model.Entity, error) {
	key := c.memberKey()
	existing, err := e.dir.EntityByMemberKey(ctx, key)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "resolve: lookup entity by member key")
	}

	var prior []*model.Entity
	seenPrior := make(map[string]bool)
	for _, id := range c.members {
		ent, err := e.dir.EntityForRecord(ctx, id)
		if err != nil {
			return nil, nil, eris.Wrapf(err, "resolve: lookup entity for record %s", id)
		}
		if ent != nil && !seenPrior[ent.EntityID] {
			seenPrior[ent.EntityID] = true
			prior = append(prior, ent)
		}
	}

	if existing != nil && !existing.Tombstoned {
		return &model.ResolutionOutcome{
			Entity:      *existing,
			Change:      model.EntityUnchanged,
			ChainLength: c.chainLength(),
		}, prior, nil
	}

	members := make([]model.Record, 0, len(c.members))
	for _, id := range c.members {
		members = append(members, byID[id])
	}
	payload, err := mergePayload(members, rs)
	if err != nil {
		return nil, nil, err
	}

	ent := model.Entity{
		MemberRecordIDs:       c.members,
		MergeStrategy:         rs.MergeStrategy,
		Confidence:            c.minEdgeSimilarity(),
		RepresentativePayload: payload,
		Version:               1,
		UpdatedAt:             e.now().UTC(),
	}

	change := model.EntityCreated
	if carrier := priorForSmallestMember(c.members, prior); carrier != nil {
		ent.EntityID = carrier.EntityID
		ent.Version = carrier.Version + 1
		change = model.EntityUpdated
	} else {
		ent.EntityID = e.newID()
	}

	return &model.ResolutionOutcome{
		Entity:      ent,
		Change:      change,
		ChainLength: c.chainLength(),
	}, prior, nil
}

// rehome builds a fresh singleton entity for a record evicted from a prior
// entity by a batch that no longer contains it. The stored payload stands in
// for the record; confidence is 0 because no comparison backed the grouping.
func (e *Engine) rehome(ctx context.Context, recordID string, rs *rules.MatchRuleSet) (*model.ResolutionOutcome, error) {
	rec, err := e.dir.GetRecord(ctx, recordID)
	if err != nil {
		return nil, eris.Wrapf(err, "resolve: load evicted record %s", recordID)
	}
	payload, err := mergePayload([]model.Record{*rec}, rs)
	if err != nil {
		return nil, err
	}
	return &model.ResolutionOutcome{
		Entity: model.Entity{
			EntityID:              e.newID(),
			MemberRecordIDs:       []string{recordID},
			MergeStrategy:         rs.MergeStrategy,
			RepresentativePayload: payload,
			Version:               1,
			UpdatedAt:             e.now().UTC(),
		},
		Change: model.EntityCreated,
	}, nil
}

// priorForSmallestMember returns the prior entity containing the lexically
// smallest cluster member that had one, keeping entity-id reuse deterministic
// when a cluster absorbs records from several prior entities.
func priorForSmallestMember(members []string, prior []*model.Entity) *model.Entity {
	for _, id := range members {
		for _, p := range prior {
			for _, m := range p.MemberRecordIDs {
				if m == id {
					return p
				}
			}
		}
	}
	return nil
}

func (e *Engine) lineageEntry(runID string, ent model.Entity, ruleVersion string) model.LineageEntry {
	seed := ent.EntityID + "\x1f" + model.MemberKey(ent.MemberRecordIDs) + "\x1f" + ruleVersion
	inputs := append([]string(nil), ent.MemberRecordIDs...)
	return model.LineageEntry{
		EntryID:    uuid.NewSHA1(entryNamespace, []byte(seed)).String(),
		Stage:      model.StageResolution,
		SubjectID:  ent.EntityID,
		InputRefs:  inputs,
		OutputRefs: []string{ent.EntityID},
		Status:     model.EntryComplete,
		Metadata: map[string]any{
			"run_id":           runID,
			"rule_set_version": ruleVersion,
			"member_count":     len(ent.MemberRecordIDs),
			"tombstoned":       ent.Tombstoned,
		},
		ProducedAt: e.now().UTC(),
	}
}

func summarizeConfidence(outcomes []model.ResolutionOutcome) model.ConfidenceDistribution {
	var dist model.ConfidenceDistribution
	n := 0
	for _, o := range outcomes {
		if o.Change == model.EntityTombstoned {
			continue
		}
		c := o.Entity.Confidence
		if n == 0 {
			dist.Min, dist.Max = c, c
		}
		if c < dist.Min {
			dist.Min = c
		}
		if c > dist.Max {
			dist.Max = c
		}
		dist.Average += c
		switch {
		case c >= 0.9:
			dist.High++
		case c >= 0.7:
			dist.Medium++
		default:
			dist.Low++
		}
		n++
	}
	if n > 0 {
		dist.Average /= float64(n)
	}
	return dist
}

func dedupeByID(batch []model.Record) []model.Record {
	seen := make(map[string]bool, len(batch))
	out := make([]model.Record, 0, len(batch))
	for _, r := range batch {
		if seen[r.ID] {
			continue
		}
		seen[r.ID] = true
		out = append(out, r)
	}
	return out
}
