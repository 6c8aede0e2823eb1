package model

import (
	"sort"
	"time"
)

// MergeStrategy names a deterministic representative-payload policy.
type MergeStrategy string

const (
	// MergePriorityBased picks fields from the member with the highest
	// source priority, falling back to newer ingestion then lexical id.
	MergePriorityBased MergeStrategy = "priority_based"
	// MergeMostComplete picks fields from the member with the most non-null
	// fields, same tiebreaks.
	MergeMostComplete MergeStrategy = "most_complete"
)

// Entity is a canonical cluster of records. EntityID is assigned at first
// cluster formation and never reused. An entity that shrinks to zero members
// is tombstoned, never deleted.
type Entity struct {
	EntityID              string        `json:"entity_id"`
	MemberRecordIDs       []string      `json:"member_record_ids"`
	MergeStrategy         MergeStrategy `json:"merge_strategy"`
	Confidence            float64       `json:"confidence"`
	RepresentativePayload Payload       `json:"representative_payload"`
	Version               int64         `json:"version"`
	Tombstoned            bool          `json:"tombstoned"`
	UpdatedAt             time.Time     `json:"updated_at"`
}

// MemberKey returns the sorted, joined member ids. It identifies a cluster
// independent of discovery order and keys entity-id stability.
func MemberKey(memberIDs []string) string {
	ids := append([]string(nil), memberIDs...)
	sort.Strings(ids)
	key := ""
	for i, id := range ids {
		if i > 0 {
			key += "\x1f"
		}
		key += id
	}
	return key
}

// FieldSimilarity is one field's contribution to a match decision.
type FieldSimilarity struct {
	Field string  `json:"field"`
	Score float64 `json:"score"`
}

// MatchCandidate is a scored record pair. Ephemeral: it feeds the cluster
// decision and is not persisted beyond it.
type MatchCandidate struct {
	RecordA        string            `json:"record_a_id"`
	RecordB        string            `json:"record_b_id"`
	Fields         []FieldSimilarity `json:"fields"`
	Aggregate      float64           `json:"aggregate"`
	RuleSetVersion string            `json:"rule_set_version"`
}

// ChangeKind describes what a resolution run did to an entity.
type ChangeKind string

const (
	EntityCreated    ChangeKind = "created"
	EntityUpdated    ChangeKind = "updated"
	EntityUnchanged  ChangeKind = "unchanged"
	EntityTombstoned ChangeKind = "tombstoned"
)

// ResolutionOutcome is the per-entity result of a resolution run.
type ResolutionOutcome struct {
	Entity     Entity     `json:"entity"`
	Change     ChangeKind `json:"change"`
	// ChainLength is the longest match-edge path inside the cluster.
	// Transitive closure can chain weakly related records; this is the
	// monitored signal for that trade-off.
	ChainLength int `json:"chain_length"`
}

// ConfidenceDistribution summarizes accepted match confidences for a run.
type ConfidenceDistribution struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	High    int     `json:"high_count"`   // >= 0.9
	Medium  int     `json:"medium_count"` // 0.7 - 0.9
	Low     int     `json:"low_count"`    // < 0.7
}

// ResolutionSummary is per-run bookkeeping persisted with the run's lineage.
type ResolutionSummary struct {
	RunID          string                 `json:"run_id"`
	InputRecords   int                    `json:"input_records"`
	MatchedPairs   int                    `json:"matched_pairs"`
	Entities       int                    `json:"entities"`
	Singletons     int                    `json:"singletons"`
	Confidence     ConfidenceDistribution `json:"confidence"`
	RuleSetVersion string                 `json:"rule_set_version"`
	Elapsed        time.Duration          `json:"elapsed"`
}
