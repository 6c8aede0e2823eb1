// Package pipeline wires the resolution, quality, and root cause stages
// together over the event transport and the lineage store. Stages share no
// state besides the store and the quality baseline cache; same-subject work
// is serialized by partition key, different subjects run in parallel.
package pipeline

import (
	"github.com/sells-group/reconcile/internal/model"
)

// RawBatch is the payload on raw-records: one ingestion batch, resolved as
// a unit so a failure never leaves a block half-merged.
type RawBatch struct {
	RunID   string         `json:"run_id"`
	Records []model.Record `json:"records"`
}

// ResolvedEvent is the payload on resolved-entities, keyed by entity id.
// The quality stage reloads the entity from the store so a redelivered
// event always checks current state.
type ResolvedEvent struct {
	RunID    string           `json:"run_id"`
	EntityID string           `json:"entity_id"`
	Change   model.ChangeKind `json:"change"`
}

// QualityEvent is the payload on quality-events, keyed by subject id.
type QualityEvent struct {
	RunID     string              `json:"run_id"`
	SubjectID string              `json:"subject_id"`
	Verdict   model.VerdictStatus `json:"verdict"`
	Score     float64             `json:"score"`
	Anomalies int                 `json:"anomalies"`
}

// RCARequest is the payload on rca-events, keyed by target metric so
// concurrent triggers for the same metric collapse into serialized runs.
type RCARequest struct {
	TargetMetric string `json:"target_metric"`
	WindowDays   int    `json:"window_days"`
	Trigger      string `json:"trigger"` // "quarantine" or "anomaly-rate"
}

// AuditEvent is the payload on audit-logs: the entry ids a stage appended.
type AuditEvent struct {
	RunID    string      `json:"run_id"`
	Stage    model.Stage `json:"stage"`
	EntryIDs []string    `json:"entry_ids"`
}
