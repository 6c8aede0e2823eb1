// Package lineage persists the pipeline's audit trail and resolved state:
// raw records, entities, quality verdicts, anomalies, and root-cause
// findings, plus the append-only entry log that ties them together.
package lineage

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/model"
)

// ErrNotFound is returned for lookups of subjects the store has never seen.
var ErrNotFound = eris.New("lineage: not found")

// ErrVersionConflict is returned when an entity upsert carries a version the
// store cannot apply monotonically. The caller retries resolution on the
// affected block; the store never resolves the race by overwriting.
var ErrVersionConflict = eris.New("lineage: entity version conflict")

// Metrics is a point-in-time view of store contents for monitoring.
type Metrics struct {
	Records        int `json:"records"`
	LiveEntities   int `json:"live_entities"`
	Tombstoned     int `json:"tombstoned_entities"`
	PassVerdicts   int `json:"pass_verdicts"`
	WarnVerdicts   int `json:"warn_verdicts"`
	Quarantined    int `json:"quarantined_verdicts"`
	Anomalies      int `json:"anomalies"`
	Findings       int `json:"findings"`
	PendingEntries int `json:"pending_entries"`
}

// Store is the persistence contract for the pipeline. The transport delivers
// at least once, so every write keyed by an external id must be an
// idempotent upsert, not a blind insert.
type Store interface {
	// SaveRecord persists a raw record. Records are immutable; replaying the
	// same id is a no-op.
	SaveRecord(ctx context.Context, r model.Record) error
	// SaveRecords persists a batch in one round trip where the backend
	// supports it. Same idempotence as SaveRecord.
	SaveRecords(ctx context.Context, rs []model.Record) error
	GetRecord(ctx context.Context, id string) (*model.Record, error)

	// AppendEntry adds one audit row. Appending the same entry id twice
	// leaves the store in the same observable state as appending it once.
	AppendEntry(ctx context.Context, e model.LineageEntry) error
	EntriesBySubject(ctx context.Context, subjectID string) ([]model.LineageEntry, error)

	// UpsertEntity applies an entity change under a monotonic version check:
	// version 1 inserts, version n+1 replaces version n, anything else is
	// ErrVersionConflict. Replaying the exact stored version is a no-op.
	UpsertEntity(ctx context.Context, e model.Entity) error
	GetEntity(ctx context.Context, entityID string) (*model.Entity, error)
	EntityByMemberKey(ctx context.Context, memberKey string) (*model.Entity, error)
	EntityForRecord(ctx context.Context, recordID string) (*model.Entity, error)

	// SaveVerdict stores one verdict per (subject, rule-set version, run).
	SaveVerdict(ctx context.Context, v model.QualityVerdict) error
	LatestVerdict(ctx context.Context, subjectID string) (*model.QualityVerdict, error)

	SaveAnomaly(ctx context.Context, a model.Anomaly) error
	AnomalyCount(ctx context.Context, metric string, since time.Time) (int, error)

	// ScoreHistory returns the daily mean quality score since the given
	// time, oldest first. This is the target series for root cause analysis.
	ScoreHistory(ctx context.Context, since time.Time) ([]model.MetricPoint, error)

	// SaveFinding is idempotent on finding id.
	SaveFinding(ctx context.Context, f model.RootCauseFinding) error
	LatestFinding(ctx context.Context, targetMetric string) (*model.RootCauseFinding, error)

	Snapshot(ctx context.Context) (*Metrics, error)

	Migrate(ctx context.Context) error
	Close() error
}
