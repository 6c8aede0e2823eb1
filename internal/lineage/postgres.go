package lineage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile/internal/db"
	"github.com/sells-group/reconcile/internal/model"
)

// PostgresStore implements Store using pgxpool. It is the multi-worker
// backend; the version check in UpsertEntity is what keeps concurrent
// resolution runs on overlapping blocks from silently dropping a merge.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for the
// hot path of the pipeline.
var preparedStatements = map[string]string{
	"append_entry": `INSERT INTO lineage_entries (entry_id, stage, subject_id, input_refs, output_refs, status, metadata, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (entry_id) DO NOTHING`,
	"insert_record": `INSERT INTO records (id, source, payload, ingested_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
	"get_entity": `SELECT entity_id, members, merge_strategy, confidence, payload, version, tombstoned, updated_at
		 FROM entities WHERE entity_id = $1`,
	"save_verdict": `INSERT INTO quality_verdicts (subject_id, subject_kind, rule_set_version, run_id, score, verdict, issues, recommendations, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (subject_id, rule_set_version, run_id) DO NOTHING`,
	"save_anomaly": `INSERT INTO anomalies (id, subject_id, metric, observed, expected_low, expected_high, method, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	payload     JSONB NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	entity_id      TEXT PRIMARY KEY,
	member_key     TEXT NOT NULL,
	members        JSONB NOT NULL,
	merge_strategy TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	payload        JSONB NOT NULL,
	version        BIGINT NOT NULL,
	tombstoned     BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_members (
	record_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(entity_id)
);

CREATE TABLE IF NOT EXISTS lineage_entries (
	entry_id    TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	input_refs  JSONB NOT NULL,
	output_refs JSONB NOT NULL,
	status      TEXT NOT NULL,
	metadata    JSONB,
	produced_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_verdicts (
	subject_id       TEXT NOT NULL,
	subject_kind     TEXT NOT NULL,
	rule_set_version TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	score            DOUBLE PRECISION NOT NULL,
	verdict          TEXT NOT NULL,
	issues           JSONB NOT NULL,
	recommendations  JSONB,
	checked_at       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (subject_id, rule_set_version, run_id)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	metric        TEXT NOT NULL,
	observed      DOUBLE PRECISION NOT NULL,
	expected_low  DOUBLE PRECISION NOT NULL,
	expected_high DOUBLE PRECISION NOT NULL,
	method        TEXT NOT NULL,
	detected_at   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS findings (
	finding_id    TEXT PRIMARY KEY,
	target_metric TEXT NOT NULL,
	body          JSONB NOT NULL,
	analyzed_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_member_key ON entities(member_key);
CREATE INDEX IF NOT EXISTS idx_entity_members_entity ON entity_members(entity_id);
CREATE INDEX IF NOT EXISTS idx_entries_subject ON lineage_entries(subject_id);
CREATE INDEX IF NOT EXISTS idx_entries_status ON lineage_entries(status);
CREATE INDEX IF NOT EXISTS idx_verdicts_subject ON quality_verdicts(subject_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_metric ON anomalies(metric, detected_at);
CREATE INDEX IF NOT EXISTS idx_findings_metric ON findings(target_metric, analyzed_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) SaveRecord(ctx context.Context, r model.Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal record payload")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO records (id, source, payload, ingested_at) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
		r.ID, r.Source, payload, r.IngestedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: insert record %s", r.ID)
}

// SaveRecords bulk-loads a batch through a temp table upsert, skipping ids
// the store already holds.
func (s *PostgresStore) SaveRecords(ctx context.Context, rs []model.Record) error {
	rows := make([][]any, 0, len(rs))
	for _, r := range rs {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return eris.Wrapf(err, "postgres: marshal record payload %s", r.ID)
		}
		rows = append(rows, []any{r.ID, r.Source, payload, r.IngestedAt.UTC()})
	}
	_, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "records",
		Columns:      []string{"id", "source", "payload", "ingested_at"},
		ConflictKeys: []string{"id"},
		DoNothing:    true,
	}, rows)
	return err
}

func (s *PostgresStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	var r model.Record
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, source, payload, ingested_at FROM records WHERE id = $1`, id,
	).Scan(&r.ID, &r.Source, &payload, &r.IngestedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %s", id)
	}
	if err := json.Unmarshal(payload, &r.Payload); err != nil {
		return nil, eris.Wrapf(err, "postgres: decode record payload %s", id)
	}
	return &r, nil
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e model.LineageEntry) error {
	inputs, err := json.Marshal(e.InputRefs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal input refs")
	}
	outputs, err := json.Marshal(e.OutputRefs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal output refs")
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entry metadata")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO lineage_entries (entry_id, stage, subject_id, input_refs, output_refs, status, metadata, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (entry_id) DO NOTHING`,
		e.EntryID, string(e.Stage), e.SubjectID, inputs, outputs, string(e.Status), metadata, e.ProducedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append entry %s", e.EntryID)
}

func (s *PostgresStore) EntriesBySubject(ctx context.Context, subjectID string) ([]model.LineageEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entry_id, stage, subject_id, input_refs, output_refs, status, metadata, produced_at
		 FROM lineage_entries WHERE subject_id = $1 ORDER BY produced_at, entry_id`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: entries for subject %s", subjectID)
	}
	defer rows.Close()

	var out []model.LineageEntry
	for rows.Next() {
		var e model.LineageEntry
		var inputs, outputs, metadata []byte
		if err := rows.Scan(&e.EntryID, &e.Stage, &e.SubjectID, &inputs, &outputs, &e.Status, &metadata, &e.ProducedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry")
		}
		if err := json.Unmarshal(inputs, &e.InputRefs); err != nil {
			return nil, eris.Wrap(err, "postgres: decode input refs")
		}
		if err := json.Unmarshal(outputs, &e.OutputRefs); err != nil {
			return nil, eris.Wrap(err, "postgres: decode output refs")
		}
		if len(metadata) > 0 && string(metadata) != "null" {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "postgres: decode entry metadata")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.Version < 1 {
		return eris.Wrapf(ErrVersionConflict, "entity %s version %d below 1", e.EntityID, e.Version)
	}
	payload, err := json.Marshal(e.RepresentativePayload)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity payload")
	}
	members, err := json.Marshal(e.MemberRecordIDs)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal entity members")
	}
	memberKey := model.MemberKey(e.MemberRecordIDs)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx)

	var current int64
	var currentKey string
	err = tx.QueryRow(ctx,
		`SELECT version, member_key FROM entities WHERE entity_id = $1 FOR UPDATE`, e.EntityID,
	).Scan(&current, &currentKey)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if e.Version != 1 {
			return eris.Wrapf(ErrVersionConflict, "entity %s version %d has no base", e.EntityID, e.Version)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entities (entity_id, member_key, members, merge_strategy, confidence, payload, version, tombstoned, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.EntityID, memberKey, members, string(e.MergeStrategy), e.Confidence, payload, e.Version, e.Tombstoned, e.UpdatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: insert entity %s", e.EntityID)
		}
	case err != nil:
		return eris.Wrapf(err, "postgres: read entity version %s", e.EntityID)
	case e.Version == current && currentKey == memberKey:
		return eris.Wrap(tx.Commit(ctx), "postgres: commit noop upsert")
	case e.Version != current+1:
		return eris.Wrapf(ErrVersionConflict, "entity %s version %d against stored %d", e.EntityID, e.Version, current)
	default:
		if _, err := tx.Exec(ctx,
			`UPDATE entities SET member_key = $1, members = $2, merge_strategy = $3, confidence = $4, payload = $5, version = $6, tombstoned = $7, updated_at = $8
			 WHERE entity_id = $9 AND version = $10`,
			memberKey, members, string(e.MergeStrategy), e.Confidence, payload, e.Version, e.Tombstoned, e.UpdatedAt.UTC(),
			e.EntityID, current,
		); err != nil {
			return eris.Wrapf(err, "postgres: update entity %s", e.EntityID)
		}
	}

	// Clear the entity's old membership and any membership the incoming
	// records hold elsewhere, then COPY the new rows in one round trip.
	if _, err := tx.Exec(ctx,
		`DELETE FROM entity_members WHERE entity_id = $1 OR record_id = ANY($2)`,
		e.EntityID, e.MemberRecordIDs,
	); err != nil {
		return eris.Wrapf(err, "postgres: clear members %s", e.EntityID)
	}
	memberRows := make([][]any, len(e.MemberRecordIDs))
	for i, recordID := range e.MemberRecordIDs {
		memberRows[i] = []any{recordID, e.EntityID}
	}
	if _, err := db.CopyFrom(ctx, tx, "entity_members", []string{"record_id", "entity_id"}, memberRows); err != nil {
		return eris.Wrapf(err, "postgres: set membership for %s", e.EntityID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit upsert")
}

func (s *PostgresStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	return scanEntityPg(s.pool.QueryRow(ctx,
		`SELECT entity_id, members, merge_strategy, confidence, payload, version, tombstoned, updated_at
		 FROM entities WHERE entity_id = $1`, entityID), entityID)
}

func (s *PostgresStore) EntityByMemberKey(ctx context.Context, memberKey string) (*model.Entity, error) {
	e, err := scanEntityPg(s.pool.QueryRow(ctx,
		`SELECT entity_id, members, merge_strategy, confidence, payload, version, tombstoned, updated_at
		 FROM entities WHERE member_key = $1 AND NOT tombstoned`, memberKey), memberKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *PostgresStore) EntityForRecord(ctx context.Context, recordID string) (*model.Entity, error) {
	e, err := scanEntityPg(s.pool.QueryRow(ctx,
		`SELECT e.entity_id, e.members, e.merge_strategy, e.confidence, e.payload, e.version, e.tombstoned, e.updated_at
		 FROM entities e JOIN entity_members m ON m.entity_id = e.entity_id
		 WHERE m.record_id = $1 AND NOT e.tombstoned`, recordID), recordID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func scanEntityPg(row pgx.Row, id string) (*model.Entity, error) {
	var e model.Entity
	var members, payload []byte
	err := row.Scan(&e.EntityID, &members, &e.MergeStrategy, &e.Confidence, &payload, &e.Version, &e.Tombstoned, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: scan entity %s", id)
	}
	if err := json.Unmarshal(members, &e.MemberRecordIDs); err != nil {
		return nil, eris.Wrap(err, "postgres: decode entity members")
	}
	if err := json.Unmarshal(payload, &e.RepresentativePayload); err != nil {
		return nil, eris.Wrap(err, "postgres: decode entity payload")
	}
	return &e, nil
}

func (s *PostgresStore) SaveVerdict(ctx context.Context, v model.QualityVerdict) error {
	if err := v.Validate(); err != nil {
		return err
	}
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal issues")
	}
	recs, err := json.Marshal(v.Recommendations)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal recommendations")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO quality_verdicts (subject_id, subject_kind, rule_set_version, run_id, score, verdict, issues, recommendations, checked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) ON CONFLICT (subject_id, rule_set_version, run_id) DO NOTHING`,
		v.SubjectID, string(v.SubjectKind), v.RuleSetVersion, v.RunID, v.Score, string(v.Verdict), issues, recs, v.CheckedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save verdict for %s", v.SubjectID)
}

func (s *PostgresStore) LatestVerdict(ctx context.Context, subjectID string) (*model.QualityVerdict, error) {
	var v model.QualityVerdict
	var issues, recs []byte
	err := s.pool.QueryRow(ctx,
		`SELECT subject_id, subject_kind, rule_set_version, run_id, score, verdict, issues, recommendations, checked_at
		 FROM quality_verdicts WHERE subject_id = $1 ORDER BY checked_at DESC, run_id DESC LIMIT 1`,
		subjectID,
	).Scan(&v.SubjectID, &v.SubjectKind, &v.RuleSetVersion, &v.RunID, &v.Score, &v.Verdict, &issues, &recs, &v.CheckedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "verdict for %s", subjectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest verdict for %s", subjectID)
	}
	if err := json.Unmarshal(issues, &v.Issues); err != nil {
		return nil, eris.Wrap(err, "postgres: decode issues")
	}
	if err := json.Unmarshal(recs, &v.Recommendations); err != nil {
		return nil, eris.Wrap(err, "postgres: decode recommendations")
	}
	return &v, nil
}

func (s *PostgresStore) SaveAnomaly(ctx context.Context, a model.Anomaly) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO anomalies (id, subject_id, metric, observed, expected_low, expected_high, method, detected_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) ON CONFLICT (id) DO NOTHING`,
		anomalyID(a), a.SubjectID, a.Metric, a.Observed, a.ExpectedLow, a.ExpectedHigh, a.Method, a.DetectedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save anomaly for %s", a.SubjectID)
}

func (s *PostgresStore) AnomalyCount(ctx context.Context, metric string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM anomalies WHERE metric = $1 AND detected_at >= $2`,
		metric, since.UTC(),
	).Scan(&n)
	return n, eris.Wrapf(err, "postgres: anomaly count for %s", metric)
}

func (s *PostgresStore) ScoreHistory(ctx context.Context, since time.Time) ([]model.MetricPoint, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT date_trunc('day', checked_at) AS day, AVG(score)
		 FROM quality_verdicts WHERE checked_at >= $1 GROUP BY day ORDER BY day`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: score history")
	}
	defer rows.Close()

	var out []model.MetricPoint
	for rows.Next() {
		var p model.MetricPoint
		if err := rows.Scan(&p.At, &p.Value); err != nil {
			return nil, eris.Wrap(err, "postgres: scan score history")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) SaveFinding(ctx context.Context, f model.RootCauseFinding) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal finding")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO findings (finding_id, target_metric, body, analyzed_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (finding_id) DO NOTHING`,
		f.FindingID, f.TargetMetric, body, f.AnalyzedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: save finding %s", f.FindingID)
}

func (s *PostgresStore) LatestFinding(ctx context.Context, targetMetric string) (*model.RootCauseFinding, error) {
	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM findings WHERE target_metric = $1 ORDER BY analyzed_at DESC, finding_id DESC LIMIT 1`,
		targetMetric,
	).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "finding for %s", targetMetric)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: latest finding for %s", targetMetric)
	}
	var f model.RootCauseFinding
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, eris.Wrap(err, "postgres: decode finding")
	}
	return &f, nil
}

func (s *PostgresStore) Snapshot(ctx context.Context) (*Metrics, error) {
	var m Metrics
	err := s.pool.QueryRow(ctx, `SELECT
		(SELECT COUNT(*) FROM records),
		(SELECT COUNT(*) FROM entities WHERE NOT tombstoned),
		(SELECT COUNT(*) FROM entities WHERE tombstoned),
		(SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'pass'),
		(SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'warn'),
		(SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'quarantine'),
		(SELECT COUNT(*) FROM anomalies),
		(SELECT COUNT(*) FROM findings),
		(SELECT COUNT(*) FROM lineage_entries WHERE status = 'pending')`,
	).Scan(&m.Records, &m.LiveEntities, &m.Tombstoned, &m.PassVerdicts, &m.WarnVerdicts, &m.Quarantined, &m.Anomalies, &m.Findings, &m.PendingEntries)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: snapshot")
	}
	return &m, nil
}
