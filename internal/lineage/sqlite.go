package lineage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/reconcile/internal/model"
)

// anomalyNamespace makes anomaly row ids a pure function of their content so
// redelivered quality events do not double-count.
var anomalyNamespace = uuid.MustParse("c1f7b3aa-52e4-4f96-8d27-9b8a4c0e5d13")

// SQLiteStore implements Store using modernc.org/sqlite. It is the default
// backend for single-node deployments and tests.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	payload     TEXT NOT NULL,
	ingested_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entities (
	entity_id      TEXT PRIMARY KEY,
	member_key     TEXT NOT NULL,
	members        TEXT NOT NULL,
	merge_strategy TEXT NOT NULL,
	confidence     REAL NOT NULL,
	payload        TEXT NOT NULL,
	version        INTEGER NOT NULL,
	tombstoned     INTEGER NOT NULL DEFAULT 0,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS entity_members (
	record_id TEXT PRIMARY KEY,
	entity_id TEXT NOT NULL REFERENCES entities(entity_id)
);

CREATE TABLE IF NOT EXISTS lineage_entries (
	entry_id    TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	subject_id  TEXT NOT NULL,
	input_refs  TEXT NOT NULL,
	output_refs TEXT NOT NULL,
	status      TEXT NOT NULL,
	metadata    TEXT,
	produced_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS quality_verdicts (
	subject_id       TEXT NOT NULL,
	subject_kind     TEXT NOT NULL,
	rule_set_version TEXT NOT NULL,
	run_id           TEXT NOT NULL,
	score            REAL NOT NULL,
	verdict          TEXT NOT NULL,
	issues           TEXT NOT NULL,
	recommendations  TEXT,
	checked_at       DATETIME NOT NULL,
	PRIMARY KEY (subject_id, rule_set_version, run_id)
);

CREATE TABLE IF NOT EXISTS anomalies (
	id            TEXT PRIMARY KEY,
	subject_id    TEXT NOT NULL,
	metric        TEXT NOT NULL,
	observed      REAL NOT NULL,
	expected_low  REAL NOT NULL,
	expected_high REAL NOT NULL,
	method        TEXT NOT NULL,
	detected_at   DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS findings (
	finding_id    TEXT PRIMARY KEY,
	target_metric TEXT NOT NULL,
	body          TEXT NOT NULL,
	analyzed_at   DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entities_member_key ON entities(member_key);
CREATE INDEX IF NOT EXISTS idx_entity_members_entity ON entity_members(entity_id);
CREATE INDEX IF NOT EXISTS idx_entries_subject ON lineage_entries(subject_id);
CREATE INDEX IF NOT EXISTS idx_entries_status ON lineage_entries(status);
CREATE INDEX IF NOT EXISTS idx_verdicts_subject ON quality_verdicts(subject_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_metric ON anomalies(metric, detected_at);
CREATE INDEX IF NOT EXISTS idx_findings_metric ON findings(target_metric, analyzed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveRecord(ctx context.Context, r model.Record) error {
	payload, err := json.Marshal(r.Payload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal record payload")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (id, source, payload, ingested_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		r.ID, r.Source, string(payload), r.IngestedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
}

func (s *SQLiteStore) SaveRecords(ctx context.Context, rs []model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin record batch")
	}
	defer tx.Rollback()

	for _, r := range rs {
		payload, err := json.Marshal(r.Payload)
		if err != nil {
			return eris.Wrapf(err, "sqlite: marshal record payload %s", r.ID)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO records (id, source, payload, ingested_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			r.ID, r.Source, string(payload), r.IngestedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "sqlite: insert record %s", r.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit record batch")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*model.Record, error) {
	var r model.Record
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source, payload, ingested_at FROM records WHERE id = ?`, id,
	).Scan(&r.ID, &r.Source, &payload, &r.IngestedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %s", id)
	}
	if err := json.Unmarshal([]byte(payload), &r.Payload); err != nil {
		return nil, eris.Wrapf(err, "sqlite: decode record payload %s", id)
	}
	return &r, nil
}

func (s *SQLiteStore) AppendEntry(ctx context.Context, e model.LineageEntry) error {
	inputs, err := json.Marshal(e.InputRefs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal input refs")
	}
	outputs, err := json.Marshal(e.OutputRefs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal output refs")
	}
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entry metadata")
	}
	// The uniqueness constraint on entry_id absorbs transport redelivery;
	// a duplicate append is not an error.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lineage_entries (entry_id, stage, subject_id, input_refs, output_refs, status, metadata, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entry_id) DO NOTHING`,
		e.EntryID, string(e.Stage), e.SubjectID, string(inputs), string(outputs), string(e.Status), string(metadata), e.ProducedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append entry %s", e.EntryID)
}

func (s *SQLiteStore) EntriesBySubject(ctx context.Context, subjectID string) ([]model.LineageEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT entry_id, stage, subject_id, input_refs, output_refs, status, metadata, produced_at
		 FROM lineage_entries WHERE subject_id = ? ORDER BY produced_at, entry_id`,
		subjectID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: entries for subject %s", subjectID)
	}
	defer rows.Close()

	var out []model.LineageEntry
	for rows.Next() {
		var e model.LineageEntry
		var inputs, outputs, metadata string
		if err := rows.Scan(&e.EntryID, &e.Stage, &e.SubjectID, &inputs, &outputs, &e.Status, &metadata, &e.ProducedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry")
		}
		if err := json.Unmarshal([]byte(inputs), &e.InputRefs); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode input refs")
		}
		if err := json.Unmarshal([]byte(outputs), &e.OutputRefs); err != nil {
			return nil, eris.Wrap(err, "sqlite: decode output refs")
		}
		if metadata != "" && metadata != "null" {
			if err := json.Unmarshal([]byte(metadata), &e.Metadata); err != nil {
				return nil, eris.Wrap(err, "sqlite: decode entry metadata")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertEntity(ctx context.Context, e model.Entity) error {
	if e.Version < 1 {
		return eris.Wrapf(ErrVersionConflict, "entity %s version %d below 1", e.EntityID, e.Version)
	}
	payload, err := json.Marshal(e.RepresentativePayload)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity payload")
	}
	members, err := json.Marshal(e.MemberRecordIDs)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal entity members")
	}
	memberKey := model.MemberKey(e.MemberRecordIDs)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback()

	var current int64
	var currentKey string
	err = tx.QueryRowContext(ctx,
		`SELECT version, member_key FROM entities WHERE entity_id = ?`, e.EntityID,
	).Scan(&current, &currentKey)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if e.Version != 1 {
			return eris.Wrapf(ErrVersionConflict, "entity %s version %d has no base", e.EntityID, e.Version)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entities (entity_id, member_key, members, merge_strategy, confidence, payload, version, tombstoned, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EntityID, memberKey, string(members), string(e.MergeStrategy), e.Confidence, string(payload), e.Version, boolInt(e.Tombstoned), e.UpdatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert entity %s", e.EntityID)
		}
	case err != nil:
		return eris.Wrapf(err, "sqlite: read entity version %s", e.EntityID)
	case e.Version == current && currentKey == memberKey:
		// Redelivered upsert of the stored state: absorb silently.
		return tx.Commit()
	case e.Version != current+1:
		return eris.Wrapf(ErrVersionConflict, "entity %s version %d against stored %d", e.EntityID, e.Version, current)
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE entities SET member_key = ?, members = ?, merge_strategy = ?, confidence = ?, payload = ?, version = ?, tombstoned = ?, updated_at = ?
			 WHERE entity_id = ? AND version = ?`,
			memberKey, string(members), string(e.MergeStrategy), e.Confidence, string(payload), e.Version, boolInt(e.Tombstoned), e.UpdatedAt.UTC(),
			e.EntityID, current,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update entity %s", e.EntityID)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM entity_members WHERE entity_id = ?`, e.EntityID); err != nil {
		return eris.Wrapf(err, "sqlite: clear members %s", e.EntityID)
	}
	for _, recordID := range e.MemberRecordIDs {
		// A record belongs to exactly one live entity, so membership moves
		// with the newest upsert.
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO entity_members (record_id, entity_id) VALUES (?, ?)
			 ON CONFLICT(record_id) DO UPDATE SET entity_id = excluded.entity_id`,
			recordID, e.EntityID,
		); err != nil {
			return eris.Wrapf(err, "sqlite: set membership %s", recordID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit upsert")
}

func (s *SQLiteStore) GetEntity(ctx context.Context, entityID string) (*model.Entity, error) {
	return scanEntity(s.db.QueryRowContext(ctx,
		`SELECT entity_id, members, merge_strategy, confidence, payload, version, tombstoned, updated_at
		 FROM entities WHERE entity_id = ?`, entityID), entityID)
}

func (s *SQLiteStore) EntityByMemberKey(ctx context.Context, memberKey string) (*model.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT entity_id, members, merge_strategy, confidence, payload, version, tombstoned, updated_at
		 FROM entities WHERE member_key = ? AND tombstoned = 0`, memberKey), memberKey)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

func (s *SQLiteStore) EntityForRecord(ctx context.Context, recordID string) (*model.Entity, error) {
	e, err := scanEntity(s.db.QueryRowContext(ctx,
		`SELECT e.entity_id, e.members, e.merge_strategy, e.confidence, e.payload, e.version, e.tombstoned, e.updated_at
		 FROM entities e JOIN entity_members m ON m.entity_id = e.entity_id
		 WHERE m.record_id = ? AND e.tombstoned = 0`, recordID), recordID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return e, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntity(row scannable, id string) (*model.Entity, error) {
	var e model.Entity
	var members, payload string
	var tombstoned int
	err := row.Scan(&e.EntityID, &members, &e.MergeStrategy, &e.Confidence, &payload, &e.Version, &tombstoned, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "entity %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: scan entity %s", id)
	}
	if err := json.Unmarshal([]byte(members), &e.MemberRecordIDs); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode entity members")
	}
	if err := json.Unmarshal([]byte(payload), &e.RepresentativePayload); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode entity payload")
	}
	e.Tombstoned = tombstoned != 0
	return &e, nil
}

func (s *SQLiteStore) SaveVerdict(ctx context.Context, v model.QualityVerdict) error {
	if err := v.Validate(); err != nil {
		return err
	}
	issues, err := json.Marshal(v.Issues)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal issues")
	}
	recs, err := json.Marshal(v.Recommendations)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal recommendations")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO quality_verdicts (subject_id, subject_kind, rule_set_version, run_id, score, verdict, issues, recommendations, checked_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id, rule_set_version, run_id) DO NOTHING`,
		v.SubjectID, string(v.SubjectKind), v.RuleSetVersion, v.RunID, v.Score, string(v.Verdict), string(issues), string(recs), v.CheckedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save verdict for %s", v.SubjectID)
}

func (s *SQLiteStore) LatestVerdict(ctx context.Context, subjectID string) (*model.QualityVerdict, error) {
	var v model.QualityVerdict
	var issues, recs string
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, subject_kind, rule_set_version, run_id, score, verdict, issues, recommendations, checked_at
		 FROM quality_verdicts WHERE subject_id = ? ORDER BY checked_at DESC, run_id DESC LIMIT 1`,
		subjectID,
	).Scan(&v.SubjectID, &v.SubjectKind, &v.RuleSetVersion, &v.RunID, &v.Score, &v.Verdict, &issues, &recs, &v.CheckedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "verdict for %s", subjectID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest verdict for %s", subjectID)
	}
	if err := json.Unmarshal([]byte(issues), &v.Issues); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode issues")
	}
	if err := json.Unmarshal([]byte(recs), &v.Recommendations); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode recommendations")
	}
	return &v, nil
}

func (s *SQLiteStore) SaveAnomaly(ctx context.Context, a model.Anomaly) error {
	id := anomalyID(a)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO anomalies (id, subject_id, metric, observed, expected_low, expected_high, method, detected_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		id, a.SubjectID, a.Metric, a.Observed, a.ExpectedLow, a.ExpectedHigh, a.Method, a.DetectedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save anomaly for %s", a.SubjectID)
}

func (s *SQLiteStore) AnomalyCount(ctx context.Context, metric string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM anomalies WHERE metric = ? AND detected_at >= ?`,
		metric, since.UTC(),
	).Scan(&n)
	return n, eris.Wrapf(err, "sqlite: anomaly count for %s", metric)
}

func (s *SQLiteStore) ScoreHistory(ctx context.Context, since time.Time) ([]model.MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%d', checked_at) AS day, AVG(score)
		 FROM quality_verdicts WHERE checked_at >= ? GROUP BY day ORDER BY day`,
		since.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: score history")
	}
	defer rows.Close()

	var out []model.MetricPoint
	for rows.Next() {
		var day string
		var avg float64
		if err := rows.Scan(&day, &avg); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan score history")
		}
		at, err := time.Parse("2006-01-02", day)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: parse day %q", day)
		}
		out = append(out, model.MetricPoint{At: at, Value: avg})
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveFinding(ctx context.Context, f model.RootCauseFinding) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal finding")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO findings (finding_id, target_metric, body, analyzed_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(finding_id) DO NOTHING`,
		f.FindingID, f.TargetMetric, string(body), f.AnalyzedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: save finding %s", f.FindingID)
}

func (s *SQLiteStore) LatestFinding(ctx context.Context, targetMetric string) (*model.RootCauseFinding, error) {
	var body string
	err := s.db.QueryRowContext(ctx,
		`SELECT body FROM findings WHERE target_metric = ? ORDER BY analyzed_at DESC, finding_id DESC LIMIT 1`,
		targetMetric,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "finding for %s", targetMetric)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: latest finding for %s", targetMetric)
	}
	var f model.RootCauseFinding
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, eris.Wrap(err, "sqlite: decode finding")
	}
	return &f, nil
}

func (s *SQLiteStore) Snapshot(ctx context.Context) (*Metrics, error) {
	var m Metrics
	queries := []struct {
		dst   *int
		query string
	}{
		{&m.Records, `SELECT COUNT(*) FROM records`},
		{&m.LiveEntities, `SELECT COUNT(*) FROM entities WHERE tombstoned = 0`},
		{&m.Tombstoned, `SELECT COUNT(*) FROM entities WHERE tombstoned = 1`},
		{&m.PassVerdicts, `SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'pass'`},
		{&m.WarnVerdicts, `SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'warn'`},
		{&m.Quarantined, `SELECT COUNT(*) FROM quality_verdicts WHERE verdict = 'quarantine'`},
		{&m.Anomalies, `SELECT COUNT(*) FROM anomalies`},
		{&m.Findings, `SELECT COUNT(*) FROM findings`},
		{&m.PendingEntries, `SELECT COUNT(*) FROM lineage_entries WHERE status = 'pending'`},
	}
	for _, q := range queries {
		if err := s.db.QueryRowContext(ctx, q.query).Scan(q.dst); err != nil {
			return nil, eris.Wrap(err, "sqlite: snapshot")
		}
	}
	return &m, nil
}

func anomalyID(a model.Anomaly) string {
	seed := a.SubjectID + "\x1f" + a.Metric + "\x1f" + a.DetectedAt.UTC().Format(time.RFC3339Nano)
	return uuid.NewSHA1(anomalyNamespace, []byte(seed)).String()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
