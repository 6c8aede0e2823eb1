package lineage

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile/internal/model"
)

func testPgStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgresWithPool(mock), mock
}

func TestPostgresAppendEntryConflictIgnored(t *testing.T) {
	s, mock := testPgStore(t)

	mock.ExpectExec(`INSERT INTO lineage_entries`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.AppendEntry(context.Background(), model.LineageEntry{
		EntryID:    "entry-1",
		Stage:      model.StageResolution,
		SubjectID:  "ent-1",
		InputRefs:  []string{"r1"},
		OutputRefs: []string{"ent-1"},
		Status:     model.EntryComplete,
		ProducedAt: time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetRecordNotFound(t *testing.T) {
	s, mock := testPgStore(t)

	mock.ExpectQuery(`SELECT id, source, payload, ingested_at FROM records`).
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRecord(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertEntityStaleVersion(t *testing.T) {
	s, mock := testPgStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, member_key FROM entities`).
		WithArgs("ent-1").
		WillReturnRows(pgxmock.NewRows([]string{"version", "member_key"}).
			AddRow(int64(4), model.MemberKey([]string{"r1", "r2"})))
	mock.ExpectRollback()

	err := s.UpsertEntity(context.Background(), model.Entity{
		EntityID:              "ent-1",
		MemberRecordIDs:       []string{"r1", "r2", "r3"},
		MergeStrategy:         model.MergePriorityBased,
		Confidence:            0.9,
		RepresentativePayload: model.MustPayload(strField("name", "ACME")),
		Version:               2,
		UpdatedAt:             time.Now().UTC(),
	})
	assert.ErrorIs(t, err, ErrVersionConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertEntityReplayNoop(t *testing.T) {
	s, mock := testPgStore(t)

	members := []string{"r1", "r2"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, member_key FROM entities`).
		WithArgs("ent-1").
		WillReturnRows(pgxmock.NewRows([]string{"version", "member_key"}).
			AddRow(int64(3), model.MemberKey(members)))
	mock.ExpectCommit()

	err := s.UpsertEntity(context.Background(), model.Entity{
		EntityID:              "ent-1",
		MemberRecordIDs:       members,
		MergeStrategy:         model.MergePriorityBased,
		Confidence:            0.9,
		RepresentativePayload: model.MustPayload(strField("name", "ACME")),
		Version:               3,
		UpdatedAt:             time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpsertEntityAppliesNextVersion(t *testing.T) {
	s, mock := testPgStore(t)

	members := []string{"r1", "r2", "r3"}
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT version, member_key FROM entities`).
		WithArgs("ent-1").
		WillReturnRows(pgxmock.NewRows([]string{"version", "member_key"}).
			AddRow(int64(2), model.MemberKey([]string{"r1", "r2"})))
	mock.ExpectExec(`UPDATE entities SET`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`DELETE FROM entity_members`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectCopyFrom(pgx.Identifier{"entity_members"}, []string{"record_id", "entity_id"}).
		WillReturnResult(3)
	mock.ExpectCommit()

	err := s.UpsertEntity(context.Background(), model.Entity{
		EntityID:              "ent-1",
		MemberRecordIDs:       members,
		MergeStrategy:         model.MergePriorityBased,
		Confidence:            0.85,
		RepresentativePayload: model.MustPayload(strField("name", "ACME")),
		Version:               3,
		UpdatedAt:             time.Now().UTC(),
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSnapshot(t *testing.T) {
	s, mock := testPgStore(t)

	mock.ExpectQuery(`SELECT`).WillReturnRows(
		pgxmock.NewRows([]string{"c1", "c2", "c3", "c4", "c5", "c6", "c7", "c8", "c9"}).
			AddRow(100, 40, 3, 80, 15, 5, 7, 2, 1),
	)

	m, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 100, m.Records)
	assert.Equal(t, 5, m.Quarantined)
	assert.Equal(t, 1, m.PendingEntries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveVerdictRejectsInvalid(t *testing.T) {
	s, _ := testPgStore(t)

	err := s.SaveVerdict(context.Background(), model.QualityVerdict{
		SubjectID:      "r1",
		SubjectKind:    model.SubjectRecord,
		Score:          140,
		Verdict:        model.VerdictPass,
		RuleSetVersion: "q1",
		RunID:          "run-1",
		CheckedAt:      time.Now().UTC(),
	})
	assert.Error(t, err)
}
