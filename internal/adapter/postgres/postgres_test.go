package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/catalog-crawler/internal/entity"
	"github.com/user/catalog-crawler/internal/repository"
)

func newMock(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func testEntity() *entity.MergedEntity {
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	key := entity.EntityKey{Namespace: "acme", PrimaryName: "Monster", VariantYear: 2024}
	e := entity.NewMergedEntity(key, now)
	e.Fields["power"] = entity.ResolvedField{
		Value:            entity.NumericValue("82 kW", 82, "kW"),
		ContributingRole: entity.RoleDetail,
		SourceURL:        "https://acme.com/bikes/monster/2024/specs",
		Conflict:         true,
	}
	e.AddSource("https://acme.com/bikes/monster/2024")
	e.AddSource("https://acme.com/bikes/monster/2024/specs")
	return e
}

func TestMigrate(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS merged_entities").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, Migrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityRepoSave(t *testing.T) {
	mock := newMock(t)
	e := testEntity()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO merged_entities")).
		WithArgs("acme/monster/2024/base", "acme", "Monster", 2024, "base",
			pgxmock.AnyArg(), e.SourceURLs, pgxmock.AnyArg(), []string{"power"},
			e.FirstSeenAt, e.UpdatedAt, e.FinalizedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, NewEntityRepo(mock).Save(context.Background(), e))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityRepoSaveError(t *testing.T) {
	mock := newMock(t)
	mock.ExpectExec("INSERT INTO merged_entities").WillReturnError(errors.New("connection lost"))

	err := NewEntityRepo(mock).Save(context.Background(), testEntity())
	assert.ErrorContains(t, err, "acme/monster/2024/base")
}

func TestEntityRepoFindByKey(t *testing.T) {
	mock := newMock(t)
	want := testEntity()
	finalized := want.UpdatedAt.Add(time.Minute)
	fields, err := json.Marshal(want.Fields)
	require.NoError(t, err)

	mock.ExpectQuery("SELECT namespace, primary_name").
		WithArgs("acme/monster/2024/base").
		WillReturnRows(pgxmock.NewRows([]string{
			"namespace", "primary_name", "variant_year", "variant_label", "fields", "source_urls", "assets",
			"first_seen_at", "updated_at", "finalized_at",
		}).AddRow("acme", "Monster", 2024, "base", fields, want.SourceURLs, []byte(`[]`),
			want.FirstSeenAt, want.UpdatedAt, &finalized))

	got, err := NewEntityRepo(mock).FindByKey(context.Background(), want.Key)
	require.NoError(t, err)
	assert.True(t, got.Key.Equal(want.Key))
	assert.Equal(t, want.SourceURLs, got.SourceURLs)
	assert.InDelta(t, 82, *got.Fields["power"].Value.Numeric, 1e-9)
	assert.True(t, got.Fields["power"].Conflict)
	require.NotNil(t, got.FinalizedAt)
	assert.Equal(t, finalized, *got.FinalizedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEntityRepoFindByKeyNotFound(t *testing.T) {
	mock := newMock(t)
	mock.ExpectQuery("SELECT namespace, primary_name").WillReturnError(pgx.ErrNoRows)

	_, err := NewEntityRepo(mock).FindByKey(context.Background(), testEntity().Key)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestFailedURLRepo(t *testing.T) {
	mock := newMock(t)
	repo := NewFailedURLRepo(mock)
	ctx := context.Background()
	last := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	next := last.Add(5 * time.Second)
	fu := &entity.FailedURL{
		URL:                  "https://acme.com/broken",
		FailureReason:        "connection reset",
		HTTPStatusCode:       0,
		LastAttemptTimestamp: last,
		RetryCount:           2,
		NextRetryAt:          &next,
	}

	mock.ExpectExec("INSERT INTO failed_urls").
		WithArgs(fu.URL, fu.FailureReason, 0, last, 2, &next, false).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.SaveOrUpdate(ctx, fu))

	mock.ExpectQuery("SELECT id, url, failure_reason").
		WithArgs(fu.URL).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "url", "failure_reason", "http_status_code", "last_attempt_timestamp", "retry_count", "next_retry_at", "permanent",
		}).AddRow(int64(7), fu.URL, fu.FailureReason, 0, last, 2, &next, false))
	got, err := repo.FindByURL(ctx, fu.URL)
	require.NoError(t, err)
	assert.Equal(t, int64(7), got.ID)
	assert.Equal(t, 2, got.RetryCount)
	assert.False(t, got.Permanent)

	mock.ExpectQuery("SELECT id, url, failure_reason").WillReturnError(pgx.ErrNoRows)
	_, err = repo.FindByURL(ctx, "https://acme.com/fine")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	mock.ExpectExec("DELETE FROM failed_urls").WithArgs(fu.URL).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	require.NoError(t, repo.Delete(ctx, fu.URL))
	mock.ExpectExec("DELETE FROM failed_urls").WithArgs(fu.URL).WillReturnResult(pgxmock.NewResult("DELETE", 0))
	assert.ErrorIs(t, repo.Delete(ctx, fu.URL), repository.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetRepo(t *testing.T) {
	mock := newMock(t)
	repo := NewAssetRepo(mock)
	ctx := context.Background()
	created := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	e := &entity.DedupEntry{
		ContentHash:    "ab12",
		CanonicalPath:  "ab/12.jpg",
		ReferenceCount: 3,
		FirstSourceURL: "https://acme.com/a.jpg",
		SizeBytes:      1024,
		CreatedAt:      created,
	}

	mock.ExpectExec("INSERT INTO dedup_assets").
		WithArgs("ab12", "ab/12.jpg", 3, "https://acme.com/a.jpg", int64(1024), created).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, repo.Upsert(ctx, e))

	mock.ExpectQuery("SELECT content_hash, canonical_path").
		WillReturnRows(pgxmock.NewRows([]string{"content_hash", "canonical_path", "reference_count", "first_source_url", "size_bytes", "created_at"}).
			AddRow("ab12", "ab/12.jpg", 3, "https://acme.com/a.jpg", int64(1024), created))
	list, err := repo.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, e, list[0])

	assert.NoError(t, mock.ExpectationsWereMet())
}
