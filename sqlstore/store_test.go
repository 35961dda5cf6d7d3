package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/storetest"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return New(db, Postgres), mock
}

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) saga.Store {
		store, err := Open(context.Background(), SQLite, ":memory:")
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		require.NoError(t, store.Migrate(context.Background()))
		return store
	})
}

func TestCreateInsertsVersionOne(t *testing.T) {
	store, mock := newMockStore(t)
	rec := storetest.NewRecord("order")

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO saga_records`)).
		WithArgs(rec.ID, "order", "RUNNING", false, 1, sqlmock.AnyArg(), rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Create(context.Background(), rec))
	assert.Equal(t, int64(1), rec.Version)
}

func TestCreateDuplicate(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO saga_records`)).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := store.Create(context.Background(), storetest.NewRecord("order"))
	assert.ErrorIs(t, err, saga.ErrAlreadyExists)
}

func TestCreateUnavailable(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO saga_records`)).
		WillReturnError(errors.New("dial tcp: connection refused"))

	err := store.Create(context.Background(), storetest.NewRecord("order"))
	assert.ErrorIs(t, err, saga.ErrStoreUnavailable)
}

func TestUpdateChecksVersion(t *testing.T) {
	store, mock := newMockStore(t)
	rec := storetest.NewRecord("order")
	rec.Version = 2
	rec.Status = saga.StatusCompensating

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE saga_records SET status = $1, partial = $2, version = $3, payload = $4, updated_at = $5 WHERE saga_id = $6 AND version = $7`)).
		WithArgs("COMPENSATING", false, 3, sqlmock.AnyArg(), sqlmock.AnyArg(), rec.ID, 2).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, store.Update(context.Background(), rec))
	assert.Equal(t, int64(3), rec.Version)
}

func TestUpdateConflict(t *testing.T) {
	store, mock := newMockStore(t)
	rec := storetest.NewRecord("order")
	rec.Version = 2

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE saga_records`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM saga_records WHERE saga_id = $1`)).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(3))

	err := store.Update(context.Background(), rec)
	assert.ErrorIs(t, err, saga.ErrVersionConflict)
	assert.Equal(t, int64(2), rec.Version)
}

func TestUpdateMissing(t *testing.T) {
	store, mock := newMockStore(t)
	rec := storetest.NewRecord("order")
	rec.Version = 1

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE saga_records`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT version FROM saga_records`)).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	assert.ErrorIs(t, store.Update(context.Background(), rec), saga.ErrSagaNotFound)
}

func TestFindDecodesPayload(t *testing.T) {
	store, mock := newMockStore(t)
	rec := storetest.NewRecord("order")
	rec.Version = 4
	rec.CompletedSteps = []saga.StepName{"CreateOrder"}
	payload, err := json.Marshal(rec)
	require.NoError(t, err)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM saga_records WHERE saga_id = $1`)).
		WithArgs(rec.ID).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).AddRow(string(payload)))

	got, err := store.Find(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, int64(4), got.Version)
	assert.Equal(t, []saga.StepName{"CreateOrder"}, got.CompletedSteps)
}

func TestFindMissing(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT payload FROM saga_records`)).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"payload"}))

	_, err := store.Find(context.Background(), "nope")
	assert.ErrorIs(t, err, saga.ErrSagaNotFound)
}

func TestListQuery(t *testing.T) {
	before := time.Unix(1700000000, 0)
	f := saga.Filter{
		Statuses:      []saga.Status{saga.StatusFailed, saga.StatusCompensating},
		Type:          "order",
		Partial:       saga.BoolPtr(true),
		UpdatedBefore: before,
		Limit:         10,
		Offset:        20,
	}

	query, values := New(nil, Postgres).listQuery(f)
	assert.Equal(t, "SELECT saga_id, payload FROM saga_records WHERE status IN ($1, $2) AND saga_type = $3 AND partial = $4 AND updated_at < $5 ORDER BY created_at, saga_id LIMIT $6 OFFSET $7", query)
	assert.Equal(t, []any{"FAILED", "COMPENSATING", "order", true, before.UnixNano(), 10, 20}, values)

	query, _ = New(nil, SQLite).listQuery(saga.Filter{Type: "order"})
	assert.Equal(t, "SELECT saga_id, payload FROM saga_records WHERE saga_type = ? ORDER BY created_at, saga_id", query)
}

func TestMigrate(t *testing.T) {
	store, mock := newMockStore(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, store.Migrate(context.Background()))
}

func TestDialectFor(t *testing.T) {
	d, err := DialectFor("postgres")
	require.NoError(t, err)
	assert.Equal(t, "pgx", d.Driver)

	d, err = DialectFor("sqlite")
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", d.Driver)

	_, err = DialectFor("oracle")
	assert.Error(t, err)
}
