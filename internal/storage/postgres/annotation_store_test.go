package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-annotator/internal/annotator"
)

func newMockStore(t *testing.T) (pgxmock.PgxPoolIface, *AnnotationStore) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewAnnotationStoreWithPool(mock, "annotations")
	require.NoError(t, err)
	return mock, store
}

func TestUpsertFirstSave(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("0").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT annotator FROM annotations").
		WithArgs("0").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO annotations").
		WithArgs("0", "Al", []byte(`{"category":"news","tags":"a;b"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), "0", map[string]string{"category": "news", "tags": "a;b"}, " Al ")
	require.NoError(t, err)
	require.True(t, res.Created)
	require.Equal(t, "Al", res.Record.Annotator)
	require.Nil(t, res.Conflict())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertReportsPreviousOwner(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("3").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT annotator FROM annotations").
		WithArgs("3").
		WillReturnRows(pgxmock.NewRows([]string{"annotator"}).AddRow("Al"))
	mock.ExpectExec("INSERT INTO annotations").
		WithArgs("3", "Bo", []byte(`{"category":"shop"}`), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	res, err := store.Upsert(context.Background(), "3", map[string]string{"category": "shop"}, "Bo")
	require.NoError(t, err)
	require.False(t, res.Created)
	conflict := res.Conflict()
	require.NotNil(t, conflict)
	require.Equal(t, "Al", conflict.Previous)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").
		WithArgs("1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT annotator FROM annotations").
		WithArgs("1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec("INSERT INTO annotations").
		WithArgs("1", "Al", []byte(`{}`), pgxmock.AnyArg()).
		WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := store.Upsert(context.Background(), "1", nil, "Al")
	var perr *annotator.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.ErrorContains(t, err, "disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetDecodesValues(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT annotator, field_values FROM annotations").
		WithArgs("2").
		WillReturnRows(pgxmock.NewRows([]string{"annotator", "field_values"}).
			AddRow("Bo", []byte(`{"ok":"true"}`)))
	mock.ExpectQuery("SELECT annotator, field_values FROM annotations").
		WithArgs("9").
		WillReturnError(pgx.ErrNoRows)

	rec, ok, err := store.Get(context.Background(), "2")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, annotator.Record{RowID: "2", Values: map[string]string{"ok": "true"}, Annotator: "Bo"}, rec)

	_, ok, err = store.Get(context.Background(), "9")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAllListsRecords(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectQuery("SELECT row_id, annotator, field_values FROM annotations").
		WillReturnRows(pgxmock.NewRows([]string{"row_id", "annotator", "field_values"}).
			AddRow("0", "Al", []byte(`{"a":"x"}`)).
			AddRow("1", "", []byte(`{"a":""}`)))

	all, err := store.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "Al", all["0"].Annotator)
	require.False(t, all["1"].Claimed())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchemaAndTableValidation(t *testing.T) {
	t.Parallel()

	mock, store := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS annotations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())

	_, err := NewAnnotationStoreWithPool(mock, "bad;name")
	require.Error(t, err)
}
