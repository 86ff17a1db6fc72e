package csvfile

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/dataset"
	"github.com/JakeFAU/page-annotator/internal/resume"
	"github.com/JakeFAU/page-annotator/internal/storage/storetest"
)

func newStore(t *testing.T, path string) *Store {
	t.Helper()
	ds, err := dataset.Read(strings.NewReader("url\nhttps://a\nhttps://b\nhttps://c\n"), dataset.Options{URLColumn: "url"})
	require.NoError(t, err)
	store, err := New(Config{
		Path:            path,
		Dataset:         ds,
		Fields:          []string{"category", "tags"},
		AnnotatorColumn: "annotator",
	})
	require.NoError(t, err)
	return store
}

func TestStoreConformance(t *testing.T) {
	t.Parallel()

	storetest.Run(t, func(t *testing.T) annotator.Store {
		ds, err := dataset.Read(
			strings.NewReader("id,url\n0,https://a\n1,https://b\n2,https://c\nhot,https://h\n"),
			dataset.Options{URLColumn: "url", IDColumn: "id"},
		)
		require.NoError(t, err)
		store, err := New(Config{
			Path:            filepath.Join(t.TempDir(), "out.csv"),
			Dataset:         ds,
			Fields:          []string{"category", "tags", "notes"},
			AnnotatorColumn: "annotator",
		})
		require.NoError(t, err)
		return store
	})
}

func TestStoreWritesFullExport(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "out.csv")
	store := newStore(t, path)
	_, err := store.Upsert(context.Background(), "1", map[string]string{"category": "news", "tags": "a;b"}, " Al ")
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close() //nolint:errcheck // test cleanup
	lines, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)

	require.Equal(t, [][]string{
		{"entry_id", "url", "category", "tags", "annotator"},
		{"0", "https://a", "", "", ""},
		{"1", "https://b", "news", "a;b", "Al"},
		{"2", "https://c", "", "", ""},
	}, lines)
}

func TestStoreReloadsSavedRowsOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out.csv")
	first := newStore(t, path)
	_, err := first.Upsert(context.Background(), "2", map[string]string{"category": "shop", "tags": ""}, "Bo")
	require.NoError(t, err)

	second := newStore(t, path)
	all, err := second.All(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, annotator.Record{
		RowID:     "2",
		Values:    map[string]string{"category": "shop", "tags": ""},
		Annotator: "Bo",
	}, all["2"])
}

func TestStoreRejectsUnknownRow(t *testing.T) {
	t.Parallel()

	store := newStore(t, filepath.Join(t.TempDir(), "out.csv"))
	_, err := store.Upsert(context.Background(), "99", nil, "Al")
	require.ErrorIs(t, err, annotator.ErrRowNotFound)
}

func TestStoreWriteFailureRollsBack(t *testing.T) {
	t.Parallel()

	parent := filepath.Join(t.TempDir(), "sub")
	store := newStore(t, filepath.Join(parent, "out.csv"))
	// The output directory is now a regular file, so the rewrite fails.
	require.NoError(t, os.WriteFile(parent, []byte("x"), 0o600))

	_, err := store.Upsert(context.Background(), "0", map[string]string{"category": "news"}, "Al")
	var perr *annotator.PersistenceError
	require.ErrorAs(t, err, &perr)

	_, ok, err := store.Get(context.Background(), "0")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreKeepsOwnerAcrossReopenWithDefaultColumn(t *testing.T) {
	t.Parallel()

	ds, err := dataset.Read(strings.NewReader("url\nhttps://a\nhttps://b\n"), dataset.Options{URLColumn: "url"})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "out.csv")
	open := func() *Store {
		store, err := New(Config{Path: path, Dataset: ds, Fields: []string{"label"}})
		require.NoError(t, err)
		return store
	}

	_, err = open().Upsert(context.Background(), "0", map[string]string{"label": "news"}, "Al")
	require.NoError(t, err)

	all, err := open().All(context.Background())
	require.NoError(t, err)
	require.Equal(t, "Al", all["0"].Annotator)
	require.Equal(t, 1, resume.Index("al", ds.Rows, all))
}

func TestStoreRejectsReservedFieldNames(t *testing.T) {
	t.Parallel()

	ds, err := dataset.Read(strings.NewReader("url\nhttps://a\n"), dataset.Options{URLColumn: "url"})
	require.NoError(t, err)
	for _, field := range []string{DefaultAnnotatorColumn, EntryIDColumn} {
		_, err := New(Config{Path: filepath.Join(t.TempDir(), "out.csv"), Dataset: ds, Fields: []string{field}})
		require.ErrorContains(t, err, "reserved column")
	}
}
