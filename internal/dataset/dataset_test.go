package dataset

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadAssignsIndexIDs(t *testing.T) {
	t.Parallel()

	ds, err := Read(strings.NewReader("\ufeffname,url\nA,https://a.example\nB,https://b.example\n"), Options{URLColumn: "url"})
	require.NoError(t, err)
	require.Equal(t, []string{"name", "url"}, ds.Columns)
	require.Equal(t, 2, ds.Len())

	row, ok := ds.Row("1")
	require.True(t, ok)
	require.Equal(t, 1, row.Index)
	require.Equal(t, "https://b.example", row.URL)
	require.Equal(t, "B", row.Data["name"])

	_, ok = ds.Row("7")
	require.False(t, ok)
}

func TestReadUsesIDColumn(t *testing.T) {
	t.Parallel()

	ds, err := Read(strings.NewReader("sku,url\nx-1,https://a.example\nx-2,https://b.example\n"), Options{URLColumn: "url", IDColumn: "sku"})
	require.NoError(t, err)
	row, ok := ds.Row("x-2")
	require.True(t, ok)
	require.Equal(t, 1, row.Index)
}

func TestReadRejectsBadInput(t *testing.T) {
	t.Parallel()

	cases := map[string]struct {
		body string
		opts Options
		want string
	}{
		"empty":        {body: "", opts: Options{URLColumn: "url"}, want: "header"},
		"no rows":      {body: "url\n", opts: Options{URLColumn: "url"}, want: "no rows"},
		"missing url":  {body: "name,url\nA,\n", opts: Options{URLColumn: "url"}, want: "missing the URL column"},
		"duplicate id": {body: "id,url\n1,https://a\n1,https://b\n", opts: Options{URLColumn: "url", IDColumn: "id"}, want: "duplicate row id"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Read(strings.NewReader(tc.body), tc.opts)
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestLoadFromDisk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rows.csv")
	require.NoError(t, os.WriteFile(path, []byte("url\nhttps://a.example\n"), 0o600))
	ds, err := Load(path, Options{URLColumn: "url"})
	require.NoError(t, err)
	require.Equal(t, 1, ds.Len())

	_, err = Load(filepath.Join(t.TempDir(), "missing.csv"), Options{URLColumn: "url"})
	require.Error(t, err)
}
