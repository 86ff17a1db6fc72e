package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	name, err := New(filepath.Join(t.TempDir(), "nope", FileName)).Load()
	require.NoError(t, err)
	require.Empty(t, name)
}

func TestSaveAndLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), AppName, FileName)
	store := New(path)
	require.NoError(t, store.Save("  Al "))

	name, err := New(path).Load()
	require.NoError(t, err)
	require.Equal(t, "Al", name)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "reviewer: Al\n", string(raw))

	require.NoError(t, store.Save("Bo"))
	name, err = store.Load()
	require.NoError(t, err)
	require.Equal(t, "Bo", name)
}

func TestLoadRejectsGarbage(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte("reviewer: [unclosed"), 0o600))
	_, err := New(path).Load()
	require.Error(t, err)
}

func TestDefaultPath(t *testing.T) {
	t.Parallel()

	require.True(t, strings.HasSuffix(DefaultPath(), filepath.Join(AppName, FileName)))
	require.Equal(t, DefaultPath(), New("").Path())
}
