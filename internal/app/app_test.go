// Package app_test contains unit tests for the app package.
package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/page-annotator/internal/annotator"
	"github.com/JakeFAU/page-annotator/internal/app"
	"github.com/JakeFAU/page-annotator/internal/config"
	memorypublisher "github.com/JakeFAU/page-annotator/internal/publisher/memory"
	"github.com/JakeFAU/page-annotator/internal/storage/publishing"
)

// MockStore mocks the annotator.Store interface.
type MockStore struct {
	mock.Mock
}

// Upsert satisfies the annotator.Store interface for the mock.
func (m *MockStore) Upsert(ctx context.Context, rowID string, values map[string]string, reviewer string) (annotator.UpsertResult, error) {
	args := m.Called(ctx, rowID, values, reviewer)
	return args.Get(0).(annotator.UpsertResult), args.Error(1)
}

// Get satisfies the annotator.Store interface for the mock.
func (m *MockStore) Get(ctx context.Context, rowID string) (annotator.Record, bool, error) {
	args := m.Called(ctx, rowID)
	return args.Get(0).(annotator.Record), args.Bool(1), args.Error(2)
}

// All satisfies the annotator.Store interface for the mock.
func (m *MockStore) All(ctx context.Context) (map[string]annotator.Record, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]annotator.Record), args.Error(1)
}

// Close satisfies the annotator.Store interface for the mock.
func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}

// setupTest writes a small dataset and returns a config using the memory backend.
func setupTest(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	data := filepath.Join(dir, "pages.csv")
	require.NoError(t, os.WriteFile(data, []byte("url,title\nhttps://a.example/,A\nhttps://b.example/,B\n"), 0o600))
	return config.Config{
		Server:  config.ServerConfig{Port: 5000},
		HTTP:    config.HTTPConfig{TimeoutSeconds: 5, UserAgent: "PageAnnotator/test"},
		Dataset: config.DatasetConfig{DataFile: data, URLColumn: "url"},
		Annotation: config.AnnotationConfig{
			Output:               filepath.Join(dir, "annotations.csv"),
			AnnotatorColumn:      "annotator",
			DefaultListSeparator: "; ",
			Fields: []annotator.Field{
				{Name: "label", Label: "Label", Type: annotator.FieldText},
				{Name: "tags", Label: "Tags", Type: annotator.FieldList},
			},
		},
		Viewer:  config.ViewerConfig{FrameTimeoutMs: 4500, AutoProxyOnBlock: true},
		Storage: config.StorageConfig{Backend: config.BackendMemory},
	}
}

func save(t *testing.T, a *app.App, rowID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/annotation/"+rowID, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewApp_Success(t *testing.T) {
	t.Parallel()

	a, err := app.NewApp(context.Background(), setupTest(t), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.Logger())
	assert.NotNil(t, a.Prober())
	assert.Equal(t, 2, a.Dataset().Len())
	assert.IsType(t, &publishing.Store{}, a.Store())

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "https://b.example/")
}

func TestNewApp_ConfigErrors(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name          string
		configSetup   func(*config.Config)
		expectedError string
	}{
		{
			name:          "Unknown storage backend",
			configSetup:   func(c *config.Config) { c.Storage.Backend = "unknown" },
			expectedError: "unknown storage backend: unknown",
		},
		{
			name:          "Missing dataset",
			configSetup:   func(c *config.Config) { c.Dataset.DataFile = filepath.Join(t.TempDir(), "missing.csv") },
			expectedError: "load dataset",
		},
		{
			name:          "Dataset without url column",
			configSetup:   func(c *config.Config) { c.Dataset.URLColumn = "link" },
			expectedError: "missing the URL column",
		},
		{
			name: "Postgres with bad DSN",
			configSetup: func(c *config.Config) {
				c.Storage.Backend = config.BackendPostgres
				c.DB.DSN = "::not a dsn::"
			},
			expectedError: "failed to initialize storage",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			cfg := setupTest(t)
			tc.configSetup(&cfg)

			_, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.expectedError)
		})
	}
}

func TestNewApp_SavesPublishEvents(t *testing.T) {
	t.Parallel()

	pub := memorypublisher.New()
	a, err := app.NewApp(context.Background(), setupTest(t), zaptest.NewLogger(t), app.WithPublisher(pub))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := save(t, a, "1", `{"values":{"label":"shop","tags":["x"]},"annotator":"Al"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	msgs := pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, publishing.EventSaved, msgs[0].Topic)
	var event annotator.AnnotationSaved
	require.NoError(t, json.Unmarshal(msgs[0].Data, &event))
	require.Equal(t, "1", event.RowID)
	require.Equal(t, "Al", event.Annotator)
	require.Equal(t, "x", event.Values["tags"])
	require.NotEmpty(t, event.ID)
}

func TestNewApp_CSVBackendWritesOutput(t *testing.T) {
	t.Parallel()

	cfg := setupTest(t)
	cfg.Storage.Backend = config.BackendCSV
	a, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.Equal(t, http.StatusOK, save(t, a, "0", `{"values":{"label":"news","tags":["a","b"]},"annotator":"Bo"}`).Code)

	out, err := os.ReadFile(cfg.Annotation.Output)
	require.NoError(t, err)
	require.Contains(t, string(out), "entry_id,url,title,label,tags,annotator")
	require.Contains(t, string(out), "0,https://a.example/,A,news,a; b,Bo")
}

func TestNewApp_SQLiteBackendSurvivesRestart(t *testing.T) {
	t.Parallel()

	cfg := setupTest(t)
	cfg.Storage.Backend = config.BackendSQLite
	cfg.Storage.SQLitePath = filepath.Join(t.TempDir(), "annotations.db")

	first, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, save(t, first, "1", `{"values":{"label":"x"},"annotator":"Al"}`).Code)
	first.Close()

	second, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(second.Close)
	rec, ok, err := second.Store().Get(context.Background(), "1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Al", rec.Annotator)
}

func TestNewApp_TracingEnabled(t *testing.T) {
	cfg := setupTest(t)
	cfg.Telemetry = config.TelemetryConfig{TracingEnabled: true, ServiceName: "annotator-test", SampleRatio: 1}

	a, err := app.NewApp(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestApp_Close(t *testing.T) {
	t.Parallel()

	storeMock := new(MockStore)
	// Expect Close to be called exactly once, even when it fails.
	storeMock.On("Close").Return(errors.New("store error")).Once()

	a, err := app.NewApp(context.Background(), setupTest(t), zaptest.NewLogger(t), app.WithStore(storeMock))
	require.NoError(t, err)
	require.NoError(t, a.Ready(context.Background()))

	a.Close()
	a.Close()

	require.ErrorIs(t, a.Ready(context.Background()), app.ErrClosed)
	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	storeMock.AssertExpectations(t)
}
