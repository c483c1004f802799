package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commjoen/urlanalyzer/internal/analysis"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

type fakeAnalyzer struct {
	submitID   string
	submitErr  error
	submitted  []string
	results    map[string]*models.Result
	rehydrated int
	loadErr    error
}

func (f *fakeAnalyzer) Submit(_ context.Context, rawURL string) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}
	if err := analysis.ValidateURL(rawURL); err != nil {
		return "", err
	}
	f.submitted = append(f.submitted, rawURL)
	return f.submitID, nil
}

func (f *fakeAnalyzer) Rehydrate(_ context.Context, id string) (*models.Result, error) {
	f.rehydrated++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	r, ok := f.results[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return r, nil
}

type brokenCompletions struct {
	cache.Completions
}

func (brokenCompletions) Get(context.Context, string) (*models.CompletionRecord, error) {
	return nil, errors.New("dial tcp: connection refused")
}

func setupRouter(t *testing.T, a Analyzer, c cache.Completions) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	return NewRouter(NewHandler(a, c, logger.NewNop()), http.NotFoundHandler(), logger.NewNop())
}

func doJSON(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSubmit(t *testing.T) {
	tests := []struct {
		name       string
		body       any
		submitErr  error
		wantStatus int
	}{
		{"accepted", map[string]string{"url": "https://example.com"}, nil, http.StatusAccepted},
		{"missing url", map[string]string{}, nil, http.StatusBadRequest},
		{"invalid url", map[string]string{"url": "ftp://example.com"}, nil, http.StatusBadRequest},
		{"not json", nil, nil, http.StatusBadRequest},
		{"shutting down", map[string]string{"url": "https://example.com"}, analysis.ErrShuttingDown, http.StatusServiceUnavailable},
		{"mark pending fails", map[string]string{"url": "https://example.com"}, errors.New("redis down"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAnalyzer{submitID: "42", submitErr: tt.submitErr}
			router := setupRouter(t, a, cache.NewMemory())

			w := doJSON(router, http.MethodPost, "/api/v1/analyses", tt.body)
			assert.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusAccepted {
				body := decodeBody(t, w)
				assert.Equal(t, "42", body["id"])
				assert.Equal(t, "pending", body["status"])
				assert.Equal(t, "/api/v1/analyses/42", w.Header().Get("Location"))
				assert.Equal(t, []string{"https://example.com"}, a.submitted)
			} else {
				assert.Contains(t, decodeBody(t, w), "error")
			}
		})
	}
}

func TestGetCompletedRecord(t *testing.T) {
	ctx := context.Background()
	completions := cache.NewMemory()
	require.NoError(t, completions.Complete(ctx, "1", &models.CompletionRecord{
		OK:   true,
		Data: &models.Result{ID: "1", URL: "https://example.com"},
	}))
	require.NoError(t, completions.Complete(ctx, "2", &models.CompletionRecord{
		OK:    false,
		Error: "navigation to https://nope.invalid failed",
	}))

	a := &fakeAnalyzer{}
	router := setupRouter(t, a, completions)

	w := doJSON(router, http.MethodGet, "/api/v1/analyses/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decodeBody(t, w)
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "https://example.com", body["data"].(map[string]any)["url"])

	w = doJSON(router, http.MethodGet, "/api/v1/analyses/2", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decodeBody(t, w)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, "navigation to https://nope.invalid failed", body["error"])
	assert.NotContains(t, body, "data")

	assert.Zero(t, a.rehydrated, "completion records are served without touching storage")
}

func TestGetPending(t *testing.T) {
	completions := cache.NewMemory()
	require.NoError(t, completions.MarkPending(context.Background(), "7"))

	router := setupRouter(t, &fakeAnalyzer{}, completions)

	w := doJSON(router, http.MethodGet, "/api/v1/analyses/7", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "pending", decodeBody(t, w)["status"])
}

func TestGetFallsBackToStorage(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := &fakeAnalyzer{results: map[string]*models.Result{
		"9": {ID: "9", URL: "https://example.com", UpdatedAt: updated},
	}}

	tests := []struct {
		name        string
		completions cache.Completions
	}{
		{"record expired", cache.NewMemory()},
		{"cache unavailable", brokenCompletions{Completions: cache.NewMemory()}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := setupRouter(t, a, tt.completions)

			w := doJSON(router, http.MethodGet, "/api/v1/analyses/9", nil)
			require.Equal(t, http.StatusOK, w.Code)

			var record models.CompletionRecord
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &record))
			assert.True(t, record.OK)
			require.NotNil(t, record.Data)
			assert.Equal(t, "9", record.Data.ID)
			assert.True(t, updated.Equal(record.CompletedAt))
		})
	}
}

func TestGetNotFound(t *testing.T) {
	router := setupRouter(t, &fakeAnalyzer{}, cache.NewMemory())

	w := doJSON(router, http.MethodGet, "/api/v1/analyses/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetStorageError(t *testing.T) {
	a := &fakeAnalyzer{loadErr: errors.New("pq: relation does not exist")}
	router := setupRouter(t, a, cache.NewMemory())

	w := doJSON(router, http.MethodGet, "/api/v1/analyses/3", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "pq:")
}

func TestGetWithRedisCompletions(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	completions := cache.NewRedis(client, time.Hour, time.Minute)
	ctx := context.Background()
	require.NoError(t, completions.MarkPending(ctx, "5"))

	router := setupRouter(t, &fakeAnalyzer{}, completions)

	w := doJSON(router, http.MethodGet, "/api/v1/analyses/5", nil)
	assert.Equal(t, http.StatusAccepted, w.Code)

	require.NoError(t, completions.Complete(ctx, "5", &models.CompletionRecord{OK: true, Data: &models.Result{ID: "5"}}))

	w = doJSON(router, http.MethodGet, "/api/v1/analyses/5", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, decodeBody(t, w)["ok"])
}

func TestHealthAndRequestID(t *testing.T) {
	router := setupRouter(t, &fakeAnalyzer{}, cache.NewMemory())

	w := doJSON(router, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, w.Header().Get("X-Request-ID"), 36)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestRecovery(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(logger.NewNop()))
	router.GET("/panic", func(*gin.Context) { panic("boom") })

	w := doJSON(router, http.MethodGet, "/panic", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
