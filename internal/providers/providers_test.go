package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

func TestCache(t *testing.T) {
	cache := NewCache(1 * time.Hour)

	matches := []models.ThreatMatch{{URL: "http://bad.example", ThreatType: "MALWARE"}}

	cache.Set("http://bad.example", matches)
	cached, ok := cache.Get("http://bad.example")
	if !ok {
		t.Fatal("Expected cached entry")
	}
	if len(cached) != 1 || cached[0].ThreatType != "MALWARE" {
		t.Errorf("Unexpected cached matches: %+v", cached)
	}

	// a clean URL is cached with no matches
	cache.Set("https://good.example", nil)
	if _, ok := cache.Get("https://good.example"); !ok {
		t.Error("Expected clean URL to be cached")
	}

	if _, ok := cache.Get("https://other.example"); ok {
		t.Error("Expected miss for non-cached entry")
	}

	cache.Clear()
	if _, ok := cache.Get("http://bad.example"); ok {
		t.Error("Expected miss after cache clear")
	}
}

func TestCacheTTL(t *testing.T) {
	cache := NewCache(time.Minute)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	cache.Set("https://example.com", nil)
	now = now.Add(2 * time.Minute)

	if _, ok := cache.Get("https://example.com"); ok {
		t.Error("Expected miss for expired cache entry")
	}
}

func TestSafeBrowsingName(t *testing.T) {
	sb := NewSafeBrowsing(SafeBrowsingConfig{}, logger.NewNop())
	if sb.Name() != "safebrowsing" {
		t.Errorf("Expected name 'safebrowsing', got %s", sb.Name())
	}
}

func TestSafeBrowsingIsAvailable(t *testing.T) {
	sb := NewSafeBrowsing(SafeBrowsingConfig{}, logger.NewNop())
	if sb.IsAvailable() {
		t.Error("Expected unavailable without API key")
	}

	sb = NewSafeBrowsing(SafeBrowsingConfig{APIKey: "test-key"}, logger.NewNop())
	if !sb.IsAvailable() {
		t.Error("Expected available with API key")
	}
}

func TestSafeBrowsingCheckNoAPIKey(t *testing.T) {
	sb := NewSafeBrowsing(SafeBrowsingConfig{}, logger.NewNop())

	verdict, err := sb.CheckURLs(context.Background(), []string{"http://example.com", "https://example.com/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if verdict.Checked {
		t.Error("Expected unchecked verdict without API key")
	}
	if verdict.Safe {
		t.Error("Safe must not be set on an unchecked verdict")
	}
	if len(verdict.URLs) != 2 {
		t.Errorf("Expected 2 URLs, got %d", len(verdict.URLs))
	}
}

func newSafeBrowsingServer(t *testing.T, hits *atomic.Int32, matches map[string]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)

		if r.URL.Query().Get("key") != "test-key" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/threatMatches:find" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		var req safeBrowsingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		var resp safeBrowsingResponse
		for _, entry := range req.ThreatInfo.ThreatEntries {
			if threat, ok := matches[entry.URL]; ok {
				resp.Matches = append(resp.Matches, safeBrowsingMatch{
					ThreatType:      threat,
					PlatformType:    "ANY_PLATFORM",
					ThreatEntryType: "URL",
					Threat:          safeBrowsingThreatEntry{URL: entry.URL},
				})
			}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestSafeBrowsingCheckMockServer(t *testing.T) {
	var hits atomic.Int32
	server := newSafeBrowsingServer(t, &hits, map[string]string{
		"http://malware.example/": "MALWARE",
	})
	defer server.Close()

	sb := NewSafeBrowsing(SafeBrowsingConfig{APIKey: "test-key", BaseURL: server.URL}, logger.NewNop())

	verdict, err := sb.CheckURLs(context.Background(), []string{
		"http://malware.example/",
		"https://safe.example/",
		"http://malware.example/",
		"",
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if !verdict.Checked {
		t.Error("Expected checked verdict")
	}
	if verdict.Safe {
		t.Error("Expected unsafe verdict")
	}
	if len(verdict.URLs) != 2 {
		t.Errorf("Expected duplicate and empty URLs dropped, got %v", verdict.URLs)
	}
	if len(verdict.Matches) != 1 || verdict.Matches[0].ThreatType != "MALWARE" {
		t.Errorf("Unexpected matches: %+v", verdict.Matches)
	}

	// second check is answered from the cache
	again, err := sb.CheckURLs(context.Background(), []string{"http://malware.example/", "https://safe.example/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if again.Safe || len(again.Matches) != 1 {
		t.Errorf("Expected cached unsafe verdict, got %+v", again)
	}
	if hits.Load() != 1 {
		t.Errorf("Expected 1 API call, got %d", hits.Load())
	}
}

func TestSafeBrowsingCheckSafe(t *testing.T) {
	var hits atomic.Int32
	server := newSafeBrowsingServer(t, &hits, nil)
	defer server.Close()

	sb := NewSafeBrowsing(SafeBrowsingConfig{APIKey: "test-key", BaseURL: server.URL}, logger.NewNop())

	verdict, err := sb.CheckURLs(context.Background(), []string{"https://example.com/"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !verdict.Checked || !verdict.Safe {
		t.Errorf("Expected checked safe verdict, got %+v", verdict)
	}
}

func TestSafeBrowsingCheckErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{"rate limited", http.StatusTooManyRequests},
		{"server error", http.StatusInternalServerError},
		{"forbidden", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			sb := NewSafeBrowsing(SafeBrowsingConfig{APIKey: "test-key", BaseURL: server.URL}, logger.NewNop())

			verdict, err := sb.CheckURLs(context.Background(), []string{"https://example.com/"})
			if err == nil {
				t.Fatal("Expected error")
			}
			if verdict != nil {
				t.Error("Expected nil verdict on error")
			}
			if tt.status == http.StatusTooManyRequests && err != ErrRateLimited {
				t.Errorf("Expected ErrRateLimited, got %v", err)
			}
		})
	}
}

func TestSafeBrowsingCheckCanceled(t *testing.T) {
	sb := NewSafeBrowsing(SafeBrowsingConfig{APIKey: "test-key", BaseURL: "http://127.0.0.1:1", RateLimit: 0.001}, logger.NewNop())
	// drain the burst so the next lookup has to wait on the limiter
	sb.limiter.Allow()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := sb.CheckURLs(ctx, []string{"https://example.com/"}); err == nil {
		t.Error("Expected error for canceled context")
	}
}

func TestDedupe(t *testing.T) {
	got := dedupe([]string{"a", "", "b", "a", "c", "b"})
	want := []string{"a", "b", "c"}

	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected %v, got %v", want, got)
		}
	}
}
