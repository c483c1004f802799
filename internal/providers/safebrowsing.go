package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	defaultSafeBrowsingURL = "https://safebrowsing.googleapis.com/v4"
	defaultCacheTTL        = 30 * time.Minute
	defaultRateLimit       = 10
	maxResponseBytes       = 1 << 20
)

// ErrRateLimited is returned when the API rejects a request with 429
var ErrRateLimited = errors.New("google safe browsing API rate limit exceeded")

// SafeBrowsing checks URLs against the Google Safe Browsing v4 Lookup API
type SafeBrowsing struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *Cache
	limiter *rate.Limiter
	log     logger.Logger
}

// SafeBrowsingConfig contains configuration for the Safe Browsing provider
type SafeBrowsingConfig struct {
	APIKey   string
	Timeout  time.Duration
	CacheTTL time.Duration
	// RateLimit is the sustained requests per second allowed against the API
	RateLimit float64
	BaseURL   string
}

// NewSafeBrowsing creates a new Safe Browsing provider
func NewSafeBrowsing(config SafeBrowsingConfig, log logger.Logger) *SafeBrowsing {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ttl := config.CacheTTL
	if ttl == 0 {
		ttl = defaultCacheTTL
	}
	limit := config.RateLimit
	if limit <= 0 {
		limit = defaultRateLimit
	}
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = defaultSafeBrowsingURL
	}

	return &SafeBrowsing{
		apiKey:  config.APIKey,
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		cache:   NewCache(ttl),
		limiter: rate.NewLimiter(rate.Limit(limit), int(limit)+1),
		log:     log,
	}
}

// Name returns the provider identifier
func (s *SafeBrowsing) Name() string {
	return "safebrowsing"
}

// IsAvailable returns true if the provider is configured
func (s *SafeBrowsing) IsAvailable() bool {
	return s.apiKey != ""
}

// CheckURLs returns one verdict for the given URLs. Without an API key the verdict
// is returned unchecked. Safe is only meaningful when Checked is true.
func (s *SafeBrowsing) CheckURLs(ctx context.Context, urls []string) (*models.SafetyVerdict, error) {
	unique := dedupe(urls)
	verdict := &models.SafetyVerdict{URLs: unique}

	if !s.IsAvailable() {
		s.log.Debug("Safe Browsing API key not configured, skipping check")
		return verdict, nil
	}

	var matches []models.ThreatMatch
	var pending []string
	for _, u := range unique {
		if cached, ok := s.cache.Get(u); ok {
			matches = append(matches, cached...)
			continue
		}
		pending = append(pending, u)
	}

	if len(pending) > 0 {
		found, err := s.lookup(ctx, pending)
		if err != nil {
			return nil, err
		}

		byURL := make(map[string][]models.ThreatMatch, len(pending))
		for _, m := range found {
			byURL[m.URL] = append(byURL[m.URL], m)
		}
		for _, u := range pending {
			s.cache.Set(u, byURL[u])
			matches = append(matches, byURL[u]...)
		}
	}

	verdict.Checked = true
	verdict.Safe = len(matches) == 0
	verdict.Matches = matches
	return verdict, nil
}

func (s *SafeBrowsing) lookup(ctx context.Context, urls []string) ([]models.ThreatMatch, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("safe browsing rate limiter: %w", err)
	}

	reqURL := fmt.Sprintf("%s/threatMatches:find?key=%s", s.baseURL, s.apiKey)

	entries := make([]safeBrowsingThreatEntry, 0, len(urls))
	for _, u := range urls {
		entries = append(entries, safeBrowsingThreatEntry{URL: u})
	}

	// Create the request body according to Google Safe Browsing API v4
	requestBody := safeBrowsingRequest{
		Client: safeBrowsingClient{
			ClientID:      "urlanalyzer",
			ClientVersion: "1.0.0",
		},
		ThreatInfo: safeBrowsingThreatInfo{
			ThreatTypes: []string{
				"MALWARE",
				"SOCIAL_ENGINEERING",
				"UNWANTED_SOFTWARE",
				"POTENTIALLY_HARMFUL_APPLICATION",
			},
			PlatformTypes: []string{
				"ANY_PLATFORM",
			},
			ThreatEntryTypes: []string{
				"URL",
			},
			ThreatEntries: entries,
		},
	}

	jsonBody, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("safe browsing request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, ErrRateLimited
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("safe browsing API error: %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var sbResponse safeBrowsingResponse
	if err := json.Unmarshal(body, &sbResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	matches := make([]models.ThreatMatch, 0, len(sbResponse.Matches))
	for _, m := range sbResponse.Matches {
		matches = append(matches, models.ThreatMatch{
			URL:          m.Threat.URL,
			ThreatType:   m.ThreatType,
			PlatformType: m.PlatformType,
		})
	}
	return matches, nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Request structures for Google Safe Browsing API
type safeBrowsingRequest struct {
	Client     safeBrowsingClient     `json:"client"`
	ThreatInfo safeBrowsingThreatInfo `json:"threatInfo"`
}

type safeBrowsingClient struct {
	ClientID      string `json:"clientId"`
	ClientVersion string `json:"clientVersion"`
}

type safeBrowsingThreatInfo struct {
	ThreatTypes      []string                  `json:"threatTypes"`
	PlatformTypes    []string                  `json:"platformTypes"`
	ThreatEntryTypes []string                  `json:"threatEntryTypes"`
	ThreatEntries    []safeBrowsingThreatEntry `json:"threatEntries"`
}

type safeBrowsingThreatEntry struct {
	URL string `json:"url"`
}

// Response structures for Google Safe Browsing API
type safeBrowsingResponse struct {
	Matches []safeBrowsingMatch `json:"matches"`
}

type safeBrowsingMatch struct {
	ThreatType      string                  `json:"threatType"`
	PlatformType    string                  `json:"platformType"`
	ThreatEntryType string                  `json:"threatEntryType"`
	Threat          safeBrowsingThreatEntry `json:"threat"`
	CacheDuration   string                  `json:"cacheDuration"`
}
