// Package crt provides Certificate Transparency log query functionality
package crt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	crtshBaseURL   = "https://crt.sh"
	defaultTimeout = 30 * time.Second
	retryDelay     = 2 * time.Second
	maxBodyBytes   = 16 << 20
)

// domainRegex validates RFC 1035 compliant domain names
var domainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}$`)

// Entry is one certificate record returned by crt.sh
type Entry struct {
	ID             int64  `json:"id"`
	IssuerName     string `json:"issuer_name"`
	CommonName     string `json:"common_name"`
	NameValue      string `json:"name_value"`
	EntryTimestamp string `json:"entry_timestamp"`
	NotBefore      string `json:"not_before"`
	NotAfter       string `json:"not_after"`
	SerialNumber   string `json:"serial_number"`
}

// Client provides methods to query Certificate Transparency logs
type Client struct {
	httpClient *http.Client
	baseURL    string
	attempts   int
}

// Option configures a Client
type Option func(*Client)

// WithAttempts sets how many times a failing query is attempted
func WithAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.attempts = n
		}
	}
}

// WithBaseURL points the client at another crt.sh compatible endpoint
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// NewClient creates a new CRT client with the specified timeout. Queries are
// attempted once unless WithAttempts says otherwise.
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:  crtshBaseURL,
		attempts: 1,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateDomain checks if the domain is a valid RFC 1035 compliant domain name
func ValidateDomain(domain string) error {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return fmt.Errorf("domain cannot be empty")
	}
	if len(domain) > 253 {
		return fmt.Errorf("domain name too long (max 253 characters)")
	}
	if !domainRegex.MatchString(domain) {
		return fmt.Errorf("invalid domain format: %s", domain)
	}
	return nil
}

// Check reports whether certificates for the host of rawURL appear in the
// transparency logs. IP hosts cannot carry logged certificates and are reported
// as not logged without a query.
func (c *Client) Check(ctx context.Context, rawURL string) (*models.TransparencyVerdict, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := strings.ToLower(u.Hostname())
	verdict := &models.TransparencyVerdict{Host: host}

	if net.ParseIP(host) != nil {
		return verdict, nil
	}
	if err := ValidateDomain(host); err != nil {
		return nil, err
	}

	entries, err := c.query(ctx, host)
	if err != nil {
		return nil, err
	}
	return summarize(verdict, entries), nil
}

// query makes the actual HTTP request to crt.sh
func (c *Client) query(ctx context.Context, host string) ([]Entry, error) {
	queryURL := fmt.Sprintf("%s/?q=%s&output=json", c.baseURL, url.QueryEscape(host))

	var lastErr error

	for attempt := 0; attempt < c.attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryDelay * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, queryURL, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("User-Agent", "urlanalyzer/1.0")
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = fmt.Errorf("request failed: %w", err)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("crt.sh HTTP %d: rate limited", resp.StatusCode)
			continue
		}

		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			lastErr = fmt.Errorf("crt.sh HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
			continue
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		_ = resp.Body.Close()
		if err != nil {
			lastErr = fmt.Errorf("failed to read response body: %w", err)
			continue
		}

		// Handle empty response (no certificates found)
		if len(body) == 0 || string(body) == "null" {
			return []Entry{}, nil
		}

		var entries []Entry
		if err := json.Unmarshal(body, &entries); err != nil {
			lastErr = fmt.Errorf("failed to parse JSON response: %w", err)
			continue
		}

		return entries, nil
	}

	if c.attempts == 1 {
		return nil, fmt.Errorf("transparency check for %s: %w", host, lastErr)
	}
	return nil, fmt.Errorf("transparency check for %s failed after %d attempts: %w", host, c.attempts, lastErr)
}

// summarize folds crt.sh entries into a verdict. Duplicate log entries of the
// same certificate (precertificate and final) are counted once.
func summarize(verdict *models.TransparencyVerdict, entries []Entry) *models.TransparencyVerdict {
	certs := make(map[string]struct{})
	issuers := make(map[string]struct{})

	for _, e := range entries {
		key := e.SerialNumber
		if key == "" {
			key = fmt.Sprintf("id:%d", e.ID)
		}
		certs[key] = struct{}{}

		if e.IssuerName != "" {
			issuers[e.IssuerName] = struct{}{}
		}

		if e.NotBefore != "" && (verdict.FirstSeen == "" || e.NotBefore < verdict.FirstSeen) {
			verdict.FirstSeen = e.NotBefore
		}
		if e.NotBefore != "" && e.NotBefore > verdict.LastSeen {
			verdict.LastSeen = e.NotBefore
		}
	}

	verdict.CertificateCount = len(certs)
	verdict.Logged = verdict.CertificateCount > 0
	for issuer := range issuers {
		verdict.Issuers = append(verdict.Issuers, issuer)
	}
	sort.Strings(verdict.Issuers)
	return verdict
}
