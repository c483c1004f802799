// Package whois provides best-effort WHOIS lookups of an analyzed host's registrable domain
package whois

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/likexian/whois"
	whoisparser "github.com/likexian/whois-parser"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	defaultTimeout = 30 * time.Second
	defaultTTL     = 24 * time.Hour
)

// ErrInvalidDomain is returned for hosts that have no registrable domain
var ErrInvalidDomain = errors.New("invalid domain")

// queryFunc fetches the raw WHOIS text of a domain
type queryFunc func(domain string) (string, error)

// Client provides WHOIS lookup functionality with caching
type Client struct {
	timeout time.Duration
	query   queryFunc
	cache   map[string]*cachedResult
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
}

type cachedResult struct {
	result    *models.WhoisSummary
	timestamp time.Time
}

// NewClient creates a new WHOIS client with the specified timeout
func NewClient(timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	wc := whois.NewClient().SetTimeout(timeout)
	return &Client{
		timeout: timeout,
		query:   func(domain string) (string, error) { return wc.Whois(domain) },
		cache:   make(map[string]*cachedResult),
		ttl:     defaultTTL,
		now:     time.Now,
	}
}

// Lookup performs a WHOIS lookup for the registrable domain of host. IP hosts
// and single-label names return ErrInvalidDomain.
func (c *Client) Lookup(ctx context.Context, host string) (*models.WhoisSummary, error) {
	domain := extractBaseDomain(host)
	if domain == "" || net.ParseIP(domain) != nil {
		return nil, ErrInvalidDomain
	}

	if result := c.getFromCache(domain); result != nil {
		return result, nil
	}

	result, err := c.performLookup(ctx, domain)
	if err != nil {
		return nil, err
	}

	c.saveToCache(domain, result)
	return result, nil
}

// performLookup executes the actual WHOIS query
func (c *Client) performLookup(ctx context.Context, domain string) (*models.WhoisSummary, error) {
	type reply struct {
		raw string
		err error
	}
	done := make(chan reply, 1)

	go func() {
		raw, err := c.query(domain)
		done <- reply{raw: raw, err: err}
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var r reply
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("WHOIS lookup cancelled: %w", ctx.Err())
	case <-timer.C:
		return nil, errors.New("WHOIS lookup timeout")
	case r = <-done:
	}

	if r.err != nil {
		return nil, errors.New(categorizeError(r.err))
	}
	return parse(domain, r.raw)
}

// parse converts raw WHOIS text into a summary
func parse(domain, raw string) (*models.WhoisSummary, error) {
	parsed, err := whoisparser.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse error: %w", err)
	}

	result := &models.WhoisSummary{Domain: domain}

	if parsed.Domain != nil {
		result.Nameservers = parsed.Domain.NameServers
		result.Status = parsed.Domain.Status
		if parsed.Domain.DNSSec {
			result.DNSSEC = "signed"
		} else {
			result.DNSSEC = "unsigned"
		}

		result.CreationDate = parseOptionalDate(parsed.Domain.CreatedDate)
		result.ExpirationDate = parseOptionalDate(parsed.Domain.ExpirationDate)
		result.UpdatedDate = parseOptionalDate(parsed.Domain.UpdatedDate)
	}

	if parsed.Registrar != nil {
		result.Registrar = parsed.Registrar.Name
	}
	if parsed.Registrant != nil {
		result.RegistrantOrg = parsed.Registrant.Organization
	}

	return result, nil
}

func parseOptionalDate(value string) *time.Time {
	if value == "" {
		return nil
	}
	t, err := parseDate(value)
	if err != nil {
		return nil
	}
	return &t
}

// getFromCache retrieves a cached result if valid
func (c *Client) getFromCache(domain string) *models.WhoisSummary {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cached, ok := c.cache[domain]
	if !ok {
		return nil
	}

	if c.now().Sub(cached.timestamp) > c.ttl {
		return nil
	}

	return cached.result
}

// saveToCache stores a result in the cache
func (c *Client) saveToCache(domain string, result *models.WhoisSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache[domain] = &cachedResult{
		result:    result,
		timestamp: c.now(),
	}
}

// ClearCache removes all cached entries
func (c *Client) ClearCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = make(map[string]*cachedResult)
}

// extractBaseDomain returns the base domain from a subdomain
// e.g., "www.example.com" -> "example.com"
func extractBaseDomain(domain string) string {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}

	// Remove protocol if present
	domain = strings.TrimPrefix(domain, "http://")
	domain = strings.TrimPrefix(domain, "https://")

	// Remove path if present
	if idx := strings.Index(domain, "/"); idx != -1 {
		domain = domain[:idx]
	}

	// Remove port if present
	if idx := strings.Index(domain, ":"); idx != -1 {
		domain = domain[:idx]
	}

	if net.ParseIP(domain) != nil {
		return domain
	}

	parts := strings.Split(domain, ".")
	if len(parts) < 2 {
		return ""
	}

	// Handle special TLDs like .co.uk, .com.au, etc.
	specialTLDs := map[string]bool{
		"co.uk": true, "org.uk": true, "me.uk": true, "ltd.uk": true,
		"com.au": true, "net.au": true, "org.au": true,
		"co.nz": true, "net.nz": true, "org.nz": true,
		"co.jp": true, "ne.jp": true, "or.jp": true,
		"com.br": true, "net.br": true, "org.br": true,
	}

	if len(parts) >= 3 {
		lastTwo := parts[len(parts)-2] + "." + parts[len(parts)-1]
		if specialTLDs[lastTwo] {
			return strings.Join(parts[len(parts)-3:], ".")
		}
	}

	// Return last two parts for standard TLDs
	return strings.Join(parts[len(parts)-2:], ".")
}

// parseDate attempts to parse a date string in various formats
func parseDate(dateStr string) (time.Time, error) {
	dateStr = strings.TrimSpace(dateStr)

	formats := []string{
		time.RFC3339,
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"02-Jan-2006",
		"January 02, 2006",
		"02/01/2006",
		"01/02/2006",
		"2006/01/02",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, dateStr); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse date: %s", dateStr)
}

// categorizeError converts WHOIS errors to user-friendly messages
func categorizeError(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()

	switch {
	case strings.Contains(errStr, "timeout"):
		return "WHOIS server timeout"
	case strings.Contains(errStr, "connection refused"):
		return "WHOIS server connection refused"
	case strings.Contains(errStr, "no whois server"):
		return "no WHOIS server found for this TLD"
	case strings.Contains(errStr, "rate limit"):
		return "rate limited by WHOIS server"
	default:
		return errStr
	}
}
