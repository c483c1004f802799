// Package dns resolves the addresses of contacted hosts over the DNS wire protocol
package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/sync/errgroup"
)

const (
	defaultTimeout = 5 * time.Second
	defaultRetries = 1
	maxCNAMEChain  = 8
)

// ErrNoSuchHost is returned when a name does not exist (NXDOMAIN)
var ErrNoSuchHost = errors.New("domain not found (NXDOMAIN)")

// Client queries A and AAAA records against a set of servers
type Client struct {
	dnsServers []string
	timeout    time.Duration
	retries    int
}

// Option configures a Client
type Option func(*Client)

// WithServers overrides the servers read from /etc/resolv.conf
func WithServers(servers ...string) Option {
	return func(c *Client) {
		if len(servers) > 0 {
			c.dnsServers = servers
		}
	}
}

// WithRetries sets how many times the server list is tried
func WithRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.retries = n
		}
	}
}

// NewClient creates a new DNS client with the specified timeout
func NewClient(timeout time.Duration, opts ...Option) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}
	c := &Client{
		timeout:    timeout,
		retries:    defaultRetries,
		dnsServers: getSystemDNSServers(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// getSystemDNSServers returns the system's DNS servers or defaults
func getSystemDNSServers() []string {
	config, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		// Fall back to well-known public DNS servers
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, server := range config.Servers {
		servers = append(servers, net.JoinHostPort(server, config.Port))
	}
	return servers
}

// Resolve returns the sorted IPv4 and IPv6 addresses of hostname. It fails only
// when neither record type could be resolved.
func (c *Client) Resolve(ctx context.Context, hostname string) ([]string, error) {
	hostname = strings.TrimSuffix(strings.TrimSpace(hostname), ".")
	if hostname == "" {
		return nil, errors.New("empty hostname")
	}
	if ip := net.ParseIP(strings.Trim(hostname, "[]")); ip != nil {
		return []string{ip.String()}, nil
	}

	var v4, v6 []string
	var errA, errAAAA error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v4, errA = c.QueryA(gctx, hostname)
		return nil
	})
	g.Go(func() error {
		v6, errAAAA = c.QueryAAAA(gctx, hostname)
		return nil
	})
	_ = g.Wait()

	if errA != nil && errAAAA != nil {
		return nil, fmt.Errorf("resolving %s: %s", hostname, categorizeError(errA))
	}
	return append(v4, v6...), nil
}

// QueryA returns A records (IPv4 addresses) for a hostname
func (c *Client) QueryA(ctx context.Context, hostname string) ([]string, error) {
	return c.queryAddresses(ctx, hostname, dns.TypeA)
}

// QueryAAAA returns AAAA records (IPv6 addresses) for a hostname
func (c *Client) QueryAAAA(ctx context.Context, hostname string) ([]string, error) {
	return c.queryAddresses(ctx, hostname, dns.TypeAAAA)
}

// queryAddresses follows CNAMEs the server did not expand itself
func (c *Client) queryAddresses(ctx context.Context, hostname string, qtype uint16) ([]string, error) {
	name := dns.Fqdn(hostname)

	for hop := 0; hop < maxCNAMEChain; hop++ {
		msg := new(dns.Msg)
		msg.SetQuestion(name, qtype)

		resp, err := c.query(ctx, msg)
		if err != nil {
			return nil, err
		}
		if resp.Rcode == dns.RcodeNameError {
			return nil, ErrNoSuchHost
		}

		var ips []string
		var target string
		for _, ans := range resp.Answer {
			switch rr := ans.(type) {
			case *dns.A:
				ips = append(ips, rr.A.String())
			case *dns.AAAA:
				ips = append(ips, rr.AAAA.String())
			case *dns.CNAME:
				target = rr.Target
			}
		}

		if len(ips) > 0 || target == "" {
			sort.Strings(ips)
			return ips, nil
		}
		name = target
	}

	return nil, fmt.Errorf("CNAME chain for %s is too long", hostname)
}

// query performs a DNS query with retry logic
func (c *Client) query(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	client := &dns.Client{
		Timeout: c.timeout,
		Net:     "udp",
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		for _, server := range c.dnsServers {
			resp, _, err := client.ExchangeContext(ctx, msg, server)
			if err != nil {
				lastErr = err
				continue
			}

			// Check for DNS errors
			if resp.Rcode != dns.RcodeSuccess && resp.Rcode != dns.RcodeNameError {
				lastErr = fmt.Errorf("DNS error: %s", dns.RcodeToString[resp.Rcode])
				continue
			}

			return resp, nil
		}

		// Wait before retry (except for last attempt)
		if attempt < c.retries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt+1) * 500 * time.Millisecond):
			}
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("DNS query failed after %d attempts: %w", c.retries, lastErr)
	}
	return nil, fmt.Errorf("DNS query failed after %d attempts", c.retries)
}

// isNotFoundError checks if the error indicates no records were found
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNoSuchHost) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "NXDOMAIN") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "Name Error")
}

// categorizeError converts DNS errors to user-friendly messages
func categorizeError(err error) string {
	if err == nil {
		return ""
	}
	if isNotFoundError(err) {
		return ErrNoSuchHost.Error()
	}

	errStr := err.Error()

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "DNS query timeout"
	}

	switch {
	case strings.Contains(errStr, "SERVFAIL"):
		return "server failure (SERVFAIL)"
	case strings.Contains(errStr, "REFUSED"):
		return "query refused"
	case strings.Contains(errStr, "i/o timeout"):
		return "DNS query timeout"
	case strings.Contains(errStr, "connection refused"):
		return "DNS server connection refused"
	default:
		return errStr
	}
}
