// Package security aggregates DNS resolution of contacted hosts with URL
// reputation and certificate transparency checks
package security

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

const defaultConcurrency = 16

// Resolver resolves a hostname to its addresses
type Resolver interface {
	Resolve(ctx context.Context, host string) ([]string, error)
}

// SafetyChecker returns a malware/phishing verdict for a set of URLs
type SafetyChecker interface {
	CheckURLs(ctx context.Context, urls []string) (*models.SafetyVerdict, error)
}

// TransparencyChecker returns the transparency log verdict for a URL's host
type TransparencyChecker interface {
	Check(ctx context.Context, url string) (*models.TransparencyVerdict, error)
}

// Aggregator runs the DNS and reputation sub-tasks of an analysis
type Aggregator struct {
	resolver     Resolver
	safety       SafetyChecker
	transparency TransparencyChecker
	concurrency  int
	log          logger.Logger
}

// NewAggregator creates an aggregator. A non-positive concurrency uses the default.
func NewAggregator(resolver Resolver, safety SafetyChecker, transparency TransparencyChecker, concurrency int, log logger.Logger) *Aggregator {
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Aggregator{
		resolver:     resolver,
		safety:       safety,
		transparency: transparency,
		concurrency:  concurrency,
		log:          log,
	}
}

// ResolveHosts resolves every distinct non-empty host. A host that fails to
// resolve maps to an empty list; resolution never fails the caller.
func (a *Aggregator) ResolveHosts(ctx context.Context, hosts []string) map[string][]string {
	result := make(map[string][]string, len(hosts))
	pending := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host == "" {
			continue
		}
		if _, seen := result[host]; seen {
			continue
		}
		result[host] = []string{}
		pending = append(pending, host)
	}

	// result is only written under mu from here on
	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(a.concurrency)

	for _, host := range pending {
		g.Go(func() error {
			addrs, err := a.resolver.Resolve(ctx, host)
			if err != nil {
				a.log.Warn("DNS resolution failed",
					logger.String("host", host),
					logger.Error(err),
				)
				return nil
			}
			if addrs == nil {
				addrs = []string{}
			}

			mu.Lock()
			result[host] = addrs
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return result
}

// Check queries the reputation service with both URLs and the transparency
// logs with the effective URL. The two calls run concurrently and either
// failure fails the check.
func (a *Aggregator) Check(ctx context.Context, originalURL, effectiveURL string) (models.SecurityDetails, error) {
	var details models.SecurityDetails

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		verdict, err := a.safety.CheckURLs(gctx, []string{originalURL, effectiveURL})
		if err != nil {
			return fmt.Errorf("safe browsing check: %w", err)
		}
		details.SafeBrowsing = *verdict
		return nil
	})

	g.Go(func() error {
		verdict, err := a.transparency.Check(gctx, effectiveURL)
		if err != nil {
			return fmt.Errorf("transparency report check: %w", err)
		}
		details.TransparencyReport = *verdict
		return nil
	})

	if err := g.Wait(); err != nil {
		return models.SecurityDetails{}, err
	}
	return details, nil
}
