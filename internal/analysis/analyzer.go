// Package analysis drives one browser page through a URL and joins everything
// observed during the load into a persisted analysis
package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/commjoen/urlanalyzer/internal/audit"
	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/capture"
	"github.com/commjoen/urlanalyzer/internal/certs"
	"github.com/commjoen/urlanalyzer/internal/ids"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/metrics"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	defaultRunTimeout        = 2 * time.Minute
	defaultNavigationTimeout = 60 * time.Second
	defaultVisibility        = "public"
	completionTimeout        = 10 * time.Second
)

var (
	// ErrInvalidURL is returned for anything but an absolute http or https URL
	ErrInvalidURL = errors.New("url must be an absolute http or https URL")
	// ErrShuttingDown is returned by Submit after Shutdown has been called
	ErrShuttingDown = errors.New("analyzer is shutting down")
)

// Browser is the shared browser instance runs open their pages on
type Browser interface {
	OpenPage(ctx context.Context) (browser.Page, error)
	// Endpoint is the devtools endpoint the audit engine attaches to
	Endpoint() string
}

// Security resolves contacted hosts and checks URL reputation
type Security interface {
	ResolveHosts(ctx context.Context, hosts []string) map[string][]string
	Check(ctx context.Context, originalURL, effectiveURL string) (models.SecurityDetails, error)
}

// Uploader hosts screenshot images
type Uploader interface {
	Upload(ctx context.Context, data []byte, visibility, sourceURL string) (*models.Screenshot, error)
}

// Auditor runs the page-quality audit
type Auditor interface {
	Run(ctx context.Context, targetURL, endpoint string) (*audit.Report, error)
}

// Whois looks up registration data of a host
type Whois interface {
	Lookup(ctx context.Context, host string) (*models.WhoisSummary, error)
}

// Deps are the collaborators shared by every run. Uploader, Auditor, Whois and
// Metrics are optional.
type Deps struct {
	Browser     Browser
	Store       store.Store
	Completions cache.Completions
	IDs         capture.IDSource
	Security    Security
	Uploader    Uploader
	Auditor     Auditor
	Whois       Whois
	Metrics     *metrics.Metrics
	Log         logger.Logger
}

// Config controls run timeouts, capture and concurrency
type Config struct {
	RunTimeout        time.Duration
	NavigationTimeout time.Duration
	Capture           capture.Config
	// ScreenshotVisibility is passed to the image host
	ScreenshotVisibility string
	// MaxConcurrentRuns bounds background runs started by Submit; 0 is unbounded
	MaxConcurrentRuns int
}

func (c *Config) setDefaults() {
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaultRunTimeout
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = defaultNavigationTimeout
	}
	if c.ScreenshotVisibility == "" {
		c.ScreenshotVisibility = defaultVisibility
	}
}

// Analyzer creates and executes runs and re-materializes completed analyses
type Analyzer struct {
	deps  Deps
	cfg   Config
	certs *certs.Extractor
	log   logger.Logger
	now   func() time.Time

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	closing  bool
	baseCtx  context.Context
	stopRuns context.CancelFunc
}

// New creates an analyzer
func New(deps Deps, cfg Config) *Analyzer {
	cfg.setDefaults()
	if deps.Log == nil {
		deps.Log = logger.NewNop()
	}

	baseCtx, stop := context.WithCancel(context.Background())
	a := &Analyzer{
		deps:     deps,
		cfg:      cfg,
		certs:    certs.NewExtractor(deps.Store, deps.Log),
		log:      deps.Log,
		now:      time.Now,
		baseCtx:  baseCtx,
		stopRuns: stop,
	}
	if cfg.MaxConcurrentRuns > 0 {
		a.sem = make(chan struct{}, cfg.MaxConcurrentRuns)
	}
	return a
}

// ValidateURL accepts absolute http and https URLs with a host
func ValidateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return ErrInvalidURL
	}
	return nil
}

// NewRun creates a run for rawURL in the Created state
func (a *Analyzer) NewRun(rawURL string) (*Run, error) {
	if err := ValidateURL(rawURL); err != nil {
		return nil, err
	}
	return newRun(a, a.deps.IDs.Next(ids.Analysis), strings.TrimSpace(rawURL)), nil
}

// Analyze runs an analysis of rawURL to completion and returns its result
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (*models.Result, error) {
	run, err := a.NewRun(rawURL)
	if err != nil {
		return nil, err
	}
	if err := a.deps.Completions.MarkPending(ctx, run.ID()); err != nil {
		return nil, fmt.Errorf("failed to mark analysis pending: %w", err)
	}
	return run.Execute(ctx)
}

// Submit starts an analysis of rawURL in the background and returns its id.
// The outcome is published through the completion store.
func (a *Analyzer) Submit(ctx context.Context, rawURL string) (string, error) {
	run, err := a.NewRun(rawURL)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		return "", ErrShuttingDown
	}
	a.wg.Add(1)
	a.mu.Unlock()

	if err := a.deps.Completions.MarkPending(ctx, run.ID()); err != nil {
		a.wg.Done()
		return "", fmt.Errorf("failed to mark analysis pending: %w", err)
	}

	go func() {
		defer a.wg.Done()

		if a.sem != nil {
			select {
			case a.sem <- struct{}{}:
				defer func() { <-a.sem }()
			case <-a.baseCtx.Done():
				run.fail(a.baseCtx, fmt.Errorf("analysis not started: %w", a.baseCtx.Err()))
				return
			}
		}

		// errors are published as completion records
		_, _ = run.Execute(a.baseCtx)
	}()

	return run.ID(), nil
}

// Shutdown stops accepting runs and waits for running ones. When ctx expires
// first, the remaining runs are cancelled and fail.
func (a *Analyzer) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		a.stopRuns()
		return nil
	case <-ctx.Done():
		a.stopRuns()
		<-done
		return ctx.Err()
	}
}

// Rehydrate assembles the result of a persisted analysis from storage alone
func (a *Analyzer) Rehydrate(ctx context.Context, id string) (*models.Result, error) {
	analysis, err := a.deps.Store.GetAnalysis(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load analysis %s: %w", id, err)
	}

	requests, err := a.deps.Store.ListRequests(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load requests of %s: %w", id, err)
	}
	responses, err := a.deps.Store.ListResponses(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load responses of %s: %w", id, err)
	}

	cert, err := a.deps.Store.GetCertificate(ctx, analysis.CertificateID)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate of %s: %w", id, err)
	}

	return BuildResult(analysis, JoinResponses(requests, responses), cert), nil
}
