package analysis

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/capture"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/metadata"
	"github.com/commjoen/urlanalyzer/internal/metrics"
	"github.com/commjoen/urlanalyzer/internal/whois"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

// ErrAlreadyStarted is returned when a run is executed more than once
var ErrAlreadyStarted = errors.New("analysis run already started")

// State is a stage of a run's lifecycle
type State int

const (
	StateCreated State = iota
	StatePageOpened
	StateCaptureArmed
	StateNavigating
	StateAuxFanOut
	StateDraining
	StateFinalized
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StatePageOpened:
		return "page_opened"
	case StateCaptureArmed:
		return "capture_armed"
	case StateNavigating:
		return "navigating"
	case StateAuxFanOut:
		return "aux_fan_out"
	case StateDraining:
		return "draining"
	case StateFinalized:
		return "finalized"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Run is a single analysis of one URL. It owns one page for its lifetime and
// may be executed once.
type Run struct {
	a   *Analyzer
	id  string
	url string
	log logger.Logger

	mu      sync.Mutex
	state   State
	started bool

	page      browser.Page
	closePage sync.Once
	pipeline  *capture.Pipeline

	// filled during AuxFanOut, each by exactly one sub-task
	effectiveURL string
	body         string
	cookies      []models.Cookie
	metadata     map[string]any
	urlsFound    []string
	dns          map[string][]string
	security     models.SecurityDetails
	certificate  *models.CertificateDetails
	screenshot   *models.Screenshot
	whois        *models.WhoisSummary
}

func newRun(a *Analyzer, id, rawURL string) *Run {
	return &Run{
		a:   a,
		id:  id,
		url: rawURL,
		log: a.log.With(logger.String("analysis_id", id), logger.String("url", rawURL)),
	}
}

// ID returns the analysis identifier
func (r *Run) ID() string {
	return r.id
}

// State returns the current lifecycle stage
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.log.Debug("Analysis state changed", logger.String("state", s.String()))
}

// Execute performs the run and records its completion. On failure the error is
// returned and published; no analysis is persisted.
func (r *Run) Execute(ctx context.Context) (*models.Result, error) {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	r.started = true
	r.mu.Unlock()

	start := r.a.now()
	r.a.deps.Metrics.RunStarted()
	r.log.Info("Starting analysis")

	runCtx, cancel := context.WithTimeout(ctx, r.a.cfg.RunTimeout)
	defer cancel()

	result, err := r.execute(runCtx)
	elapsed := r.a.now().Sub(start)
	r.a.deps.Metrics.RunFinished(err == nil, elapsed)

	if err != nil {
		r.fail(ctx, err)
		return nil, err
	}

	r.complete(ctx, &models.CompletionRecord{OK: true, Data: result, CompletedAt: r.a.now().UTC()})
	r.log.Info("Analysis completed",
		logger.String("effective_url", result.EffectiveURL),
		logger.Int("requests", len(result.Requests)),
		logger.Duration("duration", elapsed),
	)
	return result, nil
}

// fail publishes a failure record
func (r *Run) fail(ctx context.Context, err error) {
	r.setState(StateFailed)
	r.log.Error("Analysis failed", logger.Error(err))
	r.complete(ctx, &models.CompletionRecord{OK: false, Error: err.Error(), CompletedAt: r.a.now().UTC()})
}

func (r *Run) complete(ctx context.Context, record *models.CompletionRecord) {
	// the record is written even when the run was cancelled
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), completionTimeout)
	defer cancel()

	if err := r.a.deps.Completions.Complete(cctx, r.id, record); err != nil {
		r.log.Error("Failed to write completion record", logger.Error(err))
	}
}

func (r *Run) execute(ctx context.Context) (*models.Result, error) {
	defer r.release()

	page, err := r.a.deps.Browser.OpenPage(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	r.page = page
	r.setState(StatePageOpened)

	r.pipeline = capture.New(r.a.cfg.Capture, r.id, r.a.deps.Store, r.a.deps.IDs, r.log)
	events, err := page.Arm(ctx, r.pipeline.ArmOptions())
	if err != nil {
		return nil, fmt.Errorf("failed to arm capture: %w", err)
	}
	if err := r.pipeline.Start(ctx, events); err != nil {
		return nil, err
	}
	r.setState(StateCaptureArmed)

	r.setState(StateNavigating)
	top, err := r.navigate(ctx)
	if err != nil {
		return nil, err
	}

	r.setState(StateAuxFanOut)
	if err := r.fanOut(ctx, top); err != nil {
		return nil, err
	}

	r.setState(StateDraining)
	r.closeCurrentPage()
	if err := r.pipeline.Wait(); err != nil {
		return nil, fmt.Errorf("network capture failed: %w", err)
	}
	requests := r.pipeline.Requests()
	for range requests {
		r.a.deps.Metrics.RequestCaptured()
	}

	stored, err := r.a.deps.Store.CreateAnalysis(ctx, &models.Analysis{
		ID:               r.id,
		URL:              r.url,
		EffectiveURL:     r.effectiveURL,
		Body:             r.body,
		Metadata:         r.metadata,
		Cookies:          r.cookies,
		ConsoleOutput:    r.pipeline.Console(),
		ContactedDomains: r.pipeline.Hosts(),
		URLsFound:        r.urlsFound,
		DNS:              r.dns,
		SecurityDetails:  r.security,
		CertificateID:    r.certificate.ID,
		Screenshot:       r.screenshot,
		Whois:            r.whois,
		RequestIDs:       r.pipeline.RequestIDs(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to persist analysis: %w", err)
	}
	r.setState(StateFinalized)

	return BuildResult(stored, requests, r.certificate), nil
}

// release closes the page on every exit path and waits out any persistence
// still running so nothing is written after the completion record
func (r *Run) release() {
	r.closeCurrentPage()
	if r.pipeline != nil {
		_ = r.pipeline.Wait()
	}
}

func (r *Run) closeCurrentPage() {
	if r.page == nil {
		return
	}
	r.closePage.Do(func() {
		if err := r.page.Close(); err != nil {
			r.log.Warn("Failed to close page", logger.Error(err))
		}
	})
}

func (r *Run) navigate(ctx context.Context) (*browser.TopLevelResponse, error) {
	navCtx, cancel := context.WithTimeout(ctx, r.a.cfg.NavigationTimeout)
	defer cancel()

	top, err := r.page.Navigate(navCtx, r.url)
	if err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", r.url, err)
	}

	effective, err := r.page.URL(ctx)
	if err != nil || effective == "" {
		effective = top.URL
	}
	r.effectiveURL = effective
	r.log.Debug("Navigation finished",
		logger.String("effective_url", effective),
		logger.Int("status", top.Status),
	)
	return top, nil
}

// fanOut reads the page and runs every auxiliary sub-task concurrently.
// Best-effort sub-tasks log their failures and never fail the run.
func (r *Run) fanOut(ctx context.Context, top *browser.TopLevelResponse) error {
	body, err := r.page.Content(ctx)
	if err != nil {
		return fmt.Errorf("failed to read page content: %w", err)
	}
	r.body = body

	cookies, err := r.page.Cookies(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cookies: %w", err)
	}
	r.cookies = cookies

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		r.captureScreenshot(gctx)
		return nil
	})

	g.Go(func() error {
		r.dns = r.a.deps.Security.ResolveHosts(gctx, r.pipeline.Hosts())
		for _, addrs := range r.dns {
			if len(addrs) == 0 {
				r.a.deps.Metrics.Degraded(metrics.DegradedDNS)
			}
		}
		return nil
	})

	g.Go(func() error {
		details, err := r.a.deps.Security.Check(gctx, r.url, r.effectiveURL)
		if err != nil {
			return fmt.Errorf("security checks failed: %w", err)
		}
		r.security = details
		return nil
	})

	g.Go(func() error {
		cert, err := r.a.certs.Extract(gctx, r.id, top, r.page)
		if err != nil {
			return fmt.Errorf("certificate extraction failed: %w", err)
		}
		r.certificate = cert
		return nil
	})

	g.Go(func() error {
		r.runAudit(gctx)
		return nil
	})

	g.Go(func() error {
		r.lookupWhois(gctx)
		return nil
	})

	g.Go(func() error {
		md, err := metadata.Extract(r.effectiveURL, r.body)
		if err != nil {
			return fmt.Errorf("metadata extraction failed: %w", err)
		}
		r.metadata = md
		r.urlsFound = metadata.ExtractURLs(r.body)
		return nil
	})

	return g.Wait()
}

func (r *Run) captureScreenshot(ctx context.Context) {
	data, err := r.page.Screenshot(ctx)
	if err != nil || len(data) == 0 {
		r.a.deps.Metrics.Degraded(metrics.DegradedScreenshot)
		r.log.Warn("Screenshot capture failed, continuing without one", logger.Error(err))
		return
	}

	if r.a.deps.Uploader == nil {
		r.log.Debug("No image host configured, screenshot discarded")
		return
	}

	shot, err := r.a.deps.Uploader.Upload(ctx, data, r.a.cfg.ScreenshotVisibility, r.url)
	if err != nil {
		r.a.deps.Metrics.Degraded(metrics.DegradedScreenshot)
		r.log.Warn("Screenshot upload failed, continuing without one", logger.Error(err))
		return
	}
	r.screenshot = shot
}

func (r *Run) runAudit(ctx context.Context) {
	if r.a.deps.Auditor == nil {
		return
	}

	report, err := r.a.deps.Auditor.Run(ctx, r.url, r.a.deps.Browser.Endpoint())
	if err != nil {
		r.a.deps.Metrics.Degraded(metrics.DegradedAudit)
		r.log.Warn("Audit failed", logger.Error(err))
		return
	}

	r.log.Info("Audit report",
		logger.String("main_document_url", report.MainDocumentURL),
		logger.Any("scores", report.Scores),
	)
}

func (r *Run) lookupWhois(ctx context.Context) {
	if r.a.deps.Whois == nil {
		return
	}

	u, err := url.Parse(r.effectiveURL)
	if err != nil {
		return
	}

	summary, err := r.a.deps.Whois.Lookup(ctx, u.Hostname())
	if errors.Is(err, whois.ErrInvalidDomain) {
		r.log.Debug("Host has no registrable domain, skipping whois", logger.String("host", u.Hostname()))
		return
	}
	if err != nil {
		r.a.deps.Metrics.Degraded(metrics.DegradedWhois)
		r.log.Warn("Whois lookup failed", logger.Error(err))
		return
	}
	r.whois = summary
}
