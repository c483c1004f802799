package main

import (
	"context"
	"fmt"

	"github.com/commjoen/urlanalyzer/internal/analysis"
	"github.com/commjoen/urlanalyzer/internal/audit"
	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/cache"
	"github.com/commjoen/urlanalyzer/internal/capture"
	"github.com/commjoen/urlanalyzer/internal/config"
	"github.com/commjoen/urlanalyzer/internal/crt"
	"github.com/commjoen/urlanalyzer/internal/dns"
	"github.com/commjoen/urlanalyzer/internal/ids"
	"github.com/commjoen/urlanalyzer/internal/imagehost"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/metrics"
	"github.com/commjoen/urlanalyzer/internal/providers"
	"github.com/commjoen/urlanalyzer/internal/security"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/internal/whois"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Level = "debug"
	} else if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (logger.Logger, error) {
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		OutputPaths: []string{"stderr"},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return log, nil
}

// engine bundles the analyzer with the browser it owns
type engine struct {
	analyzer *analysis.Analyzer
	chrome   *browser.Chrome
}

func (e *engine) Close() {
	e.chrome.Close()
}

// newEngine launches the browser and wires every analysis collaborator
func newEngine(ctx context.Context, cfg *config.Config, st store.Store, completions cache.Completions, m *metrics.Metrics, log logger.Logger) (*engine, error) {
	chrome, err := browser.NewChrome(ctx, browser.Config{
		RemoteURL:         cfg.Browser.RemoteURL,
		ExecPath:          cfg.Browser.ExecPath,
		Headless:          cfg.Browser.Headless,
		DebugPort:         cfg.Browser.DebugPort,
		UserAgent:         cfg.Browser.UserAgent,
		WindowWidth:       cfg.Browser.WindowWidth,
		WindowHeight:      cfg.Browser.WindowHeight,
		IdleWindow:        cfg.Analysis.IdleWindow,
		IdleMaxInflight:   cfg.Analysis.IdleMaxInflight,
		ScreenshotQuality: cfg.Analysis.ScreenshotQuality,
	}, log.With(logger.String("component", "browser")))
	if err != nil {
		return nil, err
	}

	safeBrowsing := providers.NewSafeBrowsing(providers.SafeBrowsingConfig{
		APIKey:    cfg.SafeBrowsing.APIKey,
		Timeout:   cfg.SafeBrowsing.Timeout,
		CacheTTL:  cfg.SafeBrowsing.CacheTTL,
		RateLimit: cfg.SafeBrowsing.RateLimit,
	}, log.With(logger.String("component", "safebrowsing")))
	if !safeBrowsing.IsAvailable() {
		log.Warn("No Safe Browsing API key configured, URL reputation will not be checked")
	}

	aggregator := security.NewAggregator(
		dns.NewClient(0),
		safeBrowsing,
		crt.NewClient(cfg.Crt.Timeout),
		cfg.Analysis.DNSConcurrency,
		log.With(logger.String("component", "security")),
	)

	deps := analysis.Deps{
		Browser:     chrome,
		Store:       st,
		Completions: completions,
		IDs:         ids.NewGenerator(cfg.Analysis.NodeID),
		Security:    aggregator,
		Metrics:     m,
		Log:         log,
	}
	if cfg.Imgur.ClientID != "" {
		deps.Uploader = imagehost.NewImgur(imagehost.Config{ClientID: cfg.Imgur.ClientID, Timeout: cfg.Imgur.Timeout})
	} else {
		log.Warn("No image host configured, screenshots will not be uploaded")
	}
	if cfg.Audit.Enabled {
		deps.Auditor = audit.NewLighthouse(cfg.Audit.Binary, cfg.Audit.Timeout)
	}
	if cfg.Whois.Enabled {
		deps.Whois = whois.NewClient(cfg.Whois.Timeout)
	}

	analyzer := analysis.New(deps, analysis.Config{
		RunTimeout:        cfg.Analysis.RunTimeout,
		NavigationTimeout: cfg.Analysis.NavigationTimeout,
		Capture: capture.Config{
			BodyResourceTypes: cfg.Analysis.BodyResourceTypes,
			NonceHeader:       cfg.Analysis.NonceHeader,
			MaxWorkers:        cfg.Analysis.PersistWorkers,
		},
		ScreenshotVisibility: cfg.Analysis.ScreenshotVisibility,
		MaxConcurrentRuns:    cfg.Analysis.MaxConcurrentRuns,
	})

	return &engine{analyzer: analyzer, chrome: chrome}, nil
}
