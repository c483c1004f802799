// Package capture correlates the browser's network events into persisted
// request/response pairs for one analysis run
package capture

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/ids"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	// DefaultNonceHeader carries the correlation nonce on every outgoing request
	DefaultNonceHeader = "x-url-analyzer-nonce"
	defaultMaxWorkers  = 8
	nonceParts         = 3
)

// ErrAlreadyStarted is returned when Start is called twice
var ErrAlreadyStarted = errors.New("capture pipeline already started")

// Store is the persistence the pipeline writes pairs to
type Store interface {
	CreateRequest(ctx context.Context, r *models.Request) (*models.Request, error)
	CreateResponse(ctx context.Context, r *models.Response) (*models.Response, error)
}

// IDSource mints identifiers for requests, responses and nonces
type IDSource interface {
	Next(category ids.Category) string
	Compound(category ids.Category, n int) string
}

// Config controls body capture, nonce tagging and persistence concurrency
type Config struct {
	// BodyResourceTypes lists the resource types whose bodies are stored
	BodyResourceTypes []string
	NonceHeader       string
	MaxWorkers        int
}

// Pipeline consumes one page's events. Persistence of each pair runs on a bounded
// worker group; Wait drains every operation started before the event stream closed.
type Pipeline struct {
	analysisID string
	nonce      string
	allowed    map[string]struct{}
	maxWorkers int
	store      Store
	ids        IDSource
	log        logger.Logger

	mu         sync.Mutex
	started    bool
	hosts      []string
	hostSet    map[string]struct{}
	console    []models.ConsoleEntry
	requests   []models.Request
	requestIDs []string

	group *errgroup.Group
	done  chan struct{}
}

// New creates a pipeline for analysisID
func New(cfg Config, analysisID string, store Store, idSource IDSource, log logger.Logger) *Pipeline {
	if cfg.NonceHeader == "" {
		cfg.NonceHeader = DefaultNonceHeader
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}

	allowed := make(map[string]struct{}, len(cfg.BodyResourceTypes))
	for _, t := range cfg.BodyResourceTypes {
		allowed[strings.ToLower(t)] = struct{}{}
	}

	return &Pipeline{
		analysisID: analysisID,
		nonce:      strings.ToLower(cfg.NonceHeader),
		allowed:    allowed,
		maxWorkers: cfg.MaxWorkers,
		store:      store,
		ids:        idSource,
		log:        log.With(logger.String("analysis_id", analysisID)),
		hostSet:    make(map[string]struct{}),
		done:       make(chan struct{}),
	}
}

// ArmOptions returns the page options that route requests through this pipeline
func (p *Pipeline) ArmOptions() browser.ArmOptions {
	return browser.ArmOptions{
		Intercept:   true,
		Hook:        p.OnRequest,
		CaptureBody: p.CapturesBody,
	}
}

// OnRequest records the destination host and returns the nonce header to attach
func (p *Pipeline) OnRequest(req browser.OutgoingRequest) map[string]string {
	if u, err := url.Parse(req.URL); err == nil {
		p.recordHost(u.Hostname())
	}
	return map[string]string{p.nonce: p.ids.Compound(ids.Nonce, nonceParts)}
}

// CapturesBody reports whether bodies of resourceType are stored
func (p *Pipeline) CapturesBody(resourceType string) bool {
	_, ok := p.allowed[strings.ToLower(resourceType)]
	return ok
}

func (p *Pipeline) recordHost(host string) {
	if host == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, seen := p.hostSet[host]; seen {
		return
	}
	p.hostSet[host] = struct{}{}
	p.hosts = append(p.hosts, host)
}

// Start consumes events until the channel is closed. Persistence runs under ctx;
// the first persistence failure cancels the remaining operations.
func (p *Pipeline) Start(ctx context.Context, events <-chan browser.Event) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	p.started = true
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxWorkers)
	p.group = g

	go func() {
		defer close(p.done)
		for ev := range events {
			switch ev := ev.(type) {
			case *browser.ResponseEvent:
				if gctx.Err() != nil {
					// the run is already failing; keep draining so the page can close
					continue
				}
				g.Go(func() error { return p.persist(gctx, ev) })
			case *browser.ConsoleEvent:
				p.mu.Lock()
				p.console = append(p.console, models.ConsoleEntry{Type: ev.Type, Text: ev.Text, Args: ev.Args})
				p.mu.Unlock()
			}
		}
	}()

	return nil
}

// Wait blocks until the event stream has closed and every persistence operation
// has settled, returning the first failure
func (p *Pipeline) Wait() error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}

	<-p.done
	return p.group.Wait()
}

func (p *Pipeline) persist(ctx context.Context, ev *browser.ResponseEvent) error {
	var body *string
	if ev.Response.Body != nil && p.CapturesBody(ev.Request.ResourceType) {
		s := sanitizeBody(ev.Response.Body)
		body = &s
	}

	resp, err := p.store.CreateResponse(ctx, &models.Response{
		ID:            p.ids.Next(ids.Response),
		ParentID:      p.analysisID,
		URL:           ev.Response.URL,
		Status:        ev.Response.Status,
		StatusText:    ev.Response.StatusText,
		Headers:       ev.Response.Headers,
		MimeType:      ev.Response.MimeType,
		RemoteAddress: ev.Response.RemoteAddress,
		Timing:        ev.Response.Timing,
		Body:          body,
	})
	if err != nil {
		return fmt.Errorf("failed to persist response for %s: %w", ev.Request.URL, err)
	}

	var nonce *string
	if v, ok := browser.HeaderValue(ev.Request.Headers, p.nonce); ok {
		nonce = &v
	}

	responseID := resp.ID
	req, err := p.store.CreateRequest(ctx, &models.Request{
		ID:           p.ids.Next(ids.Request),
		ParentID:     p.analysisID,
		Nonce:        nonce,
		Method:       ev.Request.Method,
		URL:          ev.Request.URL,
		Headers:      ev.Request.Headers,
		ResourceType: ev.Request.ResourceType,
		ResponseID:   &responseID,
	})
	if err != nil {
		return fmt.Errorf("failed to persist request for %s: %w", ev.Request.URL, err)
	}
	req.Response = resp

	p.mu.Lock()
	p.requests = append(p.requests, *req)
	p.requestIDs = append(p.requestIDs, req.ID)
	p.mu.Unlock()

	p.log.Debug("Captured request",
		logger.String("url", req.URL),
		logger.String("resource_type", req.ResourceType),
		logger.Int("status", resp.Status),
	)
	return nil
}

// sanitizeBody makes a body storable as text
func sanitizeBody(b []byte) string {
	return strings.ReplaceAll(strings.ToValidUTF8(string(b), "�"), "\x00", "")
}

// Hosts returns the contacted hostnames in first-seen order
func (p *Pipeline) Hosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.hosts...)
}

// Console returns the console log in arrival order
func (p *Pipeline) Console() []models.ConsoleEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ConsoleEntry{}, p.console...)
}

// Requests returns the joined pairs in completion order
func (p *Pipeline) Requests() []models.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Request{}, p.requests...)
}

// RequestIDs returns the identifiers of the joined pairs in completion order
func (p *Pipeline) RequestIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string{}, p.requestIDs...)
}
