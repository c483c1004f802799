package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"

	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

const (
	defaultIdleWindow        = 500 * time.Millisecond
	defaultIdleMaxInflight   = 2
	defaultScreenshotQuality = 100
	defaultEventBuffer       = 256
	defaultWindowWidth       = 1920
	defaultWindowHeight      = 1080
)

// Config controls how the browser is launched or attached to
type Config struct {
	// RemoteURL attaches to an already running browser (ws:// or http:// devtools URL)
	RemoteURL string
	ExecPath  string
	Headless  bool
	// DebugPort fixes the remote debugging port of a launched browser so other
	// tools (the audit engine) can attach to it
	DebugPort         int
	UserAgent         string
	WindowWidth       int
	WindowHeight      int
	IdleWindow        time.Duration
	IdleMaxInflight   int
	ScreenshotQuality int
	EventBuffer       int
}

func (c *Config) setDefaults() {
	if c.IdleWindow <= 0 {
		c.IdleWindow = defaultIdleWindow
	}
	if c.IdleMaxInflight <= 0 {
		c.IdleMaxInflight = defaultIdleMaxInflight
	}
	if c.ScreenshotQuality <= 0 || c.ScreenshotQuality > 100 {
		c.ScreenshotQuality = defaultScreenshotQuality
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = defaultWindowWidth
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = defaultWindowHeight
	}
}

// Chrome is a browser instance shared by concurrent runs. Each run opens its own page.
type Chrome struct {
	cfg           Config
	log           logger.Logger
	endpoint      string
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewChrome launches (or attaches to) a browser
func NewChrome(ctx context.Context, cfg Config, log logger.Logger) (*Chrome, error) {
	cfg.setDefaults()

	var allocCtx context.Context
	var allocCancel context.CancelFunc
	endpoint := cfg.RemoteURL

	if cfg.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, cfg.RemoteURL)
	} else {
		opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
		)
		if cfg.ExecPath != "" {
			opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
		}
		if cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
		}
		if cfg.DebugPort > 0 {
			opts = append(opts, chromedp.Flag("remote-debugging-port", strconv.Itoa(cfg.DebugPort)))
			endpoint = fmt.Sprintf("http://127.0.0.1:%d", cfg.DebugPort)
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, opts...)
	}

	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("failed to start browser: %w", err)
	}

	log.Info("Browser ready", logger.String("endpoint", endpoint))

	return &Chrome{
		cfg:           cfg,
		log:           log,
		endpoint:      endpoint,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
	}, nil
}

// Endpoint returns the devtools endpoint other tools can attach to, or "" when unknown
func (c *Chrome) Endpoint() string {
	return c.endpoint
}

// OpenPage allocates a new tab
func (c *Chrome) OpenPage(ctx context.Context) (Page, error) {
	tabCtx, tabCancel := chromedp.NewContext(c.browserCtx)

	done := make(chan error, 1)
	go func() { done <- chromedp.Run(tabCtx) }()

	select {
	case err := <-done:
		if err != nil {
			tabCancel()
			return nil, fmt.Errorf("failed to open page: %w", err)
		}
	case <-ctx.Done():
		tabCancel()
		return nil, ctx.Err()
	}

	return &chromePage{
		ctx:       tabCtx,
		cancel:    tabCancel,
		cfg:       c.cfg,
		log:       c.log,
		idle:      newIdleTracker(c.cfg.IdleMaxInflight, c.cfg.IdleWindow),
		exchanges: make(map[network.RequestID]*exchange),
		injected:  make(map[network.RequestID]map[string]string),
	}, nil
}

// Close shuts the browser down
func (c *Chrome) Close() {
	c.browserCancel()
	c.allocCancel()
}

type exchange struct {
	request  RequestRecord
	response *network.Response
	// injected holds the headers the hook added to this hop
	injected map[string]string
}

// requestRecord returns the request as sent, including the hook's headers
func (ex *exchange) requestRecord() RequestRecord {
	req := ex.request
	req.Headers = make(map[string]string, len(ex.request.Headers)+len(ex.injected))
	for name, value := range ex.request.Headers {
		req.Headers[name] = value
	}
	for name, value := range ex.injected {
		req.Headers[name] = value
	}
	return req
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	log    logger.Logger
	idle   *idleTracker

	mu           sync.Mutex
	armed        bool
	closed       bool
	opts         ArmOptions
	events       chan Event
	exchanges    map[network.RequestID]*exchange
	injected     map[network.RequestID]map[string]string // hook headers not yet claimed by an exchange
	mainFrame    cdp.FrameID
	mainResponse *network.Response

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func (p *chromePage) Arm(ctx context.Context, opts ArmOptions) (<-chan Event, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPageClosed
	}
	if p.armed {
		p.mu.Unlock()
		return nil, errors.New("page listeners already installed")
	}
	p.armed = true
	p.opts = opts
	p.events = make(chan Event, p.cfg.EventBuffer)
	if c := chromedp.FromContext(p.ctx); c != nil && c.Target != nil {
		// the main frame of a page target shares the target's id
		p.mainFrame = cdp.FrameID(c.Target.TargetID)
	}
	p.mu.Unlock()

	chromedp.ListenTarget(p.ctx, p.onEvent)

	actions := []chromedp.Action{network.Enable(), runtime.Enable()}
	if opts.Intercept {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{
			{URLPattern: "*", RequestStage: fetch.RequestStageRequest},
		}))
	}
	if err := p.run(ctx, actions...); err != nil {
		return nil, fmt.Errorf("failed to enable capture: %w", err)
	}

	return p.events, nil
}

func (p *chromePage) Navigate(ctx context.Context, url string) (*TopLevelResponse, error) {
	if p.isClosed() {
		return nil, ErrPageClosed
	}

	p.mu.Lock()
	p.mainResponse = nil
	p.mu.Unlock()
	p.idle.reset()

	if err := p.run(ctx, chromedp.Navigate(url)); err != nil {
		return nil, fmt.Errorf("navigation to %s failed: %w", url, err)
	}
	p.idle.markLoaded()

	if err := p.idle.wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for network idle: %w", err)
	}

	p.mu.Lock()
	resp := p.mainResponse
	p.mu.Unlock()
	if resp == nil {
		return nil, fmt.Errorf("no document response received for %s", url)
	}

	return topLevelResponse(resp), nil
}

func (p *chromePage) URL(ctx context.Context) (string, error) {
	var location string
	if err := p.run(ctx, chromedp.Location(&location)); err != nil {
		return "", fmt.Errorf("failed to read page URL: %w", err)
	}
	return location, nil
}

func (p *chromePage) Content(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("failed to read page content: %w", err)
	}
	return html, nil
}

func (p *chromePage) Cookies(ctx context.Context) ([]models.Cookie, error) {
	var raw []*network.Cookie
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		raw, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}

	cookies := make([]models.Cookie, 0, len(raw))
	for _, c := range raw {
		cookies = append(cookies, models.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Size:     c.Size,
			HTTPOnly: c.HTTPOnly,
			Secure:   c.Secure,
			Session:  c.Session,
			SameSite: string(c.SameSite),
		})
	}
	return cookies, nil
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, p.cfg.ScreenshotQuality)); err != nil {
		return nil, fmt.Errorf("failed to capture screenshot: %w", err)
	}
	return buf, nil
}

func (p *chromePage) Certificate(ctx context.Context, origin string) ([]string, error) {
	var chain []string
	err := p.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		chain, err = network.GetCertificate(origin).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate for %s: %w", origin, err)
	}
	return chain, nil
}

// Close closes the tab, waits for in-flight event deliveries and closes the event channel
func (p *chromePage) Close() error {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()

		p.closeErr = chromedp.Cancel(p.ctx)
		p.cancel()
		p.wg.Wait()

		if p.events != nil {
			close(p.events)
		}
	})
	return p.closeErr
}

func (p *chromePage) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// run executes actions on the tab, bounded by ctx. Cancelling a context derived
// from the tab context stops the actions without closing the tab.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	if p.isClosed() {
		return ErrPageClosed
	}

	runCtx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// do executes a single protocol command from inside an event handler
func (p *chromePage) do(fn func(ctx context.Context) error) error {
	c := chromedp.FromContext(p.ctx)
	if c == nil || c.Target == nil {
		return ErrPageClosed
	}
	return fn(cdp.WithExecutor(p.ctx, c.Target))
}

// track registers an in-flight delivery. Must be called with p.mu held.
func (p *chromePage) track() bool {
	if p.closed {
		return false
	}
	p.wg.Add(1)
	return true
}

func (p *chromePage) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		p.onRequestPaused(ev)
	case *network.EventRequestWillBeSent:
		p.onRequestWillBeSent(ev)
	case *network.EventResponseReceived:
		p.onResponseReceived(ev)
	case *network.EventLoadingFinished:
		p.idle.finished(string(ev.RequestID))
		p.onLoadingFinished(ev)
	case *network.EventLoadingFailed:
		p.idle.finished(string(ev.RequestID))
		p.onLoadingFailed(ev)
	case *runtime.EventConsoleAPICalled:
		p.onConsole(ev)
	}
}

func (p *chromePage) onRequestPaused(ev *fetch.EventRequestPaused) {
	req := OutgoingRequest{
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: string(ev.ResourceType),
		Headers:      flattenHeaders(ev.Request.Headers),
	}

	var added map[string]string
	if p.opts.Hook != nil {
		added = p.opts.Hook(req)
	}

	headers := make([]*fetch.HeaderEntry, 0, len(req.Headers)+len(added))
	for name, value := range req.Headers {
		if _, overridden := added[name]; overridden {
			continue
		}
		headers = append(headers, &fetch.HeaderEntry{Name: name, Value: value})
	}
	for name, value := range added {
		headers = append(headers, &fetch.HeaderEntry{Name: name, Value: value})
	}

	p.mu.Lock()
	if ev.NetworkID != "" && len(added) > 0 {
		// the paused event may arrive before or after requestWillBeSent
		if ex, ok := p.exchanges[ev.NetworkID]; ok && ex.injected == nil && ex.request.URL == req.URL {
			ex.injected = added
		} else {
			p.injected[ev.NetworkID] = added
		}
	}
	ok := p.track()
	p.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		defer p.wg.Done()
		err := p.do(func(ctx context.Context) error {
			return fetch.ContinueRequest(ev.RequestID).WithHeaders(headers).Do(ctx)
		})
		if err != nil {
			p.log.Debug("Failed to continue paused request",
				logger.String("url", req.URL),
				logger.Error(err),
			)
		}
	}()
}

func (p *chromePage) onRequestWillBeSent(ev *network.EventRequestWillBeSent) {
	p.idle.started(string(ev.RequestID))

	record := RequestRecord{
		URL:          ev.Request.URL,
		Method:       ev.Request.Method,
		ResourceType: string(ev.Type),
		Headers:      flattenHeaders(ev.Request.Headers),
	}

	if !p.opts.Intercept && p.opts.Hook != nil && ev.RedirectResponse == nil {
		p.opts.Hook(OutgoingRequest(record))
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// redirect hops share the request id; the previous hop completes here
	if prev, ok := p.exchanges[ev.RequestID]; ok && ev.RedirectResponse != nil {
		prev.response = ev.RedirectResponse
		p.deliver(ev.RequestID, prev, false)
	}

	ex := &exchange{request: record}
	if added, ok := p.injected[ev.RequestID]; ok {
		ex.injected = added
		delete(p.injected, ev.RequestID)
	}
	p.exchanges[ev.RequestID] = ex
}

func (p *chromePage) onResponseReceived(ev *network.EventResponseReceived) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ex, ok := p.exchanges[ev.RequestID]; ok {
		ex.response = ev.Response
		if ev.Type != "" {
			ex.request.ResourceType = string(ev.Type)
		}
	}
	if ev.Type == network.ResourceTypeDocument && ev.FrameID == p.mainFrame {
		p.mainResponse = ev.Response
	}
}

func (p *chromePage) onLoadingFinished(ev *network.EventLoadingFinished) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ex, ok := p.exchanges[ev.RequestID]
	delete(p.exchanges, ev.RequestID)
	delete(p.injected, ev.RequestID)
	if !ok || ex.response == nil {
		return
	}
	p.deliver(ev.RequestID, ex, p.opts.CaptureBody != nil && p.opts.CaptureBody(ex.request.ResourceType))
}

// onLoadingFailed keeps requests whose headers arrived before the transfer broke
func (p *chromePage) onLoadingFailed(ev *network.EventLoadingFailed) {
	p.mu.Lock()
	defer p.mu.Unlock()

	ex, ok := p.exchanges[ev.RequestID]
	delete(p.exchanges, ev.RequestID)
	delete(p.injected, ev.RequestID)
	if !ok || ex.response == nil {
		return
	}
	p.deliver(ev.RequestID, ex, false)
}

// deliver emits the completed exchange. Must be called with p.mu held.
func (p *chromePage) deliver(id network.RequestID, ex *exchange, withBody bool) {
	if !p.track() {
		return
	}
	req := ex.requestRecord()
	record := responseRecord(ex.response)

	go func() {
		defer p.wg.Done()

		if withBody {
			err := p.do(func(ctx context.Context) error {
				body, err := network.GetResponseBody(id).Do(ctx)
				record.Body = body
				return err
			})
			if err != nil {
				p.log.Debug("Failed to read response body",
					logger.String("url", record.URL),
					logger.Error(err),
				)
				record.Body = nil
			}
		}

		p.events <- &ResponseEvent{Request: req, Response: record}
	}()
}

func (p *chromePage) onConsole(ev *runtime.EventConsoleAPICalled) {
	p.mu.Lock()
	ok := p.track()
	p.mu.Unlock()
	if !ok {
		return
	}
	defer p.wg.Done()

	p.events <- consoleEvent(ev)
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for name, value := range h {
		out[name] = fmt.Sprint(value)
	}
	return out
}

func responseRecord(resp *network.Response) ResponseRecord {
	record := ResponseRecord{
		URL:        resp.URL,
		Status:     int(resp.Status),
		StatusText: resp.StatusText,
		Headers:    flattenHeaders(resp.Headers),
		MimeType:   resp.MimeType,
	}
	if resp.RemoteIPAddress != "" {
		record.RemoteAddress = net.JoinHostPort(resp.RemoteIPAddress, strconv.FormatInt(resp.RemotePort, 10))
	}
	if t := resp.Timing; t != nil {
		record.Timing = map[string]float64{
			"requestTime":       t.RequestTime,
			"dnsStart":          t.DNSStart,
			"dnsEnd":            t.DNSEnd,
			"connectStart":      t.ConnectStart,
			"connectEnd":        t.ConnectEnd,
			"sslStart":          t.SslStart,
			"sslEnd":            t.SslEnd,
			"sendStart":         t.SendStart,
			"sendEnd":           t.SendEnd,
			"receiveHeadersEnd": t.ReceiveHeadersEnd,
		}
	}
	return record
}

func topLevelResponse(resp *network.Response) *TopLevelResponse {
	top := &TopLevelResponse{
		URL:    resp.URL,
		Status: int(resp.Status),
	}
	if sd := resp.SecurityDetails; sd != nil {
		summary := &SecuritySummary{
			Protocol:    sd.Protocol,
			SubjectName: sd.SubjectName,
			Issuer:      sd.Issuer,
		}
		if sd.ValidFrom != nil {
			summary.ValidFrom = sd.ValidFrom.Time().Unix()
		}
		if sd.ValidTo != nil {
			summary.ValidTo = sd.ValidTo.Time().Unix()
		}
		top.Security = summary
	}
	return top
}

func consoleEvent(ev *runtime.EventConsoleAPICalled) *ConsoleEvent {
	args := make([]any, 0, len(ev.Args))
	texts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		v := remoteValue(arg)
		args = append(args, v)
		texts = append(texts, fmt.Sprint(v))
	}
	return &ConsoleEvent{
		Type: string(ev.Type),
		Text: strings.Join(texts, " "),
		Args: args,
	}
}

// remoteValue realizes a console argument: its JSON value when serializable,
// otherwise the browser's description of it
func remoteValue(obj *runtime.RemoteObject) any {
	if obj == nil {
		return nil
	}
	if len(obj.Value) > 0 {
		var v any
		if err := json.Unmarshal([]byte(obj.Value), &v); err == nil {
			return v
		}
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}
