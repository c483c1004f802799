// Package audit runs the Lighthouse CLI against the shared browser
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 90 * time.Second

// ErrNoEndpoint is returned when the browser endpoint carries no port
var ErrNoEndpoint = errors.New("browser endpoint has no debugging port")

// Report is the part of a Lighthouse result the analyzer consumes
type Report struct {
	MainDocumentURL string
	// Scores maps category ids to their 0..1 score; unscored categories are absent
	Scores map[string]float64
}

// Lighthouse invokes the lighthouse binary attached to a running Chrome
type Lighthouse struct {
	binary  string
	timeout time.Duration
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// NewLighthouse creates a runner for the given binary
func NewLighthouse(binary string, timeout time.Duration) *Lighthouse {
	if binary == "" {
		binary = "lighthouse"
	}
	if timeout == 0 {
		timeout = defaultTimeout
	}
	return &Lighthouse{
		binary:  binary,
		timeout: timeout,
		command: exec.CommandContext,
	}
}

// Run audits targetURL through the browser listening at endpoint
func (l *Lighthouse) Run(ctx context.Context, targetURL, endpoint string) (*Report, error) {
	port, err := Port(endpoint)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	cmd := l.command(ctx, l.binary,
		targetURL,
		"--port="+port,
		"--output=json",
		"--output-path=stdout",
		"--quiet",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherited the pipes must not keep Run blocked after a kill
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("lighthouse: %w", ctx.Err())
		}
		return nil, fmt.Errorf("lighthouse: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	return parseReport(stdout.Bytes())
}

// Port extracts the debugging port from a devtools http or websocket endpoint
func Port(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid browser endpoint: %w", err)
	}
	port := u.Port()
	if port == "" {
		return "", ErrNoEndpoint
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid browser endpoint port %q", port)
	}
	return port, nil
}

type lighthouseResult struct {
	MainDocumentURL   string `json:"mainDocumentUrl"`
	FinalDisplayedURL string `json:"finalDisplayedUrl"`
	Categories        map[string]struct {
		Score *float64 `json:"score"`
	} `json:"categories"`
}

func parseReport(raw []byte) (*Report, error) {
	var lhr lighthouseResult
	if err := json.Unmarshal(raw, &lhr); err != nil {
		return nil, fmt.Errorf("failed to parse lighthouse report: %w", err)
	}

	report := &Report{
		MainDocumentURL: lhr.MainDocumentURL,
		Scores:          make(map[string]float64, len(lhr.Categories)),
	}
	if report.MainDocumentURL == "" {
		report.MainDocumentURL = lhr.FinalDisplayedURL
	}
	for id, cat := range lhr.Categories {
		if cat.Score != nil {
			report.Scores[id] = *cat.Score
		}
	}
	return report, nil
}
