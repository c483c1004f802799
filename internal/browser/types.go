// Package browser drives a Chrome instance over the DevTools protocol and exposes
// the page operations and network events an analysis run consumes
package browser

import (
	"context"
	"errors"
	"net/http"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// ErrPageClosed is returned by page operations after Close
var ErrPageClosed = errors.New("page is closed")

// Page is one browser tab owned by a single analysis run
type Page interface {
	// Arm installs the request, response and console listeners. It must be called
	// before Navigate. The returned channel is closed once Close has finished
	// delivering every in-flight event.
	Arm(ctx context.Context, opts ArmOptions) (<-chan Event, error)
	// Navigate loads url and waits until the network has gone idle
	Navigate(ctx context.Context, url string) (*TopLevelResponse, error)
	URL(ctx context.Context) (string, error)
	Content(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]models.Cookie, error)
	Screenshot(ctx context.Context) ([]byte, error)
	// Certificate returns the base64 DER chain the browser holds for origin
	Certificate(ctx context.Context, origin string) ([]string, error)
	Close() error
}

// RequestHook is called for every outgoing request before it is sent. The
// returned headers are added to the request.
type RequestHook func(req OutgoingRequest) map[string]string

// ArmOptions configures capture on a page
type ArmOptions struct {
	// Intercept pauses requests so the hook's headers can be attached
	Intercept bool
	Hook      RequestHook
	// CaptureBody reports whether the response body of a resource type is fetched
	CaptureBody func(resourceType string) bool
}

// OutgoingRequest describes a request about to be sent
type OutgoingRequest struct {
	URL          string
	Method       string
	ResourceType string
	Headers      map[string]string
}

// Event is delivered on the channel returned by Arm
type Event interface {
	event()
}

// ResponseEvent carries a completed request together with its response. The
// pairing is made by the browser's own request identity.
type ResponseEvent struct {
	Request  RequestRecord
	Response ResponseRecord
}

// ConsoleEvent is one console API call made by the page
type ConsoleEvent struct {
	Type string
	Text string
	Args []any
}

func (*ResponseEvent) event() {}
func (*ConsoleEvent) event()  {}

// RequestRecord is the browser's record of a sent request
type RequestRecord struct {
	URL          string
	Method       string
	ResourceType string
	Headers      map[string]string
}

// ResponseRecord is the browser's record of a received response
type ResponseRecord struct {
	URL           string
	Status        int
	StatusText    string
	Headers       map[string]string
	MimeType      string
	RemoteAddress string
	Timing        map[string]float64
	// Body is nil unless CaptureBody allowed the resource type
	Body []byte
}

// TopLevelResponse is the main document response of a navigation
type TopLevelResponse struct {
	URL      string
	Status   int
	Security *SecuritySummary
}

// SecuritySummary is the browser's TLS summary for a response
type SecuritySummary struct {
	Protocol    string
	SubjectName string
	Issuer      string
	ValidFrom   int64
	ValidTo     int64
}

// HeaderValue performs a case-insensitive header lookup
func HeaderValue(headers map[string]string, name string) (string, bool) {
	if v, ok := headers[name]; ok {
		return v, true
	}
	canonical := http.CanonicalHeaderKey(name)
	for k, v := range headers {
		if http.CanonicalHeaderKey(k) == canonical {
			return v, true
		}
	}
	return "", false
}
