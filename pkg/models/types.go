// Package models contains shared data structures used across the application
package models

import "time"

// Analysis is the persisted record of one URL visit
type Analysis struct {
	ID               string              `json:"id"`
	URL              string              `json:"url"`
	EffectiveURL     string              `json:"effective_url"`
	Body             string              `json:"body"`
	Metadata         map[string]any      `json:"metadata"`
	Cookies          []Cookie            `json:"cookies"`
	ConsoleOutput    []ConsoleEntry      `json:"console_output"`
	ContactedDomains []string            `json:"contacted_domains"`
	URLsFound        []string            `json:"urls_found"`
	DNS              map[string][]string `json:"dns"`
	SecurityDetails  SecurityDetails     `json:"security_details"`
	CertificateID    string              `json:"certificate_id"`
	Screenshot       *Screenshot         `json:"screenshot,omitempty"`
	Whois            *WhoisSummary       `json:"whois,omitempty"`
	RequestIDs       []string            `json:"requests_ids"`
	CreatedAt        time.Time           `json:"created_at"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// Request is one intercepted outbound network request
type Request struct {
	ID           string            `json:"id"`
	ParentID     string            `json:"parent_id"`
	Nonce        *string           `json:"nonce"`
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	ResourceType string            `json:"resource_type"`
	ResponseID   *string           `json:"response_id"`
	CreatedAt    time.Time         `json:"created_at"`

	// Response is populated when the request is joined with its response row
	Response *Response `json:"response"`
}

// Response is the response paired with a Request
type Response struct {
	ID            string             `json:"id"`
	ParentID      string             `json:"parent_id"`
	URL           string             `json:"url"`
	Status        int                `json:"status"`
	StatusText    string             `json:"status_text"`
	Headers       map[string]string  `json:"headers"`
	MimeType      string             `json:"mime_type"`
	RemoteAddress string             `json:"remote_address,omitempty"`
	Timing        map[string]float64 `json:"timing,omitempty"`
	Body          *string            `json:"body"`
	CreatedAt     time.Time          `json:"created_at"`
}

// CertificateDetails combines the browser security summary with the decoded chain
type CertificateDetails struct {
	ID           string        `json:"id"`
	ParentID     string        `json:"parent_id"`
	SubjectName  string        `json:"subject_name"`
	Issuer       string        `json:"issuer"`
	Protocol     string        `json:"protocol"`
	ValidFrom    int64         `json:"valid_from"`
	ValidTo      int64         `json:"valid_to"`
	Certificates []Certificate `json:"certificates"`
	CreatedAt    time.Time     `json:"created_at"`
}

// Certificate is one entry of the raw chain in encoded, decoded and parsed form
type Certificate struct {
	Encoded string      `json:"encoded"`
	Decoded string      `json:"decoded"`
	X509    X509Details `json:"x509"`
}

// X509Details holds the fields extracted from a parsed certificate
type X509Details struct {
	CA             bool              `json:"ca"`
	Fingerprint    string            `json:"fingerprint"`
	Fingerprint256 string            `json:"fingerprint256"`
	Fingerprint512 string            `json:"fingerprint512"`
	InfoAccess     []InfoAccess      `json:"infoAccess"`
	Issuer         map[string]string `json:"issuer"`
	Subject        map[string]string `json:"subject"`
	SubjectAltName []AltName         `json:"subjectAltName"`
	KeyUsage       []string          `json:"keyUsage"`
	ExtKeyUsage    []string          `json:"extKeyUsage,omitempty"`
	SerialNumber   string            `json:"serialNumber"`
	ValidFrom      string            `json:"validFrom"`
	ValidTo        string            `json:"validTo"`
}

// AltName is a typed subject alternative name entry
type AltName struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// InfoAccess is a typed authority information access URL
type InfoAccess struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// SecurityDetails contains the reputation verdicts embedded in an Analysis
type SecurityDetails struct {
	SafeBrowsing       SafetyVerdict       `json:"safeBrowsing"`
	TransparencyReport TransparencyVerdict `json:"transparencyReport"`
}

// SafetyVerdict is the malware/phishing reputation verdict for a set of URLs
type SafetyVerdict struct {
	Checked bool          `json:"checked"`
	Safe    bool          `json:"safe"`
	URLs    []string      `json:"urls"`
	Matches []ThreatMatch `json:"matches,omitempty"`
}

// ThreatMatch is a single reputation hit
type ThreatMatch struct {
	URL          string `json:"url"`
	ThreatType   string `json:"threatType"`
	PlatformType string `json:"platformType"`
}

// TransparencyVerdict is the certificate transparency log result for a host
type TransparencyVerdict struct {
	Host             string   `json:"host"`
	Logged           bool     `json:"logged"`
	CertificateCount int      `json:"certificateCount"`
	Issuers          []string `json:"issuers,omitempty"`
	FirstSeen        string   `json:"firstSeen,omitempty"`
	LastSeen         string   `json:"lastSeen,omitempty"`
}

// Screenshot references a hosted screenshot image
type Screenshot struct {
	ID         string `json:"id,omitempty"`
	URL        string `json:"url"`
	Visibility string `json:"visibility"`
}

// WhoisSummary contains the registration data of the effective host
type WhoisSummary struct {
	Domain         string     `json:"domain"`
	Registrar      string     `json:"registrar,omitempty"`
	RegistrantOrg  string     `json:"registrant_org,omitempty"`
	Nameservers    []string   `json:"nameservers,omitempty"`
	Status         []string   `json:"status,omitempty"`
	CreationDate   *time.Time `json:"creation_date,omitempty"`
	ExpirationDate *time.Time `json:"expiration_date,omitempty"`
	UpdatedDate    *time.Time `json:"updated_date,omitempty"`
	DNSSEC         string     `json:"dnssec,omitempty"`
}

// ConsoleEntry is one console message emitted by the page
type ConsoleEntry struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Args []any  `json:"args"`
}

// Cookie is a browser cookie present after navigation
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires"`
	Size     int64   `json:"size"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session"`
	SameSite string  `json:"sameSite,omitempty"`
}

// Result is the public shape of a completed analysis
type Result struct {
	ID               string              `json:"id"`
	URL              string              `json:"url"`
	EffectiveURL     string              `json:"effectiveUrl"`
	Body             string              `json:"body"`
	Metadata         map[string]any      `json:"metadata"`
	Cookies          []Cookie            `json:"cookies"`
	ConsoleOutput    []ConsoleEntry      `json:"consoleOutput"`
	ContactedDomains []string            `json:"contactedDomains"`
	URLsFound        []string            `json:"urlsFound"`
	DNS              map[string][]string `json:"dns"`
	SecurityDetails  SecurityDetails     `json:"securityDetails"`
	Screenshot       *Screenshot         `json:"screenshot,omitempty"`
	Whois            *WhoisSummary       `json:"whois,omitempty"`
	Certificate      *CertificateDetails `json:"certificate"`
	Requests         []Request           `json:"requests"`
	RequestIDs       []string            `json:"requestIds"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}

// CompletionRecord is the terminal record written when a run ends
type CompletionRecord struct {
	OK          bool      `json:"ok"`
	Data        *Result   `json:"data,omitempty"`
	Error       string    `json:"error,omitempty"`
	CompletedAt time.Time `json:"completedAt"`
}
