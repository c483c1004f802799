// Package certs extracts and persists the TLS certificate chain of a navigated page
package certs

import (
	"context"
	"crypto/sha1" //nolint:gosec // fingerprint display only
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"

	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

// Unknown is used for summary fields the browser did not report
const Unknown = "Unknown"

// TimeFormat is the canonical validity timestamp format
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Store persists certificate details
type Store interface {
	CreateCertificate(ctx context.Context, c *models.CertificateDetails) (*models.CertificateDetails, error)
}

// ChainSource returns the raw base64 DER chain the browser holds for an origin
type ChainSource interface {
	Certificate(ctx context.Context, origin string) ([]string, error)
}

// Extractor builds CertificateDetails from the browser's security summary and raw chain
type Extractor struct {
	store Store
	log   logger.Logger
}

// NewExtractor creates an extractor writing to store
func NewExtractor(store Store, log logger.Logger) *Extractor {
	return &Extractor{store: store, log: log}
}

// Extract reads the summary from top and the chain from src, decodes every entry
// and persists one record keyed by analysisID. Pages not served over https
// have no chain; their record carries only the summary fallbacks.
func (e *Extractor) Extract(ctx context.Context, analysisID string, top *browser.TopLevelResponse, src ChainSource) (*models.CertificateDetails, error) {
	details := &models.CertificateDetails{
		ID:           analysisID,
		ParentID:     analysisID,
		SubjectName:  Unknown,
		Issuer:       Unknown,
		Protocol:     Unknown,
		Certificates: []models.Certificate{},
	}

	pageURL := ""
	if top != nil {
		pageURL = top.URL
		if s := top.Security; s != nil {
			details.SubjectName = orUnknown(s.SubjectName)
			details.Issuer = orUnknown(s.Issuer)
			details.Protocol = orUnknown(s.Protocol)
			details.ValidFrom = s.ValidFrom
			details.ValidTo = s.ValidTo
		}
	}

	origin, secure := Origin(pageURL)
	if secure {
		chain, err := src.Certificate(ctx, origin)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch certificate chain: %w", err)
		}

		for i, encoded := range chain {
			cert, err := Decode(encoded)
			if err != nil {
				return nil, fmt.Errorf("failed to decode certificate %d of %s: %w", i, origin, err)
			}
			details.Certificates = append(details.Certificates, *cert)
		}
	} else {
		e.log.Debug("Skipping certificate chain for insecure page", logger.String("url", pageURL))
	}

	stored, err := e.store.CreateCertificate(ctx, details)
	if err != nil {
		return nil, fmt.Errorf("failed to persist certificate details: %w", err)
	}
	return stored, nil
}

func orUnknown(s string) string {
	if s == "" {
		return Unknown
	}
	return s
}

// Origin returns scheme://host[:port] of rawURL and whether it is an https origin
func Origin(rawURL string) (string, bool) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return "", false
	}
	return u.Scheme + "://" + u.Host, strings.EqualFold(u.Scheme, "https")
}

// Decode parses one base64 DER chain entry
func Decode(encoded string) (*models.Certificate, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid base64: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("invalid certificate: %w", err)
	}

	return &models.Certificate{
		Encoded: encoded,
		Decoded: string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		X509:    Details(cert),
	}, nil
}

// Details extracts the structured fields of cert
func Details(cert *x509.Certificate) models.X509Details {
	sum1 := sha1.Sum(cert.Raw) //nolint:gosec // fingerprint display only
	sum256 := sha256.Sum256(cert.Raw)
	sum512 := sha512.Sum512(cert.Raw)

	return models.X509Details{
		CA:             cert.BasicConstraintsValid && cert.IsCA,
		Fingerprint:    fingerprint(sum1[:]),
		Fingerprint256: fingerprint(sum256[:]),
		Fingerprint512: fingerprint(sum512[:]),
		InfoAccess:     infoAccess(cert),
		Issuer:         distinguishedName(cert.Issuer),
		Subject:        distinguishedName(cert.Subject),
		SubjectAltName: altNames(cert),
		KeyUsage:       keyUsage(cert.KeyUsage),
		ExtKeyUsage:    extKeyUsage(cert),
		SerialNumber:   fmt.Sprintf("%X", cert.SerialNumber),
		ValidFrom:      cert.NotBefore.UTC().Format(TimeFormat),
		ValidTo:        cert.NotAfter.UTC().Format(TimeFormat),
	}
}

// fingerprint renders a digest as colon separated uppercase hex bytes
func fingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

var attributeNames = map[string]string{
	"2.5.4.3":                    "CN",
	"2.5.4.4":                    "SN",
	"2.5.4.5":                    "serialNumber",
	"2.5.4.6":                    "C",
	"2.5.4.7":                    "L",
	"2.5.4.8":                    "ST",
	"2.5.4.9":                    "street",
	"2.5.4.10":                   "O",
	"2.5.4.11":                   "OU",
	"2.5.4.15":                   "businessCategory",
	"2.5.4.17":                   "postalCode",
	"2.5.4.42":                   "GN",
	"1.2.840.113549.1.9.1":       "emailAddress",
	"1.3.6.1.4.1.311.60.2.1.1":   "jurisdictionL",
	"1.3.6.1.4.1.311.60.2.1.2":   "jurisdictionST",
	"1.3.6.1.4.1.311.60.2.1.3":   "jurisdictionC",
	"0.9.2342.19200300.100.1.25": "DC",
}

// distinguishedName parses a name into field/value pairs. Repeated fields are
// joined with newlines.
func distinguishedName(name pkix.Name) map[string]string {
	fields := make(map[string]string, len(name.Names))
	for _, atv := range name.Names {
		key, ok := attributeNames[atv.Type.String()]
		if !ok {
			key = atv.Type.String()
		}
		value := fmt.Sprint(atv.Value)
		if existing, dup := fields[key]; dup {
			value = existing + "\n" + value
		}
		fields[key] = value
	}
	return fields
}

func altNames(cert *x509.Certificate) []models.AltName {
	names := make([]models.AltName, 0, len(cert.DNSNames)+len(cert.IPAddresses)+len(cert.EmailAddresses)+len(cert.URIs))
	for _, n := range cert.DNSNames {
		names = append(names, models.AltName{Type: "DNS", Value: n})
	}
	for _, ip := range cert.IPAddresses {
		names = append(names, models.AltName{Type: "IP Address", Value: ip.String()})
	}
	for _, e := range cert.EmailAddresses {
		names = append(names, models.AltName{Type: "email", Value: e})
	}
	for _, u := range cert.URIs {
		names = append(names, models.AltName{Type: "URI", Value: u.String()})
	}
	return names
}

func infoAccess(cert *x509.Certificate) []models.InfoAccess {
	access := make([]models.InfoAccess, 0, len(cert.OCSPServer)+len(cert.IssuingCertificateURL))
	for _, u := range cert.OCSPServer {
		access = append(access, models.InfoAccess{Type: "OCSP", URL: u})
	}
	for _, u := range cert.IssuingCertificateURL {
		access = append(access, models.InfoAccess{Type: "CA Issuers", URL: u})
	}
	return access
}

var keyUsageNames = []struct {
	bit  x509.KeyUsage
	name string
}{
	{x509.KeyUsageDigitalSignature, "digitalSignature"},
	{x509.KeyUsageContentCommitment, "contentCommitment"},
	{x509.KeyUsageKeyEncipherment, "keyEncipherment"},
	{x509.KeyUsageDataEncipherment, "dataEncipherment"},
	{x509.KeyUsageKeyAgreement, "keyAgreement"},
	{x509.KeyUsageCertSign, "keyCertSign"},
	{x509.KeyUsageCRLSign, "cRLSign"},
	{x509.KeyUsageEncipherOnly, "encipherOnly"},
	{x509.KeyUsageDecipherOnly, "decipherOnly"},
}

func keyUsage(usage x509.KeyUsage) []string {
	names := []string{}
	for _, ku := range keyUsageNames {
		if usage&ku.bit != 0 {
			names = append(names, ku.name)
		}
	}
	return names
}

var extKeyUsageNames = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "any",
	x509.ExtKeyUsageServerAuth:      "serverAuth",
	x509.ExtKeyUsageClientAuth:      "clientAuth",
	x509.ExtKeyUsageCodeSigning:     "codeSigning",
	x509.ExtKeyUsageEmailProtection: "emailProtection",
	x509.ExtKeyUsageTimeStamping:    "timeStamping",
	x509.ExtKeyUsageOCSPSigning:     "OCSPSigning",
}

func extKeyUsage(cert *x509.Certificate) []string {
	var names []string
	for _, eku := range cert.ExtKeyUsage {
		if name, ok := extKeyUsageNames[eku]; ok {
			names = append(names, name)
		}
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		names = append(names, oid.String())
	}
	return names
}
