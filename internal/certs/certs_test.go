package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"errors"
	"math/big"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commjoen/urlanalyzer/internal/browser"
	"github.com/commjoen/urlanalyzer/internal/logger"
	"github.com/commjoen/urlanalyzer/internal/store"
	"github.com/commjoen/urlanalyzer/pkg/models"
)

var (
	notBefore = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	notAfter  = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
)

func testCertificate(t *testing.T) string {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	site, _ := url.Parse("https://example.com/")
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(0xABCDEF),
		Subject: pkix.Name{
			CommonName:   "example.com",
			Organization: []string{"Example Org"},
			Country:      []string{"US"},
		},
		Issuer:                pkix.Name{CommonName: "example.com"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"example.com", "www.example.com"},
		IPAddresses:           []net.IP{net.ParseIP("93.184.216.34")},
		URIs:                  []*url.URL{site},
		OCSPServer:            []string{"http://ocsp.example.com"},
		IssuingCertificateURL: []string{"http://ca.example.com/ca.crt"},
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func altName(typ, value string) models.AltName {
	return models.AltName{Type: typ, Value: value}
}

type fakeChain struct {
	chain  []string
	err    error
	origin string
	calls  int
}

func (f *fakeChain) Certificate(_ context.Context, origin string) ([]string, error) {
	f.calls++
	f.origin = origin
	return f.chain, f.err
}

func TestDecode(t *testing.T) {
	encoded := testCertificate(t)

	cert, err := Decode(encoded)
	require.NoError(t, err)

	assert.Equal(t, encoded, cert.Encoded)
	assert.True(t, strings.HasPrefix(cert.Decoded, "-----BEGIN CERTIFICATE-----"))

	x := cert.X509
	assert.True(t, x.CA)
	assert.Equal(t, "ABCDEF", x.SerialNumber)
	assert.Equal(t, "2024-01-02T03:04:05.000Z", x.ValidFrom)
	assert.Equal(t, "2025-01-02T03:04:05.000Z", x.ValidTo)

	assert.Equal(t, "example.com", x.Subject["CN"])
	assert.Equal(t, "Example Org", x.Subject["O"])
	assert.Equal(t, "US", x.Subject["C"])
	assert.Equal(t, "example.com", x.Issuer["CN"])

	assert.Len(t, strings.Split(x.Fingerprint, ":"), 20)
	assert.Len(t, strings.Split(x.Fingerprint256, ":"), 32)
	assert.Len(t, strings.Split(x.Fingerprint512, ":"), 64)
	assert.Equal(t, strings.ToUpper(x.Fingerprint256), x.Fingerprint256)

	assert.Contains(t, x.SubjectAltName, altName("DNS", "www.example.com"))
	assert.Contains(t, x.SubjectAltName, altName("IP Address", "93.184.216.34"))
	assert.Contains(t, x.SubjectAltName, altName("URI", "https://example.com/"))

	require.Len(t, x.InfoAccess, 2)
	assert.Equal(t, "OCSP", x.InfoAccess[0].Type)
	assert.Equal(t, "http://ocsp.example.com", x.InfoAccess[0].URL)
	assert.Equal(t, "CA Issuers", x.InfoAccess[1].Type)

	assert.Equal(t, []string{"digitalSignature", "keyCertSign"}, x.KeyUsage)
	assert.Equal(t, []string{"serverAuth"}, x.ExtKeyUsage)
}

func TestDecodeInvalid(t *testing.T) {
	_, err := Decode("%%%")
	assert.Error(t, err)

	_, err = Decode(base64.StdEncoding.EncodeToString([]byte("not a certificate")))
	assert.Error(t, err)
}

func TestOrigin(t *testing.T) {
	tests := []struct {
		input    string
		expected string
		secure   bool
	}{
		{"https://example.com/path?q=1", "https://example.com", true},
		{"https://example.com:8443/", "https://example.com:8443", true},
		{"http://example.com/", "http://example.com", false},
		{"not a url", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			origin, secure := Origin(tt.input)
			if origin != tt.expected || secure != tt.secure {
				t.Errorf("Expected (%q, %v), got (%q, %v)", tt.expected, tt.secure, origin, secure)
			}
		})
	}
}

func TestExtract(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemory()
	extractor := NewExtractor(mem, logger.NewNop())
	src := &fakeChain{chain: []string{testCertificate(t)}}

	top := &browser.TopLevelResponse{
		URL:    "https://example.com/landing",
		Status: 200,
		Security: &browser.SecuritySummary{
			Protocol:    "TLS 1.3",
			SubjectName: "example.com",
			Issuer:      "Example CA",
			ValidFrom:   notBefore.Unix(),
			ValidTo:     notAfter.Unix(),
		},
	}

	details, err := extractor.Extract(ctx, "a1", top, src)
	require.NoError(t, err)

	assert.Equal(t, "https://example.com", src.origin)
	assert.Equal(t, "a1", details.ID)
	assert.Equal(t, "a1", details.ParentID)
	assert.Equal(t, "TLS 1.3", details.Protocol)
	assert.Equal(t, notBefore.Unix(), details.ValidFrom)
	assert.Len(t, details.Certificates, 1)

	stored, err := mem.GetCertificate(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, details, stored)
}

func TestExtractFallbacks(t *testing.T) {
	extractor := NewExtractor(store.NewMemory(), logger.NewNop())
	src := &fakeChain{}

	details, err := extractor.Extract(context.Background(), "a2",
		&browser.TopLevelResponse{URL: "http://example.com/", Status: 200}, src)
	require.NoError(t, err)

	assert.Equal(t, Unknown, details.SubjectName)
	assert.Equal(t, Unknown, details.Issuer)
	assert.Equal(t, Unknown, details.Protocol)
	assert.Zero(t, details.ValidFrom)
	assert.Zero(t, details.ValidTo)
	assert.Empty(t, details.Certificates)
	assert.Equal(t, 0, src.calls, "no chain is fetched for http pages")
}

func TestExtractChainFailure(t *testing.T) {
	extractor := NewExtractor(store.NewMemory(), logger.NewNop())
	src := &fakeChain{err: errors.New("protocol error")}

	_, err := extractor.Extract(context.Background(), "a3",
		&browser.TopLevelResponse{URL: "https://example.com/"}, src)
	assert.Error(t, err)
}

func TestExtractBadChainEntry(t *testing.T) {
	extractor := NewExtractor(store.NewMemory(), logger.NewNop())
	src := &fakeChain{chain: []string{"bm90IGEgY2VydA=="}}

	_, err := extractor.Extract(context.Background(), "a4",
		&browser.TopLevelResponse{URL: "https://example.com/"}, src)
	assert.Error(t, err)
}
